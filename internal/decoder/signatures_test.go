package decoder

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"chaingraph/internal/config"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestSelector(t *testing.T) {
	assert.Equal(t, "0xa9059cbb", Selector("transfer(address,uint256)"))
	assert.Equal(t, "0x70a08231", Selector("balanceOf(address)"))
	assert.Equal(t,
		"0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef",
		EventTopic("Transfer(address,address,uint256)"))
}

func TestResolveFunction_Builtin(t *testing.T) {
	r := NewSignatureResolver(testLogger(), &config.DecoderConfig{EnableAPI: false, EnableCache: true, APITimeout: "1s"})

	sig, ok := r.ResolveFunction(context.Background(), "0x6352211E")
	require.True(t, ok)
	assert.Equal(t, "ownerOf(uint256)", sig)

	_, ok = r.ResolveFunction(context.Background(), "0xdeadbeef")
	assert.False(t, ok)
}

func TestResolveFunction_FourByteCached(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "0x12345678", r.URL.Query().Get("hex_signature"))
		fmt.Fprint(w, `{"count":2,"results":[{"id":9,"text_signature":"collide(uint8)"},{"id":3,"text_signature":"foo(uint256)"}]}`)
	}))
	defer srv.Close()

	r := NewSignatureResolver(testLogger(), &config.DecoderConfig{
		FourByteAPIURL: srv.URL + "/api/v1/signatures/",
		APITimeout:     "1s",
		EnableCache:    true,
		CacheSize:      10,
		EnableAPI:      true,
	})

	for i := 0; i < 3; i++ {
		sig, ok := r.ResolveFunction(context.Background(), "0x12345678")
		require.True(t, ok)
		assert.Equal(t, "foo(uint256)", sig)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, 1, r.GetCacheSize())
}

func TestResolveEvent_UsesEventEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/event-signatures/", r.URL.Path)
		fmt.Fprint(w, `{"count":1,"results":[{"id":1,"text_signature":"Deposit(address,uint256)"}]}`)
	}))
	defer srv.Close()

	r := NewSignatureResolver(testLogger(), &config.DecoderConfig{
		FourByteAPIURL: srv.URL + "/api/v1/signatures/",
		APITimeout:     "1s",
		EnableAPI:      true,
	})
	sig, ok := r.ResolveEvent(context.Background(), "0xe1fffcc4923d04b559f4d29a8bfc6cda04eb5b0d3c460751c2402c5c5cc9109c")
	require.True(t, ok)
	assert.Equal(t, "Deposit(address,uint256)", sig)
}

func TestParseSignature(t *testing.T) {
	tests := []struct {
		sig   string
		name  string
		types []string
		ok    bool
	}{
		{"totalSupply()", "totalSupply", nil, true},
		{"transfer(address,uint256)", "transfer", []string{"address", "uint256"}, true},
		{"swap((address,uint256),bytes)", "swap", []string{"(address,uint256)", "bytes"}, true},
		{"broken", "", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.sig, func(t *testing.T) {
			name, types, ok := ParseSignature(tt.sig)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.name, name)
			assert.Equal(t, tt.types, types)
		})
	}
}
