package skeleton

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withTrailer(t *testing.T, body []byte, fields map[string]interface{}) []byte {
	enc, err := cbor.Marshal(fields)
	require.NoError(t, err)
	length := make([]byte, 2)
	binary.BigEndian.PutUint16(length, uint16(len(enc)))
	out := append(append([]byte(nil), body...), enc...)
	return append(out, length...)
}

func TestParseMetadata_Swarm(t *testing.T) {
	code := withTrailer(t, []byte{0x60, 0x01, 0x00}, map[string]interface{}{
		"bzzr0":        bytes.Repeat([]byte{0xab}, 32),
		"solc":         "0.4.26-nightly.2018.9.13",
		"experimental": true,
	})

	meta, ok := ParseMetadata(code)
	require.True(t, ok)
	assert.Equal(t, "bzzr0", meta.StorageProtocol)
	assert.Equal(t, "0x"+string(bytes.Repeat([]byte("ab"), 32)), meta.StorageHash)
	assert.Equal(t, "0.4.26-nightly.2018.9.13", meta.SolcVersion)
	assert.True(t, meta.Experimental)
}

func TestParseMetadata_ReleaseVersion(t *testing.T) {
	code := append([]byte{0x60, 0x01, 0x00}, solcTrailer(0xcc)...)
	meta, ok := ParseMetadata(code)
	require.True(t, ok)
	assert.Equal(t, "0.8.19", meta.SolcVersion)
	assert.Equal(t, "ipfs", meta.StorageProtocol)
}

func TestParseMetadata_Rejects(t *testing.T) {
	// 没有已知字段
	unknown := withTrailer(t, []byte{0x60, 0x01, 0x00}, map[string]interface{}{"foo": 1})
	_, ok := ParseMetadata(unknown)
	assert.False(t, ok)

	// 长度指向的不是 CBOR
	garbage := []byte{0x60, 0x01, 0xff, 0xff, 0xff, 0x00, 0x03}
	body, meta := splitMetadata(garbage)
	assert.Nil(t, meta)
	assert.Equal(t, garbage, body)
}
