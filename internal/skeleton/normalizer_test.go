package skeleton

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runtimeWithImmutable PUSH1 80 PUSH1 40 MSTORE PUSH32 <imm> POP INVALID
func runtimeWithImmutable(imm byte, push1 byte) []byte {
	code := []byte{0x60, push1, 0x60, 0x40, 0x52, 0x7f}
	code = append(code, bytes.Repeat([]byte{imm}, 32)...)
	return append(code, 0x50, 0xfe)
}

// solcTrailer 构造 {"ipfs": <34字节>, "solc": 0.8.19} 元数据
func solcTrailer(ipfsFill byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(0xa2)
	buf.WriteByte(0x64)
	buf.WriteString("ipfs")
	buf.WriteByte(0x58)
	buf.WriteByte(34)
	buf.Write(bytes.Repeat([]byte{ipfsFill}, 34))
	buf.WriteByte(0x64)
	buf.WriteString("solc")
	buf.Write([]byte{0x43, 0x00, 0x08, 0x13})

	length := make([]byte, 2)
	binary.BigEndian.PutUint16(length, uint16(buf.Len()))
	return append(buf.Bytes(), length...)
}

// creationWith 构造函数前缀加运行时模板
func creationWith(template []byte) []byte {
	// PUSH2 len DUP1 PUSH2 off PUSH1 0 CODECOPY PUSH1 0 RETURN INVALID
	prefix := common.FromHex("0x61004b80600e6000396000f3fe")
	return append(prefix, template...)
}

func TestNormalize_ConstructorArgsCollapse(t *testing.T) {
	n, err := NewNormalizer(StrategySolcV1)
	require.NoError(t, err)

	creation := creationWith(runtimeWithImmutable(0x00, 0x80))
	a := n.NormalizeDeployment(runtimeWithImmutable(0x11, 0x80), creation)
	b := n.NormalizeDeployment(runtimeWithImmutable(0x22, 0x80), creation)

	assert.Equal(t, a.Hash, b.Hash)
	assert.True(t, a.Masked)
	assert.Equal(t, StrategySolcV1, a.Strategy)
	assert.Equal(t, crypto.Keccak256Hash(runtimeWithImmutable(0x00, 0x80)), a.Hash)
}

func TestNormalize_NoTemplateKeepsImmediates(t *testing.T) {
	n, err := NewNormalizer(StrategySolcV1)
	require.NoError(t, err)

	a := n.Normalize(runtimeWithImmutable(0x11, 0x80))
	b := n.Normalize(runtimeWithImmutable(0x22, 0x80))
	assert.NotEqual(t, a.Hash, b.Hash)
	assert.False(t, a.Masked)

	// 模板该处不是零，说明是常量而不是 immutable
	creation := creationWith(runtimeWithImmutable(0x33, 0x80))
	c := n.NormalizeDeployment(runtimeWithImmutable(0x11, 0x80), creation)
	d := n.NormalizeDeployment(runtimeWithImmutable(0x22, 0x80), creation)
	assert.NotEqual(t, c.Hash, d.Hash)
}

// emitter PUSH1 20 PUSH1 00 PUSH32 <topic> LOG1 STOP
func emitter(topic []byte) []byte {
	code := []byte{0x60, 0x20, 0x60, 0x00, 0x7f}
	code = append(code, topic...)
	return append(code, 0xa1, 0x00)
}

func TestNormalize_EventTopicsSplit(t *testing.T) {
	n, err := NewNormalizer(StrategySolcV1)
	require.NoError(t, err)

	transfer := emitter(crypto.Keccak256([]byte("Transfer(address,address,uint256)")))
	approval := emitter(crypto.Keccak256([]byte("Approval(address,address,uint256)")))

	a := n.Normalize(transfer)
	b := n.Normalize(approval)
	assert.NotEqual(t, a.Hash, b.Hash)
	assert.NotEqual(t, EventTopics(transfer), EventTopics(approval))

	// 带上各自的创建代码也不能合并
	a = n.NormalizeDeployment(transfer, creationWith(transfer))
	b = n.NormalizeDeployment(approval, creationWith(approval))
	assert.NotEqual(t, a.Hash, b.Hash)
	assert.False(t, a.Masked)
}

func TestNormalize_OneByteDifferenceSplits(t *testing.T) {
	n, err := NewNormalizer(StrategySolcV1)
	require.NoError(t, err)

	a := n.Normalize(runtimeWithImmutable(0x11, 0x80))
	b := n.Normalize(runtimeWithImmutable(0x11, 0x81))

	assert.NotEqual(t, a.Hash, b.Hash)
}

func TestNormalize_ShapeIgnoresConstants(t *testing.T) {
	n, err := NewNormalizer(StrategySolcV1)
	require.NoError(t, err)

	a := n.Normalize(runtimeWithImmutable(0x11, 0x80))
	b := n.Normalize(runtimeWithImmutable(0x11, 0x81))
	require.NotEqual(t, a.Hash, b.Hash)
	assert.Equal(t, a.Shape, b.Shape)
	assert.NotEmpty(t, a.ShapeHex())

	other := n.Normalize(append(runtimeWithImmutable(0x11, 0x80), 0x00))
	assert.NotEqual(t, a.Shape, other.Shape)

	truncated := n.Normalize([]byte{0x60, 0x01, 0x73, 0x01})
	assert.Empty(t, truncated.ShapeHex())
}

func TestNormalize_StripsMetadata(t *testing.T) {
	n, err := NewNormalizer("")
	require.NoError(t, err)

	body := runtimeWithImmutable(0x00, 0x80)
	a := n.Normalize(append(append([]byte(nil), body...), solcTrailer(0xaa)...))
	b := n.Normalize(append(append([]byte(nil), body...), solcTrailer(0xbb)...))

	assert.Equal(t, a.Hash, b.Hash)
	require.NotNil(t, a.Metadata)
	assert.Equal(t, "0.8.19", a.Metadata.SolcVersion)
	assert.Equal(t, "ipfs", a.Metadata.StorageProtocol)
	assert.Equal(t, crypto.Keccak256Hash(body), a.Hash)
}

func TestNormalize_FallsBackToRawHash(t *testing.T) {
	n, err := NewNormalizer(StrategySolcV1)
	require.NoError(t, err)

	truncated := []byte{0x60, 0x01, 0x7f, 0x00}
	res := n.Normalize(truncated)

	assert.Equal(t, StrategyRaw, res.Strategy)
	assert.False(t, res.Masked)
	assert.Equal(t, crypto.Keccak256Hash(truncated), res.Hash)
}

func TestNormalize_Deterministic(t *testing.T) {
	n, err := NewNormalizer(StrategySolcV1)
	require.NoError(t, err)

	code := common.FromHex("0x6001600155")
	assert.Equal(t, n.Normalize(code).Hash, n.Normalize(code).Hash)
	assert.Equal(t, crypto.Keccak256Hash(code), n.Normalize(code).Hash)
}

func TestRawStrategyDoesNotMask(t *testing.T) {
	n, err := NewNormalizer(StrategyRaw)
	require.NoError(t, err)

	a := n.Normalize(runtimeWithImmutable(0x11, 0x80))
	b := n.Normalize(runtimeWithImmutable(0x22, 0x80))
	assert.NotEqual(t, a.Hash, b.Hash)
}

func TestNewNormalizer_UnknownStrategy(t *testing.T) {
	_, err := NewNormalizer("evm/v9")
	assert.Error(t, err)
	assert.Contains(t, Strategies(), StrategySolcV1)
}

func TestDispatchSelectors(t *testing.T) {
	// PUSH1 1 PUSH1 1 SSTORE, 然后两条 DUP1 PUSH4 sel EQ PUSH2 dest JUMPI 分发
	code := common.FromHex("0x6001600155" +
		"60003560e01c" +
		"8063a9059cbb1461002057" +
		"806370a082311461003057" +
		"00")
	assert.Equal(t, []string{"0x70a08231", "0xa9059cbb"}, DispatchSelectors(code))
}

func TestEventTopics(t *testing.T) {
	topic := crypto.Keccak256([]byte("Transfer(address,address,uint256)"))
	code := append([]byte{0x7f}, topic...)
	code = append(code, 0x60, 0x00, 0x60, 0x00, 0xa1) // PUSH1 0 PUSH1 0 LOG1
	assert.Equal(t, []string{common.BytesToHash(topic).Hex()}, EventTopics(code))
}

func TestParseMetadata_Absent(t *testing.T) {
	_, ok := ParseMetadata(common.FromHex("0x6001600155"))
	assert.False(t, ok)
}
