package models

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// TxKind 交易分类
type TxKind string

const (
	TxKindDeployment  TxKind = "deployment"
	TxKindDestruction TxKind = "destruction"
	TxKindTransfer    TxKind = "transfer"
	TxKindCall        TxKind = "call"
)

// Transaction 交易数据模型
type Transaction struct {
	Hash              string   `json:"hash" validate:"required,hexadecimal,len=66"`
	BlockNumber       uint64   `json:"block_number"`
	BlockHash         string   `json:"block_hash"`
	Index             uint     `json:"transaction_index"`
	From              string   `json:"from" validate:"required,eth_addr"`
	To                string   `json:"to,omitempty" validate:"omitempty,eth_addr"`
	Value             *big.Int `json:"value"`
	Gas               uint64   `json:"gas"`
	GasPrice          *big.Int `json:"gas_price"`
	EffectiveGasPrice *big.Int `json:"effective_gas_price,omitempty"`
	GasUsed           uint64   `json:"gas_used"`
	Nonce             uint64   `json:"nonce"`
	V                 *big.Int `json:"v"`
	R                 *big.Int `json:"r"`
	S                 *big.Int `json:"s"`
	Input             string   `json:"input"`
	Selector          string   `json:"selector,omitempty"`
	Status            uint64   `json:"status"`
	Type              uint8    `json:"type"`
	Kind              TxKind   `json:"kind"`
}

// SenderOf 按交易类型选择签名者恢复发送方
func SenderOf(tx *types.Transaction) (common.Address, error) {
	signers := []types.Signer{
		types.LatestSignerForChainID(tx.ChainId()),
		types.NewEIP155Signer(tx.ChainId()),
		types.HomesteadSigner{},
	}
	var lastErr error
	for _, signer := range signers {
		from, err := types.Sender(signer, tx)
		if err == nil {
			return from, nil
		}
		lastErr = err
	}
	return common.Address{}, fmt.Errorf("恢复交易发送方失败 %s: %w", tx.Hash().Hex(), lastErr)
}

// FromEthereumTransaction 从以太坊交易和回执转换为内部模型
func (t *Transaction) FromEthereumTransaction(tx *types.Transaction, receipt *types.Receipt, from common.Address, block *types.Block) {
	t.Hash = tx.Hash().Hex()
	t.BlockNumber = block.NumberU64()
	t.BlockHash = block.Hash().Hex()
	t.From = AddressHex(from)
	if tx.To() != nil {
		t.To = AddressHex(*tx.To())
	}
	t.Value = tx.Value()
	t.Gas = tx.Gas()
	t.GasPrice = tx.GasPrice()
	t.Nonce = tx.Nonce()
	t.V, t.R, t.S = tx.RawSignatureValues()
	t.Input = "0x" + common.Bytes2Hex(tx.Data())
	if len(tx.Data()) >= 4 {
		t.Selector = "0x" + common.Bytes2Hex(tx.Data()[:4])
	}
	t.Type = tx.Type()

	if receipt != nil {
		t.Index = receipt.TransactionIndex
		t.GasUsed = receipt.GasUsed
		t.Status = receipt.Status
		t.EffectiveGasPrice = receipt.EffectiveGasPrice
	}
}

// Succeeded 执行是否成功
func (t *Transaction) Succeeded() bool {
	return t.Status == types.ReceiptStatusSuccessful
}

// PriceForStats 统计用价格，优先使用实际成交价
func (t *Transaction) PriceForStats() *big.Int {
	if t.EffectiveGasPrice != nil && t.EffectiveGasPrice.Sign() > 0 {
		return t.EffectiveGasPrice
	}
	return t.GasPrice
}

func (t *Transaction) NaturalKey() NaturalKey       { return TransactionKey(t.Hash) }
func (t *Transaction) OwnerHeight() (uint64, bool) { return t.BlockNumber, true }
func (t *Transaction) IdentityAttrs() []string     { return []string{"block_hash"} }

// Attributes 标量属性
func (t *Transaction) Attributes() map[string]interface{} {
	attrs := map[string]interface{}{
		"hash":              strings.ToLower(t.Hash),
		"block_number":      t.BlockNumber,
		"block_hash":        strings.ToLower(t.BlockHash),
		"transaction_index": t.Index,
		"value":             bigString(t.Value),
		"gas":               t.Gas,
		"gas_price":         bigString(t.GasPrice),
		"gas_used":          t.GasUsed,
		"nonce":             t.Nonce,
		"v":                 bigString(t.V),
		"r":                 bigString(t.R),
		"s":                 bigString(t.S),
		"input":             t.Input,
		"status":            t.Status,
		"type":              t.Type,
		"kind":              string(t.Kind),
	}
	if t.Selector != "" {
		attrs["selector"] = t.Selector
	}
	if t.EffectiveGasPrice != nil {
		attrs["effective_gas_price"] = t.EffectiveGasPrice.String()
	}
	return attrs
}

// References 区块、发送方、接收方
func (t *Transaction) References() []Ref {
	refs := []Ref{
		{Predicate: "block", Target: BlockKey(t.BlockNumber)},
		{Predicate: "from", Target: AccountKey(t.From)},
	}
	if t.To != "" {
		refs = append(refs, Ref{Predicate: "to", Target: AccountKey(t.To)})
	}
	return refs
}

// Log 交易日志，身份为(交易哈希, 交易内序号)
type Log struct {
	TxHash      string   `json:"transaction_hash" validate:"required"`
	Index       uint     `json:"log_index"`
	BlockIndex  uint     `json:"block_log_index"`
	BlockNumber uint64   `json:"block_number"`
	Address     string   `json:"address" validate:"required,eth_addr"`
	Topics      []string `json:"topics" validate:"max=4"`
	Data        string   `json:"data"`
}

// FromEthereumLog 从以太坊日志转换为内部模型
func (l *Log) FromEthereumLog(log *types.Log, indexInTx uint) {
	l.TxHash = log.TxHash.Hex()
	l.Index = indexInTx
	l.BlockIndex = log.Index
	l.BlockNumber = log.BlockNumber
	l.Address = AddressHex(log.Address)
	l.Topics = make([]string, len(log.Topics))
	for i, topic := range log.Topics {
		l.Topics[i] = topic.Hex()
	}
	l.Data = "0x" + common.Bytes2Hex(log.Data)
}

func (l *Log) NaturalKey() NaturalKey       { return LogKey(l.TxHash, l.Index) }
func (l *Log) OwnerHeight() (uint64, bool) { return l.BlockNumber, true }
func (l *Log) IdentityAttrs() []string     { return []string{"address"} }

// Attributes 主题按位置展开
func (l *Log) Attributes() map[string]interface{} {
	attrs := map[string]interface{}{
		"log_index":       l.Index,
		"block_log_index": l.BlockIndex,
		"block_number":    l.BlockNumber,
		"address":         l.Address,
		"data":            l.Data,
	}
	for i, topic := range l.Topics {
		attrs[fmt.Sprintf("topic%d", i)] = strings.ToLower(topic)
	}
	return attrs
}

// References 合约、区块、交易
func (l *Log) References() []Ref {
	return []Ref{
		{Predicate: "contract", Target: AccountKey(l.Address)},
		{Predicate: "block", Target: BlockKey(l.BlockNumber)},
		{Predicate: "transaction", Target: TransactionKey(l.TxHash)},
	}
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
