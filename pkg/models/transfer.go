package models

import (
	"math/big"
	"strings"
)

// 代币标准
const (
	StandardERC20  = "erc20"
	StandardERC721 = "erc721"
)

// TokenTransfer ERC-20/721 转账事件，身份与日志相同
type TokenTransfer struct {
	TxHash      string   `json:"transaction_hash" validate:"required"`
	LogIndex    uint     `json:"log_index"`
	BlockNumber uint64   `json:"block_number"`
	Standard    string   `json:"standard" validate:"oneof=erc20 erc721"`
	Contract    string   `json:"contract" validate:"required,eth_addr"`
	From        string   `json:"from" validate:"required,eth_addr"`
	To          string   `json:"to" validate:"required,eth_addr"`
	Value       *big.Int `json:"value,omitempty"`
	TokenID     *big.Int `json:"token_id,omitempty"`
}

func (t *TokenTransfer) NaturalKey() NaturalKey       { return TransferKey(t.TxHash, t.LogIndex) }
func (t *TokenTransfer) OwnerHeight() (uint64, bool) { return t.BlockNumber, true }
func (t *TokenTransfer) IdentityAttrs() []string     { return []string{"contract"} }

// Attributes 标量属性
func (t *TokenTransfer) Attributes() map[string]interface{} {
	attrs := map[string]interface{}{
		"transaction_hash": strings.ToLower(t.TxHash),
		"log_index":        t.LogIndex,
		"block_number":     t.BlockNumber,
		"standard":         t.Standard,
		"contract":         t.Contract,
	}
	if t.Value != nil {
		attrs["value"] = t.Value.String()
	}
	if t.TokenID != nil {
		attrs["token_id"] = t.TokenID.String()
	}
	return attrs
}

// References 合约、双方账户、区块、交易
func (t *TokenTransfer) References() []Ref {
	return []Ref{
		{Predicate: "contract", Target: AccountKey(t.Contract)},
		{Predicate: "from", Target: AccountKey(t.From)},
		{Predicate: "to", Target: AccountKey(t.To)},
		{Predicate: "block", Target: BlockKey(t.BlockNumber)},
		{Predicate: "transaction", Target: TransactionKey(t.TxHash)},
	}
}
