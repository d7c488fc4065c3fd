package models

import (
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
)

// Withdrawal 验证者提款，归属唯一区块
type Withdrawal struct {
	Index          uint64 `json:"index"`
	ValidatorIndex uint64 `json:"validator_index"`
	Address        string `json:"address" validate:"required,eth_addr"`
	AmountGwei     uint64 `json:"amount_gwei"`
	BlockNumber    uint64 `json:"block_number"`
	// Position 在区块提款列表中的顺序
	Position int `json:"position"`
}

// FromEthereumWithdrawal 从以太坊提款数据转换为内部模型
func (w *Withdrawal) FromEthereumWithdrawal(withdrawal *types.Withdrawal, blockNumber uint64, position int) {
	w.Index = withdrawal.Index
	w.ValidatorIndex = withdrawal.Validator
	w.Address = AddressHex(withdrawal.Address)
	w.AmountGwei = withdrawal.Amount
	w.BlockNumber = blockNumber
	w.Position = position
}

// AmountWei 金额换算为 wei
func (w *Withdrawal) AmountWei() *big.Int {
	return new(big.Int).Mul(new(big.Int).SetUint64(w.AmountGwei), big.NewInt(1e9))
}

func (w *Withdrawal) NaturalKey() NaturalKey       { return WithdrawalKey(w.BlockNumber, w.Index) }
func (w *Withdrawal) OwnerHeight() (uint64, bool) { return w.BlockNumber, true }
func (w *Withdrawal) IdentityAttrs() []string     { return []string{"validator_index"} }

// Attributes 标量属性
func (w *Withdrawal) Attributes() map[string]interface{} {
	return map[string]interface{}{
		"index":           w.Index,
		"validator_index": w.ValidatorIndex,
		"address":         w.Address,
		"amount_gwei":     w.AmountGwei,
		"amount_wei":      w.AmountWei().String(),
		"block_number":    w.BlockNumber,
		"position":        w.Position,
	}
}

// References 所属区块和收款账户
func (w *Withdrawal) References() []Ref {
	return []Ref{
		{Predicate: "block", Target: BlockKey(w.BlockNumber)},
		{Predicate: "address", Target: AccountKey(w.Address)},
	}
}
