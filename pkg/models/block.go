package models

import (
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
)

// Block 区块数据模型
type Block struct {
	Number        uint64    `json:"block_number"`
	Hash          string    `json:"hash" validate:"required,hexadecimal,len=66"`
	ParentHash    string    `json:"parent_hash" validate:"required,hexadecimal,len=66"`
	Timestamp     time.Time `json:"timestamp"`
	Miner         string    `json:"miner" validate:"required,eth_addr"`
	GasLimit      uint64    `json:"gas_limit"`
	GasUsed       uint64    `json:"gas_used"`
	Difficulty    *big.Int  `json:"difficulty"`
	BaseFeePerGas *big.Int  `json:"base_fee_per_gas,omitempty"`
	Size          uint64    `json:"size"`
	TxCount       int       `json:"transaction_count"`

	// 交易 gas price 分布（gwei）
	GasPrice GasPriceStats `json:"gas_price"`

	WithdrawalsCount int `json:"withdrawals_count"`
}

// GasPriceStats 区块内交易的 gas price 分布
type GasPriceStats struct {
	Min    float64 `json:"min_gwei"`
	Max    float64 `json:"max_gwei"`
	Avg    float64 `json:"avg_gwei"`
	StdDev float64 `json:"stddev_gwei"`
}

// FromEthereumBlock 从以太坊区块转换为内部模型
func (b *Block) FromEthereumBlock(block *types.Block) {
	if block == nil {
		return
	}

	b.Number = block.NumberU64()
	b.Hash = block.Hash().Hex()
	b.ParentHash = block.ParentHash().Hex()
	b.Timestamp = time.Unix(int64(block.Time()), 0).UTC()
	b.Miner = AddressHex(block.Coinbase())
	b.GasLimit = block.GasLimit()
	b.GasUsed = block.GasUsed()
	b.Difficulty = block.Difficulty()
	b.BaseFeePerGas = block.BaseFee()
	b.Size = block.Size()
	b.TxCount = len(block.Transactions())
	b.WithdrawalsCount = len(block.Withdrawals())
}

// ComputeGasPriceStats 根据交易 gas price（wei）计算分布，空区块为零值
func ComputeGasPriceStats(prices []*big.Int) GasPriceStats {
	if len(prices) == 0 {
		return GasPriceStats{}
	}

	gwei := make([]float64, 0, len(prices))
	for _, p := range prices {
		if p == nil {
			continue
		}
		f, _ := new(big.Float).Quo(new(big.Float).SetInt(p), big.NewFloat(1e9)).Float64()
		gwei = append(gwei, f)
	}
	if len(gwei) == 0 {
		return GasPriceStats{}
	}

	stats := GasPriceStats{Min: gwei[0], Max: gwei[0]}
	var sum float64
	for _, v := range gwei {
		sum += v
		stats.Min = math.Min(stats.Min, v)
		stats.Max = math.Max(stats.Max, v)
	}
	stats.Avg = sum / float64(len(gwei))

	var variance float64
	for _, v := range gwei {
		variance += (v - stats.Avg) * (v - stats.Avg)
	}
	stats.StdDev = math.Sqrt(variance / float64(len(gwei)))
	return stats
}

// NaturalKey 区块号
func (b *Block) NaturalKey() NaturalKey { return BlockKey(b.Number) }

// OwnerHeight 区块归属自身高度
func (b *Block) OwnerHeight() (uint64, bool) { return b.Number, true }

// IdentityAttrs 同一高度上哈希不可变
func (b *Block) IdentityAttrs() []string { return []string{"hash"} }

// Attributes 标量属性
func (b *Block) Attributes() map[string]interface{} {
	attrs := map[string]interface{}{
		"number":            b.Number,
		"hash":              strings.ToLower(b.Hash),
		"parent_hash":       strings.ToLower(b.ParentHash),
		"timestamp":         b.Timestamp.Unix(),
		"gas_limit":         b.GasLimit,
		"gas_used":          b.GasUsed,
		"size":              b.Size,
		"transaction_count": b.TxCount,
		"withdrawals_count": b.WithdrawalsCount,
		"gas_price_min":     b.GasPrice.Min,
		"gas_price_max":     b.GasPrice.Max,
		"gas_price_avg":     b.GasPrice.Avg,
		"gas_price_stddev":  b.GasPrice.StdDev,
	}
	if b.Difficulty != nil {
		attrs["difficulty"] = b.Difficulty.String()
	}
	if b.BaseFeePerGas != nil {
		attrs["base_fee_per_gas"] = b.BaseFeePerGas.String()
	}
	return attrs
}

// References 出块账户
func (b *Block) References() []Ref {
	return []Ref{{Predicate: "miner", Target: AccountKey(b.Miner)}}
}
