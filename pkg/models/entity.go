package models

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Kind 实体类型
type Kind string

const (
	KindBlock       Kind = "block"
	KindAccount     Kind = "account"
	KindTransaction Kind = "transaction"
	KindLog         Kind = "log"
	KindDeployment  Kind = "contract_deployment"
	KindDestruction Kind = "contract_destruction"
	KindSkeleton    Kind = "skeleton"
	KindTransfer    Kind = "token_transfer"
	KindWithdrawal  Kind = "withdrawal"
)

// BlockOwnedKinds 随区块一起失效的实体类型，账户和骨架不在其中
var BlockOwnedKinds = []Kind{
	KindBlock,
	KindTransaction,
	KindLog,
	KindDeployment,
	KindDestruction,
	KindTransfer,
	KindWithdrawal,
}

// IsBlockOwned 判断实体类型是否归属于区块
func IsBlockOwned(k Kind) bool {
	for _, owned := range BlockOwnedKinds {
		if owned == k {
			return true
		}
	}
	return false
}

// NaturalKey 实体自然键
type NaturalKey struct {
	Kind Kind   `json:"kind"`
	Key  string `json:"key"`
}

func (k NaturalKey) String() string {
	return string(k.Kind) + ":" + k.Key
}

// 各类实体的自然键
func BlockKey(number uint64) NaturalKey { return NaturalKey{KindBlock, fmt.Sprintf("%d", number)} }
func AccountKey(addr string) NaturalKey { return NaturalKey{KindAccount, NormalizeAddress(addr)} }
func TransactionKey(hash string) NaturalKey {
	return NaturalKey{KindTransaction, strings.ToLower(hash)}
}
func LogKey(txHash string, index uint) NaturalKey {
	return NaturalKey{KindLog, fmt.Sprintf("%s:%d", strings.ToLower(txHash), index)}
}
func DeploymentKey(txHash string) NaturalKey {
	return NaturalKey{KindDeployment, strings.ToLower(txHash)}
}

// InternalDeploymentKey 交易内部 CREATE/CREATE2 帧创建的合约，按调用路径区分
func InternalDeploymentKey(txHash, tracePath string) NaturalKey {
	return NaturalKey{KindDeployment, strings.ToLower(txHash) + "/" + tracePath}
}
func DestructionKey(txHash string) NaturalKey {
	return NaturalKey{KindDestruction, strings.ToLower(txHash)}
}
func SkeletonKey(hash string) NaturalKey { return NaturalKey{KindSkeleton, strings.ToLower(hash)} }
func TransferKey(txHash string, index uint) NaturalKey {
	return NaturalKey{KindTransfer, fmt.Sprintf("%s:%d", strings.ToLower(txHash), index)}
}
func WithdrawalKey(blockNumber, index uint64) NaturalKey {
	return NaturalKey{KindWithdrawal, fmt.Sprintf("%d:%d", blockNumber, index)}
}

// NormalizeAddress 地址统一为小写十六进制
func NormalizeAddress(addr string) string {
	return strings.ToLower(addr)
}

// AddressHex common.Address转小写十六进制
func AddressHex(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

// Ref 指向另一个实体的边
type Ref struct {
	Predicate string
	Target    NaturalKey
	// Multi 为true时是集合边，否则同名谓词只保留一条
	Multi bool
}

// Entity 可按自然键写入图存储的实体
type Entity interface {
	NaturalKey() NaturalKey
	Attributes() map[string]interface{}
	References() []Ref
	// OwnerHeight 返回所属区块高度，账户和骨架返回false
	OwnerHeight() (uint64, bool)
	// IdentityAttrs 同一高度上写入后不允许变化的字段
	IdentityAttrs() []string
}

// RecordSet 单个区块派生出的全部记录
type RecordSet struct {
	Block        *Block                 `json:"block"`
	Accounts     []*Account             `json:"accounts"`
	Transactions []*Transaction         `json:"transactions"`
	Logs         []*Log                 `json:"logs"`
	Transfers    []*TokenTransfer       `json:"transfers"`
	Deployments  []*ContractDeployment  `json:"deployments"`
	Destructions []*ContractDestruction `json:"destructions"`
	Withdrawals  []*Withdrawal          `json:"withdrawals"`
	Skeletons    []*Skeleton            `json:"skeletons"`
}

// Entities 按引用依赖顺序展开：被引用的实体先写。
// 多个区块共享的账户和骨架按自然键排序，并发写入时加锁顺序一致
func (rs *RecordSet) Entities() []Entity {
	out := make([]Entity, 0, rs.Count())
	shared := make([]Entity, 0, len(rs.Accounts)+len(rs.Skeletons))
	for _, a := range rs.Accounts {
		shared = append(shared, a)
	}
	for _, s := range rs.Skeletons {
		shared = append(shared, s)
	}
	sort.SliceStable(shared, func(i, j int) bool {
		return shared[i].NaturalKey().String() < shared[j].NaturalKey().String()
	})
	out = append(out, shared...)
	if rs.Block != nil {
		out = append(out, rs.Block)
	}
	for _, w := range rs.Withdrawals {
		out = append(out, w)
	}
	for _, tx := range rs.Transactions {
		out = append(out, tx)
	}
	for _, l := range rs.Logs {
		out = append(out, l)
	}
	for _, t := range rs.Transfers {
		out = append(out, t)
	}
	for _, d := range rs.Deployments {
		out = append(out, d)
	}
	for _, d := range rs.Destructions {
		out = append(out, d)
	}
	return out
}

// Count 记录总数
func (rs *RecordSet) Count() int {
	n := len(rs.Accounts) + len(rs.Skeletons) + len(rs.Withdrawals) + len(rs.Transactions) +
		len(rs.Logs) + len(rs.Transfers) + len(rs.Deployments) + len(rs.Destructions)
	if rs.Block != nil {
		n++
	}
	return n
}

// AccountIndex 按地址收集账户，同一地址只出现一次
type AccountIndex struct {
	order    []string
	accounts map[string]*Account
}

// NewAccountIndex 创建账户索引
func NewAccountIndex() *AccountIndex {
	return &AccountIndex{accounts: make(map[string]*Account)}
}

// Touch 记录一次地址引用
func (ai *AccountIndex) Touch(addr string) *Account {
	addr = NormalizeAddress(addr)
	if a, ok := ai.accounts[addr]; ok {
		return a
	}
	a := &Account{Address: addr}
	ai.accounts[addr] = a
	ai.order = append(ai.order, addr)
	return a
}

// List 按首次引用顺序返回
func (ai *AccountIndex) List() []*Account {
	out := make([]*Account, 0, len(ai.order))
	for _, addr := range ai.order {
		out = append(out, ai.accounts[addr])
	}
	return out
}
