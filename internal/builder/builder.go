package builder

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"chaingraph/internal/skeleton"
	"chaingraph/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// TransferTopic ERC-20/721 共用的 Transfer 事件主题
var TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

var (
	// ErrNoBlock 缺少区块
	ErrNoBlock = errors.New("数据包缺少区块")
	// ErrMissingReceipt 交易没有对应回执
	ErrMissingReceipt = errors.New("交易缺少回执")
)

// Bundle 构建单个区块所需的全部链上数据
type Bundle struct {
	Block    *types.Block
	Receipts []*types.Receipt
	// Code 新建合约在该区块高度的运行时代码
	Code map[common.Address][]byte
	// Traces callTracer 结果，可为空
	Traces []*models.TxTrace
}

// Options 控制输出哪些实体
type Options struct {
	IncludeTx        bool
	IncludeLogs      bool
	IncludeTransfers bool
	IncludeTraces    bool
}

// DefaultOptions 输出全部实体
func DefaultOptions() Options {
	return Options{IncludeTx: true, IncludeLogs: true, IncludeTransfers: true, IncludeTraces: true}
}

// Builder 把链上数据转换为图实体，不做任何I/O
type Builder struct {
	opts       Options
	normalizer *skeleton.Normalizer
}

// NewBuilder 创建构建器
func NewBuilder(normalizer *skeleton.Normalizer, opts Options) *Builder {
	return &Builder{opts: opts, normalizer: normalizer}
}

// Strategy 骨架归一化策略名
func (b *Builder) Strategy() string {
	return b.normalizer.StrategyName()
}

// blockBuild 单次构建的中间状态
type blockBuild struct {
	rs        *models.RecordSet
	accounts  *models.AccountIndex
	skeletons map[string]bool
	block     *types.Block
	code      map[common.Address][]byte
	traces    map[common.Hash]*models.CallFrame
}

// Build 构建区块记录集；同一输入总是得到相同输出
func (b *Builder) Build(bundle *Bundle) (*models.RecordSet, error) {
	if bundle == nil || bundle.Block == nil {
		return nil, ErrNoBlock
	}
	block := bundle.Block

	bb := &blockBuild{
		rs:        &models.RecordSet{Block: &models.Block{}},
		accounts:  models.NewAccountIndex(),
		skeletons: make(map[string]bool),
		block:     block,
		code:      bundle.Code,
		traces:    make(map[common.Hash]*models.CallFrame),
	}
	bb.rs.Block.FromEthereumBlock(block)
	bb.rs.Block.Hash = strings.ToLower(bb.rs.Block.Hash)
	bb.rs.Block.ParentHash = strings.ToLower(bb.rs.Block.ParentHash)
	bb.accounts.Touch(bb.rs.Block.Miner).Tag(models.TagMiner)

	for i, w := range block.Withdrawals() {
		wm := &models.Withdrawal{}
		wm.FromEthereumWithdrawal(w, block.NumberU64(), i)
		bb.rs.Withdrawals = append(bb.rs.Withdrawals, wm)
		bb.accounts.Touch(wm.Address).Tag(models.TagValidator)
	}

	if b.opts.IncludeTraces {
		for _, tr := range bundle.Traces {
			if tr == nil {
				continue
			}
			frame := tr.Result
			bb.traces[common.HexToHash(tr.TxHash)] = &frame
		}
	}

	if b.opts.IncludeTx {
		receipts := make(map[common.Hash]*types.Receipt, len(bundle.Receipts))
		for _, r := range bundle.Receipts {
			if r != nil {
				receipts[r.TxHash] = r
			}
		}

		prices := make([]*big.Int, 0, len(block.Transactions()))
		for _, tx := range block.Transactions() {
			receipt, ok := receipts[tx.Hash()]
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrMissingReceipt, tx.Hash().Hex())
			}
			t, err := b.buildTransaction(bb, tx, receipt)
			if err != nil {
				return nil, err
			}
			prices = append(prices, t.PriceForStats())
		}
		bb.rs.Block.GasPrice = models.ComputeGasPriceStats(prices)
	}

	bb.rs.Accounts = bb.accounts.List()
	return bb.rs, nil
}

// buildTransaction 转换交易并派生日志、转账、部署、自毁
func (b *Builder) buildTransaction(bb *blockBuild, tx *types.Transaction, receipt *types.Receipt) (*models.Transaction, error) {
	from, err := models.SenderOf(tx)
	if err != nil {
		return nil, err
	}

	t := &models.Transaction{}
	t.FromEthereumTransaction(tx, receipt, from, bb.block)
	t.Hash = strings.ToLower(t.Hash)
	t.BlockHash = strings.ToLower(t.BlockHash)
	bb.accounts.Touch(t.From)
	if t.To != "" {
		bb.accounts.Touch(t.To)
	}

	switch {
	case tx.To() == nil:
		t.Kind = models.TxKindDeployment
		bb.rs.Deployments = append(bb.rs.Deployments, b.buildDeployment(bb, tx, receipt, t))
	case b.buildDestruction(bb, t):
		t.Kind = models.TxKindDestruction
	case len(tx.Data()) == 0 && len(bb.code[*tx.To()]) == 0:
		t.Kind = models.TxKindTransfer
	default:
		t.Kind = models.TxKindCall
	}
	bb.rs.Transactions = append(bb.rs.Transactions, t)
	b.buildInternalDeployments(bb, t)

	for i, l := range receipt.Logs {
		if b.opts.IncludeLogs {
			lm := &models.Log{}
			lm.FromEthereumLog(l, uint(i))
			lm.TxHash = t.Hash
			lm.BlockNumber = t.BlockNumber
			bb.rs.Logs = append(bb.rs.Logs, lm)
			bb.accounts.Touch(lm.Address).IsContract = true
		}
		if b.opts.IncludeTransfers {
			if tt, ok := ParseTransfer(l, uint(i)); ok {
				tt.TxHash = t.Hash
				tt.BlockNumber = t.BlockNumber
				bb.rs.Transfers = append(bb.rs.Transfers, tt)
				contract := bb.accounts.Touch(tt.Contract).Tag(tt.Standard)
				contract.IsContract = true
				bb.accounts.Touch(tt.From)
				bb.accounts.Touch(tt.To)
			}
		}
	}
	return t, nil
}

// buildDeployment 回滚的部署只记录 failed_deploy，不产生骨架
func (b *Builder) buildDeployment(bb *blockBuild, tx *types.Transaction, receipt *types.Receipt, t *models.Transaction) *models.ContractDeployment {
	d := &models.ContractDeployment{
		TxHash:       t.Hash,
		BlockNumber:  t.BlockNumber,
		Creator:      t.From,
		CreationCode: hexutil.Encode(tx.Data()),
		DeployedCode: "0x",
	}
	if !t.Succeeded() || receipt.ContractAddress == (common.Address{}) {
		d.FailedDeploy = true
		return d
	}

	d.Contract = models.AddressHex(receipt.ContractAddress)
	b.attachCode(bb, d, bb.code[receipt.ContractAddress], tx.Data())
	return d
}

// buildInternalDeployments 追踪中每个非根的 CREATE/CREATE2 帧记录一次部署，
// 失败状态沿祖先帧继承
func (b *Builder) buildInternalDeployments(bb *blockBuild, t *models.Transaction) {
	root, ok := bb.traces[common.HexToHash(t.Hash)]
	if !ok {
		return
	}
	for _, frame := range root.Flatten() {
		if !frame.IsCreate() || len(frame.TraceAddress) == 0 {
			continue
		}
		initCode, _ := hexutil.Decode(frame.Input)
		d := &models.ContractDeployment{
			TxHash:       t.Hash,
			TracePath:    frame.Path(),
			BlockNumber:  t.BlockNumber,
			Creator:      models.NormalizeAddress(frame.From),
			CreationCode: hexutil.Encode(initCode),
			DeployedCode: "0x",
		}
		bb.accounts.Touch(d.Creator).IsContract = true
		if frame.Failed || !t.Succeeded() || !common.IsHexAddress(frame.To) {
			d.FailedDeploy = true
			bb.rs.Deployments = append(bb.rs.Deployments, d)
			continue
		}

		addr := common.HexToAddress(frame.To)
		d.Contract = models.AddressHex(addr)
		code, ok := bb.code[addr]
		if !ok {
			code, _ = hexutil.Decode(frame.Output)
		}
		b.attachCode(bb, d, code, initCode)
		bb.rs.Deployments = append(bb.rs.Deployments, d)
	}
}

// attachCode 填充运行时代码、solc 元数据，并登记本区块的新骨架
func (b *Builder) attachCode(bb *blockBuild, d *models.ContractDeployment, code, initCode []byte) {
	contract := bb.accounts.Touch(d.Contract)
	if len(code) == 0 {
		return
	}
	contract.IsContract = true
	d.DeployedCode = hexutil.Encode(code)

	res := b.normalizer.NormalizeDeployment(code, initCode)
	d.SkeletonHash = strings.ToLower(res.HashHex())
	if res.Metadata != nil {
		d.SolcVersion = res.Metadata.SolcVersion
		d.StorageProtocol = res.Metadata.StorageProtocol
		d.StorageHash = res.Metadata.StorageHash
		d.Experimental = res.Metadata.Experimental
	}
	if !bb.skeletons[d.SkeletonHash] {
		bb.skeletons[d.SkeletonHash] = true
		bb.rs.Skeletons = append(bb.rs.Skeletons, &models.Skeleton{
			Hash:     d.SkeletonHash,
			Strategy: res.Strategy,
			Masked:   res.Masked,
			CodeSize: len(code),
			Shape:    res.ShapeHex(),
		})
	}
}

// buildDestruction 追踪中出现 SELFDESTRUCT 帧时记录自毁；失败状态沿祖先帧继承
func (b *Builder) buildDestruction(bb *blockBuild, t *models.Transaction) bool {
	root, ok := bb.traces[common.HexToHash(t.Hash)]
	if !ok {
		return false
	}
	for _, frame := range root.Flatten() {
		if !frame.IsSelfDestruct() {
			continue
		}
		d := &models.ContractDestruction{
			TxHash:        t.Hash,
			BlockNumber:   t.BlockNumber,
			Contract:      models.NormalizeAddress(frame.From),
			RefundAddress: models.NormalizeAddress(frame.To),
			Balance:       frame.Value.Int(),
			Failed:        frame.Failed || !t.Succeeded(),
		}
		bb.rs.Destructions = append(bb.rs.Destructions, d)

		contract := bb.accounts.Touch(d.Contract)
		bb.accounts.Touch(d.RefundAddress)
		if !d.Failed {
			contract.IsContract = true
			contract.Tag(models.TagDestructed)
		}
		// 同一交易只记录第一次自毁
		return true
	}
	return false
}

// ParseTransfer 3个主题为 ERC-20（金额在data），4个主题为 ERC-721（tokenId 在 topic3）
func ParseTransfer(l *types.Log, indexInTx uint) (*models.TokenTransfer, bool) {
	if l == nil || len(l.Topics) == 0 || l.Topics[0] != TransferTopic {
		return nil, false
	}
	tt := &models.TokenTransfer{
		TxHash:      strings.ToLower(l.TxHash.Hex()),
		LogIndex:    indexInTx,
		BlockNumber: l.BlockNumber,
		Contract:    models.AddressHex(l.Address),
	}
	switch len(l.Topics) {
	case 3:
		if len(l.Data) < 32 {
			return nil, false
		}
		tt.Standard = models.StandardERC20
		tt.Value = new(big.Int).SetBytes(l.Data[:32])
	case 4:
		tt.Standard = models.StandardERC721
		tt.TokenID = l.Topics[3].Big()
	default:
		return nil, false
	}
	tt.From = models.AddressHex(common.BytesToAddress(l.Topics[1].Bytes()))
	tt.To = models.AddressHex(common.BytesToAddress(l.Topics[2].Bytes()))
	return tt, true
}
