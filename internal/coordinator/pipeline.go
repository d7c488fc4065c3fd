package coordinator

import (
	"context"
	"fmt"
	"time"

	"chaingraph/internal/builder"
	syncerrors "chaingraph/internal/errors"
	"chaingraph/internal/logging"
	"chaingraph/internal/metrics"
	"chaingraph/internal/recovery"
	"chaingraph/internal/upsert"
	"chaingraph/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
)

// apply 取数、构建、补全、写入一个区块
func (c *Coordinator) apply(ctx context.Context, height uint64, mode string) error {
	epoch := c.epoch.Load()
	start := time.Now()

	rs, err := c.prepare(ctx, height)
	if err != nil {
		return err
	}
	res, err := c.commit(ctx, rs, epoch)
	if err != nil {
		return err
	}

	m := metrics.Sync()
	m.BlocksCommittedTotal.WithLabelValues(mode).Inc()
	m.BlockApplyLatencyMS.WithLabelValues(mode).Observe(float64(time.Since(start).Milliseconds()))
	c.recordCommit(res)

	logging.BlockLogger(c.logger, "coordinator", res.Height).WithFields(logrus.Fields{
		"hash":      res.Hash,
		"records":   res.Records,
		"created":   res.Created,
		"skeletons": res.NewSkeletons,
		"mode":      mode,
	}).Debug("区块已提交")
	return nil
}

// prepare 在任何锁之外完成全部链上读取和ABI恢复
func (c *Coordinator) prepare(ctx context.Context, height uint64) (*models.RecordSet, error) {
	bundle, err := c.fetch(ctx, height)
	if err != nil {
		return nil, err
	}
	rs, err := c.Builder.Build(bundle)
	if err != nil {
		return nil, syncerrors.WrapError(err, syncerrors.ErrorTypeValidation, syncerrors.SeverityHigh,
			syncerrors.CodeInvalidRecord, "构建区块记录失败").WithBlockNumber(height).WithComponent("builder")
	}
	if err := c.enrich(ctx, rs); err != nil {
		return nil, err
	}
	if c.Validator != nil {
		result := c.Validator.ValidateRecordSet(rs)
		for _, w := range result.Warnings {
			c.logger.WithField("block", height).Warn(w)
		}
		if err := result.Err(); err != nil {
			return nil, err
		}
	}
	return rs, nil
}

// fetch 区块、回执、相关合约代码和可选的调用追踪
func (c *Coordinator) fetch(ctx context.Context, height uint64) (*builder.Bundle, error) {
	block, err := c.Source.BlockByNumber(ctx, height)
	if err != nil {
		return nil, err
	}
	bundle := &builder.Bundle{Block: block, Code: make(map[common.Address][]byte)}
	if !c.opts.IncludeTx || len(block.Transactions()) == 0 {
		return bundle, nil
	}

	receipts, err := c.Source.BlockReceipts(ctx, height)
	if err != nil {
		return nil, err
	}
	bundle.Receipts = receipts

	if c.opts.IncludeTraces {
		traces, err := c.Source.TraceBlock(ctx, height)
		if err != nil {
			// 节点可能未开放 debug 接口
			c.logger.WithError(err).WithField("block", height).Warn("获取调用追踪失败，跳过自毁和内部部署识别")
		} else {
			bundle.Traces = traces
		}
	}

	// 新合约的运行时代码，以及无输入交易的目标是否为合约
	var addrs []common.Address
	for _, r := range receipts {
		if r.Status == types.ReceiptStatusSuccessful && r.ContractAddress != (common.Address{}) {
			addrs = append(addrs, r.ContractAddress)
		}
	}
	for _, tx := range block.Transactions() {
		if tx.To() != nil && len(tx.Data()) == 0 {
			addrs = append(addrs, *tx.To())
		}
	}
	// 工厂合约在交易内部创建的合约
	for _, tr := range bundle.Traces {
		if tr == nil {
			continue
		}
		for _, frame := range tr.Result.Flatten() {
			if frame.IsCreate() && !frame.Failed && len(frame.TraceAddress) > 0 && common.IsHexAddress(frame.To) {
				addrs = append(addrs, common.HexToAddress(frame.To))
			}
		}
	}
	for _, addr := range addrs {
		if _, done := bundle.Code[addr]; done {
			continue
		}
		code, err := c.Source.CodeAt(ctx, addr, height)
		if err != nil {
			return nil, err
		}
		bundle.Code[addr] = code
	}
	return bundle, nil
}

// enrich 为新骨架恢复ABI，补充合约名称和验证源码
func (c *Coordinator) enrich(ctx context.Context, rs *models.RecordSet) error {
	if len(rs.Deployments) == 0 {
		return nil
	}
	height := rs.Block.Number

	code := make(map[string][]byte)
	for _, d := range rs.Deployments {
		if d.SkeletonHash == "" || !d.HasCode() {
			continue
		}
		if _, ok := code[d.SkeletonHash]; ok {
			continue
		}
		raw, err := hexutil.Decode(d.DeployedCode)
		if err != nil {
			return fmt.Errorf("部署 %s 的运行时代码无法解码: %w", d.TxHash, err)
		}
		code[d.SkeletonHash] = raw
	}

	if c.Recovery != nil {
		inBatch := make(map[string]bool, len(rs.Skeletons))
		for _, s := range rs.Skeletons {
			inBatch[s.Hash] = true
		}
		for i, stub := range rs.Skeletons {
			recovered, err := c.Recovery.Recover(ctx, stub.Hash, code[stub.Hash])
			if err != nil {
				return err
			}
			merged := mergeSkeleton(stub, recovered)
			merged.SimilarCode = c.knownSkeletons(ctx, c.Recovery.LinkCode(merged.Hash, merged.Shape), inBatch)
			merged.SimilarInterface = c.knownSkeletons(ctx, merged.SimilarInterface, inBatch)
			rs.Skeletons[i] = merged
		}
		c.tagStandards(rs)
	}

	for _, d := range rs.Deployments {
		if !d.HasCode() {
			continue
		}
		if c.opts.ResolveNames {
			name, err := c.Source.ContractName(ctx, common.HexToAddress(d.Contract), height)
			if err != nil {
				c.logger.WithError(err).WithField("contract", d.Contract).Debug("读取合约名称失败")
			} else {
				d.Name = name
			}
		}
		if c.Sources != nil {
			src, ok, err := c.Sources.Source(ctx, d.Contract)
			if err != nil {
				c.logger.WithError(err).WithField("contract", d.Contract).Warn("读取验证源码失败")
			} else if ok {
				d.VerifiedSource = true
				d.SourceCode = src
			}
		}
	}
	return nil
}

// mergeSkeleton 归一化信息以本次构建为准，恢复结果取自适配器
func mergeSkeleton(stub, recovered *models.Skeleton) *models.Skeleton {
	out := *recovered
	out.Hash = stub.Hash
	out.Strategy = stub.Strategy
	out.Masked = stub.Masked
	out.CodeSize = stub.CodeSize
	out.Shape = stub.Shape
	return &out
}

// knownSkeletons 只保留已写入存储或在本批次中的骨架，避免悬空引用
func (c *Coordinator) knownSkeletons(ctx context.Context, hashes []string, inBatch map[string]bool) []string {
	var out []string
	for _, h := range hashes {
		if inBatch[h] {
			out = append(out, h)
			continue
		}
		if _, ok, err := c.Store.Lookup(ctx, models.SkeletonKey(h)); err == nil && ok {
			out = append(out, h)
		}
	}
	return out
}

// tagStandards 完整实现 ERC-20/721 的骨架为合约账户打标签
func (c *Coordinator) tagStandards(rs *models.RecordSet) {
	tags := make(map[string][]string)
	for _, s := range rs.Skeletons {
		if s.Compliance.ERC20 == len(recovery.ERC20Functions) {
			tags[s.Hash] = append(tags[s.Hash], models.TagERC20)
		}
		if s.Compliance.ERC721 == len(recovery.ERC721Functions) {
			tags[s.Hash] = append(tags[s.Hash], models.TagERC721)
		}
	}
	if len(tags) == 0 {
		return
	}
	accounts := make(map[string]*models.Account, len(rs.Accounts))
	for _, a := range rs.Accounts {
		accounts[models.NormalizeAddress(a.Address)] = a
	}
	for _, d := range rs.Deployments {
		a, ok := accounts[models.NormalizeAddress(d.Contract)]
		if !ok {
			continue
		}
		for _, tag := range tags[d.SkeletonHash] {
			a.Tag(tag)
		}
	}
}

// commit 写入并推进游标，前后检查 epoch；不持有任何锁等待存储或游标
func (c *Coordinator) commit(ctx context.Context, rs *models.RecordSet, epoch uint64) (*upsert.Result, error) {
	if c.epoch.Load() != epoch {
		return nil, errStale
	}

	res, err := c.Engine.Upsert(ctx, rs)
	if err != nil {
		return nil, err
	}
	if c.epoch.Load() != epoch {
		// 写入可能落在作废之后，由 recover 清理
		c.staleWrites.Add(1)
		return nil, errStale
	}
	if err := c.mark.complete(res.Height, res.Hash, res.Records); err != nil {
		return nil, syncerrors.NewCursorCorruption(err).WithBlockNumber(res.Height)
	}
	if c.epoch.Load() != epoch {
		c.staleWrites.Add(1)
		return nil, errStale
	}

	if c.Publisher != nil {
		event := &models.BlockCommitted{
			Type:        "block_committed",
			Number:      res.Height,
			Hash:        res.Hash,
			Records:     res.Records,
			Created:     res.Created,
			Skeletons:   res.NewSkeletons,
			CommittedAt: time.Now().UTC(),
		}
		if err := c.Publisher.WriteBlockCommitted(event); err != nil {
			c.logger.WithError(err).WithField("block", res.Height).Warn("发布区块提交事件失败")
		}
	}
	return res, nil
}
