package coordinator

import (
	"context"
	"errors"
	"time"

	syncerrors "chaingraph/internal/errors"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
)

// stream 订阅新区块头，订阅不可用或中断时退回轮询
func (c *Coordinator) stream(ctx context.Context) error {
	heads := make(chan *types.Header, 16)
	var sub ethereum.Subscription
	var subErr <-chan error

	subscribe := func() {
		s, err := c.Source.SubscribeNewHead(ctx, heads)
		if err != nil {
			c.logger.WithError(err).Info("订阅新区块失败，使用轮询")
			sub, subErr = nil, nil
			return
		}
		sub, subErr = s, s.Err()
		c.logger.Info("已订阅新区块")
	}
	subscribe()
	defer func() {
		if sub != nil {
			sub.Unsubscribe()
		}
	}()

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.stopBackfill()
			return ctx.Err()

		case err := <-c.bfErr:
			c.report(ctx, err, "后台回填失败")
			c.stopBackfill()
			return err

		case err := <-subErr:
			c.logger.WithError(err).Warn("新区块订阅中断，改为轮询")
			sub.Unsubscribe()
			sub, subErr = nil, nil

		case header := <-heads:
			if err := c.handleHead(ctx, header); err != nil {
				return err
			}

		case <-ticker.C:
			if sub != nil {
				continue
			}
			header, err := c.Source.HeaderByNumber(ctx, nil)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				c.logger.WithError(err).Warn("轮询链头失败")
				continue
			}
			if err := c.handleHead(ctx, header); err != nil {
				return err
			}
		}
	}
}

// handleHead 先检查新区块是否延续已存储的链，再补齐 liveNext 到新高度
func (c *Coordinator) handleHead(ctx context.Context, header *types.Header) error {
	n := header.Number.Uint64()
	c.setLiveHead(n)

	repair, err := c.Reorg.CheckHeader(ctx, header)
	if err != nil {
		return c.liveError(ctx, err)
	}
	if repair != nil {
		return c.liveError(ctx, c.recover(ctx, repair, n))
	}

	for c.liveNext <= n {
		h := c.liveNext
		if err := c.applyLive(ctx, h); err != nil {
			// 未写入的高度留给下一个区块头重试
			return c.liveError(ctx, err)
		}
		if c.liveNext == h {
			c.liveNext = h + 1
		}
	}
	return nil
}

// applyLive 写入冲突视为分叉信号，修复后由 recover 重放到 h
func (c *Coordinator) applyLive(ctx context.Context, h uint64) error {
	err := c.apply(ctx, h, ModeLive)
	if err == nil || !syncerrors.IsType(err, syncerrors.ErrorTypeUpsertConflict) {
		return err
	}
	c.logger.WithError(err).WithField("block", h).Warn("写入冲突，检查是否发生重组")
	repair, serr := c.Reorg.Signal(ctx, h)
	if serr != nil {
		return serr
	}
	if repair == nil {
		// 上游仍与存储一致，冲突来自数据本身
		return err
	}
	return c.recover(ctx, repair, h)
}

// liveError 临时性错误只记录，下一个区块头到来时重试
func (c *Coordinator) liveError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if syncerrors.IsFatal(err) || errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, errStale) {
		return nil
	}
	if syncerrors.IsType(err, syncerrors.ErrorTypeTransientFetch) {
		c.report(ctx, err, "实时同步暂时失败，等待下一个区块头")
		return nil
	}
	c.report(ctx, err, "实时同步失败")
	return err
}

// report 配置了错误处理器时交给它统计和记录，否则直接记日志
func (c *Coordinator) report(ctx context.Context, err error, msg string) {
	if c.Errors != nil {
		c.Errors.HandleError(ctx, err)
		return
	}
	c.logger.WithError(err).Error(msg)
}
