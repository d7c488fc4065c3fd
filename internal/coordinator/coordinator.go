package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"chaingraph/internal/builder"
	"chaingraph/internal/chain"
	"chaingraph/internal/config"
	syncerrors "chaingraph/internal/errors"
	"chaingraph/internal/output"
	"chaingraph/internal/progress"
	"chaingraph/internal/recovery"
	"chaingraph/internal/reorg"
	"chaingraph/internal/store"
	"chaingraph/internal/upsert"
	"chaingraph/internal/validation"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// 提交模式，用作指标标签
const (
	ModeBackfill = "backfill"
	ModeLive     = "live"
	ModeReplay   = "replay"
)

// errStale 区块在一次重组修复之前取得，不能再写入
var errStale = errors.New("区块数据来自已作废的分支")

// Cursor 协调器推进的持久化游标
type Cursor interface {
	Load() (progress.Cursor, bool)
	Advance(height uint64, hash string, records int) error
	Rewind(height uint64, hash string) error
}

// Deps 协调器依赖，可选项为 nil 时跳过对应步骤
type Deps struct {
	Source    chain.Source
	Builder   *builder.Builder
	Engine    *upsert.Engine
	Store     store.Store
	Cursor    Cursor
	Reorg     *reorg.Handler
	Recovery  *recovery.Adapter
	Sources   recovery.SourceProvider
	Validator *validation.Validator
	Publisher output.Output
	Errors    *syncerrors.ErrorHandler
}

// Options 同步参数
type Options struct {
	StartBlock    uint64
	EndBlock      uint64
	Workers       int
	ChunkSize     int
	PollInterval  time.Duration
	NoSync        bool
	IncludeTx     bool
	IncludeTraces bool
	ResolveNames  bool
}

// OptionsFromConfig 从配置生成
func OptionsFromConfig(cfg *config.SyncConfig) Options {
	return Options{
		StartBlock:    cfg.StartBlock,
		EndBlock:      cfg.EndBlock,
		Workers:       cfg.Workers,
		ChunkSize:     cfg.ChunkSize,
		PollInterval:  config.Duration(cfg.PollInterval, 4*time.Second),
		NoSync:        cfg.NoSync,
		IncludeTx:     cfg.IncludeTx,
		IncludeTraces: cfg.IncludeTraces,
		ResolveNames:  cfg.ResolveNames,
	}
}

// Stats 运行状态
type Stats struct {
	Mode            string    `json:"mode"`
	BlocksCommitted uint64    `json:"blocks_committed"`
	RecordsWritten  uint64    `json:"records_written"`
	NodesCreated    uint64    `json:"nodes_created"`
	NewSkeletons    uint64    `json:"new_skeletons"`
	LastBlock       uint64    `json:"last_block"`
	LastHash        string    `json:"last_hash"`
	LastCommitAt    time.Time `json:"last_commit_at"`
	Repairs         uint64    `json:"repairs"`
	StaleWrites     uint64    `json:"stale_writes"`
	Backfilling     bool      `json:"backfilling"`
	LiveHead        uint64    `json:"live_head"`
	PendingCursor   int       `json:"pending_cursor"`
}

// Coordinator 持有游标，调度回填、实时同步和重组修复
type Coordinator struct {
	Deps
	opts   Options
	logger *logrus.Logger

	// 重组作废前递增；提交前后各检查一次，写入后才发现变化的计入 staleWrites
	epoch       atomic.Uint64
	staleWrites atomic.Int64

	mark     *watermark
	floor    uint64
	liveNext uint64

	bfMu     sync.Mutex
	bfCancel context.CancelFunc
	bfDone   chan struct{}
	bfErr    chan error

	statsMu sync.RWMutex
	stats   Stats
}

// New 创建协调器并注册重组回调
func New(deps Deps, opts Options, logger *logrus.Logger) *Coordinator {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 4 * time.Second
	}
	c := &Coordinator{
		Deps:   deps,
		opts:   opts,
		logger: logger,
		bfErr:  make(chan error, 1),
	}
	c.mark = newWatermark(deps.Cursor, c.resumeHeight())
	deps.Reorg.OnSupersede(c.onSupersede)
	return c
}

// resumeHeight 游标之后的第一个高度，没有游标时从起始高度开始
func (c *Coordinator) resumeHeight() uint64 {
	next := c.opts.StartBlock
	if cur, ok := c.Cursor.Load(); ok && cur.Height+1 > next {
		next = cur.Height + 1
	}
	if c.floor > next {
		next = c.floor
	}
	return next
}

// onSupersede 切换 epoch 并取消后台回填，之后旧 epoch 的数据一律丢弃
func (c *Coordinator) onSupersede(ancestor uint64) {
	c.epoch.Add(1)

	c.bfMu.Lock()
	if c.bfCancel != nil {
		c.bfCancel()
	}
	c.bfMu.Unlock()
	c.logger.WithField("ancestor", ancestor).Debug("已停止旧分支上的写入")
}

// Verify 启动校验，发现分叉时修复并重放
func (c *Coordinator) Verify(ctx context.Context) error {
	c.setMode("verify")
	repair, err := c.Reorg.Verify(ctx)
	if err != nil {
		return err
	}
	if repair == nil {
		return nil
	}
	return c.recover(ctx, repair, repair.DivergedAt)
}

// Extract 有界回填：先校验，再从游标补到 EndBlock 或当前链头
func (c *Coordinator) Extract(ctx context.Context) error {
	if err := c.Verify(ctx); err != nil {
		return err
	}
	to := c.opts.EndBlock
	if to == 0 {
		latest, err := c.Source.HeaderByNumber(ctx, nil)
		if err != nil {
			return err
		}
		to = latest.Number.Uint64()
	}
	from := c.mark.Next()
	if from > to {
		c.logger.Infof("游标已到 %d，无需回填", from-1)
		return nil
	}

	c.setMode(ModeBackfill)
	c.setBackfilling(true)
	defer c.setBackfilling(false)
	c.logger.WithFields(logrus.Fields{"from": from, "to": to, "workers": c.opts.Workers}).Info("开始回填")
	start := time.Now()
	if err := c.Backfill(ctx, from, to, ModeBackfill); err != nil {
		return err
	}
	c.logger.Infof("回填完成: %d 个区块，耗时 %v", to-from+1, time.Since(start).Round(time.Millisecond))
	return nil
}

// Run 校验后回填与实时同步并行，直到 ctx 取消或出现致命错误
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.Verify(ctx); err != nil {
		return err
	}
	latest, err := c.Source.HeaderByNumber(ctx, nil)
	if err != nil {
		return err
	}
	head := latest.Number.Uint64()

	if c.opts.NoSync {
		c.floor = head
		c.mark.reset(c.resumeHeight())
		c.liveNext = c.mark.Next()
		c.logger.Infof("跳过回填，从区块 %d 开始实时同步", c.liveNext)
	} else {
		c.liveNext = head + 1
		if from := c.mark.Next(); from <= head {
			c.startBackfill(ctx, from, head)
		}
	}
	c.setMode(ModeLive)
	return c.stream(ctx)
}

// Backfill 固定大小分块、有界并行；游标由 watermark 按顺序推进
func (c *Coordinator) Backfill(ctx context.Context, from, to uint64, mode string) error {
	if from > to {
		return nil
	}
	chunk := uint64(c.opts.ChunkSize)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Workers)

	for start := from; start <= to; start += chunk {
		if gctx.Err() != nil {
			break
		}
		s, e := start, start+chunk-1
		if e > to {
			e = to
		}
		g.Go(func() error {
			for h := s; h <= e; h++ {
				if err := c.apply(gctx, h, mode); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// startBackfill 后台回填，实时同步同时进行
func (c *Coordinator) startBackfill(ctx context.Context, from, to uint64) {
	bctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	c.bfMu.Lock()
	c.bfCancel = cancel
	c.bfDone = done
	c.bfMu.Unlock()

	c.setBackfilling(true)
	c.logger.WithFields(logrus.Fields{"from": from, "to": to}).Info("后台回填已启动")
	go func() {
		defer close(done)
		defer c.setBackfilling(false)
		err := c.Backfill(bctx, from, to, ModeBackfill)
		switch {
		case err == nil:
			c.logger.Infof("后台回填完成，已到区块 %d", to)
		case errors.Is(err, errStale) || errors.Is(err, context.Canceled):
			c.logger.Info("后台回填已中止")
		default:
			select {
			case c.bfErr <- err:
			default:
			}
		}
	}()
}

// stopBackfill 取消并等待后台回填退出
func (c *Coordinator) stopBackfill() {
	c.bfMu.Lock()
	cancel, done := c.bfCancel, c.bfDone
	c.bfCancel, c.bfDone = nil, nil
	c.bfMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// recover 重放 [游标+1, upTo] 后确认修复完成，期间再次分叉则继续修复
func (c *Coordinator) recover(ctx context.Context, repair *reorg.Repair, upTo uint64) error {
	for repair != nil {
		c.stopBackfill()
		if err := c.sweep(ctx, repair); err != nil {
			return err
		}
		c.mark.reset(c.resumeHeight())
		c.addRepair()

		if repair.DivergedAt > upTo {
			upTo = repair.DivergedAt
		}
		from := c.mark.Next()
		// 重放中断时实时同步从游标之后重新补齐
		c.liveNext = from
		c.logger.WithFields(logrus.Fields{
			"ancestor": repair.Ancestor,
			"from":     from,
			"to":       upTo,
		}).Warn("重放分叉后的区块")
		if err := c.Backfill(ctx, from, upTo, ModeReplay); err != nil {
			return fmt.Errorf("重放区块失败: %w", err)
		}

		var err error
		repair, err = c.Reorg.Settle(ctx)
		if err != nil {
			return err
		}
	}
	if c.liveNext <= upTo {
		c.liveNext = upTo + 1
	}
	return nil
}

// sweep 后台回填退出后清理作废之后才落盘的旧分支写入
func (c *Coordinator) sweep(ctx context.Context, repair *reorg.Repair) error {
	stale := c.staleWrites.Swap(0)
	cur, ok := c.Cursor.Load()
	behind := ok && cur.Height > repair.Ancestor
	if stale == 0 && !behind {
		return nil
	}

	count, err := c.Store.SupersedeAbove(ctx, repair.Ancestor)
	if err != nil {
		return syncerrors.WrapError(err, syncerrors.ErrorTypeStore, syncerrors.SeverityHigh,
			syncerrors.CodeStoreFailed, "清理旧分支写入失败").WithBlockNumber(repair.Ancestor).WithComponent("coordinator")
	}
	if behind {
		if err := c.Cursor.Rewind(repair.Ancestor, repair.AncestorHash); err != nil {
			return syncerrors.NewCursorCorruption(err).WithBlockNumber(repair.Ancestor)
		}
	}

	c.statsMu.Lock()
	c.stats.StaleWrites += uint64(stale)
	c.statsMu.Unlock()
	c.logger.WithFields(logrus.Fields{
		"ancestor":     repair.Ancestor,
		"stale_writes": stale,
		"superseded":   count,
	}).Warn("已清理修复期间落盘的旧分支数据")
	return nil
}

// Stats 运行状态快照
func (c *Coordinator) Stats() Stats {
	c.statsMu.RLock()
	s := c.stats
	c.statsMu.RUnlock()
	s.PendingCursor = c.mark.Pending()
	return s
}

// ReorgState 对账状态
func (c *Coordinator) ReorgState() string {
	return c.Reorg.State().String()
}

func (c *Coordinator) setMode(mode string) {
	c.statsMu.Lock()
	c.stats.Mode = mode
	c.statsMu.Unlock()
}

func (c *Coordinator) setBackfilling(v bool) {
	c.statsMu.Lock()
	c.stats.Backfilling = v
	c.statsMu.Unlock()
}

func (c *Coordinator) setLiveHead(n uint64) {
	c.statsMu.Lock()
	if n > c.stats.LiveHead {
		c.stats.LiveHead = n
	}
	c.statsMu.Unlock()
}

func (c *Coordinator) addRepair() {
	c.statsMu.Lock()
	c.stats.Repairs++
	c.statsMu.Unlock()
}

func (c *Coordinator) recordCommit(res *upsert.Result) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	c.stats.BlocksCommitted++
	c.stats.RecordsWritten += uint64(res.Records)
	c.stats.NodesCreated += uint64(res.Created)
	c.stats.NewSkeletons += uint64(res.NewSkeletons)
	if res.Height >= c.stats.LastBlock {
		c.stats.LastBlock = res.Height
		c.stats.LastHash = res.Hash
	}
	c.stats.LastCommitAt = time.Now()
}
