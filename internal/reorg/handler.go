package reorg

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"

	syncerrors "chaingraph/internal/errors"
	"chaingraph/internal/metrics"
	"chaingraph/internal/progress"
	"chaingraph/internal/store"
	"chaingraph/pkg/models"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
)

// ChainReader 读取上游规范链头
type ChainReader interface {
	// HeaderByNumber number 为 nil 时返回最新区块头
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// Cursor 持久化同步游标
type Cursor interface {
	Load() (progress.Cursor, bool)
	Rewind(height uint64, hash string) error
}

// Publisher 重组通知出口
type Publisher interface {
	WriteReorgNotification(reorg *models.ReorgNotification) error
}

// Repair 一次修复的结果，协调器据此从 ReplayFrom 开始重放
type Repair struct {
	DivergedAt   uint64
	Ancestor     uint64
	AncestorHash string
	OldHash      string
	NewHash      string
	Superseded   int
	ReplayFrom   uint64
}

// Depth 回滚的区块数
func (r *Repair) Depth() uint64 {
	return r.DivergedAt - r.Ancestor
}

// ErrBusy 另一次对账操作尚未结束
var ErrBusy = errors.New("对账正在进行中")

// Handler 用链和存储驱动对账状态机。mu 只保护状态快照和回调，
// 链与存储的读写都在锁外进行；同一时间只允许一次对账操作
type Handler struct {
	chain     ChainReader
	store     store.Store
	cursor    Cursor
	publisher Publisher
	logger    *logrus.Logger

	busy atomic.Bool

	mu            sync.Mutex
	machine       Machine
	onSupersede   func(ancestor uint64)
	onStateChange func(State)
}

// NewHandler publisher 可为 nil
func NewHandler(chain ChainReader, st store.Store, cursor Cursor, publisher Publisher, maxDepth uint64, logger *logrus.Logger) *Handler {
	h := &Handler{
		chain:     chain,
		store:     st,
		cursor:    cursor,
		publisher: publisher,
		logger:    logger,
		machine:   NewMachine(maxDepth),
	}
	reportState(StateSynced)
	return h
}

// OnSupersede 作废之前回调，调用方借此阻止旧分支上的写入
func (h *Handler) OnSupersede(fn func(ancestor uint64)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onSupersede = fn
}

// OnStateChange 状态变化时回调，包括修复过程中的中间状态
func (h *Handler) OnStateChange(fn func(State)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onStateChange = fn
}

// State 当前状态
func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.machine.State
}

// Machine 状态机快照
func (h *Handler) Machine() Machine {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.machine
}

func (h *Handler) setMachine(m Machine) {
	h.mu.Lock()
	prev := h.machine.State
	h.machine = m
	hook := h.onStateChange
	h.mu.Unlock()

	reportState(m.State)
	if hook != nil && prev != m.State {
		hook(m.State)
	}
}

// acquire 对账操作互斥，不在持锁状态下做 I/O
func (h *Handler) acquire() error {
	if !h.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	return nil
}

func (h *Handler) release() {
	h.busy.Store(false)
}

// Verify 启动时比较存储头与上游在同一高度的哈希
func (h *Handler) Verify(ctx context.Context) (*Repair, error) {
	if err := h.acquire(); err != nil {
		return nil, err
	}
	defer h.release()

	head, ok, err := h.store.HighestBlock(ctx)
	if err != nil {
		return nil, fmt.Errorf("读取存储最高区块失败: %w", err)
	}
	if !ok {
		h.logger.Info("存储为空，跳过启动校验")
		return nil, nil
	}
	latest, err := h.chain.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, syncerrors.NewTransientFetchError(head, "latest_header", err)
	}
	height := head
	if upstream := latest.Number.Uint64(); upstream < height {
		height = upstream
	}

	pending, match, err := h.observe(ctx, height)
	if err != nil {
		return nil, err
	}
	h.logger.WithFields(logrus.Fields{
		"stored_head":   head,
		"upstream_head": latest.Number.Uint64(),
		"height":        height,
		"match":         match,
	}).Info("启动校验")
	return h.drive(ctx, Event{Kind: EventHeadObserved, Height: height, Match: match}, pending)
}

// CheckHeader 实时新区块头：同高度已存在则比较哈希，否则比较父哈希
func (h *Handler) CheckHeader(ctx context.Context, header *types.Header) (*Repair, error) {
	if err := h.acquire(); err != nil {
		return nil, err
	}
	defer h.release()

	n := header.Number.Uint64()
	stored, ok, err := h.store.CanonicalHash(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("读取区块 %d 哈希失败: %w", n, err)
	}
	if ok {
		upstream := header.Hash().Hex()
		pending := Repair{DivergedAt: n, OldHash: stored, NewHash: upstream}
		return h.drive(ctx, Event{Kind: EventHeadObserved, Height: n, Match: sameHash(stored, upstream)}, pending)
	}
	if n == 0 {
		return nil, nil
	}

	parent, ok, err := h.store.CanonicalHash(ctx, n-1)
	if err != nil {
		return nil, fmt.Errorf("读取区块 %d 哈希失败: %w", n-1, err)
	}
	if !ok {
		// 父区块尚未写入，交给协调器补齐
		return nil, nil
	}
	match := sameHash(parent, header.ParentHash.Hex())
	if !match {
		h.logger.WithFields(logrus.Fields{
			"block":         n,
			"stored_parent": parent,
			"header_parent": header.ParentHash.Hex(),
		}).Warn("新区块父哈希与存储不一致")
	}
	pending := Repair{DivergedAt: n - 1, OldHash: parent, NewHash: header.ParentHash.Hex()}
	return h.drive(ctx, Event{Kind: EventHeadObserved, Height: n - 1, Match: match}, pending)
}

// Signal 上游或写入冲突提示 height 处可能分叉；先比较 height 本身，一致则不修复
func (h *Handler) Signal(ctx context.Context, height uint64) (*Repair, error) {
	if err := h.acquire(); err != nil {
		return nil, err
	}
	defer h.release()

	pending, match, err := h.observe(ctx, height)
	if err != nil {
		return nil, err
	}
	h.logger.WithFields(logrus.Fields{"block": height, "match": match}).Warn("收到分叉信号")
	return h.drive(ctx, Event{Kind: EventSignal, Height: height, Match: match}, pending)
}

// Settle 重放完成后确认存储头与上游一致，一致则回到 SYNCED
func (h *Handler) Settle(ctx context.Context) (*Repair, error) {
	if err := h.acquire(); err != nil {
		return nil, err
	}
	defer h.release()

	m := h.Machine()
	if m.State != StateRepairing {
		return nil, nil
	}
	head, ok, err := h.store.HighestBlock(ctx)
	if err != nil {
		return nil, fmt.Errorf("读取存储最高区块失败: %w", err)
	}
	if !ok {
		head = m.Ancestor
	}
	pending, match, err := h.observe(ctx, head)
	if err != nil {
		return nil, err
	}
	return h.drive(ctx, Event{Kind: EventHeadObserved, Height: head, Match: match}, pending)
}

// observe 比较 height 处哈希，结果作为本次修复的起点
func (h *Handler) observe(ctx context.Context, height uint64) (Repair, bool, error) {
	stored, upstream, match, err := h.compare(ctx, height)
	if err != nil {
		return Repair{}, false, err
	}
	return Repair{DivergedAt: height, OldHash: stored, NewHash: upstream}, match, nil
}

// compare 存储中没有该高度视为一致
func (h *Handler) compare(ctx context.Context, height uint64) (stored, upstream string, match bool, err error) {
	header, err := h.chain.HeaderByNumber(ctx, new(big.Int).SetUint64(height))
	if err != nil {
		return "", "", false, syncerrors.NewTransientFetchError(height, "header", err)
	}
	upstream = header.Hash().Hex()

	stored, ok, err := h.store.CanonicalHash(ctx, height)
	if err != nil {
		return "", upstream, false, fmt.Errorf("读取区块 %d 哈希失败: %w", height, err)
	}
	if !ok {
		return "", upstream, true, nil
	}
	return stored, upstream, sameHash(stored, upstream), nil
}

// drive 执行状态机命令直到需要协调器介入；转移在快照上计算，I/O 不持锁
func (h *Handler) drive(ctx context.Context, ev Event, pending Repair) (*Repair, error) {
	start := h.Machine()
	m := start
	for {
		next, cmd, err := Transition(m, ev)
		if err != nil {
			if syncerrors.IsFatal(err) {
				h.logger.WithError(err).WithField("diverged_at", next.DivergedAt).Error("重组深度超过上限，停止同步")
			}
			h.setMachine(start)
			return nil, err
		}
		m = next
		h.setMachine(m)

		switch cmd.Kind {
		case CmdNone:
			if start.State == StateRepairing && m.State == StateSynced {
				h.logger.WithField("block", ev.Height).Info("重组修复完成，恢复同步")
			}
			return nil, nil

		case CmdProbe:
			_, upstream, match, err := h.compare(ctx, cmd.Height)
			if err != nil {
				h.setMachine(start)
				return nil, err
			}
			if match {
				pending.AncestorHash = upstream
			}
			ev = Event{Kind: EventProbed, Height: cmd.Height, Match: match}

		case CmdSupersede:
			if err := h.supersede(ctx, m, &pending); err != nil {
				return nil, err
			}
			ev = Event{Kind: EventSuperseded}

		case CmdReplay:
			repair := pending
			repair.DivergedAt = m.DivergedAt
			repair.Ancestor = m.Ancestor
			repair.ReplayFrom = cmd.Height
			return &repair, nil
		}
	}
}

// supersede 作废祖先以上的区块，回退游标，发布通知
func (h *Handler) supersede(ctx context.Context, m Machine, pending *Repair) error {
	ancestor := m.Ancestor
	h.mu.Lock()
	hook := h.onSupersede
	h.mu.Unlock()
	if hook != nil {
		hook(ancestor)
	}

	count, err := h.store.SupersedeAbove(ctx, ancestor)
	if err != nil {
		return syncerrors.WrapError(err, syncerrors.ErrorTypeStore, syncerrors.SeverityHigh,
			syncerrors.CodeStoreFailed, "作废分叉区块失败").WithBlockNumber(ancestor).WithComponent("reorg")
	}
	pending.Superseded = count

	if c, ok := h.cursor.Load(); ok && c.Height > ancestor {
		if err := h.cursor.Rewind(ancestor, pending.AncestorHash); err != nil {
			return syncerrors.NewCursorCorruption(err).WithBlockNumber(ancestor)
		}
		metrics.Sync().CursorHeight.Set(float64(ancestor))
	}

	depth := m.Depth()
	ms := metrics.Sync()
	ms.ReorgsTotal.Inc()
	ms.ReorgDepth.Observe(float64(depth))
	ms.SupersededNodesTotal.Add(float64(count))

	h.logger.WithFields(logrus.Fields{
		"diverged_at": m.DivergedAt,
		"ancestor":    ancestor,
		"depth":       depth,
		"superseded":  count,
	}).Warn("检测到链重组，已作废分叉数据")

	if h.publisher != nil {
		n := models.NewReorgNotification(m.DivergedAt, ancestor, pending.AncestorHash,
			pending.OldHash, pending.NewHash, count)
		if err := h.publisher.WriteReorgNotification(n); err != nil {
			h.logger.WithError(err).Warn("发送重组通知失败")
		}
	}
	return nil
}

func reportState(current State) {
	for s := range stateNames {
		v := 0.0
		if s == current {
			v = 1
		}
		metrics.Sync().ReorgState.WithLabelValues(s.String()).Set(v)
	}
}

func sameHash(a, b string) bool {
	return strings.EqualFold(a, b)
}
