package recovery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	syncerrors "chaingraph/internal/errors"
	"chaingraph/internal/metrics"
	"chaingraph/internal/store"
	"chaingraph/pkg/models"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// DefaultTimeout 单次反编译超时
const DefaultTimeout = 5 * time.Second

// SkeletonLookup 从图存储读取已写入的骨架
type SkeletonLookup interface {
	Skeleton(ctx context.Context, hash string) (*models.Skeleton, bool, error)
}

type storeLookup struct {
	s store.Store
}

// NewStoreLookup 以图存储作为最后一层缓存
func NewStoreLookup(s store.Store) SkeletonLookup {
	return &storeLookup{s: s}
}

func (l *storeLookup) Skeleton(ctx context.Context, hash string) (*models.Skeleton, bool, error) {
	n, err := l.s.Node(ctx, models.SkeletonKey(hash))
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	sk, err := models.SkeletonFromAttributes(n.Attrs)
	if err != nil {
		return nil, false, err
	}
	return sk, true, nil
}

// Stats 适配器计数
type Stats struct {
	MemoryHits  int64 `json:"memory_hits"`
	SharedHits  int64 `json:"shared_hits"`
	StoreHits   int64 `json:"store_hits"`
	Invocations int64 `json:"invocations"`
	Failures    int64 `json:"failures"`
}

// Adapter ABI恢复适配器，同一骨架并发请求只调用一次工具
type Adapter struct {
	decompiler  Decompiler
	local       *MemoryCache
	shared      Cache
	lookup      SkeletonLookup
	timeout     time.Duration
	maxAttempts int
	logger      *logrus.Logger

	group singleflight.Group

	// 相似骨架索引，键数不超过 cacheSize，每个键最多保留 maxLinked 个骨架
	ifaceMu    sync.Mutex
	cacheSize  int
	interfaces map[string][]string
	shapes     map[string][]string

	memoryHits  int64
	sharedHits  int64
	storeHits   int64
	invocations int64
	failures    int64
}

// Option 适配器选项
type Option func(*Adapter)

// WithSharedCache 共享缓存层，例如 redis
func WithSharedCache(c Cache) Option {
	return func(a *Adapter) { a.shared = c }
}

// WithLookup 图存储查询
func WithLookup(l SkeletonLookup) Option {
	return func(a *Adapter) { a.lookup = l }
}

// WithTimeout 反编译超时
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithCacheSize 进程内缓存和相似索引的容量
func WithCacheSize(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.cacheSize = n
		}
	}
}

// WithMaxAttempts 失败骨架最多调用工具的次数，默认1次即不重试
func WithMaxAttempts(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.maxAttempts = n
		}
	}
}

// NewAdapter 创建适配器
func NewAdapter(d Decompiler, logger *logrus.Logger, opts ...Option) *Adapter {
	a := &Adapter{
		decompiler:  d,
		timeout:     DefaultTimeout,
		maxAttempts: 1,
		logger:      logger,
		cacheSize:   DefaultCacheSize,
		interfaces:  make(map[string][]string),
		shapes:      make(map[string][]string),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.local = NewMemoryCache(a.cacheSize)
	return a
}

// usable 成功的结果总是可用；失败的结果在尝试次数用尽后也按缓存处理
func (a *Adapter) usable(s *models.Skeleton) bool {
	return !s.FailedDecompilation || s.Attempts >= a.maxAttempts
}

// Recover 返回骨架的恢复结果；工具失败只记录在结果上，不作为错误返回
func (a *Adapter) Recover(ctx context.Context, hash string, code []byte) (*models.Skeleton, error) {
	hash = strings.ToLower(hash)
	if s, ok, _ := a.local.Get(ctx, hash); ok && a.usable(s) {
		atomic.AddInt64(&a.memoryHits, 1)
		metrics.Recovery().CacheHitsTotal.WithLabelValues("memory").Inc()
		return s, nil
	}

	ch := a.group.DoChan(hash, func() (interface{}, error) {
		// 共享调用不随单个调用方取消
		return a.resolve(context.WithoutCancel(ctx), hash, code)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return cloneSkeleton(res.Val.(*models.Skeleton)), nil
	}
}

func (a *Adapter) resolve(ctx context.Context, hash string, code []byte) (*models.Skeleton, error) {
	prior := 0
	if s, ok, _ := a.local.Get(ctx, hash); ok {
		if a.usable(s) {
			return s, nil
		}
		prior = s.Attempts
	}

	if a.shared != nil {
		s, ok, err := a.shared.Get(ctx, hash)
		if err != nil {
			a.logger.WithError(err).WithField("skeleton", hash).Warn("共享缓存读取失败")
		} else if ok {
			if a.usable(s) {
				atomic.AddInt64(&a.sharedHits, 1)
				metrics.Recovery().CacheHitsTotal.WithLabelValues("shared").Inc()
				a.remember(ctx, s, false)
				return s, nil
			}
			prior = max(prior, s.Attempts)
		}
	}

	if a.lookup != nil {
		s, ok, err := a.lookup.Skeleton(ctx, hash)
		if err != nil {
			return nil, err
		}
		if ok {
			if a.usable(s) {
				atomic.AddInt64(&a.storeHits, 1)
				metrics.Recovery().CacheHitsTotal.WithLabelValues("store").Inc()
				a.remember(ctx, s, true)
				return s, nil
			}
			prior = max(prior, s.Attempts)
		}
	}

	metrics.Recovery().CacheMissesTotal.Inc()
	s := a.decompile(ctx, hash, code)
	s.Attempts = prior + 1
	s.SimilarInterface = a.linkInterface(s)
	a.remember(ctx, s, true)
	return s, nil
}

// decompile 在超时内调用工具
func (a *Adapter) decompile(ctx context.Context, hash string, code []byte) *models.Skeleton {
	s := &models.Skeleton{Hash: hash, Decompiler: a.decompiler.Name()}

	tctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	atomic.AddInt64(&a.invocations, 1)
	metrics.Recovery().InvocationsTotal.WithLabelValues(a.decompiler.Name()).Inc()
	start := time.Now()
	rec, err := a.decompiler.Decompile(tctx, code)
	metrics.Recovery().DecompileLatencyMS.Observe(float64(time.Since(start).Milliseconds()))

	if err != nil {
		reason := "error"
		if errors.Is(tctx.Err(), context.DeadlineExceeded) {
			reason = "timeout"
		}
		atomic.AddInt64(&a.failures, 1)
		metrics.Recovery().FailuresTotal.WithLabelValues(reason).Inc()
		a.logger.WithError(syncerrors.NewRecoveryFailure(hash, err)).
			WithFields(logrus.Fields{"skeleton": hash, "reason": reason}).
			Warn("ABI恢复失败，已标记")
		s.FailedDecompilation = true
		return s
	}

	s.Functions, s.Events, s.Errors = rec.Functions, rec.Events, rec.Errors
	s.Compliance = ComputeCompliance(s.Functions)
	a.logger.WithFields(logrus.Fields{
		"skeleton":  hash,
		"functions": len(s.Functions),
		"erc20":     s.Compliance.ERC20,
		"erc721":    s.Compliance.ERC721,
	}).Debug("ABI恢复完成")
	return s
}

// remember 写入本地缓存，按需回填共享缓存
func (a *Adapter) remember(ctx context.Context, s *models.Skeleton, toShared bool) {
	a.local.Set(ctx, s.Hash, s)
	a.indexInterface(s)
	if toShared && a.shared != nil {
		if err := a.shared.Set(ctx, s.Hash, s); err != nil {
			a.logger.WithError(err).WithField("skeleton", s.Hash).Warn("共享缓存写入失败")
		}
	}
}

// linkInterface 返回已知的同接口骨架
func (a *Adapter) linkInterface(s *models.Skeleton) []string {
	fp := InterfaceFingerprint(s)
	if fp == "" || s.FailedDecompilation {
		return nil
	}
	a.ifaceMu.Lock()
	defer a.ifaceMu.Unlock()
	var out []string
	for _, h := range a.interfaces[fp] {
		if h != s.Hash {
			out = append(out, h)
		}
	}
	return out
}

func (a *Adapter) indexInterface(s *models.Skeleton) {
	fp := InterfaceFingerprint(s)
	if fp == "" || s.FailedDecompilation {
		return
	}
	a.ifaceMu.Lock()
	defer a.ifaceMu.Unlock()
	for _, h := range a.interfaces[fp] {
		if h == s.Hash {
			return
		}
	}
	a.link(a.interfaces, fp, s.Hash)
}

// maxLinked 每个指纹或形状下保留的骨架数
const maxLinked = 16

// link 追加到索引，键过多时清理一半，单个键超长时丢弃最早的骨架。调用方持有 ifaceMu
func (a *Adapter) link(index map[string][]string, key, hash string) {
	list, ok := index[key]
	if !ok && len(index) >= a.cacheSize {
		evictHalf(index, a.cacheSize)
		a.logger.Debugf("相似索引清理完成，剩余 %d 项", len(index))
	}
	list = append(list, hash)
	if len(list) > maxLinked {
		list = append([]string(nil), list[len(list)-maxLinked:]...)
	}
	index[key] = list
}

// LinkCode 登记骨架的指令形状，返回此前见过的同形状骨架
func (a *Adapter) LinkCode(hash, shape string) []string {
	if shape == "" {
		return nil
	}
	hash = strings.ToLower(hash)
	a.ifaceMu.Lock()
	defer a.ifaceMu.Unlock()
	var out []string
	known := false
	for _, h := range a.shapes[shape] {
		if h == hash {
			known = true
			continue
		}
		out = append(out, h)
	}
	if !known {
		a.link(a.shapes, shape, hash)
	}
	return out
}

// Stats 计数快照
func (a *Adapter) Stats() Stats {
	return Stats{
		MemoryHits:  atomic.LoadInt64(&a.memoryHits),
		SharedHits:  atomic.LoadInt64(&a.sharedHits),
		StoreHits:   atomic.LoadInt64(&a.storeHits),
		Invocations: atomic.LoadInt64(&a.invocations),
		Failures:    atomic.LoadInt64(&a.failures),
	}
}
