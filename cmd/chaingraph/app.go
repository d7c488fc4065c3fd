package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"chaingraph/internal/api"
	"chaingraph/internal/builder"
	"chaingraph/internal/chain"
	"chaingraph/internal/config"
	"chaingraph/internal/coordinator"
	"chaingraph/internal/decoder"
	syncerrors "chaingraph/internal/errors"
	"chaingraph/internal/metrics"
	"chaingraph/internal/output"
	"chaingraph/internal/progress"
	"chaingraph/internal/recovery"
	"chaingraph/internal/reorg"
	"chaingraph/internal/shutdown"
	"chaingraph/internal/skeleton"
	"chaingraph/internal/store"
	"chaingraph/internal/upsert"
	"chaingraph/internal/validation"
)

// app 一次运行装配好的全部组件
type app struct {
	cfg         *config.Config
	logger      *logrus.Logger
	store       store.Store
	cursor      *progress.Manager
	client      *chain.Client
	recovery    *recovery.Adapter
	shared      *recovery.RedisCache
	output      output.Output
	coordinator *coordinator.Coordinator
	server      *api.Server
	errors      *syncerrors.ErrorHandler
}

// openStore 按配置选择图存储后端
func openStore(ctx context.Context, cfg *config.StoreConfig, logger *logrus.Logger) (store.Store, error) {
	switch cfg.Backend {
	case "memory":
		logger.Warn("使用内存图存储，进程退出后数据丢失")
		return store.NewMemoryStore(), nil
	case "postgres":
		s, err := store.NewPostgresStore(ctx, cfg.DSN, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		s, err := store.NewBoltStore(cfg.Path, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// newDecompiler heimdall 需要外部可执行文件，dispatch 只依赖签名库
func newDecompiler(cfg *config.Config, logger *logrus.Logger) recovery.Decompiler {
	if cfg.Recovery.Decompiler == "heimdall" {
		return recovery.NewHeimdallDecompiler(cfg.Recovery.HeimdallPath, cfg.Recovery.WorkDir)
	}
	return recovery.NewDispatchDecompiler(decoder.NewSignatureResolver(logger, cfg.Decoder))
}

// buildApp 依次打开存储、游标、节点池，再装配同步流水线
func buildApp(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, errors: syncerrors.NewErrorHandler(logger)}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	if cfg.Metrics.Enabled {
		metrics.Setup("chaingraph")
	}

	normalizer, err := skeleton.NewNormalizer(cfg.Skeleton.Strategy)
	if err != nil {
		return nil, fmt.Errorf("骨架策略无效: %w", err)
	}

	if a.store, err = openStore(ctx, cfg.Store, logger); err != nil {
		return nil, fmt.Errorf("打开图存储失败: %w", err)
	}
	if a.cursor, err = progress.NewManager(cfg.Cursor.Path, logger); err != nil {
		return nil, fmt.Errorf("打开游标失败: %w", err)
	}
	if err := a.cursor.CheckStrategy(normalizer.StrategyName()); err != nil {
		return nil, err
	}

	pool, err := chain.NewPool(ctx, cfg.Chain, logger)
	if err != nil {
		return nil, err
	}
	a.client = chain.NewClient(pool, cfg.Chain.Retry, logger)

	opts := []recovery.Option{
		recovery.WithLookup(recovery.NewStoreLookup(a.store)),
		recovery.WithTimeout(config.Duration(cfg.Recovery.Timeout, recovery.DefaultTimeout)),
		recovery.WithMaxAttempts(cfg.Recovery.MaxAttempts),
		recovery.WithCacheSize(cfg.Recovery.CacheSize),
	}
	if cfg.Recovery.Redis != nil {
		a.shared, err = recovery.NewRedisCache(cfg.Recovery.Redis, validator.New())
		if err != nil {
			return nil, fmt.Errorf("连接共享骨架缓存失败: %w", err)
		}
		opts = append(opts, recovery.WithSharedCache(a.shared))
	}
	a.recovery = recovery.NewAdapter(newDecompiler(cfg, logger), logger, opts...)

	var sources recovery.SourceProvider
	if cfg.Recovery.SourceDir != "" {
		sources = recovery.NewDirectorySource(cfg.Recovery.SourceDir)
	}

	if a.output, err = output.NewOutput(cfg.Output, logger); err != nil {
		return nil, fmt.Errorf("创建输出器失败: %w", err)
	}

	handler := reorg.NewHandler(a.client, a.store, a.cursor, a.output, cfg.Reorg.MaxDepth, logger)
	a.coordinator = coordinator.New(coordinator.Deps{
		Source: a.client,
		Builder: builder.NewBuilder(normalizer, builder.Options{
			IncludeTx:        cfg.Sync.IncludeTx,
			IncludeLogs:      cfg.Sync.IncludeLogs,
			IncludeTransfers: cfg.Sync.IncludeTransfers,
			IncludeTraces:    cfg.Sync.IncludeTraces,
		}),
		Engine:    upsert.NewEngine(a.store, logger),
		Store:     a.store,
		Cursor:    a.cursor,
		Reorg:     handler,
		Recovery:  a.recovery,
		Sources:   sources,
		Validator: validation.NewValidator(logger, false),
		Publisher: a.output,
		Errors:    a.errors,
	}, coordinator.OptionsFromConfig(cfg.Sync), logger)

	if cfg.API.Enabled {
		a.server = api.NewServer(api.Deps{
			Store:    a.store,
			Status:   a.coordinator,
			Progress: a.cursor,
			Nodes:    pool,
			Recovery: a.recovery,
			Errors:   a.errors,
		}, cfg.API, cfg.Metrics, logger)
	}

	ok = true
	return a, nil
}

// serve 后台启动状态接口
func (a *app) serve() {
	if a.server == nil {
		return
	}
	go func() {
		if err := a.server.Start(); err != nil {
			a.logger.WithError(err).Error("状态接口退出")
		}
	}()
}

// register 停机时先停接口和同步，最后关闭存储，游标只会停在已提交的区块上
func (a *app) register(gs *shutdown.GracefulShutdown, syncDone <-chan struct{}) {
	if a.server != nil {
		gs.Register("api", shutdown.OrderStopAPI, a.server.Stop)
	}
	gs.Register("sync", shutdown.OrderStopSync, func(ctx context.Context) error {
		select {
		case <-syncDone:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("等待同步退出超时: %w", ctx.Err())
		}
	})
	gs.Register("resources", shutdown.OrderCloseStore, func(context.Context) error {
		a.close()
		return nil
	})
}

func (a *app) close() {
	if a.output != nil {
		if err := a.output.Close(); err != nil {
			a.logger.WithError(err).Warn("关闭输出器失败")
		}
		a.output = nil
	}
	if a.client != nil {
		a.client.Close()
		a.client = nil
	}
	if a.shared != nil {
		_ = a.shared.Close()
		a.shared = nil
	}
	if a.cursor != nil {
		if err := a.cursor.Close(); err != nil {
			a.logger.WithError(err).Warn("关闭游标失败")
		}
		a.cursor = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.WithError(err).Warn("关闭图存储失败")
		}
		a.store = nil
	}
}

// summary 运行结束时的统计
func (a *app) summary(start time.Time) {
	s := a.coordinator.Stats()
	elapsed := time.Since(start)
	rate := 0.0
	if elapsed > 0 {
		rate = float64(s.BlocksCommitted) / elapsed.Seconds()
	}
	a.logger.WithFields(logrus.Fields{
		"blocks":     s.BlocksCommitted,
		"records":    s.RecordsWritten,
		"created":    s.NodesCreated,
		"skeletons":  s.NewSkeletons,
		"repairs":    s.Repairs,
		"last_block": s.LastBlock,
		"elapsed":    elapsed.Round(time.Millisecond).String(),
		"blocks_sec": fmt.Sprintf("%.2f", rate),
	}).Info("同步统计")
}
