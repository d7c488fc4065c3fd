package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"chaingraph/internal/config"
	syncerrors "chaingraph/internal/errors"
	"chaingraph/internal/logging"
	"chaingraph/internal/progress"
	"chaingraph/internal/shutdown"
)

var (
	configFile string
	verbose    bool

	// 回填参数
	startBlock    uint64
	endBlock      uint64
	workers       int
	chunkSize     int
	resetProgress bool

	// 实时同步参数
	noSync bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "chaingraph",
		Short:         "EVM 链图索引同步工具",
		Long:          `把 EVM 链上的区块、交易、合约部署和合约骨架同步到图存储，并在链重组时自动修复`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "configs/config.yaml", "配置文件路径")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "详细输出")

	extractCmd := &cobra.Command{
		Use:   "extract",
		Short: "有界回填到 --end-block 或当前链头",
		RunE:  runExtract,
	}
	extractCmd.Flags().Uint64Var(&startBlock, "start-block", 0, "起始区块号，游标之后的高度优先")
	extractCmd.Flags().Uint64Var(&endBlock, "end-block", 0, "结束区块号，0 表示当前链头")
	extractCmd.Flags().IntVar(&workers, "workers", 0, "并行分块数，0 使用配置")
	extractCmd.Flags().IntVar(&chunkSize, "chunk-size", 0, "每块区块数，0 使用配置")
	extractCmd.Flags().BoolVar(&resetProgress, "reset-progress", false, "清空游标重新开始")

	streamCmd := &cobra.Command{
		Use:   "stream",
		Short: "回填并持续跟随链头",
		RunE:  runStream,
	}
	streamCmd.Flags().BoolVar(&noSync, "no-sync", false, "跳过回填，从当前链头开始")
	streamCmd.Flags().IntVar(&workers, "workers", 0, "并行分块数，0 使用配置")

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "比较存储与上游链头，发现分叉时修复",
		RunE:  runVerify,
	}

	progressCmd := &cobra.Command{
		Use:   "progress",
		Short: "查看同步游标",
		RunE:  showProgress,
	}

	rootCmd.AddCommand(extractCmd, streamCmd, verifyCmd, progressCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "执行失败: %v\n", err)
		if syncerrors.IsFatal(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// setup 读取配置并按命令行覆盖
func setup(cmd *cobra.Command) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("加载配置失败: %w", err)
	}
	flags := cmd.Flags()
	if flags.Changed("start-block") {
		cfg.Sync.StartBlock = startBlock
	}
	if flags.Changed("end-block") {
		cfg.Sync.EndBlock = endBlock
	}
	if workers > 0 {
		cfg.Sync.Workers = workers
	}
	if chunkSize > 0 {
		cfg.Sync.ChunkSize = chunkSize
	}
	if noSync {
		cfg.Sync.NoSync = true
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return cfg, logger, nil
}

// execute 装配组件，在停机上下文中运行 fn，结束后按顺序释放
func execute(cmd *cobra.Command, name string, fn func(ctx context.Context, a *app) error) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}

	gs := shutdown.NewGracefulShutdown(30*time.Second, logger)
	a, err := buildApp(gs.Context(), cfg, logger)
	if err != nil {
		return err
	}
	if resetProgress {
		logger.Warn("重置同步游标")
		if err := a.cursor.Reset(); err != nil {
			a.close()
			return fmt.Errorf("重置游标失败: %w", err)
		}
	}

	syncDone := make(chan struct{})
	a.register(gs, syncDone)
	a.serve()

	logger.WithField("command", name).Info("开始运行")
	start := time.Now()
	runErr := fn(gs.Context(), a)
	close(syncDone)
	a.summary(start)

	gs.Shutdown()

	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	if runErr != nil && syncerrors.IsFatal(runErr) {
		logger.WithError(runErr).Error("同步因不可恢复的错误停止，需要人工处理")
	}
	return runErr
}

func runExtract(cmd *cobra.Command, _ []string) error {
	return execute(cmd, "extract", func(ctx context.Context, a *app) error {
		return a.coordinator.Extract(ctx)
	})
}

func runStream(cmd *cobra.Command, _ []string) error {
	return execute(cmd, "stream", func(ctx context.Context, a *app) error {
		return a.coordinator.Run(ctx)
	})
}

func runVerify(cmd *cobra.Command, _ []string) error {
	return execute(cmd, "verify", func(ctx context.Context, a *app) error {
		if err := a.coordinator.Verify(ctx); err != nil {
			return err
		}
		a.logger.WithField("state", a.coordinator.ReorgState()).Info("校验完成")
		return nil
	})
}

// showProgress 只打开游标库，不连接节点
func showProgress(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	mgr, err := progress.NewManager(cfg.Cursor.Path, logger)
	if err != nil {
		return fmt.Errorf("打开游标失败: %w", err)
	}
	defer mgr.Close()

	stats := mgr.GetStats()
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Println("同步进度")
	fmt.Println(strings.Repeat("=", 50))
	for _, k := range keys {
		fmt.Printf("%-20s: %v\n", k, stats[k])
	}
	return nil
}
