package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// 停机顺序，数字越小越早执行
const (
	OrderStopAPI        = 10 // 停止状态接口
	OrderStopSync       = 20 // 等待协调器退出，游标只停在已提交的区块
	OrderFlushProducers = 30 // 刷新Kafka缓冲区
	OrderCloseChain     = 40 // 关闭节点连接
	OrderCloseStore     = 50 // 关闭图存储和游标库
)

// Hook 停机处理函数
type Hook struct {
	Name  string
	Func  func(ctx context.Context) error
	Order int
}

// GracefulShutdown 收到信号后先取消运行上下文，再按顺序执行停机处理
type GracefulShutdown struct {
	logger  *logrus.Logger
	timeout time.Duration

	mu       sync.Mutex
	hooks    []Hook
	stopping bool
	done     chan struct{}

	signals chan os.Signal
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewGracefulShutdown 创建停机管理器并监听 SIGINT/SIGTERM
func NewGracefulShutdown(timeout time.Duration, logger *logrus.Logger) *GracefulShutdown {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	gs := &GracefulShutdown{
		logger:  logger,
		timeout: timeout,
		done:    make(chan struct{}),
		signals: make(chan os.Signal, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
	signal.Notify(gs.signals, syscall.SIGINT, syscall.SIGTERM)
	go gs.watch()
	return gs
}

// Register 注册停机处理
func (gs *GracefulShutdown) Register(name string, order int, fn func(ctx context.Context) error) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	gs.hooks = append(gs.hooks, Hook{Name: name, Func: fn, Order: order})
	gs.logger.Debugf("注册停机处理: %s (order: %d)", name, order)
}

// Context 同步任务使用的上下文，停机开始时取消
func (gs *GracefulShutdown) Context() context.Context {
	return gs.ctx
}

// Done 所有停机处理执行完后关闭
func (gs *GracefulShutdown) Done() <-chan struct{} {
	return gs.done
}

func (gs *GracefulShutdown) watch() {
	select {
	case sig := <-gs.signals:
		gs.logger.Infof("收到停机信号: %v", sig)
		gs.Shutdown()
	case <-gs.done:
	}
}

// Shutdown 可重复调用，只执行一次
func (gs *GracefulShutdown) Shutdown() {
	gs.mu.Lock()
	if gs.stopping {
		gs.mu.Unlock()
		<-gs.done
		return
	}
	gs.stopping = true
	hooks := append([]Hook(nil), gs.hooks...)
	gs.mu.Unlock()

	signal.Stop(gs.signals)
	gs.cancel()
	defer close(gs.done)

	ctx, cancel := context.WithTimeout(context.Background(), gs.timeout)
	defer cancel()

	sort.SliceStable(hooks, func(i, j int) bool { return hooks[i].Order < hooks[j].Order })
	var failed []error
	for _, h := range hooks {
		if ctx.Err() != nil {
			gs.logger.Warnf("停机超时，跳过 %s", h.Name)
			continue
		}
		start := time.Now()
		if err := h.Func(ctx); err != nil {
			gs.logger.WithError(err).Errorf("停机处理 %s 失败 (耗时 %v)", h.Name, time.Since(start))
			failed = append(failed, fmt.Errorf("%s: %w", h.Name, err))
			continue
		}
		gs.logger.Infof("停机处理 %s 完成 (耗时 %v)", h.Name, time.Since(start))
	}
	if len(failed) > 0 {
		gs.logger.Errorf("停机过程中发生 %d 个错误", len(failed))
		return
	}
	gs.logger.Info("优雅停机完成")
}

// IsShuttingDown 是否已开始停机
func (gs *GracefulShutdown) IsShuttingDown() bool {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.stopping
}
