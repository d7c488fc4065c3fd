package chain

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"chaingraph/internal/config"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
)

const (
	// 连续失败次数达到后暂时禁用节点
	maxNodeErrors = 3
	// 被限流节点的冷却时间
	rateLimitCooldown = 5 * time.Minute
)

// Backend 单个节点的RPC能力
type Backend interface {
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	BlockReceipts(ctx context.Context, blockNrOrHash rpc.BlockNumberOrHash) ([]*types.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
	Close()
}

// ethBackend ethclient 加上原始 rpc 调用
type ethBackend struct {
	*ethclient.Client
	raw *rpc.Client
}

func (b *ethBackend) CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	return b.raw.CallContext(ctx, result, method, args...)
}

// Dial 连接节点并校验链ID
func Dial(ctx context.Context, url string, chainID uint64) (Backend, error) {
	raw, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("连接节点失败: %w", err)
	}
	client := ethclient.NewClient(raw)

	id, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("测试连接失败: %w", err)
	}
	if chainID != 0 && id.Uint64() != chainID {
		client.Close()
		return nil, fmt.Errorf("链ID不匹配: 期望 %d，实际 %d", chainID, id.Uint64())
	}
	return &ethBackend{Client: client, raw: raw}, nil
}

// node 节点及其健康状态
type node struct {
	name     string
	priority int
	backend  Backend
	limiter  *time.Ticker

	mu           sync.RWMutex
	available    bool
	rateLimited  bool
	rateLimitEnd time.Time
	errorCount   int
	requests     uint64
}

// wait 按配置的每秒请求数节流
func (n *node) wait(ctx context.Context) error {
	if n.limiter == nil {
		return nil
	}
	select {
	case <-n.limiter.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pool 多节点轮转，按优先级从高到低选择
type Pool struct {
	nodes   []*node
	current int
	logger  *logrus.Logger
	mu      sync.Mutex
}

// NewPool 按配置连接所有节点，至少一个成功
func NewPool(ctx context.Context, cfg *config.ChainConfig, logger *logrus.Logger) (*Pool, error) {
	timeout := config.Duration(cfg.Timeout, 30*time.Second)
	backends := make(map[string]Backend)
	var nodes []*config.NodeConfig
	for _, nc := range cfg.Nodes {
		dialCtx, cancel := context.WithTimeout(ctx, timeout)
		b, err := Dial(dialCtx, nc.URL, cfg.ChainID)
		cancel()
		if err != nil {
			logger.Warnf("初始化节点 %s 失败: %v", nc.Name, err)
			continue
		}
		backends[nc.Name] = b
		nodes = append(nodes, nc)
		logger.Infof("节点 %s 已连接", nc.Name)
	}
	if len(backends) == 0 {
		return nil, fmt.Errorf("没有可用的节点")
	}
	return NewPoolWithBackends(nodes, backends, logger), nil
}

// NewPoolWithBackends 使用已建立的连接
func NewPoolWithBackends(nodes []*config.NodeConfig, backends map[string]Backend, logger *logrus.Logger) *Pool {
	p := &Pool{logger: logger}
	for _, nc := range nodes {
		b, ok := backends[nc.Name]
		if !ok {
			continue
		}
		n := &node{name: nc.Name, priority: nc.Priority, backend: b, available: true}
		if nc.RateLimit > 0 {
			n.limiter = time.NewTicker(time.Second / time.Duration(nc.RateLimit))
		}
		p.nodes = append(p.nodes, n)
	}
	sort.SliceStable(p.nodes, func(i, j int) bool {
		return p.nodes[i].priority > p.nodes[j].priority
	})
	return p
}

// next 从当前节点开始找第一个可用节点
func (p *Pool) next() (*node, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.nodes) == 0 {
		return nil, fmt.Errorf("没有配置节点")
	}
	now := time.Now()
	for i := 0; i < len(p.nodes); i++ {
		index := (p.current + i) % len(p.nodes)
		n := p.nodes[index]

		n.mu.Lock()
		if n.rateLimited && now.After(n.rateLimitEnd) {
			n.rateLimited = false
			n.errorCount = 0
			p.logger.Infof("节点 %s 速率限制已解除", n.name)
		}
		ok := n.available && !n.rateLimited
		n.mu.Unlock()

		if ok {
			p.current = index
			return n, nil
		}
	}

	// 全部不可用时，恢复未限流的节点再试
	revived := false
	for _, n := range p.nodes {
		n.mu.Lock()
		if !n.rateLimited {
			n.available = true
			n.errorCount = 0
			revived = true
		}
		n.mu.Unlock()
	}
	if !revived {
		return nil, fmt.Errorf("所有节点都被速率限制")
	}
	p.logger.Warn("所有节点都不可用，重新启用")
	p.current = 0
	return p.nodes[0], nil
}

// markSuccess 成功请求清零错误计数
func (p *Pool) markSuccess(n *node) {
	n.mu.Lock()
	n.errorCount = 0
	n.requests++
	n.mu.Unlock()
}

// markFailure 限流错误进入冷却，其他错误累计后禁用
func (p *Pool) markFailure(n *node, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.requests++
	if isRateLimitError(err) {
		n.rateLimited = true
		n.rateLimitEnd = time.Now().Add(rateLimitCooldown)
		n.errorCount++
		p.logger.Errorf("节点 %s 被限流，%v 后重试: %v", n.name, rateLimitCooldown, err)
		return
	}
	n.errorCount++
	if n.errorCount >= maxNodeErrors && n.available {
		n.available = false
		p.logger.Warnf("节点 %s 错误次数过多，暂时禁用", n.name)
	}
}

// Stats 节点状态
func (p *Pool) Stats() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := make(map[string]interface{}, len(p.nodes))
	for i, n := range p.nodes {
		n.mu.RLock()
		entry := map[string]interface{}{
			"priority":     n.priority,
			"available":    n.available,
			"rate_limited": n.rateLimited,
			"error_count":  n.errorCount,
			"requests":     n.requests,
			"current":      i == p.current,
		}
		if n.rateLimited {
			entry["rate_limit_end"] = n.rateLimitEnd.Format(time.RFC3339)
		}
		n.mu.RUnlock()
		stats[n.name] = entry
	}
	return stats
}

// Close 关闭所有连接
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, n := range p.nodes {
		if n.limiter != nil {
			n.limiter.Stop()
		}
		n.backend.Close()
	}
	p.logger.Info("节点连接已关闭")
}

// isRateLimitError 429 或各家服务商的限流提示
func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"429", "too many requests", "rate limit", "quota exceeded",
		"request limit", "requests per second", "exceed rate limit",
	} {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}
