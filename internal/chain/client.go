package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	syncerrors "chaingraph/internal/errors"
	"chaingraph/internal/logging"
	"chaingraph/internal/metrics"
	"chaingraph/internal/retry"
	"chaingraph/pkg/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
)

// Source 同步所需的链节点能力
type Source interface {
	// HeaderByNumber number 为 nil 时返回最新区块头
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BlockByNumber(ctx context.Context, number uint64) (*types.Block, error)
	BlockReceipts(ctx context.Context, number uint64) ([]*types.Receipt, error)
	CodeAt(ctx context.Context, account common.Address, number uint64) ([]byte, error)
	// TraceBlock callTracer 追踪整个区块
	TraceBlock(ctx context.Context, number uint64) ([]*models.TxTrace, error)
	// ContractName 调用合约的 name()，没有实现时返回空串
	ContractName(ctx context.Context, account common.Address, number uint64) (string, error)
	// SubscribeNewHead HTTP 节点返回 rpc.ErrNotificationsUnsupported
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
}

var nameABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(
		`[{"name":"name","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]}]`))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// Client 在节点池上加重试和故障转移
type Client struct {
	pool    *Pool
	retrier *retry.Retrier
	logger  *logrus.Logger
}

// NewClient 创建链客户端
func NewClient(pool *Pool, retryCfg retry.RetryConfig, logger *logrus.Logger) *Client {
	return &Client{pool: pool, retrier: retry.NewRetrier(retryCfg, logger), logger: logger}
}

// Pool 底层节点池
func (c *Client) Pool() *Pool {
	return c.pool
}

// call 每次尝试重新选择节点，最终失败转为 TransientFetchError
func call[T any](ctx context.Context, c *Client, op string, height uint64, fn func(Backend) (T, error)) (T, error) {
	result, err := retry.Do(ctx, c.retrier, fmt.Sprintf("%s %d", op, height), func() (T, error) {
		var zero T
		n, err := c.pool.next()
		if err != nil {
			return zero, err
		}
		if err := n.wait(ctx); err != nil {
			return zero, err
		}
		v, err := fn(n.backend)
		if err != nil {
			if !errors.Is(err, ethereum.NotFound) {
				logging.RPCLogger(c.logger, op, n.name).WithError(err).Debug("节点请求失败")
				c.pool.markFailure(n, err)
			}
			return zero, err
		}
		c.pool.markSuccess(n)
		return v, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		metrics.Sync().FetchErrorsTotal.WithLabelValues(op).Inc()
		return result, syncerrors.NewTransientFetchError(height, op, err)
	}
	return result, nil
}

func heightOf(number *big.Int) uint64 {
	if number == nil {
		return 0
	}
	return number.Uint64()
}

// HeaderByNumber 获取区块头
func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return call(ctx, c, "header", heightOf(number), func(b Backend) (*types.Header, error) {
		return b.HeaderByNumber(ctx, number)
	})
}

// BlockByNumber 获取完整区块
func (c *Client) BlockByNumber(ctx context.Context, number uint64) (*types.Block, error) {
	return call(ctx, c, "block", number, func(b Backend) (*types.Block, error) {
		return b.BlockByNumber(ctx, new(big.Int).SetUint64(number))
	})
}

// BlockReceipts 一次取回区块内所有回执
func (c *Client) BlockReceipts(ctx context.Context, number uint64) ([]*types.Receipt, error) {
	ref := rpc.BlockNumberOrHashWithNumber(rpc.BlockNumber(number))
	return call(ctx, c, "receipts", number, func(b Backend) ([]*types.Receipt, error) {
		return b.BlockReceipts(ctx, ref)
	})
}

// CodeAt 合约在指定高度的运行时代码
func (c *Client) CodeAt(ctx context.Context, account common.Address, number uint64) ([]byte, error) {
	return call(ctx, c, "code", number, func(b Backend) ([]byte, error) {
		return b.CodeAt(ctx, account, new(big.Int).SetUint64(number))
	})
}

// TraceBlock debug_traceBlockByNumber + callTracer
func (c *Client) TraceBlock(ctx context.Context, number uint64) ([]*models.TxTrace, error) {
	return call(ctx, c, "trace", number, func(b Backend) ([]*models.TxTrace, error) {
		var traces []*models.TxTrace
		err := b.CallContext(ctx, &traces, "debug_traceBlockByNumber", hexutil.EncodeUint64(number),
			map[string]interface{}{"tracer": "callTracer"})
		return traces, err
	})
}

// ContractName revert 或返回值无法解码时视为没有名称
func (c *Client) ContractName(ctx context.Context, account common.Address, number uint64) (string, error) {
	data, err := nameABI.Pack("name")
	if err != nil {
		return "", err
	}
	out, err := call(ctx, c, "name", number, func(b Backend) ([]byte, error) {
		res, err := b.CallContract(ctx, ethereum.CallMsg{To: &account, Data: data}, new(big.Int).SetUint64(number))
		if err != nil && isExecutionError(err) {
			return nil, nil
		}
		return res, err
	})
	if err != nil || len(out) == 0 {
		return "", err
	}
	values, err := nameABI.Unpack("name", out)
	if err != nil || len(values) == 0 {
		return "", nil
	}
	name, _ := values[0].(string)
	return strings.TrimRight(name, "\x00"), nil
}

// SubscribeNewHead 订阅新区块头，不重试
func (c *Client) SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	n, err := c.pool.next()
	if err != nil {
		return nil, err
	}
	sub, err := n.backend.SubscribeNewHead(ctx, ch)
	if err != nil {
		return nil, err
	}
	c.logger.Infof("已通过节点 %s 订阅新区块", n.name)
	return sub, nil
}

// Close 关闭节点连接
func (c *Client) Close() {
	c.pool.Close()
}

// isExecutionError EVM 执行失败，不是节点故障
func isExecutionError(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "execution reverted") || strings.Contains(s, "invalid opcode")
}
