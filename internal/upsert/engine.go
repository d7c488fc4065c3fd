package upsert

import (
	"context"
	"errors"
	"fmt"
	"time"

	syncerrors "chaingraph/internal/errors"
	"chaingraph/internal/metrics"
	"chaingraph/internal/store"
	"chaingraph/pkg/models"

	"github.com/sirupsen/logrus"
)

// ErrDanglingRef 引用目标既不在本批次也不在存储中
var ErrDanglingRef = errors.New("引用目标不存在")

// Result 单个区块的写入结果
type Result struct {
	Height       uint64        `json:"height"`
	Hash         string        `json:"hash"`
	Records      int           `json:"records"`
	Created      int           `json:"created"`
	Updated      int           `json:"updated"`
	Edges        int           `json:"edges"`
	NewSkeletons int           `json:"new_skeletons"`
	Retried      bool          `json:"retried"`
	Duration     time.Duration `json:"duration"`
}

// Engine 按自然键幂等写入图存储，一个区块一次提交
type Engine struct {
	store  store.Store
	logger *logrus.Logger
}

// NewEngine 创建写入引擎
func NewEngine(s store.Store, logger *logrus.Logger) *Engine {
	return &Engine{store: s, logger: logger}
}

// Upsert 写入区块记录集；身份冲突或事务被数据库中止时整批重试一次，仍失败则上抛
func (e *Engine) Upsert(ctx context.Context, rs *models.RecordSet) (*Result, error) {
	if rs == nil || rs.Block == nil {
		return nil, fmt.Errorf("记录集缺少区块")
	}

	res, err := e.apply(ctx, rs)
	if err == nil {
		return res, nil
	}
	switch {
	case syncerrors.IsType(err, syncerrors.ErrorTypeUpsertConflict):
		metrics.Sync().UpsertConflictsTotal.Inc()
		e.logger.WithError(err).WithField("block", rs.Block.Number).Warn("写入冲突，重试一次")
	case errors.Is(err, store.ErrTxnAborted):
		e.logger.WithError(err).WithField("block", rs.Block.Number).Warn("事务被中止，重试一次")
	default:
		return nil, err
	}

	res, err = e.apply(ctx, rs)
	if err != nil {
		if se, ok := syncerrors.AsSyncError(err); ok {
			se.WithBlockNumber(rs.Block.Number).WithComponent("upsert")
		}
		return nil, err
	}
	res.Retried = true
	return res, nil
}

// apply 先建全部节点再连边，同批次内的引用无需排序
func (e *Engine) apply(ctx context.Context, rs *models.RecordSet) (*Result, error) {
	start := time.Now()
	txn, err := e.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("开启事务失败: %w", err)
	}
	defer txn.Rollback()

	res := &Result{Height: rs.Block.Number, Hash: rs.Block.Hash}
	ids := make(map[models.NaturalKey]store.NodeID, rs.Count())
	entities := rs.Entities()

	for _, ent := range entities {
		key := ent.NaturalKey()
		height, owned := ent.OwnerHeight()
		id, created, err := txn.ResolveOrCreate(store.Upsert{
			Key:      key,
			Attrs:    ent.Attributes(),
			Owned:    owned,
			Height:   height,
			Identity: ent.IdentityAttrs(),
		})
		if err != nil {
			return nil, err
		}
		if _, seen := ids[key]; !seen {
			res.Records++
			if created {
				res.Created++
				if key.Kind == models.KindSkeleton {
					res.NewSkeletons++
				}
			} else {
				res.Updated++
			}
		}
		ids[key] = id
	}

	for _, ent := range entities {
		src := ids[ent.NaturalKey()]
		for _, ref := range ent.References() {
			dst, err := resolve(txn, ids, ref.Target)
			if err != nil {
				return nil, fmt.Errorf("%s -%s-> %s: %w", ent.NaturalKey(), ref.Predicate, ref.Target, err)
			}
			if ref.Multi {
				err = txn.AddEdge(src, ref.Predicate, dst)
			} else {
				err = txn.SetEdge(src, ref.Predicate, dst)
			}
			if err != nil {
				return nil, fmt.Errorf("写入边 %s 失败: %w", ref.Predicate, err)
			}
			res.Edges++
		}
	}

	if err := txn.Commit(); err != nil {
		return nil, fmt.Errorf("提交区块 %d 失败: %w", rs.Block.Number, err)
	}
	res.Duration = time.Since(start)

	e.logger.WithFields(logrus.Fields{
		"block":   res.Height,
		"records": res.Records,
		"created": res.Created,
		"edges":   res.Edges,
	}).Debug("区块已写入")
	return res, nil
}

// resolve 先查批次缓存，再查存储
func resolve(txn store.Txn, ids map[models.NaturalKey]store.NodeID, key models.NaturalKey) (store.NodeID, error) {
	if id, ok := ids[key]; ok {
		return id, nil
	}
	id, ok, err := txn.Lookup(key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrDanglingRef
	}
	ids[key] = id
	return id, nil
}
