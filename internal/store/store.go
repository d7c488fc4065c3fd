package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	syncerrors "chaingraph/internal/errors"
	"chaingraph/pkg/models"
)

// NodeID 存储内部标识
type NodeID uint64

var (
	// ErrNotFound 节点不存在
	ErrNotFound = errors.New("节点不存在")
	// ErrTxnAborted 事务因死锁或序列化冲突被数据库中止，可整体重试
	ErrTxnAborted = errors.New("事务被中止")
)

// Node 图节点，边单独存放
type Node struct {
	ID         NodeID                 `json:"id"`
	Kind       models.Kind            `json:"kind"`
	Key        string                 `json:"key"`
	Owned      bool                   `json:"owned"`
	Height     uint64                 `json:"height"`
	Attrs      map[string]interface{} `json:"attrs"`
	Superseded bool                   `json:"superseded"`
}

// Edge 有向边
type Edge struct {
	Src       NodeID `json:"src"`
	Predicate string `json:"predicate"`
	Dst       NodeID `json:"dst"`
}

// Upsert 按自然键写入的请求
type Upsert struct {
	Key      models.NaturalKey
	Attrs    map[string]interface{}
	Owned    bool
	Height   uint64
	Identity []string
}

// Txn 单个区块的写事务
type Txn interface {
	// ResolveOrCreate 不存在则创建，存在则合并属性，返回节点ID和是否新建
	ResolveOrCreate(u Upsert) (NodeID, bool, error)
	Lookup(key models.NaturalKey) (NodeID, bool, error)
	// SetEdge 单值边，同一谓词只保留最新目标
	SetEdge(src NodeID, predicate string, dst NodeID) error
	// AddEdge 集合边
	AddEdge(src NodeID, predicate string, dst NodeID) error
	Commit() error
	Rollback() error
}

// Stats 存储统计
type Stats struct {
	Nodes      int            `json:"nodes"`
	Edges      int            `json:"edges"`
	Superseded int            `json:"superseded"`
	ByKind     map[string]int `json:"by_kind"`
}

// Store 图存储，只承诺单次提交内的原子性
type Store interface {
	Begin(ctx context.Context) (Txn, error)
	Lookup(ctx context.Context, key models.NaturalKey) (NodeID, bool, error)
	// Node 按自然键读取有效节点
	Node(ctx context.Context, key models.NaturalKey) (*Node, error)
	NodeByID(ctx context.Context, id NodeID) (*Node, error)
	// Edges 节点的出边
	Edges(ctx context.Context, id NodeID) ([]Edge, error)
	// CanonicalHash 某高度当前有效区块的哈希
	CanonicalHash(ctx context.Context, height uint64) (string, bool, error)
	// HighestBlock 当前有效区块的最大高度
	HighestBlock(ctx context.Context) (uint64, bool, error)
	// SupersedeAbove 把高于 height 的区块及经由引用可达的归属实体标记为作废
	SupersedeAbove(ctx context.Context, height uint64) (int, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// archivedKey 作废节点改名，腾出自然键给新的规范数据
func archivedKey(key string, id NodeID) string {
	return fmt.Sprintf("%s~%d", key, id)
}

// IsArchivedKey 是否为作废后的键
func IsArchivedKey(key string) bool {
	return strings.Contains(key, "~")
}

// mergeAttrs 新属性覆盖旧属性，未出现的键保留
func mergeAttrs(existing, update map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(existing)+len(update))
	for k, v := range existing {
		out[k] = v
	}
	for k, v := range update {
		out[k] = v
	}
	return out
}

// sameValue 按JSON表示比较，屏蔽序列化前后数值类型的差异
func sameValue(a, b interface{}) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}

// checkIdentity 同一高度上已提交的有效节点不允许改变身份字段
func checkIdentity(existing *Node, u Upsert) error {
	if existing.Superseded || !existing.Owned || !u.Owned || existing.Height != u.Height {
		return nil
	}
	for _, attr := range u.Identity {
		old, hasOld := existing.Attrs[attr]
		nv, hasNew := u.Attrs[attr]
		if !hasOld || !hasNew {
			continue
		}
		if !sameValue(old, nv) {
			return syncerrors.NewUpsertConflict(string(u.Key.Kind), u.Key.Key, u.Height, attr).
				WithContext("stored", old).WithContext("incoming", nv)
		}
	}
	return nil
}

func keyString(k models.NaturalKey) string {
	return k.String()
}

// ownedKindSet 级联作废只沿这些类型传播
var ownedKindSet = func() map[models.Kind]bool {
	m := make(map[models.Kind]bool)
	for _, k := range models.BlockOwnedKinds {
		m[k] = true
	}
	return m
}()

// HashOf 从区块节点属性读取哈希
func HashOf(n *Node) string {
	if n == nil {
		return ""
	}
	h, _ := n.Attrs["hash"].(string)
	return h
}

func sortEdges(edges []Edge) {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Predicate != edges[j].Predicate {
			return edges[i].Predicate < edges[j].Predicate
		}
		return edges[i].Dst < edges[j].Dst
	})
}
