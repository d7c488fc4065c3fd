package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"chaingraph/pkg/models"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	// 默认图数据库路径
	DefaultBoltPath = "./data/graph.db"

	nodesBucket   = "nodes"
	keysBucket    = "keys"
	outBucket     = "out"
	inBucket      = "in"
	heightsBucket = "heights"
)

// BoltStore 基于 bbolt 的嵌入式图存储
type BoltStore struct {
	db     *bolt.DB
	logger *logrus.Logger
	path   string
}

// NewBoltStore 打开或创建图数据库
func NewBoltStore(path string, logger *logrus.Logger) (*BoltStore, error) {
	if path == "" {
		path = DefaultBoltPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("打开图数据库失败: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{nodesBucket, keysBucket, outBucket, inBucket, heightsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("创建存储桶 %s 失败: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	logger.Infof("图数据库已打开: %s", path)
	return &BoltStore{db: db, logger: logger, path: path}, nil
}

func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func outKey(src NodeID, predicate string, dst NodeID) []byte {
	k := make([]byte, 0, 17+len(predicate))
	k = append(k, u64(uint64(src))...)
	k = append(k, predicate...)
	k = append(k, 0)
	return append(k, u64(uint64(dst))...)
}

func inKey(dst, src NodeID, predicate string) []byte {
	k := make([]byte, 0, 16+len(predicate))
	k = append(k, u64(uint64(dst))...)
	k = append(k, u64(uint64(src))...)
	return append(k, predicate...)
}

func getNode(tx *bolt.Tx, id NodeID) (*Node, error) {
	raw := tx.Bucket([]byte(nodesBucket)).Get(u64(uint64(id)))
	if raw == nil {
		return nil, ErrNotFound
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var n Node
	if err := dec.Decode(&n); err != nil {
		return nil, fmt.Errorf("解析节点 %d 失败: %w", id, err)
	}
	return &n, nil
}

func putNode(tx *bolt.Tx, n *Node) error {
	raw, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("序列化节点失败: %w", err)
	}
	return tx.Bucket([]byte(nodesBucket)).Put(u64(uint64(n.ID)), raw)
}

func lookupID(tx *bolt.Tx, key models.NaturalKey) (NodeID, bool) {
	raw := tx.Bucket([]byte(keysBucket)).Get([]byte(keyString(key)))
	if raw == nil {
		return 0, false
	}
	return NodeID(binary.BigEndian.Uint64(raw)), true
}

// Begin 开启写事务，bbolt 同一时刻只允许一个写事务
func (s *BoltStore) Begin(ctx context.Context) (Txn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tx, err := s.db.Begin(true)
	if err != nil {
		return nil, fmt.Errorf("开启写事务失败: %w", err)
	}
	return &boltTxn{tx: tx}, nil
}

// Lookup 按自然键查找
func (s *BoltStore) Lookup(ctx context.Context, key models.NaturalKey) (id NodeID, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		id, ok = lookupID(tx, key)
		return nil
	})
	return id, ok, err
}

// Node 按自然键读取
func (s *BoltStore) Node(ctx context.Context, key models.NaturalKey) (n *Node, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		id, ok := lookupID(tx, key)
		if !ok {
			return ErrNotFound
		}
		n, err = getNode(tx, id)
		return err
	})
	return n, err
}

// NodeByID 按ID读取
func (s *BoltStore) NodeByID(ctx context.Context, id NodeID) (n *Node, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		n, err = getNode(tx, id)
		return err
	})
	return n, err
}

// Edges 出边
func (s *BoltStore) Edges(ctx context.Context, id NodeID) ([]Edge, error) {
	var edges []Edge
	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := u64(uint64(id))
		c := tx.Bucket([]byte(outBucket)).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			rest := k[8:]
			pred := string(rest[:len(rest)-9])
			dst := NodeID(binary.BigEndian.Uint64(rest[len(rest)-8:]))
			edges = append(edges, Edge{Src: id, Predicate: pred, Dst: dst})
		}
		return nil
	})
	sortEdges(edges)
	return edges, err
}

// CanonicalHash 某高度有效区块哈希
func (s *BoltStore) CanonicalHash(ctx context.Context, height uint64) (hash string, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(heightsBucket)).Get(u64(height))
		if raw == nil {
			return nil
		}
		n, err := getNode(tx, NodeID(binary.BigEndian.Uint64(raw)))
		if err != nil {
			return err
		}
		hash, ok = HashOf(n), true
		return nil
	})
	return hash, ok, err
}

// HighestBlock 最高有效区块
func (s *BoltStore) HighestBlock(ctx context.Context) (height uint64, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		k, _ := tx.Bucket([]byte(heightsBucket)).Cursor().Last()
		if k != nil {
			height, ok = binary.BigEndian.Uint64(k), true
		}
		return nil
	})
	return height, ok, err
}

// SupersedeAbove 在单个写事务内完成级联作废
func (s *BoltStore) SupersedeAbove(ctx context.Context, height uint64) (int, error) {
	count := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		var queue []NodeID
		c := tx.Bucket([]byte(heightsBucket)).Cursor()
		for k, v := c.Seek(u64(height + 1)); k != nil; k, v = c.Next() {
			queue = append(queue, NodeID(binary.BigEndian.Uint64(v)))
		}

		visited := make(map[NodeID]bool)
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			if visited[id] {
				continue
			}
			visited[id] = true

			n, err := getNode(tx, id)
			if err != nil {
				return err
			}
			if n.Superseded || !ownedKindSet[n.Kind] {
				continue
			}
			if err := supersedeNode(tx, n); err != nil {
				return err
			}
			count++

			prefix := u64(uint64(id))
			ic := tx.Bucket([]byte(inBucket)).Cursor()
			for k, _ := ic.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = ic.Next() {
				src := NodeID(binary.BigEndian.Uint64(k[8:16]))
				if !visited[src] {
					queue = append(queue, src)
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func supersedeNode(tx *bolt.Tx, n *Node) error {
	keys := tx.Bucket([]byte(keysBucket))
	oldKey := []byte(keyString(models.NaturalKey{Kind: n.Kind, Key: n.Key}))
	if raw := keys.Get(oldKey); raw != nil && NodeID(binary.BigEndian.Uint64(raw)) == n.ID {
		if err := keys.Delete(oldKey); err != nil {
			return err
		}
	}
	if n.Kind == models.KindBlock {
		heights := tx.Bucket([]byte(heightsBucket))
		if raw := heights.Get(u64(n.Height)); raw != nil && NodeID(binary.BigEndian.Uint64(raw)) == n.ID {
			if err := heights.Delete(u64(n.Height)); err != nil {
				return err
			}
		}
	}
	n.Key = archivedKey(n.Key, n.ID)
	n.Superseded = true
	if err := keys.Put([]byte(keyString(models.NaturalKey{Kind: n.Kind, Key: n.Key})), u64(uint64(n.ID))); err != nil {
		return err
	}
	return putNode(tx, n)
}

// Stats 统计
func (s *BoltStore) Stats(ctx context.Context) (Stats, error) {
	st := Stats{ByKind: make(map[string]int)}
	err := s.db.View(func(tx *bolt.Tx) error {
		err := tx.Bucket([]byte(nodesBucket)).ForEach(func(k, v []byte) error {
			var n Node
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			st.Nodes++
			if n.Superseded {
				st.Superseded++
			} else {
				st.ByKind[string(n.Kind)]++
			}
			return nil
		})
		if err != nil {
			return err
		}
		st.Edges = tx.Bucket([]byte(outBucket)).Stats().KeyN
		return nil
	})
	return st, err
}

// Path 数据库文件路径
func (s *BoltStore) Path() string {
	return s.path
}

// Close 关闭数据库
func (s *BoltStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// boltTxn 包装 bbolt 写事务
type boltTxn struct {
	tx *bolt.Tx
}

func (t *boltTxn) ResolveOrCreate(u Upsert) (NodeID, bool, error) {
	if id, ok := lookupID(t.tx, u.Key); ok {
		n, err := getNode(t.tx, id)
		if err != nil {
			return 0, false, err
		}
		if err := checkIdentity(n, u); err != nil {
			return 0, false, err
		}
		n.Attrs = mergeAttrs(n.Attrs, u.Attrs)
		if u.Owned {
			n.Owned, n.Height = true, u.Height
		}
		return id, false, putNode(t.tx, n)
	}

	seq, err := t.tx.Bucket([]byte(nodesBucket)).NextSequence()
	if err != nil {
		return 0, false, err
	}
	n := &Node{ID: NodeID(seq), Kind: u.Key.Kind, Key: u.Key.Key, Owned: u.Owned, Height: u.Height, Attrs: mergeAttrs(nil, u.Attrs)}
	if err := putNode(t.tx, n); err != nil {
		return 0, false, err
	}
	if err := t.tx.Bucket([]byte(keysBucket)).Put([]byte(keyString(u.Key)), u64(seq)); err != nil {
		return 0, false, err
	}
	if u.Key.Kind == models.KindBlock {
		if h, err := strconv.ParseUint(u.Key.Key, 10, 64); err == nil {
			if err := t.tx.Bucket([]byte(heightsBucket)).Put(u64(h), u64(seq)); err != nil {
				return 0, false, err
			}
		}
	}
	return n.ID, true, nil
}

func (t *boltTxn) Lookup(key models.NaturalKey) (NodeID, bool, error) {
	id, ok := lookupID(t.tx, key)
	return id, ok, nil
}

func (t *boltTxn) SetEdge(src NodeID, predicate string, dst NodeID) error {
	prefix := append(u64(uint64(src)), predicate...)
	prefix = append(prefix, 0)
	out := t.tx.Bucket([]byte(outBucket))

	var stale []NodeID
	c := out.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		old := NodeID(binary.BigEndian.Uint64(k[len(prefix):]))
		if old != dst {
			stale = append(stale, old)
		}
	}
	for _, old := range stale {
		if err := out.Delete(outKey(src, predicate, old)); err != nil {
			return err
		}
		if err := t.tx.Bucket([]byte(inBucket)).Delete(inKey(old, src, predicate)); err != nil {
			return err
		}
	}
	return t.AddEdge(src, predicate, dst)
}

func (t *boltTxn) AddEdge(src NodeID, predicate string, dst NodeID) error {
	nodes := t.tx.Bucket([]byte(nodesBucket))
	if nodes.Get(u64(uint64(src))) == nil || nodes.Get(u64(uint64(dst))) == nil {
		return ErrNotFound
	}
	if err := t.tx.Bucket([]byte(outBucket)).Put(outKey(src, predicate, dst), []byte{}); err != nil {
		return err
	}
	return t.tx.Bucket([]byte(inBucket)).Put(inKey(dst, src, predicate), []byte{})
}

func (t *boltTxn) Commit() error {
	return t.tx.Commit()
}

func (t *boltTxn) Rollback() error {
	err := t.tx.Rollback()
	if err == bolt.ErrTxClosed {
		return nil
	}
	return err
}
