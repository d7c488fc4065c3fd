package store

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"chaingraph/pkg/models"
)

// MemoryStore 内存图存储，用于测试和 dry-run
type MemoryStore struct {
	mu      sync.RWMutex
	nextID  NodeID
	nodes   map[NodeID]*Node
	keys    map[string]NodeID
	out     map[NodeID]map[string]map[NodeID]struct{}
	in      map[NodeID]map[NodeID]struct{}
	heights map[uint64]NodeID
	closed  bool
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:   make(map[NodeID]*Node),
		keys:    make(map[string]NodeID),
		out:     make(map[NodeID]map[string]map[NodeID]struct{}),
		in:      make(map[NodeID]map[NodeID]struct{}),
		heights: make(map[uint64]NodeID),
	}
}

var errClosed = errors.New("存储已关闭")

// Begin 开启写事务，提交或回滚前独占存储
func (s *MemoryStore) Begin(ctx context.Context) (Txn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errClosed
	}
	return &memTxn{s: s}, nil
}

// Lookup 按自然键查找有效节点
func (s *MemoryStore) Lookup(ctx context.Context, key models.NaturalKey) (NodeID, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.keys[keyString(key)]
	return id, ok, nil
}

// Node 按自然键读取
func (s *MemoryStore) Node(ctx context.Context, key models.NaturalKey) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.keys[keyString(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return copyNode(s.nodes[id]), nil
}

// NodeByID 按ID读取，包括作废节点
func (s *MemoryStore) NodeByID(ctx context.Context, id NodeID) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyNode(n), nil
}

// Edges 出边
func (s *MemoryStore) Edges(ctx context.Context, id NodeID) ([]Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var edges []Edge
	for pred, dsts := range s.out[id] {
		for dst := range dsts {
			edges = append(edges, Edge{Src: id, Predicate: pred, Dst: dst})
		}
	}
	sortEdges(edges)
	return edges, nil
}

// CanonicalHash 某高度有效区块哈希
func (s *MemoryStore) CanonicalHash(ctx context.Context, height uint64) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.heights[height]
	if !ok {
		return "", false, nil
	}
	return HashOf(s.nodes[id]), true, nil
}

// HighestBlock 最高有效区块
func (s *MemoryStore) HighestBlock(ctx context.Context) (uint64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var max uint64
	found := false
	for h := range s.heights {
		if !found || h > max {
			max, found = h, true
		}
	}
	return max, found, nil
}

// SupersedeAbove 级联作废
func (s *MemoryStore) SupersedeAbove(ctx context.Context, height uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var queue []NodeID
	for h, id := range s.heights {
		if h > height {
			queue = append(queue, id)
		}
	}

	visited := make(map[NodeID]bool)
	count := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true

		n := s.nodes[id]
		if n == nil || n.Superseded || !ownedKindSet[n.Kind] {
			continue
		}
		s.supersede(n)
		count++

		for src := range s.in[id] {
			if !visited[src] {
				queue = append(queue, src)
			}
		}
	}
	return count, nil
}

func (s *MemoryStore) supersede(n *Node) {
	oldKey := keyString(models.NaturalKey{Kind: n.Kind, Key: n.Key})
	if s.keys[oldKey] == n.ID {
		delete(s.keys, oldKey)
	}
	if n.Kind == models.KindBlock && s.heights[n.Height] == n.ID {
		delete(s.heights, n.Height)
	}
	n.Key = archivedKey(n.Key, n.ID)
	n.Superseded = true
	s.keys[keyString(models.NaturalKey{Kind: n.Kind, Key: n.Key})] = n.ID
}

// Stats 统计
func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{ByKind: make(map[string]int)}
	for _, n := range s.nodes {
		st.Nodes++
		if n.Superseded {
			st.Superseded++
		} else {
			st.ByKind[string(n.Kind)]++
		}
	}
	for _, preds := range s.out {
		for _, dsts := range preds {
			st.Edges += len(dsts)
		}
	}
	return st, nil
}

// Close 关闭
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// memTxn 持有存储写锁，回滚时按撤销日志逆序恢复
type memTxn struct {
	s    *MemoryStore
	undo []func()
	done bool
}

func (t *memTxn) ResolveOrCreate(u Upsert) (NodeID, bool, error) {
	if t.done {
		return 0, false, errTxnDone
	}
	s := t.s
	k := keyString(u.Key)
	if id, ok := s.keys[k]; ok {
		existing := s.nodes[id]
		if err := checkIdentity(existing, u); err != nil {
			return 0, false, err
		}
		prev := copyNode(existing)
		existing.Attrs = mergeAttrs(existing.Attrs, u.Attrs)
		if u.Owned {
			existing.Owned, existing.Height = true, u.Height
		}
		t.undo = append(t.undo, func() { *s.nodes[id] = *prev })
		return id, false, nil
	}

	s.nextID++
	id := s.nextID
	n := &Node{ID: id, Kind: u.Key.Kind, Key: u.Key.Key, Owned: u.Owned, Height: u.Height, Attrs: mergeAttrs(nil, u.Attrs)}
	s.nodes[id] = n
	s.keys[k] = id
	if u.Key.Kind == models.KindBlock {
		if h, err := strconv.ParseUint(u.Key.Key, 10, 64); err == nil {
			s.heights[h] = id
		}
	}
	t.undo = append(t.undo, func() {
		delete(s.nodes, id)
		delete(s.keys, k)
		if s.heights[n.Height] == id {
			delete(s.heights, n.Height)
		}
		s.nextID--
	})
	return id, true, nil
}

func (t *memTxn) Lookup(key models.NaturalKey) (NodeID, bool, error) {
	id, ok := t.s.keys[keyString(key)]
	return id, ok, nil
}

func (t *memTxn) SetEdge(src NodeID, predicate string, dst NodeID) error {
	if t.done {
		return errTxnDone
	}
	for old := range t.s.out[src][predicate] {
		if old != dst {
			t.removeEdge(src, predicate, old)
		}
	}
	return t.AddEdge(src, predicate, dst)
}

func (t *memTxn) AddEdge(src NodeID, predicate string, dst NodeID) error {
	if t.done {
		return errTxnDone
	}
	s := t.s
	if _, ok := s.nodes[src]; !ok {
		return ErrNotFound
	}
	if _, ok := s.nodes[dst]; !ok {
		return ErrNotFound
	}
	if _, ok := s.out[src][predicate][dst]; ok {
		return nil
	}
	if s.out[src] == nil {
		s.out[src] = make(map[string]map[NodeID]struct{})
	}
	if s.out[src][predicate] == nil {
		s.out[src][predicate] = make(map[NodeID]struct{})
	}
	s.out[src][predicate][dst] = struct{}{}
	if s.in[dst] == nil {
		s.in[dst] = make(map[NodeID]struct{})
	}
	_, hadReverse := s.in[dst][src]
	s.in[dst][src] = struct{}{}

	t.undo = append(t.undo, func() {
		delete(s.out[src][predicate], dst)
		if !hadReverse {
			delete(s.in[dst], src)
		}
	})
	return nil
}

func (t *memTxn) removeEdge(src NodeID, predicate string, dst NodeID) {
	s := t.s
	delete(s.out[src][predicate], dst)
	stillLinked := false
	for _, dsts := range s.out[src] {
		if _, ok := dsts[dst]; ok {
			stillLinked = true
			break
		}
	}
	if !stillLinked {
		delete(s.in[dst], src)
	}
	t.undo = append(t.undo, func() {
		if s.out[src][predicate] == nil {
			s.out[src][predicate] = make(map[NodeID]struct{})
		}
		s.out[src][predicate][dst] = struct{}{}
		if s.in[dst] == nil {
			s.in[dst] = make(map[NodeID]struct{})
		}
		s.in[dst][src] = struct{}{}
	})
}

func (t *memTxn) Commit() error {
	if t.done {
		return errTxnDone
	}
	t.done = true
	t.undo = nil
	t.s.mu.Unlock()
	return nil
}

func (t *memTxn) Rollback() error {
	if t.done {
		return nil
	}
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.done = true
	t.undo = nil
	t.s.mu.Unlock()
	return nil
}

var errTxnDone = errors.New("事务已结束")

func copyNode(n *Node) *Node {
	if n == nil {
		return nil
	}
	cp := *n
	cp.Attrs = mergeAttrs(nil, n.Attrs)
	return &cp
}
