package reorg

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	syncerrors "chaingraph/internal/errors"
	"chaingraph/internal/progress"
	"chaingraph/internal/store"
	"chaingraph/internal/upsert"
	"chaingraph/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minerHex = "0x00000000000000000000000000000000000000c0"

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// fakeChain 上游规范链
type fakeChain struct {
	mu      sync.Mutex
	headers map[uint64]*types.Header
}

func newFakeChain(headers []*types.Header) *fakeChain {
	c := &fakeChain{}
	c.set(headers)
	return c
}

func (c *fakeChain) set(headers []*types.Header) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.headers = make(map[uint64]*types.Header, len(headers))
	for _, h := range headers {
		c.headers[h.Number.Uint64()] = h
	}
}

func (c *fakeChain) HeaderByNumber(_ context.Context, number *big.Int) (*types.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if number == nil {
		var latest *types.Header
		for _, h := range c.headers {
			if latest == nil || h.Number.Cmp(latest.Number) > 0 {
				latest = h
			}
		}
		return latest, nil
	}
	h, ok := c.headers[number.Uint64()]
	if !ok {
		return nil, fmt.Errorf("区块 %d 不存在", number.Uint64())
	}
	return h, nil
}

type recordingPublisher struct {
	notes []*models.ReorgNotification
}

func (p *recordingPublisher) WriteReorgNotification(n *models.ReorgNotification) error {
	p.notes = append(p.notes, n)
	return nil
}

// buildHeaders fork 写进 Extra，使不同分支的哈希不同
func buildHeaders(fork string, from, to uint64, parent common.Hash) []*types.Header {
	var out []*types.Header
	for n := from; n <= to; n++ {
		h := &types.Header{
			ParentHash: parent,
			Number:     new(big.Int).SetUint64(n),
			Difficulty: big.NewInt(1),
			GasLimit:   30_000_000,
			Time:       1700000000 + n,
			Extra:      []byte(fork),
		}
		out = append(out, h)
		parent = h.Hash()
	}
	return out
}

func recordSet(h *types.Header) *models.RecordSet {
	n := h.Number.Uint64()
	blockHash := h.Hash().Hex()
	txHash := crypto.Keccak256Hash([]byte(blockHash)).Hex()
	return &models.RecordSet{
		Block: &models.Block{
			Number:     n,
			Hash:       blockHash,
			ParentHash: h.ParentHash.Hex(),
			Timestamp:  time.Unix(int64(h.Time), 0),
			Miner:      minerHex,
		},
		Accounts: []*models.Account{{Address: minerHex}},
		Transactions: []*models.Transaction{{
			Hash:        txHash,
			BlockNumber: n,
			BlockHash:   blockHash,
			From:        minerHex,
			To:          minerHex,
			Value:       big.NewInt(1),
			Status:      1,
			Kind:        models.TxKindTransfer,
		}},
	}
}

type fixture struct {
	store     store.Store
	engine    *upsert.Engine
	cursor    *progress.Manager
	publisher *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cursor, err := progress.NewManager(filepath.Join(t.TempDir(), "progress.db"), quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { cursor.Close() })
	st := store.NewMemoryStore()
	return &fixture{
		store:     st,
		engine:    upsert.NewEngine(st, quietLogger()),
		cursor:    cursor,
		publisher: &recordingPublisher{},
	}
}

func (f *fixture) apply(t *testing.T, headers []*types.Header) {
	t.Helper()
	for _, h := range headers {
		_, err := f.engine.Upsert(context.Background(), recordSet(h))
		require.NoError(t, err)
		require.NoError(t, f.cursor.Advance(h.Number.Uint64(), h.Hash().Hex(), 1))
	}
}

func (f *fixture) assertCanonical(t *testing.T, headers []*types.Header) {
	t.Helper()
	for _, h := range headers {
		hash, ok, err := f.store.CanonicalHash(context.Background(), h.Number.Uint64())
		require.NoError(t, err)
		require.True(t, ok, "区块 %d 缺失", h.Number.Uint64())
		assert.Equal(t, h.Hash().Hex(), hash, "区块 %d", h.Number.Uint64())
	}
}

func TestHandler_VerifyRepairsDivergenceAtSeven(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	chainA := buildHeaders("a", 0, 10, common.Hash{})
	f.apply(t, chainA)

	// B7' 起分叉，上游只到 B9'
	chainB := append(append([]*types.Header{}, chainA[:7]...),
		buildHeaders("b", 7, 9, chainA[6].Hash())...)
	chain := newFakeChain(chainB)
	h := NewHandler(chain, f.store, f.cursor, f.publisher, 64, quietLogger())

	repair, err := h.Verify(ctx)
	require.NoError(t, err)
	require.NotNil(t, repair)
	assert.Equal(t, uint64(6), repair.Ancestor)
	assert.Equal(t, uint64(9), repair.DivergedAt)
	assert.Equal(t, uint64(7), repair.ReplayFrom)
	assert.Equal(t, chainA[6].Hash().Hex(), repair.AncestorHash)
	assert.Equal(t, uint64(3), repair.Depth())
	assert.Greater(t, repair.Superseded, 0)
	assert.Equal(t, StateRepairing, h.State())

	head, ok, err := f.store.HighestBlock(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(6), head)

	c, ok := f.cursor.Load()
	require.True(t, ok)
	assert.Equal(t, uint64(6), c.Height)
	assert.Equal(t, chainA[6].Hash().Hex(), c.Hash)

	f.apply(t, chainB[7:])
	again, err := h.Settle(ctx)
	require.NoError(t, err)
	assert.Nil(t, again)
	assert.Equal(t, StateSynced, h.State())

	f.assertCanonical(t, chainB)
	_, ok, err = f.store.CanonicalHash(ctx, 10)
	require.NoError(t, err)
	assert.False(t, ok)

	stats, err := f.store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, stats.ByKind[string(models.KindBlock)])
	assert.Equal(t, 10, stats.ByKind[string(models.KindTransaction)])
	assert.Equal(t, 1, stats.ByKind[string(models.KindAccount)])

	require.Len(t, f.publisher.notes, 1)
	assert.Equal(t, uint64(6), f.publisher.notes[0].CommonAncestor)
	assert.Equal(t, "major", f.publisher.notes[0].Severity)
}

func TestHandler_VerifyDepthExceededIsFatal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	chainA := buildHeaders("a", 0, 10, common.Hash{})
	f.apply(t, chainA)
	chainB := append(append([]*types.Header{}, chainA[:7]...),
		buildHeaders("b", 7, 10, chainA[6].Hash())...)
	h := NewHandler(newFakeChain(chainB), f.store, f.cursor, f.publisher, 2, quietLogger())

	_, err := h.Verify(ctx)
	require.Error(t, err)
	assert.True(t, syncerrors.IsFatal(err))
	assert.True(t, syncerrors.IsType(err, syncerrors.ErrorTypeReorgDepthExceeded))

	head, _, err := f.store.HighestBlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), head)
	c, _ := f.cursor.Load()
	assert.Equal(t, uint64(10), c.Height)
	assert.Empty(t, f.publisher.notes)
	assert.Equal(t, StateSynced, h.State())
}

func TestHandler_VerifyMatchingHeadStaysSynced(t *testing.T) {
	f := newFixture(t)
	chainA := buildHeaders("a", 0, 5, common.Hash{})
	f.apply(t, chainA)
	h := NewHandler(newFakeChain(chainA), f.store, f.cursor, nil, 64, quietLogger())

	repair, err := h.Verify(context.Background())
	require.NoError(t, err)
	assert.Nil(t, repair)
	assert.Equal(t, StateSynced, h.State())
}

func TestHandler_VerifyEmptyStore(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(newFakeChain(buildHeaders("a", 0, 3, common.Hash{})), f.store, f.cursor, nil, 64, quietLogger())
	repair, err := h.Verify(context.Background())
	require.NoError(t, err)
	assert.Nil(t, repair)
}

func TestHandler_LiveParentMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	chainA := buildHeaders("a", 0, 5, common.Hash{})
	f.apply(t, chainA)

	// 5' 和 6' 建在 A4 之上
	fork := buildHeaders("b", 5, 6, chainA[4].Hash())
	canonical := append(append([]*types.Header{}, chainA[:5]...), fork...)
	h := NewHandler(newFakeChain(canonical), f.store, f.cursor, f.publisher, 64, quietLogger())

	states := []State{h.State()}
	h.OnStateChange(func(s State) { states = append(states, s) })

	repair, err := h.CheckHeader(ctx, fork[1])
	require.NoError(t, err)
	require.NotNil(t, repair)
	assert.Equal(t, StateRepairing, h.State())
	assert.Equal(t, uint64(4), repair.Ancestor)
	assert.Equal(t, uint64(5), repair.ReplayFrom)
	assert.Equal(t, chainA[5].Hash().Hex(), repair.OldHash)
	assert.Equal(t, fork[0].Hash().Hex(), repair.NewHash)

	f.apply(t, fork)
	_, err = h.Settle(ctx)
	require.NoError(t, err)
	assert.Equal(t, []State{StateSynced, StateDiverged, StateRepairing, StateSynced}, states)

	node, err := f.store.Node(ctx, models.BlockKey(5))
	require.NoError(t, err)
	assert.Equal(t, fork[0].Hash().Hex(), store.HashOf(node))
	stats, err := f.store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, stats.ByKind[string(models.KindBlock)])
	require.Len(t, f.publisher.notes, 1)
	assert.Equal(t, "minor", f.publisher.notes[0].Severity)
}

func TestHandler_CheckHeaderExtendsHead(t *testing.T) {
	f := newFixture(t)
	chainA := buildHeaders("a", 0, 6, common.Hash{})
	f.apply(t, chainA[:6])
	h := NewHandler(newFakeChain(chainA), f.store, f.cursor, f.publisher, 64, quietLogger())

	repair, err := h.CheckHeader(context.Background(), chainA[6])
	require.NoError(t, err)
	assert.Nil(t, repair)
	assert.Equal(t, StateSynced, h.State())

	// 父区块缺失时不判断
	gap := buildHeaders("a", 9, 9, common.Hash{})[0]
	repair, err = h.CheckHeader(context.Background(), gap)
	require.NoError(t, err)
	assert.Nil(t, repair)
	assert.Empty(t, f.publisher.notes)
}

func TestHandler_SettleDetectsSecondFork(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	chainA := buildHeaders("a", 0, 5, common.Hash{})
	f.apply(t, chainA)
	forkB := buildHeaders("b", 5, 5, chainA[4].Hash())
	chain := newFakeChain(append(append([]*types.Header{}, chainA[:5]...), forkB...))
	h := NewHandler(chain, f.store, f.cursor, f.publisher, 64, quietLogger())

	repair, err := h.Signal(ctx, 5)
	require.NoError(t, err)
	require.NotNil(t, repair)
	assert.Equal(t, uint64(4), repair.Ancestor)
	f.apply(t, forkB)

	// 重放期间上游又换成 C 分支
	forkC := buildHeaders("c", 5, 5, chainA[4].Hash())
	chain.set(append(append([]*types.Header{}, chainA[:5]...), forkC...))
	repair, err = h.Settle(ctx)
	require.NoError(t, err)
	require.NotNil(t, repair)
	assert.Equal(t, uint64(4), repair.Ancestor)
	assert.Equal(t, StateRepairing, h.State())

	f.apply(t, forkC)
	_, err = h.Settle(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateSynced, h.State())
	f.assertCanonical(t, append(append([]*types.Header{}, chainA[:5]...), forkC...))
	assert.Len(t, f.publisher.notes, 2)
}

func TestHandler_SignalOnConsistentChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	chainA := buildHeaders("a", 0, 6, common.Hash{})
	f.apply(t, chainA)
	h := NewHandler(newFakeChain(chainA), f.store, f.cursor, f.publisher, 64, quietLogger())

	var states []State
	h.OnStateChange(func(s State) { states = append(states, s) })
	superseded := 0
	h.OnSupersede(func(uint64) { superseded++ })

	repair, err := h.Signal(ctx, 6)
	require.NoError(t, err)
	assert.Nil(t, repair)
	assert.Equal(t, StateSynced, h.State())
	assert.Empty(t, states)
	assert.Zero(t, superseded)
	assert.Empty(t, f.publisher.notes)

	f.assertCanonical(t, chainA)
	c, ok := f.cursor.Load()
	require.True(t, ok)
	assert.Equal(t, uint64(6), c.Height)
}

// blockingChain 在 gate 关闭前阻塞指定高度的读取
type blockingChain struct {
	*fakeChain
	height  uint64
	entered chan struct{}
	gate    chan struct{}
}

func (c *blockingChain) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	if number != nil && number.Uint64() == c.height {
		close(c.entered)
		<-c.gate
	}
	return c.fakeChain.HeaderByNumber(ctx, number)
}

func TestHandler_NoLockAcrossChainReads(t *testing.T) {
	f := newFixture(t)
	chainA := buildHeaders("a", 0, 4, common.Hash{})
	f.apply(t, chainA)

	chain := &blockingChain{fakeChain: newFakeChain(chainA), height: 4, entered: make(chan struct{}), gate: make(chan struct{})}
	h := NewHandler(chain, f.store, f.cursor, nil, 64, quietLogger())

	done := make(chan error, 1)
	go func() {
		_, err := h.Signal(context.Background(), 4)
		done <- err
	}()
	<-chain.entered

	// 读取阻塞期间状态查询不等待，第二次对账直接拒绝
	assert.Equal(t, StateSynced, h.State())
	_, err := h.Settle(context.Background())
	assert.ErrorIs(t, err, ErrBusy)

	close(chain.gate)
	require.NoError(t, <-done)
}
