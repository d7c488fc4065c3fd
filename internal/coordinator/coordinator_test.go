package coordinator

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"math/big"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chaingraph/internal/builder"
	"chaingraph/internal/decoder"
	"chaingraph/internal/progress"
	"chaingraph/internal/recovery"
	"chaingraph/internal/reorg"
	"chaingraph/internal/skeleton"
	"chaingraph/internal/store"
	"chaingraph/internal/upsert"
	"chaingraph/internal/validation"
	"chaingraph/pkg/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var minerAddr = common.HexToAddress("0x00000000000000000000000000000000000000c0")

// 运行时代码：两个分发入口 transfer / balanceOf
var runtimeCode = common.FromHex("0x6001600155" +
	"60003560e01c" +
	"8063a9059cbb1461002057" +
	"806370a082311461003057" +
	"00")

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// fakeSource 可切换分支的上游链
type fakeSource struct {
	mu       sync.Mutex
	blocks   map[uint64]*types.Block
	receipts map[uint64][]*types.Receipt
	code     map[common.Address][]byte
	// hold 在区块已读出、尚未返回时调用
	hold func(n uint64)
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		blocks:   make(map[uint64]*types.Block),
		receipts: make(map[uint64][]*types.Receipt),
		code:     make(map[common.Address][]byte),
	}
}

func (s *fakeSource) put(blocks ...*types.Block) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range blocks {
		s.blocks[b.NumberU64()] = b
	}
}

// truncate 删除 height 以上的区块
func (s *fakeSource) truncate(height uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for n := range s.blocks {
		if n > height {
			delete(s.blocks, n)
		}
	}
}

func (s *fakeSource) block(n uint64) (*types.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[n]
	if !ok {
		return nil, fmt.Errorf("区块 %d 不存在", n)
	}
	return b, nil
}

func (s *fakeSource) HeaderByNumber(_ context.Context, number *big.Int) (*types.Header, error) {
	if number != nil {
		b, err := s.block(number.Uint64())
		if err != nil {
			return nil, err
		}
		return b.Header(), nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *types.Block
	for _, b := range s.blocks {
		if latest == nil || b.NumberU64() > latest.NumberU64() {
			latest = b
		}
	}
	return latest.Header(), nil
}

func (s *fakeSource) BlockByNumber(_ context.Context, number uint64) (*types.Block, error) {
	b, err := s.block(number)
	s.mu.Lock()
	hold := s.hold
	s.mu.Unlock()
	if hold != nil {
		hold(number)
	}
	return b, err
}

func (s *fakeSource) setHold(fn func(n uint64)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hold = fn
}

func (s *fakeSource) BlockReceipts(_ context.Context, number uint64) ([]*types.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receipts[number], nil
}

func (s *fakeSource) CodeAt(_ context.Context, account common.Address, _ uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code[account], nil
}

func (s *fakeSource) TraceBlock(context.Context, uint64) ([]*models.TxTrace, error) {
	return nil, errors.New("the method debug_traceBlockByNumber does not exist")
}

func (s *fakeSource) ContractName(context.Context, common.Address, uint64) (string, error) {
	return "Token", nil
}

func (s *fakeSource) SubscribeNewHead(context.Context, chan<- *types.Header) (ethereum.Subscription, error) {
	return nil, rpc.ErrNotificationsUnsupported
}

// buildBlocks fork 写进 Extra，使不同分支的哈希不同
func buildBlocks(fork string, from, to uint64, parent common.Hash) []*types.Block {
	var out []*types.Block
	for n := from; n <= to; n++ {
		b := types.NewBlockWithHeader(&types.Header{
			ParentHash: parent,
			Number:     new(big.Int).SetUint64(n),
			Coinbase:   minerAddr,
			Difficulty: big.NewInt(1),
			GasLimit:   30_000_000,
			Time:       1700000000 + n,
			Extra:      []byte(fork),
		})
		out = append(out, b)
		parent = b.Hash()
	}
	return out
}

// recordingCursor 记录每一次推进，用于检查游标单调连续
type recordingCursor struct {
	*progress.Manager
	mu       sync.Mutex
	advances []uint64
}

func (r *recordingCursor) Advance(height uint64, hash string, records int) error {
	if err := r.Manager.Advance(height, hash, records); err != nil {
		return err
	}
	r.mu.Lock()
	r.advances = append(r.advances, height)
	r.mu.Unlock()
	return nil
}

func (r *recordingCursor) height() uint64 {
	c, _ := r.Load()
	return c.Height
}

func (r *recordingCursor) hash() string {
	c, _ := r.Load()
	return c.Hash
}

type recordingOutput struct {
	mu      sync.Mutex
	reorgs  []*models.ReorgNotification
	commits []*models.BlockCommitted
}

func (o *recordingOutput) WriteReorgNotification(n *models.ReorgNotification) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reorgs = append(o.reorgs, n)
	return nil
}

func (o *recordingOutput) WriteBlockCommitted(e *models.BlockCommitted) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.commits = append(o.commits, e)
	return nil
}

func (o *recordingOutput) Close() error { return nil }

// countingDecompiler 统计工具调用次数
type countingDecompiler struct {
	calls int32
}

func (d *countingDecompiler) Name() string { return "counting" }

func (d *countingDecompiler) Decompile(context.Context, []byte) (*recovery.Recovered, error) {
	atomic.AddInt32(&d.calls, 1)
	var fns []models.Function
	for _, sig := range recovery.ERC20Functions {
		fns = append(fns, models.Function{Selector: decoder.Selector(sig), Signature: sig})
	}
	return &recovery.Recovered{Functions: fns}, nil
}

type fixture struct {
	source     *fakeSource
	store      store.Store
	cursor     *recordingCursor
	output     *recordingOutput
	decompiler *countingDecompiler
	recovery   *recovery.Adapter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mgr, err := progress.NewManager(filepath.Join(t.TempDir(), "progress.db"), quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })

	st := store.NewMemoryStore()
	d := &countingDecompiler{}
	return &fixture{
		source:     newFakeSource(),
		store:      st,
		cursor:     &recordingCursor{Manager: mgr},
		output:     &recordingOutput{},
		decompiler: d,
		recovery:   recovery.NewAdapter(d, quietLogger(), recovery.WithLookup(recovery.NewStoreLookup(st))),
	}
}

func (f *fixture) coordinator(t *testing.T, opts Options) *Coordinator {
	t.Helper()
	n, err := skeleton.NewNormalizer(skeleton.StrategySolcV1)
	require.NoError(t, err)
	handler := reorg.NewHandler(f.source, f.store, f.cursor, f.output, 64, quietLogger())
	return New(Deps{
		Source:    f.source,
		Builder:   builder.NewBuilder(n, builder.DefaultOptions()),
		Engine:    upsert.NewEngine(f.store, quietLogger()),
		Store:     f.store,
		Cursor:    f.cursor,
		Reorg:     handler,
		Recovery:  f.recovery,
		Validator: validation.NewValidator(quietLogger(), false),
		Publisher: f.output,
	}, opts, quietLogger())
}

func (f *fixture) assertCanonical(t *testing.T, blocks []*types.Block) {
	t.Helper()
	for _, b := range blocks {
		hash, ok, err := f.store.CanonicalHash(context.Background(), b.NumberU64())
		require.NoError(t, err)
		require.True(t, ok, "区块 %d 缺失", b.NumberU64())
		assert.Equal(t, b.Hash().Hex(), hash, "区块 %d", b.NumberU64())
	}
}

func assertContiguous(t *testing.T, heights []uint64, from, to uint64) {
	t.Helper()
	require.Len(t, heights, int(to-from+1))
	for i, h := range heights {
		assert.Equal(t, from+uint64(i), h)
	}
}

func TestCoordinator_ExtractAdvancesCursorInOrder(t *testing.T) {
	f := newFixture(t)
	chainA := buildBlocks("a", 0, 19, common.Hash{})
	f.source.put(chainA...)

	c := f.coordinator(t, Options{Workers: 4, ChunkSize: 3, IncludeTx: true})
	require.NoError(t, c.Extract(context.Background()))

	f.assertCanonical(t, chainA)
	assertContiguous(t, f.cursor.advances, 0, 19)
	assert.Equal(t, chainA[19].Hash().Hex(), f.cursor.hash())

	stats := c.Stats()
	assert.Equal(t, uint64(20), stats.BlocksCommitted)
	assert.Equal(t, uint64(19), stats.LastBlock)
	assert.Equal(t, 0, stats.PendingCursor)
	assert.Len(t, f.output.commits, 20)
}

func TestCoordinator_ExtractResumesFromCursor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chainA := buildBlocks("a", 0, 9, common.Hash{})
	f.source.put(chainA[:5]...)

	require.NoError(t, f.coordinator(t, Options{Workers: 2, ChunkSize: 2}).Extract(ctx))
	assert.Equal(t, uint64(4), f.cursor.height())

	f.source.put(chainA[5:]...)
	c := f.coordinator(t, Options{Workers: 2, ChunkSize: 2})
	require.NoError(t, c.Extract(ctx))

	assertContiguous(t, f.cursor.advances, 0, 9)
	assert.Equal(t, uint64(5), c.Stats().BlocksCommitted)
	f.assertCanonical(t, chainA)
}

func TestCoordinator_ApplyIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chainA := buildBlocks("a", 0, 3, common.Hash{})
	f.source.put(chainA...)

	c := f.coordinator(t, Options{Workers: 1, ChunkSize: 4})
	require.NoError(t, c.Extract(ctx))
	before, err := f.store.Stats(ctx)
	require.NoError(t, err)

	for _, b := range chainA {
		require.NoError(t, c.apply(ctx, b.NumberU64(), ModeReplay))
	}
	after, err := f.store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.Nodes, after.Nodes)
	assert.Equal(t, before.Edges, after.Edges)
	assert.Equal(t, uint64(3), f.cursor.height())
}

func TestCoordinator_VerifyReplaysForkedBlocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chainA := buildBlocks("a", 0, 10, common.Hash{})
	f.source.put(chainA...)
	require.NoError(t, f.coordinator(t, Options{Workers: 3, ChunkSize: 2}).Extract(ctx))

	// 上游从 B7' 起切换到另一分支，只到 B9'
	chainB := append(append([]*types.Block{}, chainA[:7]...), buildBlocks("b", 7, 9, chainA[6].Hash())...)
	f.source.truncate(6)
	f.source.put(chainB[7:]...)

	c := f.coordinator(t, Options{Workers: 3, ChunkSize: 2})
	require.NoError(t, c.Verify(ctx))

	f.assertCanonical(t, chainB)
	head, ok, err := f.store.HighestBlock(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(9), head)

	assert.Equal(t, uint64(9), f.cursor.height())
	assert.Equal(t, chainB[9].Hash().Hex(), f.cursor.hash())
	assert.Equal(t, reorg.StateSynced.String(), c.ReorgState())
	assert.Equal(t, uint64(1), c.Stats().Repairs)

	require.Len(t, f.output.reorgs, 1)
	n := f.output.reorgs[0]
	assert.Equal(t, uint64(6), n.CommonAncestor)
	assert.Equal(t, chainA[6].Hash().Hex(), n.AncestorHash)
}

func TestCoordinator_LiveHeaderWithForeignParent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chainA := buildBlocks("a", 0, 5, common.Hash{})
	f.source.put(chainA...)

	c := f.coordinator(t, Options{Workers: 2, ChunkSize: 2})
	require.NoError(t, c.Extract(ctx))
	c.liveNext = 6

	// 新区块 6 的父区块是另一分支上的 5
	forked := buildBlocks("b", 5, 6, chainA[4].Hash())
	f.source.truncate(4)
	f.source.put(forked...)

	require.NoError(t, c.handleHead(ctx, forked[1].Header()))

	f.assertCanonical(t, append(append([]*types.Block{}, chainA[:5]...), forked...))
	assert.Equal(t, uint64(6), f.cursor.height())
	assert.Equal(t, uint64(7), c.liveNext)
	assert.Equal(t, reorg.StateSynced.String(), c.ReorgState())

	require.Len(t, f.output.reorgs, 1)
	assert.Equal(t, uint64(4), f.output.reorgs[0].CommonAncestor)
	assert.Equal(t, "minor", f.output.reorgs[0].Severity)
}

func TestCoordinator_LiveHeadAppliesMissingHeights(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chainA := buildBlocks("a", 0, 8, common.Hash{})
	f.source.put(chainA[:4]...)

	c := f.coordinator(t, Options{})
	require.NoError(t, c.Extract(ctx))
	c.liveNext = 4

	f.source.put(chainA[4:]...)
	require.NoError(t, c.handleHead(ctx, chainA[8].Header()))

	f.assertCanonical(t, chainA)
	assertContiguous(t, f.cursor.advances, 0, 8)
	assert.Equal(t, uint64(9), c.liveNext)

	// 重复的区块头不会再次写入
	require.NoError(t, c.handleHead(ctx, chainA[8].Header()))
	assert.Len(t, f.cursor.advances, 9)
}

// deployBlock 在区块中部署 runtimeCode
func deployBlock(t *testing.T, f *fixture, key *ecdsa.PrivateKey, nonce, number uint64, parent common.Hash) *types.Block {
	t.Helper()
	from := crypto.PubkeyToAddress(key.PublicKey)
	creation := append(common.FromHex("0x6001600155"), runtimeCode...)
	tx, err := types.SignTx(types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: big.NewInt(2e9),
		Gas:      500000,
		Value:    big.NewInt(0),
		Data:     creation,
	}), types.NewEIP155Signer(big.NewInt(1)), key)
	require.NoError(t, err)

	contract := crypto.CreateAddress(from, nonce)
	b := types.NewBlockWithHeader(&types.Header{
		ParentHash: parent,
		Number:     new(big.Int).SetUint64(number),
		Coinbase:   minerAddr,
		Difficulty: big.NewInt(1),
		GasLimit:   30_000_000,
		Time:       1700000000 + number,
	}).WithBody(types.Body{Transactions: []*types.Transaction{tx}})

	f.source.mu.Lock()
	f.source.receipts[number] = []*types.Receipt{{
		TxHash:          tx.Hash(),
		Status:          types.ReceiptStatusSuccessful,
		GasUsed:         21000,
		ContractAddress: contract,
	}}
	f.source.code[contract] = runtimeCode
	f.source.mu.Unlock()
	f.source.put(b)
	return b
}

func TestCoordinator_DeploymentRecoversSkeletonOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	genesis := buildBlocks("a", 0, 0, common.Hash{})
	f.source.put(genesis...)
	b1 := deployBlock(t, f, key, 0, 1, genesis[0].Hash())
	deployBlock(t, f, key, 1, 2, b1.Hash())

	c := f.coordinator(t, Options{Workers: 1, ChunkSize: 1, IncludeTx: true, ResolveNames: true})
	require.NoError(t, c.Extract(ctx))

	assert.Equal(t, int32(1), atomic.LoadInt32(&f.decompiler.calls))
	assert.Equal(t, int64(1), f.recovery.Stats().MemoryHits)
	assert.Equal(t, uint64(1), c.Stats().NewSkeletons)

	from := crypto.PubkeyToAddress(key.PublicKey)
	for nonce := uint64(0); nonce < 2; nonce++ {
		contract := crypto.CreateAddress(from, nonce)
		node, err := f.store.Node(ctx, models.AccountKey(models.AddressHex(contract)))
		require.NoError(t, err)
		assert.Equal(t, true, node.Attrs["is_contract"])
		assert.Equal(t, true, node.Attrs["tag."+models.TagERC20])
	}
}

func TestCoordinator_RunFollowsHeadUntilCancelled(t *testing.T) {
	f := newFixture(t)
	chainA := buildBlocks("a", 0, 12, common.Hash{})
	f.source.put(chainA[:6]...)

	c := f.coordinator(t, Options{Workers: 2, ChunkSize: 2, PollInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return f.cursor.height() == 5 }, 5*time.Second, 10*time.Millisecond)
	f.source.put(chainA[6:]...)
	require.Eventually(t, func() bool { return f.cursor.height() == 12 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run 未在取消后退出")
	}
	f.assertCanonical(t, chainA)
	assertContiguous(t, f.cursor.advances, 0, 12)
	assert.Equal(t, ModeLive, c.Stats().Mode)
}

func TestCoordinator_RunNoSyncStartsAtHead(t *testing.T) {
	f := newFixture(t)
	chainA := buildBlocks("a", 0, 8, common.Hash{})
	f.source.put(chainA[:6]...)

	c := f.coordinator(t, Options{NoSync: true, PollInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	f.source.put(chainA[6:]...)
	require.Eventually(t, func() bool { return f.cursor.height() == 8 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	// 启动时的链头之前从未写入
	_, ok, err := f.store.CanonicalHash(context.Background(), 3)
	require.NoError(t, err)
	assert.False(t, ok)
	assertContiguous(t, f.cursor.advances, 5, 8)
}

// gatedStore 第一次 Begin 在 release 之前阻塞
type gatedStore struct {
	store.Store
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (s *gatedStore) Begin(ctx context.Context) (store.Txn, error) {
	if s.armed.CompareAndSwap(true, false) {
		close(s.entered)
		<-s.release
		// 取消之前已经发出的写入照常落盘
		return s.Store.Begin(context.WithoutCancel(ctx))
	}
	return s.Store.Begin(ctx)
}

// forkAtFour 上游从 4 开始切换到 B 分支，返回新的规范链 0..5
func forkAtFour(f *fixture, chainA []*types.Block) []*types.Block {
	forked := buildBlocks("b", 4, 6, chainA[3].Hash())
	f.source.truncate(3)
	f.source.put(forked...)
	return append(append([]*types.Block{}, chainA[:4]...), forked[:2]...)
}

func TestCoordinator_ReorgDuringInflightFetch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chainA := buildBlocks("a", 0, 5, common.Hash{})
	f.source.put(chainA...)

	c := f.coordinator(t, Options{Workers: 1, ChunkSize: 1, EndBlock: 4})
	require.NoError(t, c.Extract(ctx))
	require.Equal(t, uint64(4), f.cursor.height())

	// 后台回填已经读到 A5，返回前上游发生重组
	entered, release := make(chan struct{}), make(chan struct{})
	var armed atomic.Bool
	armed.Store(true)
	f.source.setHold(func(n uint64) {
		if n == 5 && armed.CompareAndSwap(true, false) {
			close(entered)
			<-release
		}
	})
	c.liveNext = 6
	c.startBackfill(ctx, 5, 5)
	<-entered

	canonical := forkAtFour(f, chainA)
	done := make(chan error, 1)
	go func() { done <- c.handleHead(ctx, canonical[5].Header()) }()

	require.Eventually(t, func() bool { return f.cursor.height() == 3 }, 5*time.Second, 5*time.Millisecond)
	_, ok, err := f.store.CanonicalHash(ctx, 5)
	require.NoError(t, err)
	assert.False(t, ok)

	close(release)
	require.NoError(t, <-done)

	f.assertCanonical(t, canonical)
	assert.Equal(t, uint64(5), f.cursor.height())
	assert.Equal(t, canonical[5].Hash().Hex(), f.cursor.hash())
	assert.Equal(t, []uint64{0, 1, 2, 3, 4, 4, 5}, f.cursor.advances)
	assert.Equal(t, reorg.StateSynced.String(), c.ReorgState())
	assert.Zero(t, c.Stats().StaleWrites)
	assert.Equal(t, uint64(6), c.liveNext)
}

func TestCoordinator_StaleWriteAfterSupersedeIsSwept(t *testing.T) {
	f := newFixture(t)
	gs := &gatedStore{Store: f.store, entered: make(chan struct{}), release: make(chan struct{})}
	f.store = gs
	ctx := context.Background()
	chainA := buildBlocks("a", 0, 5, common.Hash{})
	f.source.put(chainA...)

	c := f.coordinator(t, Options{Workers: 1, ChunkSize: 1, EndBlock: 4})
	require.NoError(t, c.Extract(ctx))

	// A5 通过了提交前的 epoch 检查，写入在作废之后才落盘
	gs.armed.Store(true)
	c.liveNext = 6
	c.startBackfill(ctx, 5, 5)
	<-gs.entered

	canonical := forkAtFour(f, chainA)
	done := make(chan error, 1)
	go func() { done <- c.handleHead(ctx, canonical[5].Header()) }()

	require.Eventually(t, func() bool { return f.cursor.height() == 3 }, 5*time.Second, 5*time.Millisecond)
	close(gs.release)
	require.NoError(t, <-done)

	f.assertCanonical(t, canonical)
	assert.Equal(t, []uint64{0, 1, 2, 3, 4, 4, 5}, f.cursor.advances)
	assert.Equal(t, uint64(1), c.Stats().StaleWrites)
	assert.Equal(t, reorg.StateSynced.String(), c.ReorgState())

	stats, err := f.store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, stats.ByKind[string(models.KindBlock)])
}
