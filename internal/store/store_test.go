package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	syncerrors "chaingraph/internal/errors"
	"chaingraph/pkg/models"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type storeFactory func(t *testing.T) Store

func factories(t *testing.T) map[string]storeFactory {
	f := map[string]storeFactory{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"bolt": func(t *testing.T) Store {
			s, err := NewBoltStore(filepath.Join(t.TempDir(), "graph.db"), quietLogger())
			require.NoError(t, err)
			return s
		},
	}
	if dsn := os.Getenv("CHAINGRAPH_TEST_PG_DSN"); dsn != "" {
		f["postgres"] = func(t *testing.T) Store {
			s, err := NewPostgresStore(context.Background(), dsn, quietLogger())
			require.NoError(t, err)
			_, err = s.db.Exec(`TRUNCATE graph_edges, graph_nodes RESTART IDENTITY`)
			require.NoError(t, err)
			return s
		}
	}
	return f
}

func blockUpsert(number uint64, hash string) Upsert {
	return Upsert{
		Key:      models.BlockKey(number),
		Attrs:    map[string]interface{}{"hash": hash, "number": number},
		Owned:    true,
		Height:   number,
		Identity: []string{"hash"},
	}
}

func txUpsert(hash string, height uint64, blockHash string) Upsert {
	return Upsert{
		Key:      models.TransactionKey(hash),
		Attrs:    map[string]interface{}{"block_hash": blockHash},
		Owned:    true,
		Height:   height,
		Identity: []string{"block_hash"},
	}
}

func accountUpsert(addr string) Upsert {
	return Upsert{Key: models.AccountKey(addr), Attrs: map[string]interface{}{"address": addr}}
}

// writeBlock 写入区块、一笔交易和发送方账户
func writeBlock(t *testing.T, s Store, number uint64, hash string) {
	ctx := context.Background()
	txn, err := s.Begin(ctx)
	require.NoError(t, err)

	acct, _, err := txn.ResolveOrCreate(accountUpsert("0xaaaa"))
	require.NoError(t, err)
	blk, _, err := txn.ResolveOrCreate(blockUpsert(number, hash))
	require.NoError(t, err)
	tx, _, err := txn.ResolveOrCreate(txUpsert(hash+"-tx", number, hash))
	require.NoError(t, err)
	require.NoError(t, txn.SetEdge(tx, "block", blk))
	require.NoError(t, txn.SetEdge(tx, "from", acct))
	require.NoError(t, txn.Commit())
}

func TestStoreConformance(t *testing.T) {
	for name, factory := range factories(t) {
		factory := factory
		t.Run(name, func(t *testing.T) {
			t.Run("ResolveOrCreateIsIdempotent", func(t *testing.T) {
				s := factory(t)
				defer s.Close()
				ctx := context.Background()

				txn, err := s.Begin(ctx)
				require.NoError(t, err)
				id1, created, err := txn.ResolveOrCreate(accountUpsert("0xabc"))
				require.NoError(t, err)
				assert.True(t, created)
				id2, created, err := txn.ResolveOrCreate(accountUpsert("0xABC"))
				require.NoError(t, err)
				assert.False(t, created)
				assert.Equal(t, id1, id2)
				require.NoError(t, txn.Commit())

				st, err := s.Stats(ctx)
				require.NoError(t, err)
				assert.Equal(t, 1, st.Nodes)
			})

			t.Run("AttrsMergePreservesAbsentKeys", func(t *testing.T) {
				s := factory(t)
				defer s.Close()
				ctx := context.Background()

				txn, err := s.Begin(ctx)
				require.NoError(t, err)
				_, _, err = txn.ResolveOrCreate(Upsert{Key: models.AccountKey("0x1"), Attrs: map[string]interface{}{"tag.erc20": true}})
				require.NoError(t, err)
				_, _, err = txn.ResolveOrCreate(Upsert{Key: models.AccountKey("0x1"), Attrs: map[string]interface{}{"is_contract": true}})
				require.NoError(t, err)
				require.NoError(t, txn.Commit())

				n, err := s.Node(ctx, models.AccountKey("0x1"))
				require.NoError(t, err)
				assert.Equal(t, true, n.Attrs["tag.erc20"])
				assert.Equal(t, true, n.Attrs["is_contract"])
			})

			t.Run("SetEdgeReplaces", func(t *testing.T) {
				s := factory(t)
				defer s.Close()
				ctx := context.Background()

				txn, err := s.Begin(ctx)
				require.NoError(t, err)
				a, _, _ := txn.ResolveOrCreate(accountUpsert("0xa"))
				b, _, _ := txn.ResolveOrCreate(accountUpsert("0xb"))
				c, _, _ := txn.ResolveOrCreate(accountUpsert("0xc"))
				require.NoError(t, txn.SetEdge(a, "peer", b))
				require.NoError(t, txn.SetEdge(a, "peer", c))
				require.NoError(t, txn.AddEdge(a, "seen", b))
				require.NoError(t, txn.AddEdge(a, "seen", c))
				require.NoError(t, txn.AddEdge(a, "seen", c))
				require.NoError(t, txn.Commit())

				edges, err := s.Edges(ctx, a)
				require.NoError(t, err)
				assert.Equal(t, []Edge{
					{Src: a, Predicate: "peer", Dst: c},
					{Src: a, Predicate: "seen", Dst: b},
					{Src: a, Predicate: "seen", Dst: c},
				}, edges)
			})

			t.Run("RollbackDiscardsWrites", func(t *testing.T) {
				s := factory(t)
				defer s.Close()
				ctx := context.Background()

				txn, err := s.Begin(ctx)
				require.NoError(t, err)
				_, _, err = txn.ResolveOrCreate(blockUpsert(1, "0x01"))
				require.NoError(t, err)
				require.NoError(t, txn.Rollback())

				_, ok, err := s.Lookup(ctx, models.BlockKey(1))
				require.NoError(t, err)
				assert.False(t, ok)
				_, ok, err = s.HighestBlock(ctx)
				require.NoError(t, err)
				assert.False(t, ok)
			})

			t.Run("IdentityConflictAtSameHeight", func(t *testing.T) {
				s := factory(t)
				defer s.Close()
				writeBlock(t, s, 5, "0x05")

				txn, err := s.Begin(context.Background())
				require.NoError(t, err)
				defer txn.Rollback()
				_, _, err = txn.ResolveOrCreate(blockUpsert(5, "0xff"))
				require.Error(t, err)
				assert.True(t, syncerrors.IsType(err, syncerrors.ErrorTypeUpsertConflict))
			})

			t.Run("SupersedeAboveCascades", func(t *testing.T) {
				s := factory(t)
				defer s.Close()
				ctx := context.Background()
				for i := uint64(0); i <= 4; i++ {
					writeBlock(t, s, i, "0x0"+string(rune('0'+i)))
				}

				n, err := s.SupersedeAbove(ctx, 2)
				require.NoError(t, err)
				// 区块3、4及其交易
				assert.Equal(t, 4, n)

				h, ok, err := s.HighestBlock(ctx)
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, uint64(2), h)

				_, ok, err = s.CanonicalHash(ctx, 3)
				require.NoError(t, err)
				assert.False(t, ok)

				_, ok, err = s.Lookup(ctx, models.TransactionKey("0x03-tx"))
				require.NoError(t, err)
				assert.False(t, ok)

				// 账户不随区块作废
				acct, err := s.Node(ctx, models.AccountKey("0xaaaa"))
				require.NoError(t, err)
				assert.False(t, acct.Superseded)

				// 旧键腾出后可重新写入同一高度
				writeBlock(t, s, 3, "0x3b")
				hash, ok, err := s.CanonicalHash(ctx, 3)
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, "0x3b", hash)

				st, err := s.Stats(ctx)
				require.NoError(t, err)
				assert.Equal(t, 4, st.Superseded)
			})

			t.Run("SupersededNodeKeepsHistory", func(t *testing.T) {
				s := factory(t)
				defer s.Close()
				ctx := context.Background()
				writeBlock(t, s, 1, "0x01")
				id, ok, err := s.Lookup(ctx, models.BlockKey(1))
				require.NoError(t, err)
				require.True(t, ok)

				_, err = s.SupersedeAbove(ctx, 0)
				require.NoError(t, err)

				n, err := s.NodeByID(ctx, id)
				require.NoError(t, err)
				assert.True(t, n.Superseded)
				assert.True(t, IsArchivedKey(n.Key))
				assert.Equal(t, "0x01", HashOf(n))
			})
		})
	}
}

func TestBoltStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.db")
	s, err := NewBoltStore(path, quietLogger())
	require.NoError(t, err)
	writeBlock(t, s, 7, "0x07")
	require.NoError(t, s.Close())

	s, err = NewBoltStore(path, quietLogger())
	require.NoError(t, err)
	defer s.Close()

	hash, ok, err := s.CanonicalHash(context.Background(), 7)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "0x07", hash)
}

func TestStoreConcurrentSharedAccount(t *testing.T) {
	for name, factory := range factories(t) {
		factory := factory
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			defer s.Close()

			// 多个区块同时引用同一个新账户
			var g errgroup.Group
			for n := uint64(1); n <= 8; n++ {
				n := n
				g.Go(func() error {
					txn, err := s.Begin(context.Background())
					if err != nil {
						return err
					}
					defer txn.Rollback()
					for _, addr := range []string{"0xaaaa", "0xbbbb"} {
						if _, _, err := txn.ResolveOrCreate(accountUpsert(addr)); err != nil {
							return err
						}
					}
					if _, _, err := txn.ResolveOrCreate(blockUpsert(n, fmt.Sprintf("0x%02x", n))); err != nil {
						return err
					}
					return txn.Commit()
				})
			}
			require.NoError(t, g.Wait())

			stats, err := s.Stats(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 2, stats.ByKind[string(models.KindAccount)])
			assert.Equal(t, 8, stats.ByKind[string(models.KindBlock)])
		})
	}
}

func TestPgErrorMapsAbortedTxn(t *testing.T) {
	assert.ErrorIs(t, pgError(&pq.Error{Code: "40P01", Message: "deadlock detected"}), ErrTxnAborted)
	assert.ErrorIs(t, pgError(&pq.Error{Code: "40001"}), ErrTxnAborted)

	unique := &pq.Error{Code: "23505"}
	assert.Equal(t, unique, pgError(unique))
	assert.NoError(t, pgError(nil))
}
