package recovery

import (
	"context"
	"fmt"
	"testing"

	"chaingraph/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hashN(i int) string {
	return fmt.Sprintf("0x%064x", i)
}

func TestMemoryCache_EvictsHalfWhenFull(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(8)
	for i := 0; i < 8; i++ {
		require.NoError(t, c.Set(ctx, hashN(i), &models.Skeleton{Hash: hashN(i)}))
	}
	assert.Equal(t, 8, c.Len())

	// 覆盖已有键不触发清理
	require.NoError(t, c.Set(ctx, hashN(3), &models.Skeleton{Hash: hashN(3)}))
	assert.Equal(t, 8, c.Len())

	require.NoError(t, c.Set(ctx, hashN(100), &models.Skeleton{Hash: hashN(100)}))
	assert.Equal(t, 5, c.Len())
	got, ok, err := c.Get(ctx, hashN(100))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, hashN(100), got.Hash)

	for i := 0; i < 1000; i++ {
		require.NoError(t, c.Set(ctx, hashN(1000+i), &models.Skeleton{Hash: hashN(1000 + i)}))
		assert.LessOrEqual(t, c.Len(), 8)
	}
}

func TestMemoryCache_DefaultCapacity(t *testing.T) {
	c := NewMemoryCache(0)
	assert.Equal(t, DefaultCacheSize, c.capacity)
}

func TestAdapter_ShapeIndexBounded(t *testing.T) {
	a := NewAdapter(&fakeDecompiler{}, testLogger(), WithCacheSize(4))
	for i := 0; i < 100; i++ {
		a.LinkCode(hashN(i), hashN(10000+i))
		assert.LessOrEqual(t, len(a.shapes), 4)
	}
	assert.Equal(t, 4, a.local.capacity)

	// 同一形状下只保留最近的骨架
	shape := hashN(99999)
	for i := 0; i < maxLinked+10; i++ {
		a.LinkCode(hashN(i), shape)
	}
	linked := a.LinkCode(hashN(500), shape)
	require.Len(t, linked, maxLinked)
	assert.Equal(t, hashN(10), linked[0])
	assert.Equal(t, hashN(maxLinked+9), linked[maxLinked-1])
}

func TestAdapter_InterfaceIndexBounded(t *testing.T) {
	a := NewAdapter(&fakeDecompiler{}, testLogger(), WithCacheSize(2))
	for i := 0; i < 20; i++ {
		a.indexInterface(&models.Skeleton{
			Hash:      hashN(i),
			Functions: []models.Function{{Selector: fmt.Sprintf("0x%08x", i)}},
		})
		assert.LessOrEqual(t, len(a.interfaces), 2)
	}
}
