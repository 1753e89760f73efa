package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"possale/backend/internal/domain"
)

func TestNoopSaleCacheAlwaysMisses(t *testing.T) {
	var c SaleCache = NoopSaleCache{}
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, &domain.SaleDetail{Sale: domain.Sale{ID: "sale-1"}}, time.Minute))
	got, ok, err := c.Get(ctx, "sale-1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, got)
	assert.NoError(t, c.Delete(ctx, "sale-1"))
}

func TestMemorySaleCacheSetGetDelete(t *testing.T) {
	c := NewMemorySaleCache()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, &domain.SaleDetail{Sale: domain.Sale{ID: "sale-1", Status: domain.SaleStatusCompleted}}, 0))
	got, ok, err := c.Get(ctx, "sale-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.SaleStatusCompleted, got.Status)

	require.NoError(t, c.Delete(ctx, "sale-1"))
	_, ok, _ = c.Get(ctx, "sale-1")
	assert.False(t, ok)
}

func TestMemorySaleCacheExpires(t *testing.T) {
	c := NewMemorySaleCache()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, &domain.SaleDetail{Sale: domain.Sale{ID: "sale-1"}}, time.Minute))
	now = now.Add(2 * time.Minute)

	_, ok, err := c.Get(ctx, "sale-1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestRedisSaleCacheSurfacesConnectionErrors(t *testing.T) {
	c := NewRedisSaleCache("127.0.0.1:1", "", 0)
	t.Cleanup(func() { _ = c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, ok, err := c.Get(ctx, "sale-1")
	assert.Error(t, err)
	assert.False(t, ok)
	assert.Error(t, c.Ping(ctx))
}
