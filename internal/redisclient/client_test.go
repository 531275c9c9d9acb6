package redisclient

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, ttl time.Duration) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewFromRedis(rdb, ttl), mr
}

func TestSetStockRejectsOlderVersions(t *testing.T) {
	c, _ := newTestClient(t, 0)
	ctx := context.Background()

	written, err := c.SetStock(ctx, 1, 5, 3)
	require.NoError(t, err)
	assert.True(t, written)

	written, err = c.SetStock(ctx, 1, 9, 2)
	require.NoError(t, err)
	assert.False(t, written, "older version must not overwrite")

	written, err = c.SetStock(ctx, 1, 9, 3)
	require.NoError(t, err)
	assert.False(t, written, "same version must not overwrite")

	available, found, err := c.GetStock(ctx, 1)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 5, available)

	written, err = c.SetStock(ctx, 1, 4, 4)
	require.NoError(t, err)
	assert.True(t, written)

	available, _, err = c.GetStock(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 4, available)
}

func TestGetStockMissing(t *testing.T) {
	c, _ := newTestClient(t, 0)

	_, found, err := c.GetStock(context.Background(), 42)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSetStockAppliesTTL(t *testing.T) {
	c, mr := newTestClient(t, time.Minute)
	ctx := context.Background()

	_, err := c.SetStock(ctx, 7, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, mr.TTL("stock:7"))

	mr.FastForward(2 * time.Minute)
	_, found, err := c.GetStock(ctx, 7)
	require.NoError(t, err)
	assert.False(t, found)
}
