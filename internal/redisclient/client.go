package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/set_stock.lua
var setStockScript string

// Client mirrors per-product stock counters for display. The mirror is never
// authoritative; writes carry the stock version so a late writer cannot
// overwrite a newer value.
type Client struct {
	rdb       *redis.Client
	setScript *redis.Script
	ttl       time.Duration
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int, ttl time.Duration) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewFromRedis(rdb, ttl), nil
}

// NewFromRedis wraps an existing connection
func NewFromRedis(rdb *redis.Client, ttl time.Duration) *Client {
	return &Client{
		rdb:       rdb,
		setScript: redis.NewScript(setStockScript),
		ttl:       ttl,
	}
}

// Ping checks connectivity
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func stockKey(productID int64) string {
	return fmt.Sprintf("stock:%d", productID)
}

// SetStock writes the counter if version is newer than the mirrored one.
// Returns false when a newer or equal version is already stored.
func (c *Client) SetStock(ctx context.Context, productID int64, available int, version int64) (bool, error) {
	result, err := c.setScript.Run(ctx, c.rdb, []string{stockKey(productID)},
		available, version, int64(c.ttl/time.Second)).Result()
	if err != nil {
		return false, fmt.Errorf("set stock script failed: %w", err)
	}

	written, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected script result type %T", result)
	}

	return written == 1, nil
}

// GetStock returns the mirrored counter. found is false when nothing is mirrored.
func (c *Client) GetStock(ctx context.Context, productID int64) (available int, found bool, err error) {
	raw, err := c.rdb.HGet(ctx, stockKey(productID), "available").Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	available, err = strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt stock value %q: %w", raw, err)
	}
	return available, true, nil
}
