package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

type Client struct {
	rdb *redis.Client
}

// NewClient creates a new Redis client and checks the connection
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func payloadKey(sku, payload string) string {
	return fmt.Sprintf("payload:%s:%s", sku, payload)
}

// SetPayload stores an issued developer payload for sku until ttl passes.
// Returns false if the payload was already issued.
func (c *Client) SetPayload(ctx context.Context, sku, payload string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, payloadKey(sku, payload), time.Now().Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("set payload failed: %w", err)
	}
	return ok, nil
}

// ConfirmPayload removes the expiry of an issued payload so later
// inventory checks keep accepting it. Returns false if it is unknown.
func (c *Client) ConfirmPayload(ctx context.Context, sku, payload string) (bool, error) {
	key := payloadKey(sku, payload)

	pipe := c.rdb.TxPipeline()
	exists := pipe.Exists(ctx, key)
	pipe.Persist(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("confirm payload failed: %w", err)
	}
	return exists.Val() > 0, nil
}

// RevokePayload forgets a payload
func (c *Client) RevokePayload(ctx context.Context, sku, payload string) error {
	if err := c.rdb.Del(ctx, payloadKey(sku, payload)).Err(); err != nil {
		return fmt.Errorf("revoke payload failed: %w", err)
	}
	return nil
}
