package payload

import (
	"context"
	"fmt"
	"sync"
	"time"

	"iap-coordinator/internal/redisclient"

	"github.com/ReneKroon/ttlcache"
	"github.com/google/uuid"
)

// Registry issues developer payloads and checks the ones stores send back.
// A payload passes Verify if it was issued for the same SKU; the first
// successful Verify keeps it valid until Release.
type Registry interface {
	Issue(ctx context.Context, sku string) (string, error)
	Verify(ctx context.Context, sku, payload string) (bool, error)
	Release(ctx context.Context, sku, payload string) error
}

// RedisRegistry keeps payloads in Redis so several instances share them
type RedisRegistry struct {
	client *redisclient.Client
	ttl    time.Duration
}

// NewRedisRegistry creates a registry whose unconfirmed payloads expire after ttl
func NewRedisRegistry(client *redisclient.Client, ttl time.Duration) *RedisRegistry {
	return &RedisRegistry{client: client, ttl: ttl}
}

func (r *RedisRegistry) Issue(ctx context.Context, sku string) (string, error) {
	payload := uuid.New().String()
	if _, err := r.client.SetPayload(ctx, sku, payload, r.ttl); err != nil {
		return "", fmt.Errorf("failed to issue payload for %s: %w", sku, err)
	}
	return payload, nil
}

func (r *RedisRegistry) Verify(ctx context.Context, sku, payload string) (bool, error) {
	if payload == "" {
		return false, nil
	}
	ok, err := r.client.ConfirmPayload(ctx, sku, payload)
	if err != nil {
		return false, fmt.Errorf("failed to verify payload for %s: %w", sku, err)
	}
	return ok, nil
}

// Release forgets the payload of a consumed purchase
func (r *RedisRegistry) Release(ctx context.Context, sku, payload string) error {
	if payload == "" {
		return nil
	}
	return r.client.RevokePayload(ctx, sku, payload)
}

// MemoryRegistry keeps payloads in process. Unconfirmed payloads live in a
// TTL cache; confirmed ones are kept for the session.
type MemoryRegistry struct {
	pending *ttlcache.Cache

	mu        sync.Mutex
	confirmed map[string]struct{}
}

// NewMemoryRegistry creates a registry whose unconfirmed payloads expire after ttl
func NewMemoryRegistry(ttl time.Duration) *MemoryRegistry {
	cache := ttlcache.NewCache()
	cache.SetTTL(ttl)
	return &MemoryRegistry{
		pending:   cache,
		confirmed: make(map[string]struct{}),
	}
}

func cacheKey(sku, payload string) string {
	return sku + ":" + payload
}

func (r *MemoryRegistry) Issue(ctx context.Context, sku string) (string, error) {
	payload := uuid.New().String()
	r.pending.Set(cacheKey(sku, payload), time.Now())
	return payload, nil
}

func (r *MemoryRegistry) Verify(ctx context.Context, sku, payload string) (bool, error) {
	if payload == "" {
		return false, nil
	}
	key := cacheKey(sku, payload)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.confirmed[key]; ok {
		return true, nil
	}
	if _, ok := r.pending.Get(key); !ok {
		return false, nil
	}
	r.pending.Remove(key)
	r.confirmed[key] = struct{}{}
	return true, nil
}

// Release forgets the payload of a consumed purchase
func (r *MemoryRegistry) Release(ctx context.Context, sku, payload string) error {
	key := cacheKey(sku, payload)

	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.confirmed, key)
	r.pending.Remove(key)
	return nil
}

// Close stops the cache expiry loop
func (r *MemoryRegistry) Close() {
	r.pending.Close()
}

// AcceptAll issues random payloads and accepts any payload back
type AcceptAll struct{}

func (AcceptAll) Issue(ctx context.Context, sku string) (string, error) {
	return uuid.New().String(), nil
}

func (AcceptAll) Verify(ctx context.Context, sku, payload string) (bool, error) {
	return true, nil
}

func (AcceptAll) Release(ctx context.Context, sku, payload string) error {
	return nil
}
