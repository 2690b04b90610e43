package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BTreeMap/PostOpCall/internal/store"
)

// DefaultRedisKeyTTL is how long a routed alert key is remembered in Redis.
const DefaultRedisKeyTTL = 7 * 24 * time.Hour

// Ledger remembers which alert idempotency keys have already been routed.
type Ledger interface {
	// Claim records key and reports whether this caller is the first to claim it.
	Claim(ctx context.Context, key, alertID string) (bool, error)
	// Complete marks a claimed key as fully routed.
	Complete(ctx context.Context, key string) error
}

// InMemoryLedger is a process-local ledger.
type InMemoryLedger struct {
	mu   sync.Mutex
	keys map[string]string
}

var (
	_ Ledger = (*InMemoryLedger)(nil)
	_ Ledger = (*StoreLedger)(nil)
	_ Ledger = (*RedisLedger)(nil)
)

// NewInMemoryLedger returns an empty ledger.
func NewInMemoryLedger() *InMemoryLedger {
	return &InMemoryLedger{keys: make(map[string]string)}
}

func (l *InMemoryLedger) Claim(ctx context.Context, key, alertID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.keys[key]; ok {
		return false, nil
	}
	l.keys[key] = alertID
	return true, nil
}

func (l *InMemoryLedger) Complete(ctx context.Context, key string) error { return nil }

// StoreLedger keeps keys in the store's dedup table so they survive restarts.
type StoreLedger struct {
	repo store.DedupRepo
}

// NewStoreLedger wraps a DedupRepo.
func NewStoreLedger(repo store.DedupRepo) *StoreLedger {
	return &StoreLedger{repo: repo}
}

func (l *StoreLedger) Claim(ctx context.Context, key, alertID string) (bool, error) {
	return l.repo.ClaimKey(key, alertID)
}

func (l *StoreLedger) Complete(ctx context.Context, key string) error {
	return l.repo.MarkProcessed(key)
}

// RedisLedger shares keys between instances using SET NX with a TTL.
type RedisLedger struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisLedger wraps an existing client.
func NewRedisLedger(client *redis.Client, ttl time.Duration) *RedisLedger {
	if ttl <= 0 {
		ttl = DefaultRedisKeyTTL
	}
	return &RedisLedger{client: client, prefix: "postopcall:alert:", ttl: ttl}
}

// NewRedisLedgerFromURL connects to redisURL and verifies the connection.
func NewRedisLedgerFromURL(ctx context.Context, redisURL string, ttl time.Duration) (*RedisLedger, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed parsing redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed connecting to redis: %w", err)
	}
	slog.Info("RedisLedger: connected", "addr", opts.Addr)
	return NewRedisLedger(client, ttl), nil
}

func (l *RedisLedger) Claim(ctx context.Context, key, alertID string) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.prefix+key, alertID, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis SETNX %s: %w", key, err)
	}
	return ok, nil
}

func (l *RedisLedger) Complete(ctx context.Context, key string) error { return nil }

// Close closes the underlying client.
func (l *RedisLedger) Close() error {
	return l.client.Close()
}
