package alerting

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/PostOpCall/internal/store"
)

func setupTestRedis(t *testing.T) (*RedisLedger, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return NewRedisLedger(client, time.Hour), mr
}

func TestRedisLedgerClaimOnce(t *testing.T) {
	ledger, mr := setupTestRedis(t)
	ctx := context.Background()

	ok, err := ledger.Claim(ctx, "call_1|high_pain|1", "alert_1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ledger.Claim(ctx, "call_1|high_pain|1", "alert_2")
	require.NoError(t, err)
	assert.False(t, ok)

	val, err := mr.Get("postopcall:alert:call_1|high_pain|1")
	require.NoError(t, err)
	assert.Equal(t, "alert_1", val)
	assert.Equal(t, time.Hour, mr.TTL("postopcall:alert:call_1|high_pain|1"))
}

func TestRedisLedgerKeyExpires(t *testing.T) {
	ledger, mr := setupTestRedis(t)
	ctx := context.Background()

	ok, err := ledger.Claim(ctx, "k", "alert_1")
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Hour)

	ok, err = ledger.Claim(ctx, "k", "alert_1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLedgerUnavailable(t *testing.T) {
	ledger, mr := setupTestRedis(t)
	mr.Close()

	_, err := ledger.Claim(context.Background(), "k", "alert_1")
	assert.Error(t, err)
}

func TestNewRedisLedgerFromURL(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	ledger, err := NewRedisLedgerFromURL(context.Background(), "redis://"+mr.Addr(), 0)
	require.NoError(t, err)
	defer ledger.Close()
	assert.Equal(t, DefaultRedisKeyTTL, ledger.ttl)

	_, err = NewRedisLedgerFromURL(context.Background(), "not a url", 0)
	assert.Error(t, err)
}

func TestInMemoryAndStoreLedgers(t *testing.T) {
	ctx := context.Background()
	for name, l := range map[string]Ledger{
		"memory": NewInMemoryLedger(),
		"store":  NewStoreLedger(store.NewInMemoryStore()),
	} {
		t.Run(name, func(t *testing.T) {
			ok, err := l.Claim(ctx, "key", "alert_1")
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = l.Claim(ctx, "key", "alert_1")
			require.NoError(t, err)
			assert.False(t, ok)

			assert.NoError(t, l.Complete(ctx, "key"))
		})
	}
}
