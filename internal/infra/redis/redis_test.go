package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openctemio/scanworker/internal/config"
	"github.com/openctemio/scanworker/pkg/logger"
)

// testClient connects to the Redis named by REDIS_TEST_ADDR and flushes the
// selected database. Tests skip when the variable is unset.
func testClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	raw := goredis.NewClient(&goredis.Options{Addr: addr, DB: 15})
	ctx := context.Background()
	require.NoError(t, raw.Ping(ctx).Err())
	require.NoError(t, raw.FlushDB(ctx).Err())
	t.Cleanup(func() { _ = raw.Close() })
	return NewFromClient(raw, logger.NewNop())
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, logger.NewNop())
	require.Error(t, err)

	_, err = New(&config.RedisConfig{Host: "localhost", Port: 6379}, nil)
	require.Error(t, err)
}

func TestNewRateLimiter_Validation(t *testing.T) {
	c := NewFromClient(goredis.NewClient(&goredis.Options{Addr: "localhost:0"}), logger.NewNop())
	log := logger.NewNop()

	tests := []struct {
		name   string
		client *Client
		prefix string
		limit  int
		window time.Duration
	}{
		{"nil client", nil, "p", 1, time.Second},
		{"empty prefix", c, "", 1, time.Second},
		{"zero limit", c, "p", 0, time.Second},
		{"zero window", c, "p", 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRateLimiter(tt.client, tt.prefix, tt.limit, tt.window, log)
			require.Error(t, err)
		})
	}
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	c := testClient(t)
	rl, err := NewRateLimiter(c, "ratelimit:submit", 3, time.Minute, logger.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	for i := range 3 {
		ok, _, err := rl.Allow(ctx, "submit:user-1")
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i+1)
	}

	ok, retry, err := rl.Allow(ctx, "submit:user-1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Greater(t, retry, 50*time.Second)
	assert.LessOrEqual(t, retry, time.Minute)

	ok, _, err = rl.Allow(ctx, "submit:user-2")
	require.NoError(t, err)
	assert.True(t, ok, "limits are per key")

	require.NoError(t, rl.Reset(ctx, "submit:user-1"))
	ok, _, err = rl.Allow(ctx, "submit:user-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReconcileDeduper(t *testing.T) {
	c := testClient(t)
	d, err := NewReconcileDeduper(c, time.Hour, logger.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	fresh, err := d.MarkReconciled(ctx, "scan-1")
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = d.MarkReconciled(ctx, "scan-1")
	require.NoError(t, err)
	assert.False(t, fresh)

	ttl, err := c.TTL(ctx, "scan:reconciled:scan-1")
	require.NoError(t, err)
	assert.Greater(t, ttl, 59*time.Minute)

	require.NoError(t, d.Unmark(ctx, "scan-1"))
	fresh, err = d.MarkReconciled(ctx, "scan-1")
	require.NoError(t, err)
	assert.True(t, fresh)

	_, err = d.MarkReconciled(ctx, "")
	require.Error(t, err)
}

func TestPoolCollector(t *testing.T) {
	c := NewFromClient(goredis.NewClient(&goredis.Options{Addr: "localhost:0"}), logger.NewNop())
	t.Cleanup(func() { _ = c.Close() })

	assert.Equal(t, 5, testutil.CollectAndCount(NewPoolCollector(c)))
}
