package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisclient "github.com/openclaw/console-server-go/internal/redis"
)

// setupTestRedis connects to the local test redis (db 15) and flushes it.
// Tests are skipped when redis is unreachable.
func setupTestRedis(t *testing.T) *redisclient.Client {
	t.Helper()

	client, err := redisclient.NewClient("redis://localhost:6379/15")
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	require.NoError(t, client.FlushDB(context.Background()).Err())
	return client
}

func TestPairingRateLimiter(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()

	t.Run("allows opens within the limit", func(t *testing.T) {
		limiter := NewPairingRateLimiter(client, 3, 10*time.Second)

		for i := 0; i < 3; i++ {
			allowed, _ := limiter.CheckOpen(ctx, "10.0.0.1")
			assert.True(t, allowed, "open %d should be allowed", i+1)
		}

		allowed, resetAt := limiter.CheckOpen(ctx, "10.0.0.1")
		assert.False(t, allowed, "fourth open should be limited")
		assert.True(t, resetAt.After(time.Now()))
	})

	t.Run("window slides", func(t *testing.T) {
		limiter := NewPairingRateLimiter(client, 2, 2*time.Second)

		allowed, _ := limiter.CheckOpen(ctx, "10.0.0.2")
		assert.True(t, allowed)
		allowed, _ = limiter.CheckOpen(ctx, "10.0.0.2")
		assert.True(t, allowed)

		allowed, _ = limiter.CheckOpen(ctx, "10.0.0.2")
		assert.False(t, allowed)

		time.Sleep(2100 * time.Millisecond)

		allowed, _ = limiter.CheckOpen(ctx, "10.0.0.2")
		assert.True(t, allowed, "window should have slid past the first opens")
	})

	t.Run("client ips are independent", func(t *testing.T) {
		limiter := NewPairingRateLimiter(client, 1, 10*time.Second)

		allowed, _ := limiter.CheckOpen(ctx, "10.0.0.3")
		assert.True(t, allowed)
		allowed, _ = limiter.CheckOpen(ctx, "10.0.0.3")
		assert.False(t, allowed)

		allowed, _ = limiter.CheckOpen(ctx, "10.0.0.4")
		assert.True(t, allowed, "a limited ip must not affect others")
	})
}

func TestPairingRateLimiterFailsClosed(t *testing.T) {
	// An unreachable redis denies opens rather than letting clients hammer
	// the gateway unchecked.
	client, err := redisclient.NewClient("redis://localhost:6379/15")
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	require.NoError(t, client.Close())

	limiter := NewPairingRateLimiter(client, 5, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	allowed, resetAt := limiter.CheckOpen(ctx, "10.0.0.5")
	assert.False(t, allowed)
	assert.True(t, resetAt.After(time.Now()))
}
