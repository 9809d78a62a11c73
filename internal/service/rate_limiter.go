package service

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	redisclient "github.com/openclaw/console-server-go/internal/redis"
)

// rateLimitScript is a Lua script for sliding window rate limiting
var rateLimitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

local windowStart = now - window

redis.call('ZREMRANGEBYSCORE', key, '-inf', windowStart)

local count = redis.call('ZCARD', key)

if count >= limit then
    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    local resetAt = 0
    if #oldest >= 2 then
        resetAt = tonumber(oldest[2]) + window
    else
        resetAt = now + window
    end
    return {0, resetAt}
end

redis.call('ZADD', key, now, now .. '-' .. math.random())
redis.call('EXPIRE', key, window + 10)

local resetAt = now + window
return {1, resetAt}
`)

// PairingRateLimiter throttles pairing opens per client IP. Every open hits
// the gateway and makes it reissue codes for the channel provider, so the
// limit is enforced in redis and shared across replicas.
type PairingRateLimiter struct {
	client *redisclient.Client
	limit  int
	window time.Duration
}

func NewPairingRateLimiter(client *redisclient.Client, limit int, window time.Duration) *PairingRateLimiter {
	return &PairingRateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// CheckOpen reports whether clientIP may open another pairing session now,
// and when the window resets if not.
func (rl *PairingRateLimiter) CheckOpen(ctx context.Context, clientIP string) (allowed bool, resetAt time.Time) {
	return rl.checkLimit(ctx, "pairing-open:"+clientIP, rl.limit, rl.window)
}

func (rl *PairingRateLimiter) checkLimit(
	ctx context.Context,
	key string,
	limit int,
	window time.Duration,
) (allowed bool, resetAt time.Time) {
	now := time.Now().Unix()
	fullKey := fmt.Sprintf("ratelimit:%s", key)

	result, err := rateLimitScript.Run(
		ctx,
		rl.client,
		[]string{fullKey},
		now,
		int64(window.Seconds()),
		limit,
	).Int64Slice()

	if err != nil {
		log.Warn().
			Err(err).
			Str("key", key).
			Msg("rate limit check failed, denying request for safety")
		return false, time.Now().Add(window)
	}

	if len(result) != 2 {
		log.Warn().Str("key", key).Msg("unexpected rate limit result, denying request for safety")
		return false, time.Now().Add(window)
	}

	return result[0] == 1, time.Unix(result[1], 0)
}
