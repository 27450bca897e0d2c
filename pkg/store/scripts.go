package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucket refills at rate tokens/sec up to burst and consumes the requested amount.
// KEYS[1]: bucket key
// ARGV[1]: rate (tokens/sec)
// ARGV[2]: burst (capacity)
// ARGV[3]: current timestamp (milliseconds)
// ARGV[4]: tokens to consume
var tokenBucket = redis.NewScript(`
	local key = KEYS[1]
	local rate = tonumber(ARGV[1])
	local burst = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])
	local requested = tonumber(ARGV[4])

	local tokens = tonumber(redis.call('HGET', key, 'tokens'))
	local last_refill = tonumber(redis.call('HGET', key, 'last_refill'))

	if not tokens then
		tokens = burst
		last_refill = now
	end

	local delta = math.max(0, now - last_refill) / 1000
	local new_tokens = math.min(burst, tokens + (delta * rate))

	local allowed = 0
	if new_tokens >= requested then
		new_tokens = new_tokens - requested
		allowed = 1
	end
	redis.call('HSET', key, 'tokens', tostring(new_tokens), 'last_refill', ARGV[3])
	return allowed
`)

// claimWindow records now under KEYS[1] unless a previous claim is younger than the window.
// KEYS[1]: claim key
// ARGV[1]: current timestamp (milliseconds)
// ARGV[2]: window (milliseconds)
var claimWindow = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])

	local raw = redis.call('GET', key)
	if raw and now - tonumber(raw) < window then
		return 0
	end
	redis.call('SET', key, ARGV[1], 'PX', ARGV[2])
	return 1
`)

// Allow checks if a call under key may proceed based on the rate limit.
// It uses a Token Bucket algorithm implemented in Lua.
//
// Parameters:
//   - key: Unique key for the rate limit (e.g., "ratelimit:broker")
//   - limit: Number of tokens added per second (rate)
//   - burst: Maximum number of tokens in the bucket (capacity)
//
// Returns true if allowed, false otherwise.
func (c *Client) Allow(ctx context.Context, key string, limit int, burst int) (bool, error) {
	result, err := tokenBucket.Run(ctx, c.rdb,
		[]string{key},
		limit,
		burst,
		time.Now().UnixMilli(),
		1,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("token bucket %s: %w", key, err)
	}
	return result == 1, nil
}

// ClaimWindow atomically checks and records an event at now under key. It returns
// false if a claim younger than window already exists. Claims expire with the window.
func (c *Client) ClaimWindow(ctx context.Context, key string, now time.Time, window time.Duration) (bool, error) {
	ms := window.Milliseconds()
	if ms <= 0 {
		return true, nil
	}
	result, err := claimWindow.Run(ctx, c.rdb,
		[]string{key},
		now.UnixMilli(),
		ms,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("claim window %s: %w", key, err)
	}
	return result == 1, nil
}
