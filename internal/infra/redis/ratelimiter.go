package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/openctemio/scanworker/pkg/logger"
)

// slidingWindow keeps one sorted-set member per accepted submission, scored
// by its arrival in milliseconds. It replies {1, 0} when the submission is
// admitted and {0, retry_ms} when the window is full.
var slidingWindow = redis.NewScript(`
local key       = KEYS[1]
local now       = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local limit     = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window_ms)
if redis.call('ZCARD', key) < limit then
	redis.call('ZADD', key, now, ARGV[4])
	redis.call('PEXPIRE', key, window_ms)
	return {1, 0}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
return {0, tonumber(oldest[2]) + window_ms - now}
`)

// RateLimiter caps how many scans one key (normally a user) may submit per
// window. State lives in Redis so every API replica shares it.
type RateLimiter struct {
	client *Client
	prefix string
	limit  int
	window time.Duration
	logger *logger.Logger
	now    func() time.Time
}

func NewRateLimiter(client *Client, prefix string, limit int, window time.Duration, log *logger.Logger) (*RateLimiter, error) {
	switch {
	case client == nil:
		return nil, errors.New("redis client is required")
	case prefix == "":
		return nil, errors.New("key prefix is required")
	case limit <= 0:
		return nil, errors.New("limit must be positive")
	case window <= 0:
		return nil, errors.New("window must be positive")
	case log == nil:
		return nil, errors.New("logger is required")
	}
	return &RateLimiter{
		client: client,
		prefix: prefix,
		limit:  limit,
		window: window,
		logger: log.With("component", "submit_limiter", "limiter", prefix),
		now:    time.Now,
	}, nil
}

func (rl *RateLimiter) key(k string) string {
	return rl.prefix + ":" + k
}

// Allow admits one submission for key. When the window is full it reports
// how long until the oldest submission leaves it, never less than a second.
func (rl *RateLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	if key == "" {
		return false, 0, errors.New("key is required")
	}

	start := time.Now()
	reply, err := slidingWindow.Run(ctx, rl.client.client, []string{rl.key(key)},
		rl.now().UnixMilli(), rl.window.Milliseconds(), rl.limit, uuid.NewString()).Int64Slice()
	observe("ratelimit_allow", start, err)
	if err != nil {
		return false, 0, fmt.Errorf("rate limit check: %w", err)
	}
	if len(reply) != 2 {
		return false, 0, fmt.Errorf("rate limit check: unexpected reply %v", reply)
	}

	allowed := reply[0] == 1
	recordDecision(rl.prefix, allowed)
	if allowed {
		return true, 0, nil
	}

	retry := max(time.Duration(reply[1])*time.Millisecond, time.Second)
	rl.logger.Debug("submission limited", "key", key, "retry_after", retry)
	return false, retry, nil
}

// Reset clears the window for key.
func (rl *RateLimiter) Reset(ctx context.Context, key string) error {
	if key == "" {
		return errors.New("key is required")
	}
	return rl.client.Del(ctx, rl.key(key))
}
