package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openctemio/scanworker/internal/config"
	"github.com/openctemio/scanworker/pkg/logger"
)

// Client is the shared connection used by the submit limiter, the
// reconcile deduper and the readiness probe.
type Client struct {
	client *redis.Client
	logger *logger.Logger
}

// New dials Redis and pings it with exponential backoff until it answers
// or cfg.MaxRetries is exhausted.
func New(cfg *config.RedisConfig, log *logger.Logger) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("redis config is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}

	opts := &redis.Options{
		Addr:            cfg.Addr(),
		Password:        cfg.Password,
		DB:              cfg.DB,
		PoolSize:        cfg.PoolSize,
		MinIdleConns:    cfg.MinIdleConns,
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		MaxRetries:      cfg.MaxRetries,
		MinRetryBackoff: cfg.MinRetryDelay,
		MaxRetryBackoff: cfg.MaxRetryDelay,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{
			InsecureSkipVerify: cfg.TLSSkipVerify, //nolint:gosec // opt-in for local stacks
			MinVersion:         tls.VersionTLS12,
		}
	}

	rdb := redis.NewClient(opts)
	log = log.With("component", "redis", "addr", cfg.Addr())

	if err := pingWithBackoff(rdb, cfg, log); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	log.Debug("redis ping ok", "pool_size", cfg.PoolSize, "tls", cfg.TLSEnabled)
	return &Client{client: rdb, logger: log}, nil
}

func pingWithBackoff(rdb *redis.Client, cfg *config.RedisConfig, log *logger.Logger) error {
	delay := cfg.MinRetryDelay
	var err error
	for attempt := 0; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
		err = rdb.Ping(ctx).Err()
		cancel()
		if err == nil || attempt >= cfg.MaxRetries {
			break
		}
		log.Warn("redis not reachable yet", "attempt", attempt+1, "retry_in", delay, "error", err)
		time.Sleep(delay)
		delay = min(delay*2, cfg.MaxRetryDelay)
	}
	if err != nil {
		return fmt.Errorf("redis unreachable after %d attempts: %w", cfg.MaxRetries+1, err)
	}
	return nil
}

// NewFromClient wraps an existing go-redis client.
func NewFromClient(client *redis.Client, log *logger.Logger) *Client {
	return &Client{client: client, logger: log}
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// Ping is used by the readiness probe.
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Del deletes keys, ignoring an empty list.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// TTL returns the remaining lifetime of key.
func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := c.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis ttl: %w", err)
	}
	return ttl, nil
}
