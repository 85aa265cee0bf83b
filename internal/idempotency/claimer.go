// Package idempotency gives the consumer a fast, shared "have we seen this
// idempotency key" check in front of the task store's unique index.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultTTL is how long a claim survives. Redeliveries arrive well within it;
// the store's unique index covers anything older.
const DefaultTTL = 24 * time.Hour

// Claimer reserves an idempotency key before the consumer writes a task.
type Claimer interface {
	// Claim returns true if the caller now owns key, false if another
	// delivery already claimed it.
	Claim(ctx context.Context, key, taskID string) (bool, error)
	// Release drops a claim so a later redelivery can retry.
	Release(ctx context.Context, key string) error
	// Owner returns the task id holding key, or "" if it is unclaimed.
	Owner(ctx context.Context, key string) (string, error)
}

// Config configures the Redis claimer
type Config struct {
	URL    string        `yaml:"url"`
	Prefix string        `yaml:"prefix"`
	TTL    time.Duration `yaml:"ttl"`
}

// RedisClaimer implements Claimer with SET NX.
type RedisClaimer struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisClaimer parses cfg.URL, connects and pings Redis.
func NewRedisClaimer(ctx context.Context, cfg Config, logger *zap.Logger) (*RedisClaimer, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisClaimerFromClient(client, cfg, logger), nil
}

// NewRedisClaimerFromClient wraps an existing client.
func NewRedisClaimerFromClient(client *redis.Client, cfg Config, logger *zap.Logger) *RedisClaimer {
	if cfg.Prefix == "" {
		cfg.Prefix = "conductor:idem:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisClaimer{
		client: client,
		prefix: cfg.Prefix,
		ttl:    cfg.TTL,
		logger: logger.With(zap.String("component", "idempotency")),
	}
}

func (c *RedisClaimer) Claim(ctx context.Context, key, taskID string) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.prefix+key, taskID, c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim idempotency key: %w", err)
	}
	if !ok {
		c.logger.Debug("idempotency key already claimed", zap.String("key", key))
	}
	return ok, nil
}

func (c *RedisClaimer) Release(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}

// Owner returns the task id that claimed key, or "" if unclaimed.
func (c *RedisClaimer) Owner(ctx context.Context, key string) (string, error) {
	v, err := c.client.Get(ctx, c.prefix+key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read idempotency key: %w", err)
	}
	return v, nil
}

// Ping checks the Redis connection
func (c *RedisClaimer) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (c *RedisClaimer) Close() error {
	return c.client.Close()
}

// Noop always grants the claim; the store's unique index is then the only guard.
type Noop struct{}

func (Noop) Claim(ctx context.Context, key, taskID string) (bool, error) {
	return true, nil
}

func (Noop) Release(ctx context.Context, key string) error {
	return nil
}

func (Noop) Owner(ctx context.Context, key string) (string, error) {
	return "", nil
}
