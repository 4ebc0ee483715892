package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps Redis operations for the recovery pipeline: the event
// channel and the short-lived per-task locks taken by the inline hook.
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
}

// NewClient creates a new Redis client.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// NewClientFromAddr builds a client against a bare host:port. Used by
// tests running against miniredis.
func NewClientFromAddr(addr string) *Client {
	return &Client{rdb: redis.NewClient(&redis.Options{Addr: addr})}
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Key helpers
func taskLockKey(taskID string) string {
	return fmt.Sprintf("recovery_lock:%s", taskID)
}

// AcquireTaskLock attempts to take the short-TTL recovery lock for a
// task. The lock only reduces hook/loop contention; the task version
// check is the correctness guarantee.
func (c *Client) AcquireTaskLock(ctx context.Context, taskID string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, taskLockKey(taskID), "locked", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx failed: %w", err)
	}
	return ok, nil
}

// ReleaseTaskLock releases the recovery lock for a task.
func (c *Client) ReleaseTaskLock(ctx context.Context, taskID string) error {
	return c.rdb.Del(ctx, taskLockKey(taskID)).Err()
}

// Publish sends a payload to a channel.
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	return c.rdb.Publish(ctx, channel, payload).Err()
}
