// Package statepub mirrors AR lifecycle state into Redis and watches a
// Redis list for operator commands, grounded directly on the teacher
// repository's pkg/redis/client.go and pkg/service/redis_handlers.go.
package statepub

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps a Redis connection with the narrow set of operations the
// state publisher and command watcher need.
type Client struct {
	client *redis.Client
	ctx    context.Context
}

// NewClient connects to Redis and verifies reachability with a PING.
func NewClient(addr, password string, db int) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}
	return &Client{client: client, ctx: ctx}, nil
}

// WriteAndPublishString writes a hash field and publishes its change on
// the key's own channel.
func (c *Client) WriteAndPublishString(key, field, value string) error {
	pipe := c.client.Pipeline()
	pipe.HSet(c.ctx, key, field, value)
	pipe.Publish(c.ctx, key, fmt.Sprintf("%s:%s", field, value))
	_, err := pipe.Exec(c.ctx)
	return err
}

// WriteInt writes an integer hash field without publishing.
func (c *Client) WriteInt(key, field string, value int) error {
	return c.client.HSet(c.ctx, key, field, value).Err()
}

// HDel removes one or more hash fields.
func (c *Client) HDel(key string, fields ...string) (int64, error) {
	return c.client.HDel(c.ctx, key, fields...).Result()
}

// BRPop performs a blocking right-pop on a Redis list. timeout == 0
// blocks indefinitely. A timeout is reported as (nil, nil), matching
// the teacher's convention of not treating a poll timeout as an error.
func (c *Client) BRPop(timeout time.Duration, key string) ([]string, error) {
	result, err := c.client.BRPop(c.ctx, timeout, key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected result from BRPOP: %v", result)
	}
	return result, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.client.Close()
}
