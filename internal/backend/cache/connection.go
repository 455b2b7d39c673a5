// Package cache implements a redis-backed ancillary storage.Backend used
// as a cheap per-resource read cache and as a health-probe target; it
// caches single resources only, never search pages or cursors, and it is
// never selected as a composite router's primary.
package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Connection is a hub around a single *redis.Client, mirroring
// RedisConnection's lazy-connect-once shape.
type Connection struct {
	URI    string
	client *redis.Client
}

// Connect parses URI and dials redis, pinging to confirm reachability.
func (c *Connection) Connect(ctx context.Context) error {
	opts, err := redis.ParseURL(c.URI)
	if err != nil {
		return fmt.Errorf("cache: parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cache: ping: %w", err)
	}

	c.client = client

	return nil
}

// GetClient returns the underlying *redis.Client, connecting lazily.
func (c *Connection) GetClient(ctx context.Context) (*redis.Client, error) {
	if c.client == nil {
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
	}

	return c.client, nil
}
