// Package jobcache mirrors job records into Redis so hot reads skip the
// durable store. The cache is strictly best-effort: the PostgreSQL row is
// the source of truth and every cache failure is survivable.
package jobcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/carevox/carevox/pkg/storage"
)

// ErrMiss is returned by [Cache.Get] when no mirror entry exists.
var ErrMiss = errors.New("jobcache: miss")

// Cache is a Redis read-through mirror of job rows, serialized as JSON.
// All methods are safe for concurrent use.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL sets the time-to-live of mirror entries. Default is 24 hours;
// 0 disables expiration.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		c.ttl = ttl
	}
}

// WithPrefix sets the key prefix. Default is "job:med".
func WithPrefix(prefix string) Option {
	return func(c *Cache) {
		c.prefix = prefix
	}
}

// New creates a job cache on top of an existing Redis client.
func New(client *redis.Client, opts ...Option) *Cache {
	c := &Cache{
		client: client,
		ttl:    24 * time.Hour,
		prefix: "job:med",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the mirrored job, or [ErrMiss] when the id is not cached.
func (c *Cache) Get(ctx context.Context, id string) (storage.Job, error) {
	data, err := c.client.Get(ctx, c.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return storage.Job{}, ErrMiss
		}
		return storage.Job{}, fmt.Errorf("jobcache: get: %w", err)
	}

	var job storage.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return storage.Job{}, fmt.Errorf("jobcache: unmarshal: %w", err)
	}
	return job, nil
}

// Set mirrors a job record.
func (c *Cache) Set(ctx context.Context, job storage.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("jobcache: marshal: %w", err)
	}
	if err := c.client.Set(ctx, c.key(job.ID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("jobcache: set: %w", err)
	}
	return nil
}

// Delete drops the mirror entry for id. Deleting an absent entry is not an
// error.
func (c *Cache) Delete(ctx context.Context, id string) error {
	if err := c.client.Del(ctx, c.key(id)).Err(); err != nil {
		return fmt.Errorf("jobcache: delete: %w", err)
	}
	return nil
}

// Ping verifies the Redis connection; used by the readiness checker.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Cache) key(id string) string {
	return fmt.Sprintf("%s:%s", c.prefix, id)
}
