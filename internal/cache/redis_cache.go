// Package cache keeps recently resolved pages in Redis, keyed by URL hash.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"folio/api/internal/metrics"
	"folio/api/internal/store"
)

// ErrMiss is returned by Get when no page is cached for the hash.
var ErrMiss = errors.New("page not cached")

// Dial parses redisURL and checks the server is reachable.
func Dial(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// PageCache stores page snapshots with a fixed TTL.
type PageCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewPageCache creates a cache over an existing client. A non-positive ttl
// defaults to five minutes.
func NewPageCache(client *redis.Client, ttl time.Duration) *PageCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &PageCache{
		client: client,
		prefix: "page:",
		ttl:    ttl,
	}
}

func (c *PageCache) key(urlHash string) string {
	return c.prefix + urlHash
}

// Get returns the cached page for urlHash or ErrMiss.
func (c *PageCache) Get(ctx context.Context, urlHash string) (store.Page, error) {
	raw, err := c.client.Get(ctx, c.key(urlHash)).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.PageCacheTotal.WithLabelValues("miss").Inc()
		return store.Page{}, ErrMiss
	}
	if err != nil {
		metrics.PageCacheTotal.WithLabelValues("error").Inc()
		return store.Page{}, fmt.Errorf("get cached page: %w", err)
	}

	var page store.Page
	if err := json.Unmarshal(raw, &page); err != nil {
		return store.Page{}, fmt.Errorf("unmarshal cached page: %w", err)
	}
	metrics.PageCacheTotal.WithLabelValues("hit").Inc()
	return page, nil
}

// Put caches page under its own URL hash.
func (c *PageCache) Put(ctx context.Context, page store.Page) error {
	raw, err := json.Marshal(page)
	if err != nil {
		return fmt.Errorf("marshal cached page: %w", err)
	}
	if err := c.client.Set(ctx, c.key(page.PageURLHash), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache page: %w", err)
	}
	return nil
}

// Invalidate drops the entry for urlHash. Dropping a missing entry is not
// an error.
func (c *PageCache) Invalidate(ctx context.Context, urlHash string) error {
	if err := c.client.Del(ctx, c.key(urlHash)).Err(); err != nil {
		return fmt.Errorf("invalidate cached page: %w", err)
	}
	return nil
}

// Ping checks if Redis is reachable.
func (c *PageCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
