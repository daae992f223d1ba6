// Package cache keeps search responses in Redis. Identical concurrent
// requests are collapsed into one computation.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/spigell/posting-matcher/internal/logger"
	"github.com/spigell/posting-matcher/internal/metrics"
)

const defaultPrefix = "posting-matcher:search:"

type Options struct {
	TTL     time.Duration
	Prefix  string
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Cache stores JSON-encoded values of type T. A nil *Cache computes every
// request.
type Cache[T any] struct {
	kv      KV
	ttl     time.Duration
	prefix  string
	group   singleflight.Group
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func New[T any](kv KV, opts Options) *Cache[T] {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Cache[T]{
		kv:      kv,
		ttl:     opts.TTL,
		prefix:  prefix,
		metrics: opts.Metrics,
		logger:  logger.ForComponent(opts.Logger, "cache"),
	}
}

// Key hashes the parts, as given, into a cache key. Values cached under it may
// echo the parts back, so parts differing only in case get distinct keys.
func (c *Cache[T]) Key(parts ...string) string {
	prefix := defaultPrefix
	if c != nil {
		prefix = c.prefix
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return fmt.Sprintf("%s%x", prefix, hash[:16])
}

func (c *Cache[T]) Get(ctx context.Context, key string) (*T, bool) {
	data, err := c.kv.Get(ctx, key)
	if err != nil {
		if !IsMiss(err) {
			c.logger.Error("cache get failed", zap.String("key", key), zap.Error(err))
		}
		c.metrics.CacheMiss()
		return nil, false
	}

	var value T
	if err := json.Unmarshal([]byte(data), &value); err != nil {
		c.logger.Error("cache unmarshal failed", zap.String("key", key), zap.Error(err))
		c.metrics.CacheMiss()
		return nil, false
	}

	c.metrics.CacheHit()
	c.logger.Debug("cache hit", zap.String("key", key))
	return &value, true
}

func (c *Cache[T]) Set(ctx context.Context, key string, value *T) {
	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Error("cache marshal failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.kv.Set(ctx, key, data, c.ttl); err != nil {
		c.logger.Error("cache set failed", zap.String("key", key), zap.Error(err))
	}
}

// GetOrCompute returns the cached value or computes, stores and returns it.
// The boolean reports a cache hit. Errors from compute are not cached.
func (c *Cache[T]) GetOrCompute(ctx context.Context, key string, compute func() (*T, error)) (*T, bool, error) {
	if c == nil {
		v, err := compute()
		return v, false, err
	}

	if value, ok := c.Get(ctx, key); ok {
		return value, true, nil
	}

	val, err, _ := c.group.Do(key, func() (any, error) {
		if value, ok := c.Get(ctx, key); ok {
			return value, nil
		}
		value, err := compute()
		if err != nil {
			return nil, err
		}
		c.Set(ctx, key, value)
		return value, nil
	})
	if err != nil {
		return nil, false, err
	}
	return val.(*T), false, nil
}

// Invalidate drops every key under the cache prefix.
func (c *Cache[T]) Invalidate(ctx context.Context) error {
	if c == nil {
		return nil
	}

	deleted, err := c.kv.FlushByPattern(ctx, c.prefix+"*")
	if err != nil {
		return fmt.Errorf("invalidating cache: %w", err)
	}
	c.logger.Info("cache invalidated", zap.Int64("keys_deleted", deleted))
	return nil
}

// Ping checks the backing store.
func (c *Cache[T]) Ping(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.kv.Ping(ctx)
}

func (c *Cache[T]) Close() error {
	if c == nil {
		return nil
	}
	return c.kv.Close()
}
