package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const keyPrefix = "backoffice:list"

// ListCache stores list pages in Redis under a per-scope version. Bumping a
// scope orphans every page cached for it; orphans expire with the TTL.
// Concurrent misses for the same key share one loader call.
type ListCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
	group  singleflight.Group
}

// NewListCache instantiates the cache. A nil client disables caching but
// keeps loader deduplication.
func NewListCache(client *redis.Client, ttl time.Duration, logger *slog.Logger) *ListCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &ListCache{client: client, ttl: ttl, logger: logger}
}

func versionKey(scope string) string {
	return fmt.Sprintf("%s:%s:version", keyPrefix, scope)
}

// Version returns the current version of scope, zero when never bumped.
func (c *ListCache) Version(ctx context.Context, scope string) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	ver, err := c.client.Get(ctx, versionKey(scope)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return ver, err
}

// FetchJSON decodes the cached page for key into dest, calling loader and
// caching its result on a miss. Redis failures degrade to the loader.
func (c *ListCache) FetchJSON(ctx context.Context, scope, key string, dest any, loader func(context.Context) (any, error)) error {
	if loader == nil {
		return errors.New("cache: loader required")
	}
	ver, err := c.Version(ctx, scope)
	if err != nil {
		c.warn("cache version lookup failed", scope, err)
	}
	fullKey := fmt.Sprintf("%s:%s:%d:%s", keyPrefix, scope, ver, key)

	if c != nil && c.client != nil && err == nil {
		payload, getErr := c.client.Get(ctx, fullKey).Bytes()
		if getErr == nil {
			return json.Unmarshal(payload, dest)
		}
		if !errors.Is(getErr, redis.Nil) {
			c.warn("cache read failed", scope, getErr)
		}
	}

	raw, err := c.load(ctx, fullKey, loader)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}

func (c *ListCache) load(ctx context.Context, fullKey string, loader func(context.Context) (any, error)) ([]byte, error) {
	if c == nil {
		return c.fill(ctx, fullKey, loader)
	}
	// The shared call serves every waiter, so the first caller going away
	// must not cancel it.
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(fullKey, func() (any, error) {
		return c.fill(detached, fullKey, loader)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

func (c *ListCache) fill(ctx context.Context, fullKey string, loader func(context.Context) (any, error)) ([]byte, error) {
	value, err := loader(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	if c != nil && c.client != nil {
		if err := c.client.Set(ctx, fullKey, raw, c.ttl).Err(); err != nil {
			c.warn("cache write failed", fullKey, err)
		}
	}
	return raw, nil
}

// Bump invalidates every page cached for scope. Until a failed bump is
// retried, readers may be served pages cached before the change.
func (c *ListCache) Bump(ctx context.Context, scope string) error {
	if c == nil || c.client == nil {
		return nil
	}
	if err := c.client.Incr(ctx, versionKey(scope)).Err(); err != nil {
		return fmt.Errorf("cache: bump %s: %w", scope, err)
	}
	return nil
}

func (c *ListCache) warn(msg, scope string, err error) {
	if c != nil && c.logger != nil {
		c.logger.Warn(msg, slog.String("scope", scope), slog.Any("error", err))
	}
}
