package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"tasklist-api/domain"
)

const (
	listCacheKey  = "tasks:list"
	countCacheKey = "tasks:count"
	// epochKey is bumped by every eviction; cached views are stored under the
	// epoch that was current when their read began.
	epochKey = "tasks:epoch"

	loadTimeout = 10 * time.Second
)

type backend interface {
	domain.TaskReader
	domain.TaskWriter
}

// Cache wraps a task store with a Redis read-through cache for List and
// Count. Redis failures are never surfaced; reads fall back to the backend.
type Cache struct {
	base  backend
	redis *redis.Client
	ttl   time.Duration
	group singleflight.Group
	// local counts evictions seen by this process and keys in-flight loads.
	local atomic.Uint64
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
// A nil client or zero TTL disables caching.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) List(ctx context.Context) ([]domain.Task, error) {
	return readThrough(ctx, c, listCacheKey, c.base.List)
}

func (c *Cache) Count(ctx context.Context) (int, error) {
	return readThrough(ctx, c, countCacheKey, c.base.Count)
}

// readThrough serves name from the cache or loads it once for all concurrent
// callers. The load runs detached from the first caller's context, and a
// value loaded before an eviction is stored under the superseded epoch where
// no later read looks for it.
func readThrough[T any](ctx context.Context, c *Cache, name string, fetch func(context.Context) (T, error)) (T, error) {
	var zero T
	key, cacheable := c.currentKey(ctx, name)
	if cacheable {
		var v T
		if c.load(ctx, key, &v) {
			return v, nil
		}
	}

	flight := fmt.Sprintf("%s@%d", key, c.local.Load())
	ch := c.group.DoChan(flight, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		v, err := fetch(lctx)
		if err != nil {
			return nil, err
		}
		if cacheable {
			c.store(lctx, key, v)
		}
		return v, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func epochCacheKey(name string, epoch int64) string {
	return name + ":" + strconv.FormatInt(epoch, 10)
}

// currentKey resolves name under the current epoch. It reports false when
// caching is off or the epoch cannot be read.
func (c *Cache) currentKey(ctx context.Context, name string) (string, bool) {
	if c.redis == nil || c.ttl == 0 {
		return name, false
	}
	epoch, err := c.redis.Get(ctx, epochKey).Int64()
	switch {
	case errors.Is(err, redis.Nil):
		epoch = 0
	case err != nil:
		return name, false
	}
	return epochCacheKey(name, epoch), true
}

func (c *Cache) Search(ctx context.Context, term string) ([]domain.Task, error) {
	return c.base.Search(ctx, term)
}

func (c *Cache) Get(ctx context.Context, id int64) (domain.Task, error) {
	return c.base.Get(ctx, id)
}

func (c *Cache) UpdateFields(ctx context.Context, id int64, fields domain.TaskFields) error {
	if err := c.base.UpdateFields(ctx, id, fields); err != nil {
		return err
	}
	c.Evict(ctx)
	return nil
}

// Evict drops every cached view. It is registered as the order manager's
// change hook.
func (c *Cache) Evict(ctx context.Context) {
	c.local.Add(1)
	if c.redis == nil {
		return
	}
	epoch, err := c.redis.Incr(ctx, epochKey).Result()
	if err != nil {
		log.WithError(err).Warn("evict task cache")
		return
	}
	prev := epoch - 1
	if err := c.redis.Del(ctx, epochCacheKey(listCacheKey, prev), epochCacheKey(countCacheKey, prev)).Err(); err != nil {
		log.WithError(err).Warn("drop superseded task cache")
	}
}

func (c *Cache) load(ctx context.Context, key string, dst any) bool {
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, key).Err()
		}
		return false
	}
	if err := sonic.Unmarshal(data, dst); err != nil {
		_ = c.redis.Del(ctx, key).Err()
		return false
	}
	return true
}

func (c *Cache) store(ctx context.Context, key string, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, key, data, c.ttl).Err()
}
