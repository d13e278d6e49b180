package cache

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/taphoa39/taphoa-backend/pkg/logger"
)

// fetchTimeout bounds a shared fetch once it no longer follows any caller.
const fetchTimeout = 30 * time.Second

// Loader fronts a Cache with a singleflight group so concurrent misses on the
// same key trigger one fetch.
type Loader struct {
	cache Cache
	logg  *logger.Logger
	group singleflight.Group
}

func NewLoader(c Cache, logg *logger.Logger) *Loader {
	if logg == nil {
		logg = logger.Nop()
	}
	return &Loader{cache: c, logg: logg}
}

// Cache exposes the backing cache for invalidation.
func (l *Loader) Cache() Cache {
	return l.cache
}

// Invalidate drops keys and logs failures. Invalidation never fails a write.
func (l *Loader) Invalidate(ctx context.Context, keys ...string) {
	if l == nil || l.cache == nil || len(keys) == 0 {
		return
	}
	if err := l.cache.Invalidate(ctx, keys...); err != nil {
		l.logg.Error(l.logg.WithField(ctx, "cache_keys", keys), "cache invalidation failed", err)
	}
}

// Fetch returns the cached value for key or runs fetch once and caches it.
// Cache backend failures degrade to a direct fetch.
func Fetch[T any](ctx context.Context, l *Loader, key string, ttl time.Duration, fetch func(context.Context) (T, error)) (T, error) {
	var cached T
	if l == nil || l.cache == nil {
		return fetch(ctx)
	}
	found, err := l.cache.Get(ctx, key, &cached)
	if err != nil {
		l.logg.Warn(l.logg.WithField(ctx, "cache_key", key), "cache read failed: "+err.Error())
	}
	if found {
		return cached, nil
	}

	ch := l.group.DoChan(key, func() (any, error) {
		// Detached so one caller giving up does not fail the others waiting on
		// the same key.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()
		value, err := fetch(fctx)
		if err != nil {
			return value, err
		}
		if setErr := l.cache.Set(fctx, key, value, ttl); setErr != nil {
			l.logg.Warn(l.logg.WithField(ctx, "cache_key", key), "cache write failed: "+setErr.Error())
		}
		return value, nil
	})
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			var zero T
			return zero, res.Err
		}
		value := res.Val.(T)
		if res.Shared {
			return copyShared(ctx, l, key, value), nil
		}
		return value, nil
	}
}

// copyShared gives each caller of a shared fetch its own value, decoded the same
// way a cache hit is.
func copyShared[T any](ctx context.Context, l *Loader, key string, value T) T {
	raw, err := json.Marshal(value)
	if err != nil {
		l.logg.Warn(l.logg.WithField(ctx, "cache_key", key), "copy shared value failed: "+err.Error())
		return value
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		l.logg.Warn(l.logg.WithField(ctx, "cache_key", key), "copy shared value failed: "+err.Error())
		return value
	}
	return out
}
