// Package cache provides the read-through caches used by the entity and model services.
//
// Values are stored JSON-encoded so every backend hands out independent copies.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/fentz26/contextmem/internal/config"
	"github.com/fentz26/contextmem/internal/logger"
	"golang.org/x/sync/singleflight"
)

// Cache is a key/value store of JSON-encoded values.
type Cache interface {
	// Get decodes the value for key into dst and reports whether it was present.
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, v any) error
	Delete(ctx context.Context, keys ...string) error
	// DeletePrefix drops every key starting with prefix.
	DeletePrefix(ctx context.Context, prefix string) error
	Close() error
}

// New builds the backend selected by cfg.
func New(cfg config.CacheConfig, log *logger.Logger) (Cache, error) {
	switch cfg.Backend {
	case config.CacheLocal, "":
		return NewLocal(cfg.TTL, cfg.MaxEntries), nil
	case config.CacheRedis:
		return NewRedis(cfg.RedisAddr, cfg.RedisDB, cfg.TTL, log)
	case config.CacheNone:
		return None{}, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

// Reader collapses concurrent loads of the same key and fills the cache on miss.
//
// A load that overlaps an invalidation of its key does not fill the cache, so a
// snapshot read before a write can never replace the write's effect.
type Reader struct {
	cache Cache
	group singleflight.Group
	log   *logger.Logger

	// mu orders fills against invalidations.
	mu       sync.Mutex
	inflight map[string]*pendingLoad
}

type pendingLoad struct {
	stale bool
}

// NewReader wraps c. Cache errors are logged and treated as misses.
func NewReader(c Cache, log *logger.Logger) *Reader {
	if c == nil {
		c = None{}
	}
	return &Reader{cache: c, log: log, inflight: make(map[string]*pendingLoad)}
}

// Invalidate drops keys from the cache and marks in-flight loads of them stale.
// Failures are logged only.
func (r *Reader) Invalidate(ctx context.Context, keys ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range keys {
		if l, ok := r.inflight[k]; ok {
			l.stale = true
			r.group.Forget(k)
		}
	}
	if err := r.cache.Delete(ctx, keys...); err != nil {
		r.log.Warn("cache invalidate failed", "keys", keys, "error", err)
	}
}

// InvalidatePrefix drops every key under prefix. Failures are logged only.
func (r *Reader) InvalidatePrefix(ctx context.Context, prefix string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, l := range r.inflight {
		if strings.HasPrefix(k, prefix) {
			l.stale = true
			r.group.Forget(k)
		}
	}
	if err := r.cache.DeletePrefix(ctx, prefix); err != nil {
		r.log.Warn("cache invalidate failed", "prefix", prefix, "error", err)
	}
}

func (r *Reader) begin(key string) *pendingLoad {
	l := &pendingLoad{}
	r.mu.Lock()
	r.inflight[key] = l
	r.mu.Unlock()
	return l
}

// fill caches v unless key was invalidated since begin.
func (r *Reader) fill(ctx context.Context, key string, l *pendingLoad, v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight[key] == l {
		delete(r.inflight, key)
	}
	if l.stale {
		return
	}
	if err := r.cache.Set(ctx, key, v); err != nil {
		r.log.Warn("cache set failed", "key", key, "error", err)
	}
}

func (r *Reader) abandon(key string, l *pendingLoad) {
	r.mu.Lock()
	if r.inflight[key] == l {
		delete(r.inflight, key)
	}
	r.mu.Unlock()
}

// ReadThrough returns the cached value for key or calls load, caching its result.
func ReadThrough[T any](ctx context.Context, r *Reader, key string, load func(context.Context) (*T, error)) (*T, error) {
	var cached T
	hit, err := r.cache.Get(ctx, key, &cached)
	if err != nil {
		r.log.Warn("cache get failed", "key", key, "error", err)
	}
	if hit {
		return &cached, nil
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		l := r.begin(key)
		loaded, err := load(ctx)
		if err != nil {
			r.abandon(key, l)
			return nil, err
		}
		r.fill(ctx, key, l, loaded)
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}

	// Shared results are re-decoded so concurrent callers never alias one value.
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("copy cached value: %w", err)
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("copy cached value: %w", err)
	}
	return out, nil
}

// None is the cache-free read path.
type None struct{}

func (None) Get(context.Context, string, any) (bool, error) { return false, nil }
func (None) Set(context.Context, string, any) error         { return nil }
func (None) Delete(context.Context, ...string) error        { return nil }
func (None) DeletePrefix(context.Context, string) error     { return nil }
func (None) Close() error                                   { return nil }
