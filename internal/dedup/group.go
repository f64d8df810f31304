// Package dedup collapses identical backend operations. Concurrent callers
// on one instance share a single call; mutations additionally hold a Redis
// marker so a second gateway instance cannot run the same mutation twice.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-gateway/internal/config"
	"golang.org/x/sync/singleflight"
)

// ErrInFlight is returned when another instance holds the marker for the
// same mutation.
var ErrInFlight = errors.New("operation already in flight")

// DefaultLockTTL bounds how long a crashed instance can block a mutation.
const DefaultLockTTL = 30 * time.Second

// releaseScript deletes the marker only if we still own it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Options configure a Group. Redis may be nil for single-instance use.
type Options struct {
	Redis   redis.UniversalClient
	LockTTL time.Duration
	Logger  zerolog.Logger
	Now     func() time.Time
}

type entry struct {
	val any
	at  time.Time
}

// Group is safe for concurrent use.
type Group struct {
	sf      singleflight.Group
	rdb     redis.UniversalClient
	lockTTL time.Duration
	now     func() time.Time
	log     zerolog.Logger

	mu    sync.Mutex
	cache map[string]entry
}

// New creates a Group.
func New(opts Options) *Group {
	ttl := opts.LockTTL
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Group{
		rdb:     opts.Redis,
		lockTTL: ttl,
		now:     now,
		log:     opts.Logger.With().Str("component", "dedup").Logger(),
		cache:   make(map[string]entry),
	}
}

// Query runs a read. Concurrent callers with the same key share one call and
// a successful result is reused for staleTime.
func Query[T any](ctx context.Context, g *Group, key string, staleTime time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if v, ok := g.cached(key, staleTime); ok {
		return v.(T), nil
	}

	v, err, _ := g.sf.Do("q:"+key, func() (any, error) {
		res, err := fn(ctx)
		if err != nil {
			return res, err
		}
		if staleTime > 0 {
			g.mu.Lock()
			g.cache[key] = entry{val: res, at: g.now()}
			g.mu.Unlock()
		}
		return res, nil
	})
	return typed[T](v, err)
}

// Mutate runs a write at most once at a time per key across all instances
// sharing the Redis server. Results are never cached.
func Mutate[T any](ctx context.Context, g *Group, key string, fn func(context.Context) (T, error)) (T, error) {
	v, err, shared := g.sf.Do("m:"+key, func() (any, error) {
		release, err := g.acquire(ctx, key)
		if err != nil {
			var zero T
			return zero, err
		}
		defer release()
		return fn(ctx)
	})
	if shared {
		g.log.Debug().Str("key", key).Msg("Joined in-flight mutation")
	}
	return typed[T](v, err)
}

// Forget drops the cached result for key so the next Query calls through.
func (g *Group) Forget(key string) {
	g.mu.Lock()
	delete(g.cache, key)
	g.mu.Unlock()
	g.sf.Forget("q:" + key)
}

func (g *Group) cached(key string, staleTime time.Duration) (any, bool) {
	if staleTime <= 0 {
		return nil, false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.cache[key]
	if !ok {
		return nil, false
	}
	if g.now().Sub(e.at) >= staleTime {
		delete(g.cache, key)
		return nil, false
	}
	return e.val, true
}

func (g *Group) acquire(ctx context.Context, key string) (func(), error) {
	if g.rdb == nil {
		return func() {}, nil
	}

	marker := config.CacheKey.DedupInFlightKey(key)
	token := uuid.NewString()
	ok, err := g.rdb.SetNX(ctx, marker, token, g.lockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire in-flight marker: %w", err)
	}
	if !ok {
		return nil, ErrInFlight
	}

	return func() {
		// The caller's context may already be done; release regardless.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, g.rdb, []string{marker}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			g.log.Warn().Err(err).Str("key", key).Msg("Failed to release in-flight marker")
		}
	}, nil
}

func typed[T any](v any, err error) (T, error) {
	var zero T
	if v == nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("dedup: unexpected result type %T", v)
	}
	return t, err
}
