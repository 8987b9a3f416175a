package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"memberfund.org/internal/obs"
)

// Limiter decides whether key may make another request. retryAfter is a hint
// for rejected calls.
type Limiter interface {
	Allow(ctx context.Context, key string) (ok bool, retryAfter time.Duration, err error)
}

// MemoryLimiter is a per-key token bucket held in process memory.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	now     func() time.Time
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewMemoryLimiter allows perSecond sustained requests with the given burst.
func NewMemoryLimiter(perSecond float64, burst int) *MemoryLimiter {
	return &MemoryLimiter{
		buckets: make(map[string]*bucket),
		limit:   rate.Limit(perSecond),
		burst:   burst,
		ttl:     5 * time.Minute,
		now:     time.Now,
	}
}

func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(m.limit, m.burst)}
		m.buckets[key] = b
	}
	b.seen = now
	if b.lim.AllowN(now, 1) {
		return true, 0, nil
	}
	retry := time.Second
	if m.limit > 0 {
		retry = time.Duration(float64(time.Second) / float64(m.limit))
	}
	return false, retry, nil
}

// Sweep drops buckets idle longer than the TTL.
func (m *MemoryLimiter) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for k, b := range m.buckets {
		if now.Sub(b.seen) > m.ttl {
			delete(m.buckets, k)
		}
	}
}

// Run sweeps every interval until ctx is done.
func (m *MemoryLimiter) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Sweep()
		}
	}
}

// RedisLimiter is a fixed-window counter shared by every API instance.
type RedisLimiter struct {
	rdb    redis.Cmdable
	limit  int
	window time.Duration
	prefix string
}

// NewRedisLimiter allows limit requests per window per key.
func NewRedisLimiter(rdb redis.Cmdable, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, limit: limit, window: window, prefix: "memberfund:rl"}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	k := l.prefix + ":" + key
	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.ExpireNX(ctx, k, l.window)
	ttl := pipe.PTTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, err
	}
	if incr.Val() > int64(l.limit) {
		retry := ttl.Val()
		if retry <= 0 {
			retry = l.window
		}
		return false, retry, nil
	}
	return true, 0, nil
}

// rateLimit throttles a route group. Limiter errors fail open.
func (a *API) rateLimit(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if a.limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, retry, err := a.limiter.Allow(r.Context(), scope+":"+clientKey(r))
			if err != nil {
				obs.Logger().Warn("rate limiter unavailable", zap.String("scope", scope), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			if !ok {
				secs := int(retry.Round(time.Second) / time.Second)
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
