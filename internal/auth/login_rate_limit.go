package auth

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"account-service/internal/apperr"
	"account-service/internal/httpx"
	"account-service/internal/observability"
)

// hitCounter records one login attempt for key and reports whether it is
// still within the window's budget.
type hitCounter interface {
	allow(ctx context.Context, key string, now time.Time) (bool, time.Duration, error)
}

type LoginRateLimiter struct {
	counter hitCounter
	logger  *observability.Logger
}

// NewLoginRateLimiter keeps hits in process memory; fine for a single instance.
func NewLoginRateLimiter(maxHits int, window time.Duration, logger *observability.Logger) *LoginRateLimiter {
	maxHits, window = limiterDefaults(maxHits, window)
	return &LoginRateLimiter{
		counter: &memoryCounter{
			maxHits:   maxHits,
			window:    window,
			hitByIP:   make(map[string][]time.Time),
			maxMemory: 5000,
		},
		logger: logger,
	}
}

// NewRedisLoginRateLimiter shares the budget across instances through redis.
func NewRedisLoginRateLimiter(client *redis.Client, maxHits int, window time.Duration, logger *observability.Logger) *LoginRateLimiter {
	maxHits, window = limiterDefaults(maxHits, window)
	return &LoginRateLimiter{
		counter: &redisCounter{client: client, maxHits: maxHits, window: window, prefix: "login_rl:"},
		logger:  logger,
	}
}

func limiterDefaults(maxHits int, window time.Duration) (int, time.Duration) {
	if maxHits <= 0 {
		maxHits = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	return maxHits, window
}

func (l *LoginRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := observability.ClientIP(r)

		allowed, retryAfter, err := l.counter.allow(r.Context(), ip, time.Now().UTC())
		if err != nil {
			// Limiter errors fail open.
			l.logger.Warn("login_rate_limit_unavailable", map[string]any{"error": err.Error()})
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
			httpx.Fail(w, r, l.logger, apperr.TooManyRequests("too many login attempts"))
			return
		}

		next.ServeHTTP(w, r)
	})
}

type memoryCounter struct {
	mu        sync.Mutex
	maxHits   int
	window    time.Duration
	hitByIP   map[string][]time.Time
	maxMemory int
}

func (c *memoryCounter) allow(_ context.Context, ip string, now time.Time) (bool, time.Duration, error) {
	threshold := now.Add(-c.window)

	c.mu.Lock()
	defer c.mu.Unlock()

	hits := c.hitByIP[ip]
	filtered := make([]time.Time, 0, len(hits)+1)
	for _, hit := range hits {
		if hit.After(threshold) {
			filtered = append(filtered, hit)
		}
	}

	if len(filtered) >= c.maxHits {
		retryAfter := filtered[0].Add(c.window).Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		c.hitByIP[ip] = filtered
		return false, retryAfter, nil
	}

	filtered = append(filtered, now)
	c.hitByIP[ip] = filtered

	if len(c.hitByIP) > c.maxMemory {
		for key, value := range c.hitByIP {
			if len(value) == 0 || value[len(value)-1].Before(threshold) {
				delete(c.hitByIP, key)
			}
		}
	}

	return true, 0, nil
}

// redisCounter is a fixed window: the first hit creates the key with the
// window as TTL, later hits only increment it.
type redisCounter struct {
	client  *redis.Client
	maxHits int
	window  time.Duration
	prefix  string
}

func (c *redisCounter) allow(ctx context.Context, ip string, _ time.Time) (bool, time.Duration, error) {
	key := c.prefix + ip

	hits, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("incr login hits: %w", err)
	}
	if hits == 1 {
		if err := c.client.PExpire(ctx, key, c.window).Err(); err != nil {
			return false, 0, fmt.Errorf("expire login hits: %w", err)
		}
	}
	if hits <= int64(c.maxHits) {
		return true, 0, nil
	}

	retryAfter, err := c.client.PTTL(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ttl login hits: %w", err)
	}
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return false, retryAfter, nil
}
