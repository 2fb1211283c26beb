package auth

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/bittucreator/unosend-sub001/internal/metrics"
	"github.com/bittucreator/unosend-sub001/internal/pkg/httputil"
	"github.com/bittucreator/unosend-sub001/internal/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// fixedWindowScript increments the window counter and sets its TTL on the
// first hit. Returns the count after the increment.
var fixedWindowScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
    redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// RateLimiter is a per-organization fixed-window counter shared by every
// instance through Redis.
type RateLimiter struct {
	redis  *redis.Client
	limit  int
	window time.Duration
	now    func() time.Time
}

// Decision is the outcome of one rate-limit check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// NewRateLimiter allows limit requests per minute per organization.
func NewRateLimiter(client *redis.Client, limit int) *RateLimiter {
	return &RateLimiter{redis: client, limit: limit, window: time.Minute, now: time.Now}
}

// Allow counts one request for orgID.
func (l *RateLimiter) Allow(ctx context.Context, orgID string) (Decision, error) {
	now := l.now()
	bucket := now.Unix() / int64(l.window.Seconds())
	key := fmt.Sprintf("ratelimit:org:%s:%d", orgID, bucket)

	n, err := fixedWindowScript.Run(ctx, l.redis, []string{key}, int(l.window.Seconds())*2).Int()
	if err != nil {
		return Decision{Allowed: true, Limit: l.limit, Remaining: l.limit}, fmt.Errorf("rate limit check: %w", err)
	}

	d := Decision{Allowed: n <= l.limit, Limit: l.limit, Remaining: max(l.limit-n, 0)}
	if !d.Allowed {
		windowEnd := time.Unix((bucket+1)*int64(l.window.Seconds()), 0)
		d.RetryAfter = windowEnd.Sub(now)
	}
	return d, nil
}

// Middleware enforces the limit for authenticated requests. Redis errors
// let the request through.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		orgID := OrgID(r.Context())
		if orgID == "" {
			next.ServeHTTP(w, r)
			return
		}

		d, err := l.Allow(r.Context(), orgID)
		if err != nil {
			logger.Warn("auth: rate limiter unavailable", "org_id", orgID, "error", err)
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		if !d.Allowed {
			metrics.IncRateLimitExceeded()
			w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Round(time.Second).Seconds())))
			httputil.ErrorCode(w, http.StatusTooManyRequests, "rate_limited", "Rate limit exceeded", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
