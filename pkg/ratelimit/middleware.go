package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/pbmcp/pbmcp/pkg/auth"
	"github.com/pbmcp/pbmcp/pkg/errors"
	"github.com/pbmcp/pbmcp/pkg/logger"
)

// keyPrefixLen is how much of an API key identifies its bucket. Enough to
// separate keys without holding the secret in the bucket name.
const keyPrefixLen = 12

// Limiter admits HTTP requests against a fixed window.
type Limiter struct {
	store  Store
	limit  int
	window time.Duration
}

// NewLimiter builds a limiter over any counter store.
func NewLimiter(store Store, limit int, window time.Duration) *Limiter {
	return &Limiter{store: store, limit: limit, window: window}
}

// Middleware enforces the limit per API key, falling back to the client IP
// for anonymous callers. Admission headers are set on every response.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bucket := bucketFor(r)

		count, resetAt, err := l.store.Incr(r.Context(), bucket, l.window)
		if err != nil {
			// A broken counter store must not take the gateway down.
			logger.Warnf("Rate-limit store failure for %s: %v", bucket, err)
			next.ServeHTTP(w, r)
			return
		}

		remaining := int64(l.limit) - count
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if count > int64(l.limit) {
			retryAfter := int64(time.Until(resetAt).Seconds()) + 1
			w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(errors.ToEnvelope(
				errors.New(errors.CodeRateLimited, "rate limit exceeded")))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bucketFor derives the admission bucket: key:<prefix> for API-key callers,
// ip:<addr> for everyone else.
func bucketFor(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		if len(key) > keyPrefixLen {
			key = key[:keyPrefixLen]
		}
		return "key:" + key
	}
	return "ip:" + auth.ClientIP(r)
}
