package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/oneidp/oneidp/internal/ratelimit"
)

// RateLimitMiddleware throttles one route bucket by client IP.
// Denied requests get a 429 with Retry-After.
func RateLimitMiddleware(l *ratelimit.Limiter, bucket string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, retryAfter := l.Allow(bucket, getIPAddress(r))
			if !ok {
				seconds := int64((retryAfter + time.Second - 1) / time.Second)
				if seconds < 1 {
					seconds = 1
				}
				w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
				respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
