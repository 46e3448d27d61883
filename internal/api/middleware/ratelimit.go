package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/hashgate-io/hashgate/internal/api/response"
	"github.com/hashgate-io/hashgate/internal/metrics"
	"github.com/hashgate-io/hashgate/internal/ratelimit"
)

// RateLimit throttles authenticated requests per key and endpoint.
type RateLimit struct {
	limiter *ratelimit.Limiter
}

// NewRateLimit creates the RateLimit middleware.
func NewRateLimit(l *ratelimit.Limiter) *RateLimit {
	return &RateLimit{limiter: l}
}

// Limit enforces the key's rate limit (or the instance default) against
// the authenticated identity. Requests without an identity pass through:
// public routes are not metered here.
func (rl *RateLimit) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := GetIdentity(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		res, err := rl.limiter.AllowLimit(r.Context(), id.KeyID.String(), r.URL.Path, id.RateLimit)
		if err != nil {
			// Fail closed: the limiter store is down and the policy says
			// deny rather than run unmetered.
			response.Error(w, http.StatusServiceUnavailable,
				"RATE_LIMIT_UNAVAILABLE", "Rate limiting is temporarily unavailable", nil)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

		if !res.Allowed {
			metrics.RateLimitRejections.Inc()
			metrics.AuthAttempts.WithLabelValues("rate_limited").Inc()
			retryAfter := int64(time.Until(res.ResetAt).Seconds()) + 1
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
			response.Error(w, http.StatusTooManyRequests,
				"RATE_LIMIT_EXCEEDED", "Too many requests", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}
