package quota

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/fruitsalade/deskfs/internal/logging"
	"github.com/fruitsalade/deskfs/internal/metrics"
)

// OwnerFromContext extracts the authenticated owner from a request context.
type OwnerFromContext func(ctx context.Context) (owner string, ok bool)

type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// RateLimitMiddleware returns middleware that enforces per-owner rate
// limits. Requests without an owner pass through.
func RateLimitMiddleware(limiter *RateLimiter, getOwner OwnerFromContext) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !limiter.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			owner, ok := getOwner(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			if !limiter.Allow(owner) {
				metrics.RecordRateLimitHit()
				logging.WithContext(r.Context()).Debug("rate limited", logging.Owner(owner))
				w.Header().Set("Retry-After", strconv.Itoa(limiter.RetryAfter(owner)))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(errorResponse{
					Error: "rate limit exceeded",
					Code:  http.StatusTooManyRequests,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
