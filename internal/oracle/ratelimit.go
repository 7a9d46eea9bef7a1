// internal/oracle/ratelimit.go
package oracle

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/xkilldash9x/waypoint-cli/api/schemas"
)

// RateLimited wraps an Oracle with a shared token-bucket limiter so that
// concurrent tasks draw from one request budget instead of each hammering the
// upstream model independently.
type RateLimited struct {
	inner   Oracle
	limiter *rate.Limiter
}

var _ Oracle = (*RateLimited)(nil)

// NewRateLimited builds the wrapper. requestsPerMinute <= 0 disables limiting.
func NewRateLimited(inner Oracle, requestsPerMinute int) *RateLimited {
	var limiter *rate.Limiter
	if requestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), requestsPerMinute)
	}
	return &RateLimited{inner: inner, limiter: limiter}
}

// Decide waits for a token, then delegates. A context cancelled while waiting
// surfaces as the context error, not as oracle unavailability.
func (r *RateLimited) Decide(ctx context.Context, req Request) (schemas.Decision, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return schemas.Decision{}, fmt.Errorf("oracle rate limit wait aborted: %w", err)
		}
	}
	return r.inner.Decide(ctx, req)
}
