package api

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimited spaces out calls to the wrapped Completer.
type RateLimited struct {
	next    Completer
	limiter *rate.Limiter
}

// NewRateLimited wraps c with a token bucket of rps requests per second.
// A non-positive rps returns c unchanged. A burst below 1 is coerced to 1.
func NewRateLimited(c Completer, rps float64, burst int) Completer {
	if rps <= 0 {
		return c
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{next: c, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Complete waits for a token, then calls the wrapped Completer.
func (r *RateLimited) Complete(ctx context.Context, req Request) (Completion, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return Completion{}, fmt.Errorf("rate limit wait: %w", err)
	}
	return r.next.Complete(ctx, req)
}
