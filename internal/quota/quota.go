// Package quota limits how many analyses a tenant may run per window.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/muleguard/internal/domain"
)

// ErrQuotaExceeded is returned once a tenant has used its allowance for the window.
var ErrQuotaExceeded = errors.New("analysis quota exceeded")

const counterKey = "quota:analyses"

// Limiter counts analyses per tenant using cache counters, so the limit holds
// across nodes when the cache is Redis-backed.
type Limiter struct {
	cache  domain.Cache
	limit  int64
	window time.Duration
}

// NewLimiter creates a limiter. A limit of zero or less disables it.
func NewLimiter(cache domain.Cache, limit int64, window time.Duration) *Limiter {
	if window <= 0 {
		window = time.Hour
	}
	return &Limiter{cache: cache, limit: limit, window: window}
}

// Enabled reports whether the limiter enforces anything.
func (l *Limiter) Enabled() bool {
	return l != nil && l.cache != nil && l.limit > 0
}

// Allow records one analysis for the tenant and returns ErrQuotaExceeded if it
// goes over the limit.
func (l *Limiter) Allow(ctx context.Context, tenantID string) error {
	if !l.Enabled() {
		return nil
	}
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	n, err := l.cache.IncrementCounter(ctx, tenantID, counterKey, l.window)
	if err != nil {
		return fmt.Errorf("failed to increment quota counter: %w", err)
	}
	if n > l.limit {
		return fmt.Errorf("%w: %d of %d in %s", ErrQuotaExceeded, n, l.limit, l.window)
	}
	return nil
}
