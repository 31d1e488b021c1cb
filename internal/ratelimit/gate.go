package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/maheshrc27/postflow/internal/apperrors"
)

const DefaultWindow = time.Hour

type Budget struct {
	Limit  int64
	Window time.Duration
}

// Gate applies per-platform budgets on top of a Counter. Platforms without a
// positive limit are never throttled.
type Gate struct {
	counter Counter
	budgets map[string]Budget
}

func NewGate(counter Counter, budgets map[string]Budget) *Gate {
	b := make(map[string]Budget, len(budgets))
	for slug, budget := range budgets {
		if budget.Window <= 0 {
			budget.Window = DefaultWindow
		}
		b[slug] = budget
	}
	return &Gate{counter: counter, budgets: b}
}

func key(platform string) string {
	return "ratelimit:" + platform
}

// Check fails with RateLimitError when the platform's budget is already
// spent. It does not consume budget.
func (g *Gate) Check(ctx context.Context, platform string) error {
	budget, ok := g.budgets[platform]
	if !ok || budget.Limit <= 0 {
		return nil
	}
	n, ttl, err := g.counter.Peek(ctx, key(platform))
	if err != nil {
		return fmt.Errorf("reading rate counter for %s: %w", platform, err)
	}
	if n >= budget.Limit {
		return &apperrors.RateLimitError{Platform: platform, RetryAfter: ttl}
	}
	return nil
}

// Acquire consumes one call from the platform's budget, failing fast with a
// RateLimitError carrying the time left in the window.
func (g *Gate) Acquire(ctx context.Context, platform string) error {
	budget, ok := g.budgets[platform]
	if !ok || budget.Limit <= 0 {
		return nil
	}
	n, ttl, err := g.counter.Incr(ctx, key(platform), budget.Window)
	if err != nil {
		return fmt.Errorf("incrementing rate counter for %s: %w", platform, err)
	}
	if n > budget.Limit {
		return &apperrors.RateLimitError{Platform: platform, RetryAfter: ttl}
	}
	return nil
}
