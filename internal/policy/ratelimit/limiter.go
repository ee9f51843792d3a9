// Package ratelimit paces a job's calls to the extraction capability using the
// job's configured request rate.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/scrape-orchestrator/internal/job"
	"github.com/JakeFAU/scrape-orchestrator/internal/metrics"
)

// Limiter is a token bucket for one job.
type Limiter struct {
	limiter *rate.Limiter
	site    string
}

// ForJob builds a Limiter from the job's rate limit. A zero rate disables
// pacing. site labels the wait-time metric.
func ForJob(rl job.RateLimit, site string) *Limiter {
	limit := rate.Inf
	if interval := rl.Interval(); interval > 0 {
		limit = rate.Every(interval)
	}
	return &Limiter{limiter: rate.NewLimiter(limit, 1), site: metrics.SanitizeSite(site)}
}

// Wait blocks until the next unit may run or ctx ends.
func (l *Limiter) Wait(ctx context.Context) error {
	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(l.site, waited)
	}
	return nil
}
