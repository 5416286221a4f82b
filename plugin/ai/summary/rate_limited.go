package summary

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/hrygo/sessioncache/plugin/ai/session"
)

// RateLimited throttles calls to a Summarizer across all sessions.
type RateLimited struct {
	next    session.Summarizer
	limiter *rate.Limiter
}

var _ session.Summarizer = (*RateLimited)(nil)

// NewRateLimited wraps next with a token bucket of rps and burst. A
// non-positive rps disables throttling and returns next unchanged.
func NewRateLimited(next session.Summarizer, rps float64, burst int) session.Summarizer {
	if rps <= 0 {
		return next
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Summarize waits for a token, then delegates. Waiting honors ctx, so the
// compaction timeout also bounds time spent queued here.
func (r *RateLimited) Summarize(ctx context.Context, older []session.Turn, prior *session.Turn) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("summary rate limit: %w", err)
	}
	return r.next.Summarize(ctx, older, prior)
}
