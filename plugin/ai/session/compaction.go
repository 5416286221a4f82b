package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
)

// Compactor decides when a session must be condensed and produces the summary.
type Compactor struct {
	summarizer Summarizer
	threshold  float64
	ceiling    float64
	keepTurns  int
	timeout    time.Duration
	sem        *semaphore.Weighted
	logger     *slog.Logger
}

// NewCompactor creates a Compactor from a validated config.
func NewCompactor(cfg Config, summarizer Summarizer, logger *slog.Logger) *Compactor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compactor{
		summarizer: summarizer,
		threshold:  cfg.ThresholdFraction,
		ceiling:    cfg.HardCeilingMultiplier,
		keepTurns:  cfg.keepTurns(),
		timeout:    cfg.SummarizeTimeout,
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrentCompactions)),
		logger:     logger,
	}
}

// Budget returns the token count compaction aims to stay under.
func (c *Compactor) Budget(limit int) int {
	return int(c.threshold * float64(limit))
}

// NeedsCompaction reports whether aggregate crosses the threshold of limit.
func (c *Compactor) NeedsCompaction(aggregate, limit int) bool {
	return float64(aggregate) > c.threshold*float64(limit)
}

// OverCeiling reports whether aggregate exceeds the hard ceiling of limit.
func (c *Compactor) OverCeiling(aggregate, limit int) bool {
	return float64(aggregate) > c.ceiling*float64(limit)
}

// Partition splits turns into the older prefix to summarize and the recent
// suffix kept verbatim. Both share the backing array of turns.
func (c *Compactor) Partition(turns []Turn) (older, recent []Turn) {
	if len(turns) <= c.keepTurns {
		return nil, turns
	}
	cut := len(turns) - c.keepTurns
	return turns[:cut], turns[cut:]
}

// Summarize runs the summarizer under the concurrency bound and timeout and
// returns the new summary turn. Any failure wraps ErrSummarizationFailed.
func (c *Compactor) Summarize(ctx context.Context, older []Turn, prior *Turn) (Turn, error) {
	if c.summarizer == nil {
		return Turn{}, fmt.Errorf("%w: no summarizer configured", ErrSummarizationFailed)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return Turn{}, fmt.Errorf("%w: waiting for compaction slot: %w", ErrSummarizationFailed, err)
	}
	defer c.sem.Release(1)

	text, err := c.summarizer.Summarize(ctx, older, prior)
	if err != nil {
		return Turn{}, fmt.Errorf("%w: %w", ErrSummarizationFailed, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Turn{}, fmt.Errorf("%w: empty summary", ErrSummarizationFailed)
	}
	return NewTurn(RoleSystem, text), nil
}

// FallbackDrop returns how many of the oldest turns to drop when summarization
// failed. Nothing is dropped unless aggregate exceeds the hard ceiling; then
// turns from the older prefix go until aggregate is back within the threshold
// or the prefix is exhausted.
func (c *Compactor) FallbackDrop(older []Turn, aggregate, limit int) (drop, freed int) {
	if !c.OverCeiling(aggregate, limit) {
		return 0, 0
	}
	for drop < len(older) && c.NeedsCompaction(aggregate-freed, limit) {
		freed += older[drop].TokenCount
		drop++
	}
	return drop, freed
}

// TrimToBudget keeps the newest turns of history whose combined cost fits budget.
// The last turn is always kept. Callers use it when an AppendResult reports
// OverBudget: the retained turns alone exceed the budget and compaction has
// nothing older to condense.
func TrimToBudget(history []Turn, budget int) []Turn {
	if len(history) == 0 {
		return nil
	}
	used := 0
	start := len(history)
	for start > 0 {
		cost := history[start-1].TokenCount
		if used+cost > budget && start < len(history) {
			break
		}
		used += cost
		start--
	}
	return cloneTurns(history[start:])
}
