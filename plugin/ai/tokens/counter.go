package tokens

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// AverageCharsPerToken is the character heuristic used by Estimate.
const AverageCharsPerToken = 4

// registryLookupTimeout bounds a single registry call on a cache miss.
const registryLookupTimeout = 2 * time.Second

// Estimate returns a rough token cost for text: the larger of its word count and
// its character count divided by AverageCharsPerToken. Empty text costs nothing.
func Estimate(text string) int {
	cleaned := strings.TrimSpace(text)
	if cleaned == "" {
		return 0
	}
	words := len(strings.Fields(cleaned))
	if words < 1 {
		words = 1
	}
	byChars := len([]rune(cleaned)) / AverageCharsPerToken
	if byChars > words {
		return byChars
	}
	return words
}

// Counter estimates token usage and resolves context limits through a Registry.
// Resolved limits are cached for the life of the Counter; model limits are static
// for a given name. Safe for concurrent use.
type Counter struct {
	registry Registry
	fallback int
	logger   *slog.Logger

	limits sync.Map // normalized model name -> int
	group  singleflight.Group
}

// NewCounter creates a Counter. A nil registry uses DefaultRegistry.
func NewCounter(registry Registry, logger *slog.Logger) *Counter {
	fallback := DefaultContextLimit
	if registry == nil {
		sr := DefaultRegistry()
		fallback = sr.Fallback()
		registry = sr
	} else if sr, ok := registry.(*StaticRegistry); ok {
		fallback = sr.Fallback()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Counter{
		registry: registry,
		fallback: fallback,
		logger:   logger,
	}
}

// Estimate returns the token cost of text.
func (c *Counter) Estimate(text string) int {
	return Estimate(text)
}

// Fallback returns the limit used for unknown models.
func (c *Counter) Fallback() int {
	return c.fallback
}

// ContextLimitFor returns the model's context limit. Unknown models and registry
// failures resolve to the fallback limit; only definitive answers are cached, so
// a transient registry outage is retried on the next miss. Concurrent misses for
// one model share a single registry call.
func (c *Counter) ContextLimitFor(ctx context.Context, model string) int {
	key := NormalizeModel(model)
	if v, ok := c.limits.Load(key); ok {
		return v.(int)
	}

	v, _, _ := c.group.Do(key, func() (any, error) {
		return c.lookup(ctx, key, model), nil
	})
	return v.(int)
}

func (c *Counter) lookup(ctx context.Context, key, model string) int {
	if v, ok := c.limits.Load(key); ok {
		return v.(int)
	}

	lookupCtx, cancel := context.WithTimeout(ctx, registryLookupTimeout)
	defer cancel()

	limit, err := c.registry.ContextLimit(lookupCtx, model)
	switch {
	case err == nil && limit > 0:
		c.limits.Store(key, limit)
		return limit
	case err == nil || errors.Is(err, ErrUnknownModel):
		c.logger.Warn("unknown model context limit, using fallback",
			"model", model, "fallback", c.fallback)
		c.limits.Store(key, c.fallback)
		return c.fallback
	default:
		c.logger.Warn("model registry lookup failed, using fallback",
			"model", model, "fallback", c.fallback, "error", err)
		return c.fallback
	}
}
