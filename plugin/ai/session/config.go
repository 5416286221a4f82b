package session

import (
	"fmt"
	"time"

	"github.com/hrygo/sessioncache/plugin/ai/timeout"
)

const (
	// DefaultTTL is the idle time after which a session is evicted.
	DefaultTTL = 30 * time.Minute
	// DefaultThresholdFraction is the share of the context limit that triggers compaction.
	DefaultThresholdFraction = 0.8
	// DefaultKeepRecentPairs is the number of user/assistant pairs kept verbatim.
	DefaultKeepRecentPairs = 3
	// DefaultHardCeilingMultiplier bounds the aggregate before turns are dropped.
	DefaultHardCeilingMultiplier = 1.2
	// DefaultSummarizeTimeout bounds one summarizer call.
	DefaultSummarizeTimeout = timeout.SummarizeTimeout
	// DefaultPersistTimeout bounds one persistence write.
	DefaultPersistTimeout = timeout.PersistTimeout
	// DefaultSweepInterval is the period of the background TTL sweep.
	DefaultSweepInterval = time.Minute
	// DefaultMaxConcurrentCompactions bounds summarizer fan-out across sessions.
	DefaultMaxConcurrentCompactions = 4
)

// Config holds the tunables of a Store.
type Config struct {
	TTL                      time.Duration
	ThresholdFraction        float64
	KeepRecentPairs          int
	HardCeilingMultiplier    float64
	SummarizeTimeout         time.Duration
	PersistTimeout           time.Duration
	SweepInterval            time.Duration
	DefaultModel             string
	MaxConcurrentCompactions int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		TTL:                      DefaultTTL,
		ThresholdFraction:        DefaultThresholdFraction,
		KeepRecentPairs:          DefaultKeepRecentPairs,
		HardCeilingMultiplier:    DefaultHardCeilingMultiplier,
		SummarizeTimeout:         DefaultSummarizeTimeout,
		PersistTimeout:           DefaultPersistTimeout,
		SweepInterval:            DefaultSweepInterval,
		MaxConcurrentCompactions: DefaultMaxConcurrentCompactions,
	}
}

// Validate rejects configurations that cannot work. It is meant to run once at
// startup; an invalid value is a startup failure.
func (c Config) Validate() error {
	switch {
	case c.TTL <= 0:
		return fmt.Errorf("%w: ttl must be positive, got %v", ErrInvalidConfig, c.TTL)
	case c.ThresholdFraction <= 0 || c.ThresholdFraction > 1:
		return fmt.Errorf("%w: threshold fraction must be in (0, 1], got %v", ErrInvalidConfig, c.ThresholdFraction)
	case c.HardCeilingMultiplier <= c.ThresholdFraction:
		return fmt.Errorf("%w: hard ceiling %v must exceed threshold %v",
			ErrInvalidConfig, c.HardCeilingMultiplier, c.ThresholdFraction)
	case c.KeepRecentPairs < 1:
		return fmt.Errorf("%w: keep recent pairs must be at least 1, got %d", ErrInvalidConfig, c.KeepRecentPairs)
	case c.SummarizeTimeout <= 0:
		return fmt.Errorf("%w: summarize timeout must be positive, got %v", ErrInvalidConfig, c.SummarizeTimeout)
	case c.PersistTimeout <= 0:
		return fmt.Errorf("%w: persist timeout must be positive, got %v", ErrInvalidConfig, c.PersistTimeout)
	case c.SweepInterval <= 0:
		return fmt.Errorf("%w: sweep interval must be positive, got %v", ErrInvalidConfig, c.SweepInterval)
	case c.MaxConcurrentCompactions < 1:
		return fmt.Errorf("%w: max concurrent compactions must be at least 1, got %d",
			ErrInvalidConfig, c.MaxConcurrentCompactions)
	}
	return nil
}

// keepTurns is the number of trailing turns retained verbatim by compaction.
func (c Config) keepTurns() int {
	return 2 * c.KeepRecentPairs
}
