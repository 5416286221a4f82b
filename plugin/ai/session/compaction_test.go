package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeTurns(n, tokensEach int) []Turn {
	turns := make([]Turn, n)
	for i := range turns {
		turns[i] = tokenTurn(roleFor(i), i, tokensEach)
	}
	return turns
}

func TestCompactor_Thresholds(t *testing.T) {
	c := NewCompactor(DefaultConfig(), nil, nil)

	assert.Equal(t, 800, c.Budget(1000))
	assert.False(t, c.NeedsCompaction(800, 1000))
	assert.True(t, c.NeedsCompaction(801, 1000))
	assert.False(t, c.OverCeiling(1200, 1000))
	assert.True(t, c.OverCeiling(1201, 1000))
}

func TestCompactor_Partition(t *testing.T) {
	c := NewCompactor(DefaultConfig(), nil, nil)

	t.Run("KeepsLastPairs", func(t *testing.T) {
		turns := makeTurns(10, 5)
		older, recent := c.Partition(turns)
		assert.Equal(t, turns[:4], older)
		assert.Equal(t, turns[4:], recent)
	})

	t.Run("NothingOlder", func(t *testing.T) {
		turns := makeTurns(6, 5)
		older, recent := c.Partition(turns)
		assert.Empty(t, older)
		assert.Len(t, recent, 6)
	})

	t.Run("Empty", func(t *testing.T) {
		older, recent := c.Partition(nil)
		assert.Empty(t, older)
		assert.Empty(t, recent)
	})
}

func TestCompactor_FallbackDrop(t *testing.T) {
	c := NewCompactor(DefaultConfig(), nil, nil)

	t.Run("BelowCeilingDropsNothing", func(t *testing.T) {
		older := makeTurns(30, 30)
		drop, freed := c.FallbackDrop(older, 1200, 1000)
		assert.Zero(t, drop)
		assert.Zero(t, freed)
	})

	t.Run("AboveCeilingDropsToThreshold", func(t *testing.T) {
		older := makeTurns(35, 30)
		drop, freed := c.FallbackDrop(older, 1230, 1000)
		assert.Equal(t, 15, drop)
		assert.Equal(t, 450, freed)
	})

	t.Run("StopsAtEndOfOlder", func(t *testing.T) {
		older := makeTurns(2, 30)
		drop, freed := c.FallbackDrop(older, 1500, 1000)
		assert.Equal(t, 2, drop)
		assert.Equal(t, 60, freed)
	})
}

func TestCompactor_Summarize(t *testing.T) {
	ctx := context.Background()
	older := makeTurns(4, 10)

	t.Run("Success", func(t *testing.T) {
		c := NewCompactor(DefaultConfig(), NewMockSummarizer(), nil)
		summary, err := c.Summarize(ctx, older, nil)
		require.NoError(t, err)
		assert.Equal(t, RoleSystem, summary.Role)
		assert.Equal(t, "summary of 4 turns", summary.Content)
		assert.Equal(t, 4, summary.TokenCount)
		assert.NotEmpty(t, summary.ID)
	})

	t.Run("PassesPrior", func(t *testing.T) {
		sum := NewMockSummarizer()
		c := NewCompactor(DefaultConfig(), sum, nil)
		prior := NewTurn(RoleSystem, "earlier")
		summary, err := c.Summarize(ctx, older, &prior)
		require.NoError(t, err)
		assert.Equal(t, "summary of 4 turns plus prior", summary.Content)
		assert.Equal(t, "earlier", sum.Priors()[0].Content)
	})

	t.Run("Error", func(t *testing.T) {
		sum := NewMockSummarizer()
		sum.SetErr(errors.New("rate limited"))
		c := NewCompactor(DefaultConfig(), sum, nil)
		_, err := c.Summarize(ctx, older, nil)
		assert.ErrorIs(t, err, ErrSummarizationFailed)
	})

	t.Run("EmptySummary", func(t *testing.T) {
		c := NewCompactor(DefaultConfig(), SummarizerFunc(func(context.Context, []Turn, *Turn) (string, error) {
			return "  ", nil
		}), nil)
		_, err := c.Summarize(ctx, older, nil)
		assert.ErrorIs(t, err, ErrSummarizationFailed)
	})

	t.Run("NoSummarizer", func(t *testing.T) {
		c := NewCompactor(DefaultConfig(), nil, nil)
		_, err := c.Summarize(ctx, older, nil)
		assert.ErrorIs(t, err, ErrSummarizationFailed)
	})

	t.Run("Timeout", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.SummarizeTimeout = 10 * time.Millisecond
		sum := NewMockSummarizer()
		sum.Block = make(chan struct{})
		defer close(sum.Block)

		c := NewCompactor(cfg, sum, nil)
		_, err := c.Summarize(ctx, older, nil)
		assert.ErrorIs(t, err, ErrSummarizationFailed)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("BoundsConcurrency", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.MaxConcurrentCompactions = 1
		cfg.SummarizeTimeout = 5 * time.Second
		sum := NewMockSummarizer()
		sum.Block = make(chan struct{})
		sum.Started = make(chan struct{}, 2)
		c := NewCompactor(cfg, sum, nil)

		first := make(chan error, 1)
		go func() {
			_, err := c.Summarize(ctx, older, nil)
			first <- err
		}()
		<-sum.Started

		// The only slot is held; the second call gives up waiting for it.
		shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err := c.Summarize(shortCtx, older, nil)
		assert.ErrorIs(t, err, ErrSummarizationFailed)
		assert.Equal(t, 1, sum.Calls())

		close(sum.Block)
		<-first
	})
}

func TestTrimToBudget(t *testing.T) {
	turns := makeTurns(5, 100)

	assert.Nil(t, TrimToBudget(nil, 100))
	assert.Equal(t, turns, TrimToBudget(turns, 1000))
	assert.Equal(t, turns[2:], TrimToBudget(turns, 300))
	assert.Equal(t, turns[2:], TrimToBudget(turns, 350))
	assert.Equal(t, turns[4:], TrimToBudget(turns, 10), "last turn is always kept")
}
