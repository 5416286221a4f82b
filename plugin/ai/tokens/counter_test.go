package tokens

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimate(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"whitespace only", "   \n\t ", 0},
		{"single short word", "hi", 1},
		{"words dominate", "a b c d e f", 6},
		{"chars dominate", strings.Repeat("x", 120), 30},
		{"mixed", "the quick brown fox jumps over the lazy dog", 10},
		{"trimmed before counting", "   " + strings.Repeat("y", 40) + "   ", 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Estimate(tt.text))
		})
	}
}

func TestEstimate_Monotonic(t *testing.T) {
	base := "hello world"
	prev := Estimate(base)
	for i := 0; i < 50; i++ {
		base += " more words here"
		next := Estimate(base)
		assert.GreaterOrEqual(t, next, prev)
		prev = next
	}
}

type stubRegistry struct {
	calls atomic.Int32
	limit int
	err   error
}

func (s *stubRegistry) ContextLimit(_ context.Context, _ string) (int, error) {
	s.calls.Add(1)
	return s.limit, s.err
}

func TestCounter_ContextLimitFor(t *testing.T) {
	ctx := context.Background()

	t.Run("KnownModelFromDefaultTable", func(t *testing.T) {
		c := NewCounter(nil, nil)
		assert.Equal(t, 128000, c.ContextLimitFor(ctx, "gpt-4o"))
		assert.Equal(t, 128000, c.ContextLimitFor(ctx, "openai/GPT-4o"))
	})

	t.Run("UnknownModelFallsBack", func(t *testing.T) {
		c := NewCounter(nil, nil)
		assert.Equal(t, DefaultContextLimit, c.ContextLimitFor(ctx, "totally-made-up"))
	})

	t.Run("CachesDefinitiveAnswers", func(t *testing.T) {
		reg := &stubRegistry{limit: 4096}
		c := NewCounter(reg, nil)

		for i := 0; i < 5; i++ {
			assert.Equal(t, 4096, c.ContextLimitFor(ctx, "local-model"))
		}
		assert.Equal(t, int32(1), reg.calls.Load())
	})

	t.Run("CachesUnknownModel", func(t *testing.T) {
		reg := &stubRegistry{err: ErrUnknownModel}
		c := NewCounter(reg, nil)

		assert.Equal(t, DefaultContextLimit, c.ContextLimitFor(ctx, "ghost"))
		assert.Equal(t, DefaultContextLimit, c.ContextLimitFor(ctx, "ghost"))
		assert.Equal(t, int32(1), reg.calls.Load())
	})

	t.Run("RetriesAfterTransientFailure", func(t *testing.T) {
		reg := &stubRegistry{err: errors.New("registry unreachable")}
		c := NewCounter(reg, nil)

		assert.Equal(t, DefaultContextLimit, c.ContextLimitFor(ctx, "remote"))
		assert.Equal(t, DefaultContextLimit, c.ContextLimitFor(ctx, "remote"))
		assert.Equal(t, int32(2), reg.calls.Load())

		reg.err = nil
		reg.limit = 16000
		assert.Equal(t, 16000, c.ContextLimitFor(ctx, "remote"))
	})

	t.Run("CustomTableFallback", func(t *testing.T) {
		reg, err := NewStaticRegistry([]byte("default: 1000\nmodels:\n  tiny: 512\n"))
		require.NoError(t, err)

		c := NewCounter(reg, nil)
		assert.Equal(t, 1000, c.Fallback())
		assert.Equal(t, 512, c.ContextLimitFor(ctx, "tiny"))
		assert.Equal(t, 1000, c.ContextLimitFor(ctx, "huge"))
	})
}

func TestCounter_ConcurrentLookups(t *testing.T) {
	c := NewCounter(nil, nil)
	ctx := context.Background()

	done := make(chan int, 20)
	for i := 0; i < 20; i++ {
		go func() {
			done <- c.ContextLimitFor(ctx, "claude-3-5-sonnet")
		}()
	}
	for i := 0; i < 20; i++ {
		assert.Equal(t, 200000, <-done)
	}
}
