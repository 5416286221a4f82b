package session

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hrygo/sessioncache/plugin/ai/tokens"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testEnv struct {
	store      *Store
	persister  *MockPersister
	summarizer *MockSummarizer
	clock      *fakeClock
}

// newTestEnv builds a store whose default model has a 1000 token limit.
func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	reg, err := tokens.NewStaticRegistry([]byte("default: 100000\nmodels:\n  test-model: 1000\n"))
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.TTL = 1800 * time.Second
	cfg.DefaultModel = "test-model"
	if mutate != nil {
		mutate(&cfg)
	}

	env := &testEnv{
		persister:  NewMockPersister(),
		summarizer: NewMockSummarizer(),
		clock:      newFakeClock(),
	}
	env.store, err = New(cfg, env.persister, env.summarizer,
		WithClock(env.clock.Now),
		WithCounter(tokens.NewCounter(reg, nil)),
	)
	require.NoError(t, err)
	return env
}

// tokenTurn returns a turn whose content costs exactly n tokens (n >= 1).
func tokenTurn(role Role, seq, n int) Turn {
	prefix := fmt.Sprintf("%04d", seq)
	return NewTurn(role, prefix+strings.Repeat("x", n*tokens.AverageCharsPerToken-len(prefix)))
}

func roleFor(i int) Role {
	if i%2 == 0 {
		return RoleUser
	}
	return RoleAssistant
}

func testIdentity(user string) Identity {
	return Identity{Platform: "telegram", ChannelID: "chat-1", UserID: user}
}

func requireTokenInvariant(t *testing.T, rec *Record) {
	t.Helper()
	want := sumTokens(rec.Turns)
	if rec.Summary != nil {
		require.Equal(t, rec.Summary.TokenCount, rec.SummaryTokens)
		want += rec.SummaryTokens
	} else {
		require.Zero(t, rec.SummaryTokens)
	}
	require.Equal(t, want, rec.AggregateTokens)
}
