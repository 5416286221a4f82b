package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ThresholdFraction = 1.3

	_, err := New(cfg, NewMockPersister(), NewMockSummarizer())
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(DefaultConfig(), nil, NewMockSummarizer())
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestStore_GetOrCreate(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	id := testIdentity("alice")

	first, err := env.store.GetOrCreate(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, first.Identity)
	assert.Equal(t, StateActive, first.State)
	assert.Equal(t, 1000, first.ContextLimit)
	assert.Empty(t, first.Turns)
	assert.Equal(t, env.clock.Now().Add(1800*time.Second), first.Deadline)

	second, err := env.store.GetOrCreate(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, first.InstanceID, second.InstanceID)
	assert.Equal(t, 1, env.store.Len())

	_, err = env.store.GetOrCreate(ctx, Identity{})
	assert.ErrorIs(t, err, ErrInvalidIdentity)
}

func TestStore_GetOrCreate_ConcurrentCallersShareOneRecord(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	id := testIdentity("bob")

	const n = 32
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := env.store.GetOrCreate(ctx, id)
			if err == nil {
				ids <- rec.InstanceID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]struct{})
	for v := range ids {
		seen[v] = struct{}{}
	}
	assert.Len(t, seen, 1)
	assert.Equal(t, 1, env.store.Len())
}

func TestStore_Append(t *testing.T) {
	ctx := context.Background()

	t.Run("AppendsAndPersists", func(t *testing.T) {
		env := newTestEnv(t, nil)
		id := testIdentity("carol")

		res, err := env.store.Append(ctx, id, NewTurn(RoleUser, "hello there"))
		require.NoError(t, err)
		assert.False(t, res.WasCompacted)
		assert.True(t, res.Persisted)
		require.Len(t, res.History, 1)
		assert.Equal(t, "hello there", res.History[0].Content)
		assert.Equal(t, 2, res.History[0].TokenCount)
		assert.Equal(t, 2, res.AggregateTokens)
		assert.Equal(t, "test-model", res.Call.Model)
		assert.Equal(t, 1000, res.Call.ContextLimit)
		assert.Equal(t, 800, res.Call.Budget)

		saved, err := env.persister.Load(ctx, id.Key())
		require.NoError(t, err)
		require.Len(t, saved.Turns, 1)
		assert.Equal(t, res.History[0].ID, saved.Turns[0].ID)
	})

	t.Run("FillsDerivedFields", func(t *testing.T) {
		env := newTestEnv(t, nil)
		res, err := env.store.Append(ctx, testIdentity("dan"), Turn{Role: RoleUser, Content: "one two three"})
		require.NoError(t, err)
		turn := res.History[0]
		assert.NotEmpty(t, turn.ID)
		assert.Equal(t, 3, turn.TokenCount)
		assert.Equal(t, env.clock.Now(), turn.CreatedAt)
	})

	t.Run("RejectsInvalidTurns", func(t *testing.T) {
		env := newTestEnv(t, nil)
		_, err := env.store.Append(ctx, testIdentity("erin"), Turn{Role: "robot", Content: "x"})
		assert.ErrorIs(t, err, ErrInvalidTurn)

		_, err = env.store.Append(ctx, testIdentity("erin"), Turn{Role: RoleUser, Content: "   "})
		assert.ErrorIs(t, err, ErrInvalidTurn)

		_, err = env.store.Append(ctx, Identity{}, NewTurn(RoleUser, "hi"))
		assert.ErrorIs(t, err, ErrInvalidIdentity)
	})

	t.Run("WithModelSwitchesLimit", func(t *testing.T) {
		env := newTestEnv(t, nil)
		id := testIdentity("finn")
		_, err := env.store.Append(ctx, id, NewTurn(RoleUser, "hi"))
		require.NoError(t, err)

		res, err := env.store.Append(ctx, id, NewTurn(RoleUser, "again"), WithModel("something-else"))
		require.NoError(t, err)
		assert.Equal(t, "something-else", res.Call.Model)
		assert.Equal(t, 100000, res.Call.ContextLimit)
	})

	t.Run("PreservesOrder", func(t *testing.T) {
		env := newTestEnv(t, nil)
		id := testIdentity("gail")
		for i := 0; i < 5; i++ {
			_, err := env.store.Append(ctx, id, tokenTurn(roleFor(i), i, 5))
			require.NoError(t, err)
		}
		history, err := env.store.History(ctx, id)
		require.NoError(t, err)
		require.Len(t, history, 5)
		for i, turn := range history {
			assert.True(t, strings.HasPrefix(turn.Content, "000"+string(rune('0'+i))))
		}
	})
}

func TestStore_CompactionScenario(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	id := testIdentity("scenario")

	firstCompaction := -1
	for i := 0; i < 50; i++ {
		res, err := env.store.Append(ctx, id, tokenTurn(roleFor(i), i, 30))
		require.NoError(t, err)

		rec, err := env.store.Snapshot(ctx, id)
		require.NoError(t, err)
		requireTokenInvariant(t, rec)
		assert.LessOrEqual(t, rec.AggregateTokens, 810)

		if res.WasCompacted && firstCompaction < 0 {
			firstCompaction = i
			assert.Len(t, rec.Turns, 6)
			require.NotNil(t, rec.Summary)
			assert.LessOrEqual(t, rec.AggregateTokens, 800)
			assert.Equal(t, "summary of 21 turns", rec.Summary.Content)

			require.NotEmpty(t, res.History)
			assert.Equal(t, RoleSystem, res.History[0].Role)
			assert.True(t, strings.HasPrefix(res.History[0].Content, "[Conversation Summary]\n"))
			assert.True(t, strings.HasSuffix(res.History[0].Content, "\n[End Summary]"))
			assert.Len(t, res.History, 7)
		}
	}

	// 27 turns of 30 tokens is the first aggregate above 800.
	assert.Equal(t, 26, firstCompaction)

	stats, err := env.store.Stats(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Compactions)
	assert.True(t, stats.HasSummary)
	assert.Equal(t, 8, stats.TurnCount)
	assert.Zero(t, stats.DroppedTurns)

	priors := env.summarizer.Priors()
	require.Len(t, priors, 2)
	assert.Nil(t, priors[0])
	require.NotNil(t, priors[1])
	assert.Equal(t, "summary of 21 turns", priors[1].Content)
}

func TestStore_CompactionRetainsRecentVerbatim(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	id := testIdentity("recent")

	var appended []Turn
	for i := 0; i < 27; i++ {
		turn := tokenTurn(roleFor(i), i, 30)
		appended = append(appended, turn)
		_, err := env.store.Append(ctx, id, turn)
		require.NoError(t, err)
	}

	rec, err := env.store.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, appended[21:], rec.Turns)
}

func TestStore_SummarizationFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.summarizer.SetErr(errors.New("provider unavailable"))
	ctx := context.Background()
	id := testIdentity("failing")

	for i := 0; i < 40; i++ {
		res, err := env.store.Append(ctx, id, tokenTurn(roleFor(i), i, 30))
		require.NoError(t, err)
		assert.False(t, res.Truncated, "turn %d", i)
		assert.False(t, res.WasCompacted)
		if i >= 26 {
			assert.ErrorIs(t, res.CompactionErr, ErrSummarizationFailed)
		}
	}

	rec, err := env.store.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Len(t, rec.Turns, 40)
	assert.Equal(t, 1200, rec.AggregateTokens)
	assert.Nil(t, rec.Summary)

	// 1230 tokens crosses the 1.2x ceiling; drop oldest until within 800.
	res, err := env.store.Append(ctx, id, tokenTurn(RoleAssistant, 40, 30))
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.Equal(t, 15, res.DroppedTurns)
	assert.Equal(t, 780, res.AggregateTokens)
	assert.False(t, res.OverBudget)

	rec, err = env.store.Snapshot(ctx, id)
	require.NoError(t, err)
	requireTokenInvariant(t, rec)
	assert.Len(t, rec.Turns, 26)
	assert.Equal(t, 15, rec.DroppedTurns)
	assert.True(t, strings.HasPrefix(rec.Turns[0].Content, "0015"))
	assert.Equal(t, 15, env.summarizer.Calls())
	assert.Equal(t, int64(1), env.store.Metrics().Events[EventTruncation])
}

func TestStore_SummarizationRecoversOnNextAppend(t *testing.T) {
	env := newTestEnv(t, nil)
	env.summarizer.SetErr(errors.New("timeout"))
	ctx := context.Background()
	id := testIdentity("retry")

	for i := 0; i < 27; i++ {
		_, err := env.store.Append(ctx, id, tokenTurn(roleFor(i), i, 30))
		require.NoError(t, err)
	}
	env.summarizer.SetErr(nil)

	res, err := env.store.Append(ctx, id, tokenTurn(RoleAssistant, 27, 30))
	require.NoError(t, err)
	assert.True(t, res.WasCompacted)
	assert.Nil(t, res.CompactionErr)
	assert.Len(t, res.History, 7)
}

func TestStore_SummarizerTimeout(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.SummarizeTimeout = 20 * time.Millisecond
	})
	env.summarizer.Block = make(chan struct{})
	defer close(env.summarizer.Block)
	ctx := context.Background()
	id := testIdentity("slow")

	var last *AppendResult
	for i := 0; i < 27; i++ {
		res, err := env.store.Append(ctx, id, tokenTurn(roleFor(i), i, 30))
		require.NoError(t, err)
		last = res
	}
	assert.ErrorIs(t, last.CompactionErr, ErrSummarizationFailed)
	assert.ErrorIs(t, last.CompactionErr, context.DeadlineExceeded)

	stats, err := env.store.Stats(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateActive, stats.State)
	assert.Equal(t, 27, stats.TurnCount)
}

func TestStore_OverBudgetWithNothingToCompact(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	id := testIdentity("huge")

	res, err := env.store.Append(ctx, id, tokenTurn(RoleUser, 0, 900))
	require.NoError(t, err)
	assert.True(t, res.OverBudget)
	assert.False(t, res.WasCompacted)
	assert.Zero(t, env.summarizer.Calls())

	trimmed := TrimToBudget(res.History, res.Call.Budget)
	assert.Len(t, trimmed, 1)
}

func TestStore_ConcurrentAppendsToOneSession(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.DefaultModel = "roomy"
	})
	ctx := context.Background()
	id := testIdentity("busy-user")

	const n = 64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := env.store.Append(ctx, id, tokenTurn(roleFor(i), i, 3))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	rec, err := env.store.Snapshot(ctx, id)
	require.NoError(t, err)
	require.Len(t, rec.Turns, n)
	requireTokenInvariant(t, rec)

	seen := make(map[string]struct{}, n)
	for _, turn := range rec.Turns {
		seen[turn.ID] = struct{}{}
	}
	assert.Len(t, seen, n)

	require.NoError(t, env.store.FlushAll(ctx))
	saved, err := env.persister.Load(ctx, id.Key())
	require.NoError(t, err)
	assert.Len(t, saved.Turns, n)
}

func TestStore_ConcurrentSessionsAreIndependent(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for u := 0; u < 8; u++ {
		wg.Add(1)
		go func(u int) {
			defer wg.Done()
			id := testIdentity(string(rune('a' + u)))
			for i := 0; i < 30; i++ {
				_, err := env.store.Append(ctx, id, tokenTurn(roleFor(i), i, 30))
				assert.NoError(t, err)
			}
		}(u)
	}
	wg.Wait()

	assert.Equal(t, 8, env.store.Len())
	for u := 0; u < 8; u++ {
		rec, err := env.store.Snapshot(ctx, testIdentity(string(rune('a'+u))))
		require.NoError(t, err)
		requireTokenInvariant(t, rec)
		assert.Equal(t, 1, rec.Compactions)
	}
}

func TestStore_BusyDuringCompaction(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.KeepRecentPairs = 1
	})
	env.summarizer.Block = make(chan struct{})
	env.summarizer.Started = make(chan struct{}, 8)
	ctx := context.Background()
	id := testIdentity("compacting")

	for i := 0; i < 2; i++ {
		_, err := env.store.Append(ctx, id, tokenTurn(roleFor(i), i, 400))
		require.NoError(t, err)
	}

	compacted := make(chan *AppendResult, 1)
	go func() {
		res, err := env.store.Append(ctx, id, tokenTurn(RoleUser, 2, 400))
		assert.NoError(t, err)
		compacted <- res
	}()
	<-env.summarizer.Started

	stats, err := env.store.Stats(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateCompacting, stats.State)

	_, err = env.store.Append(ctx, id, tokenTurn(RoleAssistant, 3, 10), WithNonBlocking())
	assert.ErrorIs(t, err, ErrSessionBusy)

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	_, err = env.store.Append(waitCtx, id, tokenTurn(RoleAssistant, 3, 10))
	cancel()
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// A compacting session is never evicted, even past its old deadline.
	env.clock.Advance(2 * time.Hour)
	evicted, err := env.store.EvictExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, evicted)

	blocked := make(chan *AppendResult, 1)
	go func() {
		res, err := env.store.Append(ctx, id, tokenTurn(RoleAssistant, 3, 10))
		assert.NoError(t, err)
		blocked <- res
	}()

	close(env.summarizer.Block)

	res := <-compacted
	assert.True(t, res.WasCompacted)

	after := <-blocked
	require.NotNil(t, after)
	assert.Equal(t, "0003", after.History[len(after.History)-1].Content[:4])

	rec, err := env.store.Snapshot(ctx, id)
	require.NoError(t, err)
	requireTokenInvariant(t, rec)
	assert.Equal(t, StateActive, rec.State)
	// The late append crossed the budget again and compacted with K=1.
	assert.Len(t, rec.Turns, 2)
	assert.Equal(t, 2, rec.Compactions)
	assert.True(t, rec.Deadline.After(env.clock.Now()))
}

func TestStore_EvictExpired(t *testing.T) {
	ctx := context.Background()

	t.Run("EvictsAfterTTL", func(t *testing.T) {
		env := newTestEnv(t, nil)
		id := testIdentity("idle")
		_, err := env.store.Append(ctx, id, NewTurn(RoleUser, "hi"))
		require.NoError(t, err)
		require.True(t, env.persister.Has(id.Key()))

		env.clock.Advance(1800 * time.Second)
		evicted, err := env.store.EvictExpired(ctx)
		require.NoError(t, err)
		assert.Zero(t, evicted, "deadline is inclusive")

		env.clock.Advance(time.Second)
		evicted, err = env.store.EvictExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, evicted)
		assert.False(t, env.persister.Has(id.Key()))

		_, err = env.store.History(ctx, id)
		assert.ErrorIs(t, err, ErrNotFound)

		evicted, err = env.store.EvictExpired(ctx)
		require.NoError(t, err)
		assert.Zero(t, evicted)
	})

	t.Run("SlidingWindow", func(t *testing.T) {
		env := newTestEnv(t, nil)
		id := testIdentity("chatty")
		_, err := env.store.Append(ctx, id, NewTurn(RoleUser, "first"))
		require.NoError(t, err)

		env.clock.Advance(1000 * time.Second)
		_, err = env.store.Append(ctx, id, NewTurn(RoleUser, "second"))
		require.NoError(t, err)

		stats, err := env.store.Stats(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, env.clock.Now().Add(1800*time.Second), stats.Deadline)
		assert.Equal(t, 1800*time.Second, stats.ExpiresIn)

		env.clock.Advance(1000 * time.Second)
		evicted, err := env.store.EvictExpired(ctx)
		require.NoError(t, err)
		assert.Zero(t, evicted)

		env.clock.Advance(801 * time.Second)
		evicted, err = env.store.EvictExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, evicted)
	})

	t.Run("OnlyExpiredSessions", func(t *testing.T) {
		env := newTestEnv(t, nil)
		_, err := env.store.Append(ctx, testIdentity("old"), NewTurn(RoleUser, "hi"))
		require.NoError(t, err)
		env.clock.Advance(1500 * time.Second)
		_, err = env.store.Append(ctx, testIdentity("new"), NewTurn(RoleUser, "hi"))
		require.NoError(t, err)
		env.clock.Advance(400 * time.Second)

		evicted, err := env.store.EvictExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, evicted)
		assert.Equal(t, 1, env.store.Len())
		_, err = env.store.Stats(ctx, testIdentity("new"))
		assert.NoError(t, err)
	})

	t.Run("NewTurnAfterEvictionStartsFresh", func(t *testing.T) {
		env := newTestEnv(t, nil)
		id := testIdentity("returning")
		first, err := env.store.Append(ctx, id, NewTurn(RoleUser, "hi"))
		require.NoError(t, err)
		before, err := env.store.Snapshot(ctx, id)
		require.NoError(t, err)

		env.clock.Advance(time.Hour)
		_, err = env.store.EvictExpired(ctx)
		require.NoError(t, err)

		res, err := env.store.Append(ctx, id, NewTurn(RoleUser, "back again"))
		require.NoError(t, err)
		require.Len(t, res.History, 1)
		assert.NotEqual(t, first.History[0].ID, res.History[0].ID)

		after, err := env.store.Snapshot(ctx, id)
		require.NoError(t, err)
		assert.NotEqual(t, before.InstanceID, after.InstanceID)
		assert.True(t, env.persister.Has(id.Key()))
	})

	t.Run("ExpiredSessionNotReusedBeforeSweep", func(t *testing.T) {
		env := newTestEnv(t, nil)
		id := testIdentity("lapsed")
		first, err := env.store.Append(ctx, id, NewTurn(RoleUser, "old secret context"))
		require.NoError(t, err)

		env.clock.Advance(1801 * time.Second)

		rec, err := env.store.GetOrCreate(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, rec.Turns)
		assert.False(t, rec.Expired(env.clock.Now()))
		assert.False(t, env.persister.Has(id.Key()))

		res, err := env.store.Append(ctx, id, NewTurn(RoleUser, "new topic"))
		require.NoError(t, err)
		require.Len(t, res.History, 1)
		assert.Equal(t, "new topic", res.History[0].Content)
		assert.NotEqual(t, first.History[0].ID, res.History[0].ID)
		assert.Equal(t, int64(1), env.store.Metrics().Events[EventEviction])

		evicted, err := env.store.EvictExpired(ctx)
		require.NoError(t, err)
		assert.Zero(t, evicted)
	})

	t.Run("ExpiredSessionReplacedOnAppend", func(t *testing.T) {
		env := newTestEnv(t, nil)
		id := testIdentity("lapsed-append")
		_, err := env.store.Append(ctx, id, NewTurn(RoleUser, "stale"))
		require.NoError(t, err)

		env.clock.Advance(time.Hour)
		res, err := env.store.Append(ctx, id, NewTurn(RoleUser, "fresh"))
		require.NoError(t, err)
		require.Len(t, res.History, 1)
		assert.Equal(t, "fresh", res.History[0].Content)

		saved, err := env.persister.Load(ctx, id.Key())
		require.NoError(t, err)
		require.Len(t, saved.Turns, 1)
		assert.Equal(t, "fresh", saved.Turns[0].Content)
	})

	t.Run("DeleteFailureStillEvicts", func(t *testing.T) {
		env := newTestEnv(t, nil)
		id := testIdentity("sticky")
		_, err := env.store.Append(ctx, id, NewTurn(RoleUser, "hi"))
		require.NoError(t, err)

		env.persister.DeleteErr = errors.New("disk full")
		env.clock.Advance(time.Hour)
		evicted, err := env.store.EvictExpired(ctx)
		assert.Equal(t, 1, evicted)
		assert.ErrorIs(t, err, ErrPersistenceWrite)
		assert.Zero(t, env.store.Len())
	})
}

func TestStore_EvictionRacesWithAppend(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	id := testIdentity("racer")

	_, err := env.store.Append(ctx, id, NewTurn(RoleUser, "start"))
	require.NoError(t, err)

	for round := 0; round < 50; round++ {
		env.clock.Advance(1801 * time.Second)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := env.store.EvictExpired(ctx)
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := env.store.Append(ctx, id, NewTurn(RoleUser, "ping"))
			assert.NoError(t, err)
		}()
		wg.Wait()

		// Whichever won, the session that holds the latest turn is live and persisted.
		rec, err := env.store.Snapshot(ctx, id)
		require.NoError(t, err)
		assert.False(t, rec.Expired(env.clock.Now()))
		saved, err := env.persister.Load(ctx, id.Key())
		require.NoError(t, err)
		assert.Equal(t, rec.InstanceID, saved.InstanceID)
	}
}

func TestStore_PersistenceFailureDoesNotFailAppend(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	id := testIdentity("flaky-disk")

	env.persister.SetSaveErr(errors.New("io error"))
	res, err := env.store.Append(ctx, id, NewTurn(RoleUser, "first"))
	require.NoError(t, err)
	assert.False(t, res.Persisted)
	assert.False(t, env.persister.Has(id.Key()))
	assert.Equal(t, int64(1), env.store.Metrics().Events[EventPersistFailure])

	env.persister.SetSaveErr(nil)
	res, err = env.store.Append(ctx, id, NewTurn(RoleUser, "second"))
	require.NoError(t, err)
	assert.True(t, res.Persisted)

	saved, err := env.persister.Load(ctx, id.Key())
	require.NoError(t, err)
	assert.Len(t, saved.Turns, 2)
}

func TestStore_FlushAll(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.persister.SetSaveErr(errors.New("offline"))
	for _, user := range []string{"u1", "u2", "u3"} {
		_, err := env.store.Append(ctx, testIdentity(user), NewTurn(RoleUser, "hi"))
		require.NoError(t, err)
	}
	assert.Error(t, env.store.FlushAll(ctx))
	assert.Zero(t, env.persister.Len())

	env.persister.SetSaveErr(nil)
	require.NoError(t, env.store.FlushAll(ctx))
	assert.Equal(t, 3, env.persister.Len())

	saves := env.persister.Saves()
	require.NoError(t, env.store.FlushAll(ctx))
	assert.Equal(t, saves, env.persister.Saves(), "clean sessions are not rewritten")
}

func TestStore_Clear(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	id := testIdentity("forgetful")

	_, err := env.store.Append(ctx, id, NewTurn(RoleUser, "remember this"))
	require.NoError(t, err)

	require.NoError(t, env.store.Clear(ctx, id))
	assert.False(t, env.persister.Has(id.Key()))
	assert.Zero(t, env.store.Len())

	err = env.store.Clear(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)

	var sessErr *Error
	require.ErrorAs(t, err, &sessErr)
	assert.Equal(t, "clear", sessErr.Op)
	assert.Equal(t, id.Key(), sessErr.Key)
}

func TestStore_RoundTrip(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	id := testIdentity("durable")

	for i := 0; i < 30; i++ {
		_, err := env.store.Append(ctx, id, tokenTurn(roleFor(i), i, 30))
		require.NoError(t, err)
	}
	live, err := env.store.Snapshot(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, live.Summary)

	saved, err := env.persister.Load(ctx, id.Key())
	require.NoError(t, err)
	assert.Equal(t, live, saved)

	restarted, err := New(env.store.Config(), env.persister, env.summarizer, WithClock(env.clock.Now))
	require.NoError(t, err)
	n, err := restarted.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	recovered, err := restarted.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, live, recovered)
}

func TestStore_Recover(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	now := env.clock.Now()

	valid := &Record{
		Identity:        testIdentity("valid"),
		InstanceID:      "inst-1",
		Turns:           []Turn{newTurnAt(RoleUser, "hello world", now)},
		AggregateTokens: 99, // stale, recomputed on load
		Deadline:        now.Add(time.Minute),
		State:           StateCompacting,
		Model:           "test-model",
		ContextLimit:    1000,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	expired := &Record{
		Identity: testIdentity("expired"),
		Turns:    []Turn{newTurnAt(RoleUser, "old", now)},
		Deadline: now.Add(-time.Second),
		State:    StateActive,
	}
	noLimit := &Record{
		Identity: testIdentity("nolimit"),
		Deadline: now.Add(time.Minute),
		State:    StateActive,
	}
	for _, rec := range []*Record{valid, expired, noLimit} {
		require.NoError(t, env.persister.Save(ctx, rec))
	}
	env.persister.PutRaw("corrupt", []byte("{not json"))
	env.persister.PutRaw("anonymous", []byte(`{"identity":{},"ttl_deadline":"2030-01-01T00:00:00Z"}`))

	n, err := env.store.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, env.store.Len())
	assert.False(t, env.persister.Has(expired.Key()))
	assert.Equal(t, int64(1), env.store.Metrics().Events[EventSkippedOnLoad])

	rec, err := env.store.Snapshot(ctx, valid.Identity)
	require.NoError(t, err)
	assert.Equal(t, StateActive, rec.State)
	assert.Equal(t, 2, rec.AggregateTokens)
	assert.Equal(t, "inst-1", rec.InstanceID)

	rec, err = env.store.Snapshot(ctx, noLimit.Identity)
	require.NoError(t, err)
	assert.Equal(t, "test-model", rec.Model)
	assert.Equal(t, 1000, rec.ContextLimit)

	t.Run("LoadFailure", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.persister.LoadErr = errors.New("permission denied")
		_, err := env.store.Recover(ctx)
		assert.ErrorIs(t, err, ErrPersistenceLoad)
	})
}

func TestStore_Shutdown(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	id := testIdentity("leaving")

	require.NoError(t, env.store.Start(ctx))
	assert.True(t, env.store.Sweeper().IsRunning())

	env.persister.SetSaveErr(errors.New("busy"))
	_, err := env.store.Append(ctx, id, NewTurn(RoleUser, "unsaved"))
	require.NoError(t, err)
	env.persister.SetSaveErr(nil)

	require.NoError(t, env.store.Shutdown(ctx))
	assert.False(t, env.store.Sweeper().IsRunning())
	assert.True(t, env.persister.Has(id.Key()))
	assert.Zero(t, env.store.Len())

	_, err = env.store.Append(ctx, id, NewTurn(RoleUser, "too late"))
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.ErrorIs(t, env.store.Start(ctx), ErrStoreClosed)
	assert.NoError(t, env.store.Shutdown(ctx))
}

func TestStore_Metrics(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	for i := 0; i < 27; i++ {
		_, err := env.store.Append(ctx, testIdentity("m"), tokenTurn(roleFor(i), i, 30))
		require.NoError(t, err)
	}

	snap := env.store.Metrics()
	require.NotNil(t, snap)
	assert.Equal(t, int64(27), snap.Operations[OpAppend].Count)
	assert.Equal(t, int64(27), snap.Operations[OpSave].Count)
	assert.Equal(t, int64(1), snap.Operations[OpSummarize].Count)
	assert.Equal(t, int64(1), snap.Events[EventCompaction])
}
