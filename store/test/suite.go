// Package test holds helpers shared by the persistence driver tests.
package test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"golang.org/x/sync/errgroup"

	"github.com/hrygo/sessioncache/internal/profile"
	"github.com/hrygo/sessioncache/plugin/ai/session"
	"github.com/hrygo/sessioncache/store"
)

const (
	testUser     = "testuser"
	testPassword = "testpassword"
	testDatabase = "sessioncache_test"
)

// GetPostgresDSN returns the DSN of a disposable PostgreSQL database.
// POSTGRES_TEST_DSN wins when set; otherwise a container is started for the
// test and terminated with it.
func GetPostgresDSN(t *testing.T) string {
	t.Helper()
	if dsn := os.Getenv("POSTGRES_TEST_DSN"); dsn != "" {
		return dsn
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	pgContainer, err := postgres.Run(t.Context(),
		"postgres:16-alpine",
		postgres.WithDatabase(testDatabase),
		postgres.WithUsername(testUser),
		postgres.WithPassword(testPassword),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := pgContainer.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate postgres container: %v", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(t.Context(), "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}
	return connStr
}

// GetRedisURL returns the URL of a disposable Redis database. REDIS_TEST_ADDR
// wins when set; otherwise a container is started for the test and terminated
// with it.
func GetRedisURL(t *testing.T) string {
	t.Helper()
	if addr := os.Getenv("REDIS_TEST_ADDR"); addr != "" {
		if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
			return addr
		}
		return "redis://" + addr + "/15"
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	redisContainer, err := tcredis.Run(t.Context(), "redis:7-alpine")
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}
	t.Cleanup(func() {
		if err := redisContainer.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate redis container: %v", err)
		}
	})

	url, err := redisContainer.ConnectionString(t.Context())
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}
	return url
}

// NewTestingStore wraps a driver in a migrated Store that is closed with the test.
func NewTestingStore(t *testing.T, driver store.Driver) *store.Store {
	t.Helper()
	s := store.New(driver, &profile.Profile{Mode: "dev"})
	require.NoError(t, s.Migrate(t.Context()))
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Logf("failed to close store: %v", err)
		}
	})
	return s
}

// testRecord builds a persisted-shape record for identity user.
func testRecord(user string, deadline time.Time, contents ...string) *session.Record {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rec := &session.Record{
		Identity:     session.Identity{Platform: "discord", ChannelID: "c1", UserID: user},
		InstanceID:   "instance-" + user,
		Deadline:     deadline,
		State:        session.StateActive,
		Model:        "gpt-4o",
		ContextLimit: 128000,
		CreatedAt:    at,
		UpdatedAt:    at,
	}
	for i, content := range contents {
		turn := session.NewTurn(session.RoleUser, content)
		if i%2 == 1 {
			turn.Role = session.RoleAssistant
		}
		turn.CreatedAt = at.Add(time.Duration(i) * time.Second)
		rec.Turns = append(rec.Turns, turn)
	}
	rec.RecomputeTokens()
	return rec
}

// RunDriverSuite checks the session.Persister contract of a driver. newDriver
// must return an empty driver on every call.
func RunDriverSuite(t *testing.T, newDriver func(t *testing.T) store.Driver) {
	t.Helper()
	future := time.Now().Add(time.Hour).UTC().Round(time.Millisecond)

	t.Run("SaveLoad", func(t *testing.T) {
		s := NewTestingStore(t, newDriver(t))
		ctx := t.Context()

		rec := testRecord("alice", future, "hello", "hi there")
		summary := session.NewTurn(session.RoleSystem, "earlier they said hello")
		summary.CreatedAt = rec.CreatedAt
		rec.Summary = &summary
		rec.RecomputeTokens()
		require.NoError(t, s.Save(ctx, rec))

		got, err := s.Load(ctx, rec.Key())
		require.NoError(t, err)
		assert.Equal(t, rec, got)
	})

	t.Run("SaveOverwrites", func(t *testing.T) {
		s := NewTestingStore(t, newDriver(t))
		ctx := t.Context()

		rec := testRecord("bob", future, "one")
		require.NoError(t, s.Save(ctx, rec))
		rec = testRecord("bob", future.Add(time.Minute), "one", "two", "three")
		require.NoError(t, s.Save(ctx, rec))

		got, err := s.Load(ctx, rec.Key())
		require.NoError(t, err)
		assert.Len(t, got.Turns, 3)
		assert.True(t, rec.Deadline.Equal(got.Deadline))

		all, err := s.LoadAll(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("LoadMissing", func(t *testing.T) {
		s := NewTestingStore(t, newDriver(t))
		_, err := s.Load(t.Context(), "discord:c1:nobody")
		assert.ErrorIs(t, err, session.ErrNotFound)
	})

	t.Run("DeleteIsIdempotent", func(t *testing.T) {
		s := NewTestingStore(t, newDriver(t))
		ctx := t.Context()

		rec := testRecord("carol", future, "bye")
		require.NoError(t, s.Save(ctx, rec))
		require.NoError(t, s.Delete(ctx, rec.Key()))
		require.NoError(t, s.Delete(ctx, rec.Key()))

		_, err := s.Load(ctx, rec.Key())
		assert.ErrorIs(t, err, session.ErrNotFound)
	})

	t.Run("LoadAllSkipsCorrupt", func(t *testing.T) {
		driver := newDriver(t)
		s := NewTestingStore(t, driver)
		ctx := t.Context()

		require.NoError(t, s.Save(ctx, testRecord("dave", future, "a")))
		require.NoError(t, s.Save(ctx, testRecord("erin", future, "b")))
		require.NoError(t, driver.UpsertSessionSnapshot(ctx, &store.SessionSnapshot{
			Key:       "discord:c1:mallory",
			Data:      []byte("{not json"),
			ExpiresTs: future.UnixMilli(),
		}))

		all, err := s.LoadAll(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "dave", all[0].Identity.UserID)
		assert.Equal(t, "erin", all[1].Identity.UserID)

		_, err = s.Load(ctx, "discord:c1:mallory")
		assert.ErrorIs(t, err, session.ErrPersistenceLoad)
	})

	t.Run("ExpiredSnapshots", func(t *testing.T) {
		s := NewTestingStore(t, newDriver(t))
		ctx := t.Context()
		now := time.Now()

		require.NoError(t, s.Save(ctx, testRecord("old", now.Add(-time.Minute), "a")))
		require.NoError(t, s.Save(ctx, testRecord("new", now.Add(time.Hour), "b")))

		keys, err := s.ListExpired(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, []string{"discord:c1:old"}, keys)

		n, err := s.PurgeExpired(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		all, err := s.LoadAll(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, "new", all[0].Identity.UserID)
	})

	t.Run("ConcurrentSaves", func(t *testing.T) {
		s := NewTestingStore(t, newDriver(t))
		ctx := t.Context()

		g, gctx := errgroup.WithContext(ctx)
		for i := range 16 {
			g.Go(func() error {
				return s.Save(gctx, testRecord(fmt.Sprintf("user%02d", i), future, "msg"))
			})
		}
		require.NoError(t, g.Wait())

		all, err := s.LoadAll(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 16)
	})

	t.Run("CrashRecovery", func(t *testing.T) {
		driver := newDriver(t)
		s := NewTestingStore(t, driver)
		ctx := context.Background()
		id := session.Identity{Platform: "slack", ChannelID: "general", UserID: "frank"}

		live, err := session.New(session.DefaultConfig(), s, session.NewMockSummarizer())
		require.NoError(t, err)
		for _, content := range []string{"what is the plan", "ship on friday", "sounds good"} {
			_, err := live.Append(ctx, id, session.NewTurn(session.RoleUser, content))
			require.NoError(t, err)
		}
		want, err := live.History(ctx, id)
		require.NoError(t, err)

		// A new process over the same storage picks the session up.
		restarted, err := session.New(session.DefaultConfig(), s, session.NewMockSummarizer())
		require.NoError(t, err)
		n, err := restarted.Recover(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err := restarted.History(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})
}
