package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hrygo/sessioncache/plugin/ai/metrics"
	"github.com/hrygo/sessioncache/plugin/ai/tokens"
)

// Operation and event names reported to the metrics recorder.
const (
	OpAppend    = "append"
	OpSummarize = "summarize"
	OpSave      = "save"
	OpDelete    = "delete"

	EventCompaction        = "compaction"
	EventCompactionFailure = "compaction_failure"
	EventTruncation        = "truncation"
	EventEviction          = "eviction"
	EventPersistFailure    = "persist_failure"
	EventRecovered         = "recovered"
	EventSkippedOnLoad     = "skipped_on_load"
)

// flushConcurrency bounds parallel saves during FlushAll.
const flushConcurrency = 8

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithCounter sets the token counter used to resolve model limits.
func WithCounter(counter *tokens.Counter) Option {
	return func(s *Store) {
		s.counter = counter
	}
}

// WithMetrics sets the metrics recorder. The default is an in-memory Aggregator.
func WithMetrics(recorder metrics.Recorder) Option {
	return func(s *Store) {
		if recorder != nil {
			s.recorder = recorder
		}
	}
}

// AppendOption adjusts a single Append call.
type AppendOption func(*appendOptions)

type appendOptions struct {
	model       string
	nonBlocking bool
}

// WithModel switches the session to model and its context limit.
func WithModel(model string) AppendOption {
	return func(o *appendOptions) {
		o.model = model
	}
}

// WithNonBlocking makes Append fail with ErrSessionBusy instead of waiting for a
// running compaction.
func WithNonBlocking() AppendOption {
	return func(o *appendOptions) {
		o.nonBlocking = true
	}
}

// AppendResult is returned by Append.
type AppendResult struct {
	// History is the rendered history, summary first, ready for prompting.
	History      []Turn
	WasCompacted bool
	// Truncated is set when summarization failed above the hard ceiling and the
	// oldest turns were dropped without a summary.
	Truncated    bool
	DroppedTurns int
	// OverBudget is set when the session still exceeds its budget after this
	// append. Callers may use TrimToBudget on History.
	OverBudget      bool
	AggregateTokens int
	// CompactionErr holds the summarizer failure, if compaction was attempted and failed.
	CompactionErr error
	// Persisted is false when the save failed; it is retried on the next mutation.
	Persisted bool
	Call      CallContext
}

// Stats describes one session.
type Stats struct {
	Key             string        `json:"key"`
	Identity        Identity      `json:"identity"`
	InstanceID      string        `json:"instance_id"`
	State           State         `json:"state"`
	TurnCount       int           `json:"turn_count"`
	AggregateTokens int           `json:"aggregate_tokens"`
	SummaryTokens   int           `json:"summary_tokens"`
	HasSummary      bool          `json:"has_summary"`
	Model           string        `json:"model"`
	ContextLimit    int           `json:"context_limit"`
	Budget          int           `json:"budget"`
	CreatedAt       time.Time     `json:"created_at"`
	LastActivity    time.Time     `json:"last_activity"`
	Deadline        time.Time     `json:"deadline"`
	ExpiresIn       time.Duration `json:"expires_in"`
	Compactions     int           `json:"compactions"`
	DroppedTurns    int           `json:"dropped_turns"`
}

// Store is the in-memory session cache. It owns the map from session key to
// live session and serializes mutation per session.
type Store struct {
	cfg       Config
	persister Persister
	compactor *Compactor
	counter   *tokens.Counter
	recorder  metrics.Recorder
	logger    *slog.Logger
	now       func() time.Time

	// mu guards entries only; it is never held across I/O or summarization.
	mu      sync.Mutex
	entries map[string]*entry

	closed atomic.Bool
	sweep  *SweepJob
}

var _ Service = (*Store)(nil)

// New creates a Store. The config is validated here; an invalid config is a
// startup error.
func New(cfg Config, persister Persister, summarizer Summarizer, opts ...Option) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if persister == nil {
		return nil, fmt.Errorf("%w: persister is required", ErrInvalidConfig)
	}

	s := &Store{
		cfg:       cfg,
		persister: persister,
		recorder:  metrics.NewAggregator(),
		logger:    slog.Default(),
		now:       time.Now,
		entries:   make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.counter == nil {
		s.counter = tokens.NewCounter(nil, s.logger)
	}
	s.compactor = NewCompactor(cfg, summarizer, s.logger)
	s.sweep = NewSweepJob(s, cfg.SweepInterval, s.logger)
	return s, nil
}

// Config returns the store configuration.
func (s *Store) Config() Config {
	return s.cfg
}

// Compactor returns the compaction engine.
func (s *Store) Compactor() *Compactor {
	return s.compactor
}

// Sweeper returns the background TTL sweep job.
func (s *Store) Sweeper() *SweepJob {
	return s.sweep
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Metrics returns aggregated metrics when the recorder is an Aggregator.
func (s *Store) Metrics() *metrics.Snapshot {
	if agg, ok := s.recorder.(*metrics.Aggregator); ok {
		return agg.Snapshot()
	}
	return nil
}

// Start begins the background TTL sweep.
func (s *Store) Start(ctx context.Context) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	return s.sweep.Start(ctx)
}

// Shutdown stops the sweep, waits for running compactions, flushes every
// session and drops them from memory. Later calls are no-ops.
func (s *Store) Shutdown(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.sweep.Stop()

	for _, e := range s.list() {
		e.mu.Lock()
		done := e.compactDone
		e.mu.Unlock()
		if done == nil {
			continue
		}
		select {
		case <-done:
		case <-ctx.Done():
		}
	}

	err := s.FlushAll(ctx)

	s.mu.Lock()
	n := len(s.entries)
	s.entries = make(map[string]*entry)
	s.mu.Unlock()

	s.logger.Info("session store shut down", "sessions", n, "flush_error", err)
	return err
}

// Recover loads every persisted session into memory. Records that fail
// validation are skipped, expired records are deleted, and sessions already
// live in memory are left alone.
func (s *Store) Recover(ctx context.Context) (int, error) {
	if s.closed.Load() {
		return 0, ErrStoreClosed
	}

	recs, err := s.persister.LoadAll(ctx)
	if err != nil {
		return 0, opError("recover", "", fmt.Errorf("%w: %w", ErrPersistenceLoad, err))
	}

	now := s.now()
	var restored, skipped, expired int
	for _, rec := range recs {
		if rec == nil {
			continue
		}
		if err := rec.Validate(); err != nil {
			skipped++
			s.recorder.Incr(EventSkippedOnLoad, 1)
			s.logger.Warn("skipping invalid persisted session", "key", rec.Key(), "error", err)
			continue
		}
		key := rec.Key()
		if rec.Expired(now) {
			expired++
			if err := s.deletePersisted(ctx, key); err != nil {
				s.logger.Warn("failed to delete expired persisted session", "key", key, "error", err)
			}
			continue
		}
		if rec.RecomputeTokens() {
			s.logger.Warn("persisted token totals were stale, recomputed",
				"key", key, "aggregate_tokens", rec.AggregateTokens)
		}
		if rec.ContextLimit <= 0 {
			rec.Model, rec.ContextLimit = s.resolveModel(ctx, rec.Model)
		}

		e := restoreEntry(rec, nil)
		s.mu.Lock()
		if _, exists := s.entries[key]; exists {
			s.mu.Unlock()
			continue
		}
		s.entries[key] = e
		s.mu.Unlock()
		restored++
	}

	s.recorder.Incr(EventRecovered, int64(restored))
	s.logger.Info("sessions recovered",
		"restored", restored, "skipped", skipped, "expired", expired)
	return restored, nil
}

// GetOrCreate returns a copy of the live session for id, creating it if needed.
// It does not extend the TTL.
func (s *Store) GetOrCreate(ctx context.Context, id Identity) (*Record, error) {
	if id.IsZero() {
		return nil, opError("get", "", ErrInvalidIdentity)
	}
	e, err := s.getOrCreate(ctx, id, "")
	if err != nil {
		return nil, opError("get", id.Key(), err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot(), nil
}

// Append adds turn to the session, compacting and persisting as needed.
func (s *Store) Append(ctx context.Context, id Identity, turn Turn, opts ...AppendOption) (*AppendResult, error) {
	start := time.Now()
	res, err := s.append(ctx, id, turn, opts...)
	s.recorder.RecordOperation(OpAppend, time.Since(start), err == nil)
	return res, err
}

func (s *Store) append(ctx context.Context, id Identity, turn Turn, opts ...AppendOption) (*AppendResult, error) {
	if id.IsZero() {
		return nil, opError("append", "", ErrInvalidIdentity)
	}
	key := id.Key()

	var o appendOptions
	for _, opt := range opts {
		opt(&o)
	}

	turn, err := turn.prepare(s.now())
	if err != nil {
		return nil, opError("append", key, err)
	}

	var switchModel string
	var switchLimit int
	if o.model != "" {
		switchModel, switchLimit = s.resolveModel(ctx, o.model)
	}

	for {
		e, err := s.getOrCreate(ctx, id, o.model)
		if err != nil {
			return nil, opError("append", key, err)
		}

		e.mu.Lock()
		if e.removed.Load() {
			// Evicted or cleared between lookup and lock; the next lookup builds a new session.
			e.mu.Unlock()
			continue
		}
		if e.state == StateCompacting {
			done := e.compactDone
			e.mu.Unlock()
			if o.nonBlocking {
				return nil, opError("append", key, ErrSessionBusy)
			}
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return nil, opError("append", key, ctx.Err())
			}
		}

		if switchModel != "" && switchModel != e.model {
			e.model, e.limit = switchModel, switchLimit
		}
		e.turns = append(e.turns, turn)
		e.aggregate += turn.TokenCount
		e.touch(s.now(), s.cfg.TTL)
		e.markDirty()

		res := &AppendResult{}
		if s.compactor.NeedsCompaction(e.aggregate, e.limit) {
			s.compactLocked(ctx, e, res)
		}
		res.History = e.history()
		res.AggregateTokens = e.aggregate
		res.Call = CallContext{
			Identity:     e.identity,
			Model:        e.model,
			ContextLimit: e.limit,
			Budget:       s.compactor.Budget(e.limit),
		}
		e.mu.Unlock()

		res.Persisted = s.persist(ctx, e) == nil
		return res, nil
	}
}

// compactLocked condenses the older turns of e. It is entered and left with
// e.mu held, but releases it while the summarizer runs; the COMPACTING state
// keeps other writers out meanwhile.
func (s *Store) compactLocked(ctx context.Context, e *entry, res *AppendResult) {
	key := e.identity.Key()
	budget := s.compactor.Budget(e.limit)

	older, _ := s.compactor.Partition(e.turns)
	if len(older) == 0 {
		res.OverBudget = true
		s.logger.Warn("session over budget with nothing older to compact",
			"key", key, "aggregate_tokens", e.aggregate, "budget", budget, "turns", len(e.turns))
		return
	}

	olderCopy := cloneTurns(older)
	var prior *Turn
	if e.summary != nil {
		p := *e.summary
		prior = &p
	}
	before := e.aggregate
	done := make(chan struct{})
	e.state = StateCompacting
	e.compactDone = done
	e.mu.Unlock()

	s.logger.Debug("session compaction started",
		"key", key, "older_turns", len(olderCopy), "aggregate_tokens", before, "budget", budget)

	start := time.Now()
	summary, err := s.compactor.Summarize(ctx, olderCopy, prior)
	s.recorder.RecordOperation(OpSummarize, time.Since(start), err == nil)

	e.mu.Lock()
	e.state = StateActive
	e.compactDone = nil
	close(done)

	n := len(olderCopy)
	if err != nil {
		res.CompactionErr = err
		s.recorder.Incr(EventCompactionFailure, 1)
		s.logger.Warn("session compaction failed",
			"key", key, "older_turns", n, "aggregate_tokens", e.aggregate, "error", err)

		drop, freed := s.compactor.FallbackDrop(e.turns[:n], e.aggregate, e.limit)
		if drop > 0 {
			e.turns = cloneTurns(e.turns[drop:])
			e.recompute()
			e.droppedTurns += drop
			e.markDirty()
			res.Truncated = true
			res.DroppedTurns = drop
			s.recorder.Incr(EventTruncation, 1)
			s.logger.Warn("dropped oldest turns after summarization failure",
				"key", key, "dropped_turns", drop, "freed_tokens", freed,
				"aggregate_tokens", e.aggregate, "context_limit", e.limit)
		}
		res.OverBudget = s.compactor.NeedsCompaction(e.aggregate, e.limit)
		return
	}

	e.summary = &summary
	e.turns = cloneTurns(e.turns[n:])
	e.recompute()
	e.compactions++
	e.touch(s.now(), s.cfg.TTL)
	e.markDirty()
	res.WasCompacted = true
	res.OverBudget = s.compactor.NeedsCompaction(e.aggregate, e.limit)
	s.recorder.Incr(EventCompaction, 1)
	s.logger.Info("session compacted",
		"key", key, "summarized_turns", n, "retained_turns", len(e.turns),
		"tokens_before", before, "tokens_after", e.aggregate)
	if res.OverBudget {
		s.logger.Warn("session still over budget after compaction",
			"key", key, "aggregate_tokens", e.aggregate, "budget", budget)
	}
}

// History returns the rendered history of a live session.
func (s *Store) History(_ context.Context, id Identity) ([]Turn, error) {
	e := s.lookup(id.Key())
	if e == nil {
		return nil, opError("history", id.Key(), ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed.Load() {
		return nil, opError("history", id.Key(), ErrNotFound)
	}
	return e.history(), nil
}

// Snapshot returns a copy of a live session.
func (s *Store) Snapshot(_ context.Context, id Identity) (*Record, error) {
	e := s.lookup(id.Key())
	if e == nil {
		return nil, opError("snapshot", id.Key(), ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed.Load() {
		return nil, opError("snapshot", id.Key(), ErrNotFound)
	}
	return e.snapshot(), nil
}

// Stats describes a live session.
func (s *Store) Stats(_ context.Context, id Identity) (*Stats, error) {
	e := s.lookup(id.Key())
	if e == nil {
		return nil, opError("stats", id.Key(), ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed.Load() {
		return nil, opError("stats", id.Key(), ErrNotFound)
	}

	expiresIn := e.deadline.Sub(s.now())
	if expiresIn < 0 {
		expiresIn = 0
	}
	return &Stats{
		Key:             e.identity.Key(),
		Identity:        e.identity,
		InstanceID:      e.instanceID,
		State:           e.state,
		TurnCount:       len(e.turns),
		AggregateTokens: e.aggregate,
		SummaryTokens:   e.summaryTokens,
		HasSummary:      e.summary != nil,
		Model:           e.model,
		ContextLimit:    e.limit,
		Budget:          s.compactor.Budget(e.limit),
		CreatedAt:       e.createdAt,
		LastActivity:    e.updatedAt,
		Deadline:        e.deadline,
		ExpiresIn:       expiresIn,
		Compactions:     e.compactions,
		DroppedTurns:    e.droppedTurns,
	}, nil
}

// Clear drops a live session and its persisted entry. A running compaction is
// waited for first.
func (s *Store) Clear(ctx context.Context, id Identity) error {
	key := id.Key()
	for {
		e := s.lookup(key)
		if e == nil {
			return opError("clear", key, ErrNotFound)
		}
		removed, wait, err := s.remove(ctx, e, false)
		if wait != nil {
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return opError("clear", key, ctx.Err())
			}
		}
		if !removed {
			continue
		}
		if err == nil {
			s.logger.Info("session cleared", "key", key)
		}
		return err
	}
}

// EvictExpired removes every session whose deadline has passed and deletes its
// persisted entry. Sessions that are compacting are skipped; they were just
// appended to and so are not expired. Safe to call at any time.
func (s *Store) EvictExpired(ctx context.Context) (int, error) {
	var (
		evicted int
		errs    []error
	)
	for _, e := range s.list() {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		removed, _, err := s.remove(ctx, e, true)
		if removed {
			evicted++
		}
		if err != nil {
			errs = append(errs, err)
		}
	}

	if evicted > 0 {
		s.recorder.Incr(EventEviction, int64(evicted))
		s.logger.Info("expired sessions evicted", "evicted", evicted, "remaining", s.Len())
	}
	return evicted, errors.Join(errs...)
}

// FlushAll persists every session with unsaved changes.
func (s *Store) FlushAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(flushConcurrency)
	for _, e := range s.list() {
		g.Go(func() error {
			return s.persist(gctx, e)
		})
	}
	return g.Wait()
}

// remove takes e out of service and deletes its persisted entry. With
// expiredOnly it acts only on sessions past their deadline. A compacting
// session is never removed; for a non-expiry removal its completion channel is
// returned so the caller can wait and retry.
func (s *Store) remove(ctx context.Context, e *entry, expiredOnly bool) (bool, <-chan struct{}, error) {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	e.mu.Lock()
	if e.removed.Load() {
		e.mu.Unlock()
		return false, nil, nil
	}
	if e.state == StateCompacting {
		done := e.compactDone
		e.mu.Unlock()
		if expiredOnly {
			return false, nil, nil
		}
		return false, done, nil
	}
	if expiredOnly && !s.now().After(e.deadline) {
		e.mu.Unlock()
		return false, nil, nil
	}
	e.state = StateExpired
	e.removed.Store(true)
	key := e.identity.Key()
	e.mu.Unlock()

	err := s.deletePersisted(ctx, key)

	s.mu.Lock()
	if s.entries[key] == e {
		delete(s.entries, key)
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("failed to delete persisted session", "key", key, "error", err)
		return true, nil, opError("delete", key, fmt.Errorf("%w: %w", ErrPersistenceWrite, err))
	}
	return true, nil, nil
}

// persist saves e if it changed since its last successful save. Saves for one
// key are ordered by persistMu, and a stale snapshot can never overwrite a newer
// one because the snapshot is taken after persistMu is held.
func (s *Store) persist(ctx context.Context, e *entry) error {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	e.mu.Lock()
	if e.removed.Load() || e.version == e.savedVersion {
		e.mu.Unlock()
		return nil
	}
	rec := e.snapshot()
	version := e.version
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PersistTimeout)
	defer cancel()

	start := time.Now()
	err := s.persister.Save(ctx, rec)
	s.recorder.RecordOperation(OpSave, time.Since(start), err == nil)
	if err != nil {
		s.recorder.Incr(EventPersistFailure, 1)
		s.logger.Warn("failed to persist session, retrying on next mutation",
			"key", rec.Key(), "version", version, "error", err)
		return opError("save", rec.Key(), fmt.Errorf("%w: %w", ErrPersistenceWrite, err))
	}
	e.savedVersion = version
	return nil
}

func (s *Store) deletePersisted(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PersistTimeout)
	defer cancel()

	start := time.Now()
	err := s.persister.Delete(ctx, key)
	s.recorder.RecordOperation(OpDelete, time.Since(start), err == nil)
	if err != nil {
		s.recorder.Incr(EventPersistFailure, 1)
	}
	return err
}

// getOrCreate returns the live, unexpired entry for id or inserts a new empty
// one. An entry found past its deadline is dropped together with its persisted
// copy before the new one is created. Lookup and insert happen under the map
// lock, so one identity never gets two entries.
func (s *Store) getOrCreate(ctx context.Context, id Identity, model string) (*entry, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	key := id.Key()
	for {
		e := s.lookup(key)
		if e == nil {
			break
		}
		if !s.isExpired(e) {
			return e, nil
		}
		removed, _, err := s.remove(ctx, e, true)
		if removed {
			s.recorder.Incr(EventEviction, 1)
			s.logger.Info("expired session dropped on access", "key", key)
		}
		if err != nil {
			s.logger.Warn("expired session dropped from memory only", "key", key, "error", err)
		}
	}

	// Resolve outside the map lock; a registry miss may block briefly.
	model, limit := s.resolveModel(ctx, model)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	var persistMu *sync.Mutex
	if cur := s.entries[key]; cur != nil {
		if !cur.removed.Load() {
			return cur, nil
		}
		persistMu = cur.persistMu
	}
	e := newEntry(id, persistMu, model, limit, s.now(), s.cfg.TTL)
	s.entries[key] = e
	s.logger.Debug("session created", "key", key, "model", model, "context_limit", limit)
	return e, nil
}

// isExpired reports whether e is past its deadline. A compacting entry is
// never expired.
func (s *Store) isExpired(e *entry) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state != StateCompacting && s.now().After(e.deadline)
}

func (s *Store) lookup(key string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.entries[key]; e != nil && !e.removed.Load() {
		return e
	}
	return nil
}

func (s *Store) list() []*entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out
}

func (s *Store) resolveModel(ctx context.Context, model string) (string, int) {
	if model == "" {
		model = s.cfg.DefaultModel
	}
	return model, s.counter.ContextLimitFor(ctx, model)
}
