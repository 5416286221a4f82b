package session

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a session.
type State string

const (
	StateActive     State = "ACTIVE"
	StateCompacting State = "COMPACTING"
	StateExpired    State = "EXPIRED"
)

// Record is a point-in-time copy of one session. It is also the persisted layout.
type Record struct {
	Identity        Identity  `json:"identity"`
	InstanceID      string    `json:"instance_id"`
	Turns           []Turn    `json:"turns"`
	Summary         *Turn     `json:"compact_summary,omitempty"`
	SummaryTokens   int       `json:"compact_summary_tokens"`
	AggregateTokens int       `json:"aggregate_tokens"`
	Deadline        time.Time `json:"ttl_deadline"`
	State           State     `json:"state"`
	Model           string    `json:"model,omitempty"`
	ContextLimit    int       `json:"model_context_limit"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	Compactions     int       `json:"compactions"`
	DroppedTurns    int       `json:"dropped_turns"`
}

// Key returns the session key of the record.
func (r *Record) Key() string {
	return r.Identity.Key()
}

// Expired reports whether now is past the deadline.
func (r *Record) Expired(now time.Time) bool {
	return now.After(r.Deadline)
}

// Validate checks the fields a restored record needs.
func (r *Record) Validate() error {
	if r.Identity.IsZero() {
		return fmt.Errorf("%w: record has empty identity", ErrInvalidIdentity)
	}
	if r.Deadline.IsZero() {
		return fmt.Errorf("record %s has no deadline", r.Key())
	}
	for i := range r.Turns {
		if !r.Turns[i].Role.Valid() {
			return fmt.Errorf("record %s turn %d: %w: role %q", r.Key(), i, ErrInvalidTurn, r.Turns[i].Role)
		}
	}
	return nil
}

// RecomputeTokens rebuilds the cached token totals from the per-turn counts and
// reports whether they differed.
func (r *Record) RecomputeTokens() bool {
	summaryTokens := 0
	if r.Summary != nil {
		summaryTokens = r.Summary.TokenCount
	}
	aggregate := sumTokens(r.Turns) + summaryTokens
	changed := summaryTokens != r.SummaryTokens || aggregate != r.AggregateTokens
	r.SummaryTokens = summaryTokens
	r.AggregateTokens = aggregate
	return changed
}

// entry is the live, mutable session held by the Store.
//
// mu guards every field below it except removed. persistMu orders persistence
// I/O for one key and is shared with any entry that replaces this one, so a
// delete of the old entry can never land after a save of the new one.
type entry struct {
	persistMu *sync.Mutex
	// savedVersion is guarded by persistMu.
	savedVersion uint64

	removed atomic.Bool

	mu            sync.Mutex
	instanceID    string
	identity      Identity
	turns         []Turn
	summary       *Turn
	summaryTokens int
	aggregate     int
	deadline      time.Time
	state         State
	model         string
	limit         int
	createdAt     time.Time
	updatedAt     time.Time
	compactions   int
	droppedTurns  int
	version       uint64
	// compactDone is closed when the running compaction finishes.
	compactDone chan struct{}
}

func newEntry(id Identity, persistMu *sync.Mutex, model string, limit int, now time.Time, ttl time.Duration) *entry {
	if persistMu == nil {
		persistMu = new(sync.Mutex)
	}
	now = normalizeTime(now)
	return &entry{
		persistMu:  persistMu,
		instanceID: uuid.NewString(),
		identity:   id,
		deadline:   now.Add(ttl),
		state:      StateActive,
		model:      model,
		limit:      limit,
		createdAt:  now,
		updatedAt:  now,
	}
}

// restore loads a persisted record into a fresh entry. The entry starts clean:
// what is on disk is what it holds.
func restoreEntry(rec *Record, persistMu *sync.Mutex) *entry {
	e := &entry{
		persistMu:    persistMu,
		instanceID:   rec.InstanceID,
		identity:     rec.Identity,
		turns:        cloneTurns(rec.Turns),
		deadline:     normalizeTime(rec.Deadline),
		state:        rec.State,
		model:        rec.Model,
		limit:        rec.ContextLimit,
		createdAt:    normalizeTime(rec.CreatedAt),
		updatedAt:    normalizeTime(rec.UpdatedAt),
		compactions:  rec.Compactions,
		droppedTurns: rec.DroppedTurns,
	}
	if e.persistMu == nil {
		e.persistMu = new(sync.Mutex)
	}
	if e.instanceID == "" {
		e.instanceID = uuid.NewString()
	}
	if rec.Summary != nil {
		s := *rec.Summary
		e.summary = &s
	}
	// A crash mid-compaction leaves nothing to wait for.
	if e.state != StateActive {
		e.state = StateActive
	}
	e.recompute()
	return e
}

// recompute rebuilds the cached totals. Caller holds mu.
func (e *entry) recompute() {
	e.summaryTokens = 0
	if e.summary != nil {
		e.summaryTokens = e.summary.TokenCount
	}
	e.aggregate = sumTokens(e.turns) + e.summaryTokens
}

// touch slides the deadline forward. It never moves backward. Caller holds mu.
func (e *entry) touch(now time.Time, ttl time.Duration) {
	now = normalizeTime(now)
	if next := now.Add(ttl); next.After(e.deadline) {
		e.deadline = next
	}
	if now.After(e.updatedAt) {
		e.updatedAt = now
	}
}

// markDirty records a mutation that needs persisting. Caller holds mu.
func (e *entry) markDirty() {
	e.version++
}

// snapshot copies the entry. Caller holds mu.
func (e *entry) snapshot() *Record {
	rec := &Record{
		Identity:        e.identity,
		InstanceID:      e.instanceID,
		Turns:           cloneTurns(e.turns),
		SummaryTokens:   e.summaryTokens,
		AggregateTokens: e.aggregate,
		Deadline:        e.deadline,
		State:           e.state,
		Model:           e.model,
		ContextLimit:    e.limit,
		CreatedAt:       e.createdAt,
		UpdatedAt:       e.updatedAt,
		Compactions:     e.compactions,
		DroppedTurns:    e.droppedTurns,
	}
	if e.summary != nil {
		s := *e.summary
		rec.Summary = &s
	}
	return rec
}

// history renders the summary and turns for prompting. Caller holds mu.
func (e *entry) history() []Turn {
	return renderHistory(e.summary, e.turns)
}

const (
	summaryHeader = "[Conversation Summary]"
	summaryFooter = "[End Summary]"
)

// renderHistory places the compact summary first as a system turn, followed by
// the retained turns in conversation order.
func renderHistory(summary *Turn, turns []Turn) []Turn {
	out := make([]Turn, 0, len(turns)+1)
	if summary != nil {
		s := *summary
		s.Role = RoleSystem
		s.Content = strings.Join([]string{summaryHeader, summary.Content, summaryFooter}, "\n")
		out = append(out, s)
	}
	return append(out, turns...)
}
