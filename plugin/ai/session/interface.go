// Package session keeps short-lived chat history per conversation in memory,
// compacts it against the model's token budget and persists it for crash recovery.
package session

import "context"

// Service is the session cache consumed by inbound message handlers.
type Service interface {
	// GetOrCreate returns the live session for id, creating an empty one on first use.
	GetOrCreate(ctx context.Context, id Identity) (*Record, error)

	// Append adds a turn, compacts if the token budget is exceeded, persists the
	// session and extends its TTL. The returned history is ready for prompting.
	Append(ctx context.Context, id Identity, turn Turn, opts ...AppendOption) (*AppendResult, error)

	// History returns the rendered history without touching the TTL.
	History(ctx context.Context, id Identity) ([]Turn, error)

	// Stats describes one session.
	Stats(ctx context.Context, id Identity) (*Stats, error)

	// Clear drops a session and its persisted entry.
	Clear(ctx context.Context, id Identity) error

	// EvictExpired removes every session whose deadline has passed.
	EvictExpired(ctx context.Context) (int, error)

	// FlushAll persists every session with unsaved changes.
	FlushAll(ctx context.Context) error
}

// Persister stores one whole record per session key. Save overwrites atomically.
// Implementations are called by the Store only.
type Persister interface {
	// Save writes the full record, replacing any previous version.
	Save(ctx context.Context, rec *Record) error

	// Load returns the record for key, or ErrNotFound.
	Load(ctx context.Context, key string) (*Record, error)

	// Delete removes the record for key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// LoadAll returns every decodable record. Entries that cannot be decoded are
	// skipped and logged rather than failing the whole load.
	LoadAll(ctx context.Context) ([]*Record, error)
}

// Summarizer condenses older turns into a summary text. prior is the previous
// summary, if any, so that summaries compose instead of replacing each other.
type Summarizer interface {
	Summarize(ctx context.Context, older []Turn, prior *Turn) (string, error)
}

// SummarizerFunc adapts a function to Summarizer.
type SummarizerFunc func(ctx context.Context, older []Turn, prior *Turn) (string, error)

// Summarize implements Summarizer.
func (f SummarizerFunc) Summarize(ctx context.Context, older []Turn, prior *Turn) (string, error) {
	return f(ctx, older, prior)
}
