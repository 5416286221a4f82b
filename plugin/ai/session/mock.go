package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MockPersister is an in-memory Persister for testing. Records are stored as
// JSON so that tests exercise the same encoding as real drivers.
type MockPersister struct {
	mu      sync.RWMutex
	records map[string][]byte

	// SaveErr, DeleteErr and LoadErr are returned when set.
	SaveErr   error
	DeleteErr error
	LoadErr   error

	saves   int
	deletes int
}

// NewMockPersister creates an empty MockPersister.
func NewMockPersister() *MockPersister {
	return &MockPersister{
		records: make(map[string][]byte),
	}
}

// Save stores a copy of rec.
func (m *MockPersister) Save(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	m.records[rec.Key()] = data
	m.saves++
	return nil
}

// Load returns the stored record or ErrNotFound.
func (m *MockPersister) Load(_ context.Context, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	data, ok := m.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record %s: %w", key, err)
	}
	return &rec, nil
}

// Delete removes the stored record.
func (m *MockPersister) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	delete(m.records, key)
	m.deletes++
	return nil
}

// LoadAll returns every decodable record, sorted by key.
func (m *MockPersister) LoadAll(_ context.Context) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	keys := make([]string, 0, len(m.records))
	for k := range m.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]*Record, 0, len(keys))
	for _, k := range keys {
		var rec Record
		if err := json.Unmarshal(m.records[k], &rec); err != nil {
			continue
		}
		out = append(out, &rec)
	}
	return out, nil
}

// PutRaw stores raw bytes under key, for corrupt-record tests.
func (m *MockPersister) PutRaw(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[key] = data
}

// Has reports whether key is stored.
func (m *MockPersister) Has(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[key]
	return ok
}

// Len returns the number of stored records.
func (m *MockPersister) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Saves returns the number of successful saves.
func (m *MockPersister) Saves() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}

// SetSaveErr sets SaveErr under the lock.
func (m *MockPersister) SetSaveErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SaveErr = err
}

var _ Persister = (*MockPersister)(nil)

// MockSummarizer returns a short deterministic summary and records its calls.
type MockSummarizer struct {
	mu     sync.Mutex
	calls  int
	priors []*Turn

	// Err is returned when set.
	Err error
	// Block, when set, is waited on before returning.
	Block chan struct{}
	// Started, when set, receives a value when a call begins.
	Started chan struct{}
}

// NewMockSummarizer creates a MockSummarizer.
func NewMockSummarizer() *MockSummarizer {
	return &MockSummarizer{}
}

// Summarize implements Summarizer.
func (m *MockSummarizer) Summarize(ctx context.Context, older []Turn, prior *Turn) (string, error) {
	m.mu.Lock()
	m.calls++
	m.priors = append(m.priors, prior)
	err := m.Err
	block := m.Block
	started := m.Started
	m.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "summary of %d turns", len(older))
	if prior != nil {
		b.WriteString(" plus prior")
	}
	return b.String(), nil
}

// Calls returns the number of Summarize calls.
func (m *MockSummarizer) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Priors returns the prior summaries passed to each call.
func (m *MockSummarizer) Priors() []*Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Turn, len(m.priors))
	copy(out, m.priors)
	return out
}

// SetErr sets Err under the lock.
func (m *MockSummarizer) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Err = err
}

var _ Summarizer = (*MockSummarizer)(nil)
