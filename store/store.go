package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/sessioncache/internal/profile"
	"github.com/hrygo/sessioncache/plugin/ai/session"
)

// Store persists session records through a Driver. It implements session.Persister.
type Store struct {
	profile *profile.Profile
	driver  Driver
	logger  *slog.Logger
}

var _ session.Persister = (*Store)(nil)

// New creates a new instance of Store.
func New(driver Driver, profile *profile.Profile) *Store {
	return &Store{
		driver:  driver,
		profile: profile,
		logger:  slog.Default().With("component", "store"),
	}
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

func (s *Store) Close() error {
	return s.driver.Close()
}

// Save encodes rec and replaces the stored snapshot for its key.
func (s *Store) Save(ctx context.Context, rec *session.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "failed to encode session record")
	}
	snapshot := &SessionSnapshot{
		Key:       rec.Key(),
		Data:      data,
		ExpiresTs: rec.Deadline.UnixMilli(),
		UpdatedTs: rec.UpdatedAt.UnixMilli(),
	}
	if err := s.driver.UpsertSessionSnapshot(ctx, snapshot); err != nil {
		return errors.Wrapf(err, "failed to save session %s", snapshot.Key)
	}
	return nil
}

// Load returns the record for key or session.ErrNotFound.
func (s *Store) Load(ctx context.Context, key string) (*session.Record, error) {
	snapshot, err := s.driver.GetSessionSnapshot(ctx, key)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load session %s", key)
	}
	if snapshot == nil {
		return nil, session.ErrNotFound
	}
	return decodeSnapshot(snapshot)
}

// Delete removes the snapshot for key. A missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.driver.DeleteSessionSnapshot(ctx, &DeleteSessionSnapshot{Key: &key}); err != nil {
		return errors.Wrapf(err, "failed to delete session %s", key)
	}
	return nil
}

// LoadAll returns every decodable record. Corrupt snapshots are logged and skipped.
func (s *Store) LoadAll(ctx context.Context) ([]*session.Record, error) {
	snapshots, err := s.driver.ListSessionSnapshots(ctx, &FindSessionSnapshot{})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list sessions")
	}

	records := make([]*session.Record, 0, len(snapshots))
	for _, snapshot := range snapshots {
		rec, err := decodeSnapshot(snapshot)
		if err != nil {
			s.logger.Warn("skipping corrupt session snapshot",
				"key", snapshot.Key,
				"bytes", len(snapshot.Data),
				"error", err,
			)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// ListExpired returns the keys of snapshots whose deadline is before now.
func (s *Store) ListExpired(ctx context.Context, now time.Time) ([]string, error) {
	before := now.UnixMilli()
	snapshots, err := s.driver.ListSessionSnapshots(ctx, &FindSessionSnapshot{ExpiresBefore: &before})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list expired sessions")
	}
	keys := make([]string, 0, len(snapshots))
	for _, snapshot := range snapshots {
		keys = append(keys, snapshot.Key)
	}
	return keys, nil
}

// PurgeExpired deletes every snapshot whose deadline is before now. It works on
// the persisted copies only and is meant for offline maintenance.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	before := now.UnixMilli()
	n, err := s.driver.DeleteSessionSnapshot(ctx, &DeleteSessionSnapshot{ExpiresBefore: &before})
	if err != nil {
		return 0, errors.Wrap(err, "failed to purge expired sessions")
	}
	if n > 0 {
		s.logger.Info("purged expired session snapshots", "count", n)
	}
	return n, nil
}

func decodeSnapshot(snapshot *SessionSnapshot) (*session.Record, error) {
	var rec session.Record
	if err := json.Unmarshal(snapshot.Data, &rec); err != nil {
		return nil, fmt.Errorf("%w: session %s: %w", session.ErrPersistenceLoad, snapshot.Key, err)
	}
	if rec.Key() != snapshot.Key {
		return nil, fmt.Errorf("%w: snapshot key %s holds session %s", session.ErrPersistenceLoad, snapshot.Key, rec.Key())
	}
	return &rec, nil
}
