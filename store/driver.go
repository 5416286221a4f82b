package store

import (
	"context"
	"database/sql"
)

// Driver is an interface for store driver.
// It contains all methods that a session persistence backend should implement.
type Driver interface {
	Close() error

	// SessionSnapshot model related methods.
	// UpsertSessionSnapshot replaces the whole row for the key in one write.
	UpsertSessionSnapshot(ctx context.Context, upsert *SessionSnapshot) error
	// GetSessionSnapshot returns nil, nil when the key does not exist.
	GetSessionSnapshot(ctx context.Context, key string) (*SessionSnapshot, error)
	ListSessionSnapshots(ctx context.Context, find *FindSessionSnapshot) ([]*SessionSnapshot, error)
	// DeleteSessionSnapshot returns the number of rows removed.
	DeleteSessionSnapshot(ctx context.Context, delete *DeleteSessionSnapshot) (int, error)
}

// SQLDriver is implemented by drivers backed by database/sql. The migrator
// only runs against these.
type SQLDriver interface {
	Driver

	GetDB() *sql.DB
	// Dialect names the migration directory, e.g. "sqlite" or "postgres".
	Dialect() string
	IsInitialized(ctx context.Context) (bool, error)
}
