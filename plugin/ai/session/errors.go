package session

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionBusy is returned to non-blocking callers while a session is compacting.
	ErrSessionBusy = errors.New("session is compacting")
	// ErrSummarizationFailed wraps failures of the external summarizer.
	ErrSummarizationFailed = errors.New("summarization failed")
	// ErrPersistenceWrite wraps failures to save or delete a persisted record.
	ErrPersistenceWrite = errors.New("persistence write failed")
	// ErrPersistenceLoad wraps failures to read persisted records.
	ErrPersistenceLoad = errors.New("persistence load failed")
	// ErrNotFound is returned when a session or persisted record does not exist.
	ErrNotFound = errors.New("session not found")
	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("invalid session config")
	// ErrStoreClosed is returned after Shutdown.
	ErrStoreClosed = errors.New("session store closed")
	// ErrInvalidTurn is returned for turns with an unknown role or empty content.
	ErrInvalidTurn = errors.New("invalid turn")
	// ErrInvalidIdentity is returned for identities without user and channel.
	ErrInvalidIdentity = errors.New("invalid session identity")
)

// Error records the failed operation and session key.
type Error struct {
	Op  string
	Key string
	Err error
}

func (e *Error) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("session %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("session %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func opError(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Key: key, Err: err}
}
