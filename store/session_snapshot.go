package store

// SessionSnapshot is one persisted session. Data is the encoded session record;
// drivers treat it as opaque bytes.
type SessionSnapshot struct {
	Key       string
	Data      []byte
	ExpiresTs int64
	UpdatedTs int64
}

type FindSessionSnapshot struct {
	Key *string
	// ExpiresBefore selects snapshots whose deadline is strictly before the timestamp.
	ExpiresBefore *int64
	Limit         *int
}

type DeleteSessionSnapshot struct {
	Key           *string
	ExpiresBefore *int64
}
