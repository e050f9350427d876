package stores

import "errors"

var (
	// ErrNotFound is returned for missing or expired records.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a conditional write lost a race.
	ErrConflict = errors.New("record modified concurrently")
	// ErrExists is returned when creating a record whose key is taken.
	ErrExists = errors.New("record already exists")
	// ErrBackend wraps Redis failures.
	ErrBackend = errors.New("store backend unavailable")
	// ErrCorrupt is returned for payloads that cannot be decoded.
	ErrCorrupt = errors.New("record corrupt")
)
