// Package storage defines the keyed record store behind the sync service.
// Implementations must provide read-after-write consistency per key and an
// atomic compare-and-swap on the record revision, so two devices racing on
// the same uuid cannot silently lose a write.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a record is missing from storage.
	ErrNotFound = errors.New("storage: record not found")

	// ErrAlreadyExists is returned when creating a record that exists.
	ErrAlreadyExists = errors.New("storage: record already exists")

	// ErrRevisionMismatch is returned when an update lost a race: the
	// stored revision no longer matches the one the caller read.
	ErrRevisionMismatch = errors.New("storage: revision mismatch")
)

// RecordStore manages per-uuid state records.
type RecordStore interface {
	// Get returns the record for uuid, or ErrNotFound.
	Get(ctx context.Context, uuid string) (*StateRecord, error)

	// Create stores a new record at revision 1, or ErrAlreadyExists.
	Create(ctx context.Context, record StateRecord) error

	// Update replaces the record if its stored revision still equals
	// expectedRev, bumping the revision. Returns ErrRevisionMismatch when
	// a concurrent writer got there first, ErrNotFound when the record is
	// gone.
	Update(ctx context.Context, record StateRecord, expectedRev int64) error

	Close() error
}
