// Package memory implements the record store in process memory, for
// tests and single-node deployments that do not want a Redis.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/yiays/timewarden/internal/storage"
)

// Store implements storage.RecordStore on a mutex-guarded map.
type Store struct {
	mu      sync.Mutex
	records map[string]storage.StateRecord
}

// Open creates an empty in-memory record store.
func Open() *Store {
	return &Store{records: make(map[string]storage.StateRecord)}
}

func (s *Store) Get(ctx context.Context, id string) (*storage.StateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := rec
	copied.CredentialSet = append([]uuid.UUID(nil), rec.CredentialSet...)
	return &copied, nil
}

func (s *Store) Create(ctx context.Context, record storage.StateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[record.UUID]; ok {
		return storage.ErrAlreadyExists
	}
	record.Rev = 1
	s.records[record.UUID] = record
	return nil
}

func (s *Store) Update(ctx context.Context, record storage.StateRecord, expectedRev int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.records[record.UUID]
	if !ok {
		return storage.ErrNotFound
	}
	if stored.Rev != expectedRev {
		return storage.ErrRevisionMismatch
	}
	record.Rev = expectedRev + 1
	s.records[record.UUID] = record
	return nil
}

func (s *Store) Close() error {
	return nil
}
