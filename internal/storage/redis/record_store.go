package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/yiays/timewarden/internal/storage"
)

// Get retrieves the record for uuid.
func (s *Store) Get(ctx context.Context, uuid string) (*storage.StateRecord, error) {
	data, err := s.client.HGetAll(ctx, recordKey(uuid)).Result()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}
	return parseRecord(data)
}

// Create stores a new record at revision 1.
func (s *Store) Create(ctx context.Context, record storage.StateRecord) error {
	rev, err := s.casWrite(ctx, record, 0)
	if err != nil {
		return err
	}
	if rev < 0 {
		return storage.ErrAlreadyExists
	}
	return nil
}

// Update replaces the record if the stored revision still matches.
func (s *Store) Update(ctx context.Context, record storage.StateRecord, expectedRev int64) error {
	if expectedRev <= 0 {
		return fmt.Errorf("expected revision must be positive, got %d", expectedRev)
	}

	rev, err := s.casWrite(ctx, record, expectedRev)
	if err != nil {
		return err
	}
	if rev < 0 {
		// Either a concurrent writer bumped the revision or the record
		// vanished; distinguish for the caller.
		exists, err := s.client.Exists(ctx, recordKey(record.UUID)).Result()
		if err == nil && exists == 0 {
			return storage.ErrNotFound
		}
		return storage.ErrRevisionMismatch
	}
	return nil
}

func (s *Store) casWrite(ctx context.Context, record storage.StateRecord, expectedRev int64) (int64, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return 0, fmt.Errorf("failed to encode record: %w", err)
	}

	script := redis.NewScript(casWriteScript)
	keys := []string{recordKey(record.UUID)}
	args := []interface{}{expectedRev, string(data)}

	rev, err := script.Run(ctx, s.client, keys, args...).Int64()
	if err != nil {
		return 0, err
	}
	return rev, nil
}

// parseRecord converts a Redis hash to a StateRecord.
func parseRecord(data map[string]string) (*storage.StateRecord, error) {
	raw, ok := data["data"]
	if !ok {
		return nil, storage.ErrNotFound
	}

	var record storage.StateRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}

	rev, err := strconv.ParseInt(data["rev"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse rev: %w", err)
	}
	record.Rev = rev

	return &record, nil
}
