// Package bolt is the agent's durable local state file: a single bbolt
// bucket with one key per field, mirroring the original registry layout.
// Missing keys fall back to defaults so a partially written file still
// loads.
package bolt

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/yiays/timewarden/internal/budget"
	"go.etcd.io/bbolt"
)

const bucketState = "state"

// Field names, as stored. These match the wire field names so the file is
// greppable against the protocol.
const (
	fieldUUID           = "uuid"
	fieldCredential     = "credential"
	fieldCredentialHash = "credentialHash"
	fieldDailyLimit     = "dailyTimeLimit"
	fieldTodayLimit     = "todayTimeLimit"
	fieldUsedTime       = "usedTime"
	fieldUsageDate      = "usageDate"
	fieldBedtime        = "bedtime"
	fieldWaketime       = "waketime"
	fieldGraceGiven     = "graceGiven"
	fieldSyncAuthor     = "syncAuthor"
)

// StateStore persists the budget state between runs.
type StateStore struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) the state file.
func Open(path string) (*StateStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create state directory: %w", err)
		}
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open state file: %w", err)
	}

	store := &StateStore{db: db}
	if err := store.ensureBucket(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the state file.
func (s *StateStore) Close() error {
	return s.db.Close()
}

func (s *StateStore) ensureBucket() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketState)); err != nil {
			return fmt.Errorf("create bucket %s: %w", bucketState, err)
		}
		return nil
	})
}

// Save writes every field in one transaction. The temporary override and
// the derived bedtime ceiling are deliberately not persisted; both are
// re-derived on the next run.
func (s *StateStore) Save(state *budget.State) error {
	fields := map[string]string{
		fieldUUID:           state.UUID.String(),
		fieldCredential:     state.Credential.String(),
		fieldCredentialHash: state.CredentialHash,
		fieldDailyLimit:     strconv.FormatInt(state.DailyLimit.Seconds(), 10),
		fieldTodayLimit:     strconv.FormatInt(state.TodayLimit.Seconds(), 10),
		fieldUsedTime:       strconv.FormatInt(int64(state.UsedTime/time.Second), 10),
		fieldUsageDate:      state.UsageDate,
		fieldBedtime:        state.Bedtime.String(),
		fieldWaketime:       state.Waketime.String(),
		fieldGraceGiven:     strconv.FormatBool(state.GraceGiven),
	}
	if state.SyncAuthor != nil {
		fields[fieldSyncAuthor] = state.SyncAuthor.String()
	} else {
		fields[fieldSyncAuthor] = ""
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketState))
		if b == nil {
			return fmt.Errorf("state bucket missing")
		}
		for k, v := range fields {
			if err := b.Put([]byte(k), []byte(v)); err != nil {
				return fmt.Errorf("put %s: %w", k, err)
			}
		}
		return nil
	})
}

// Load reads the persisted state. found is false on a fresh file, which
// callers treat as first run.
func (s *StateStore) Load() (state *budget.State, found bool, err error) {
	fields := make(map[string]string)

	err = s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketState))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			fields[string(k)] = string(v)
			return nil
		})
	})
	if err != nil {
		return nil, false, err
	}

	if _, ok := fields[fieldUUID]; !ok {
		return nil, false, nil
	}

	state = &budget.State{}

	if state.UUID, err = uuid.Parse(fields[fieldUUID]); err != nil {
		return nil, false, fmt.Errorf("corrupt uuid field: %w", err)
	}
	if raw, ok := fields[fieldCredential]; ok && raw != "" {
		if state.Credential, err = uuid.Parse(raw); err != nil {
			return nil, false, fmt.Errorf("corrupt credential field: %w", err)
		}
	}
	state.CredentialHash = fields[fieldCredentialHash]
	state.DailyLimit = parseLimit(fields[fieldDailyLimit])
	state.TodayLimit = parseLimit(fields[fieldTodayLimit])
	if secs, perr := strconv.ParseInt(fields[fieldUsedTime], 10, 64); perr == nil && secs > 0 {
		state.UsedTime = time.Duration(secs) * time.Second
	}
	state.UsageDate = fields[fieldUsageDate]
	if tod, perr := budget.ParseTimeOfDay(fields[fieldBedtime]); perr == nil {
		state.Bedtime = tod
	}
	if tod, perr := budget.ParseTimeOfDay(fields[fieldWaketime]); perr == nil {
		state.Waketime = tod
	}
	state.GraceGiven = fields[fieldGraceGiven] == "true"
	if raw := fields[fieldSyncAuthor]; raw != "" {
		if author, perr := uuid.Parse(raw); perr == nil {
			state.SyncAuthor = &author
		}
	}

	return state, true, nil
}

// parseLimit decodes a stored limit, defaulting to unlimited on a missing
// or corrupt field.
func parseLimit(raw string) budget.Limit {
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return budget.Unlimited
	}
	return budget.LimitFromSeconds(secs)
}
