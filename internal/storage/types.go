package storage

import (
	"github.com/google/uuid"
	"github.com/yiays/timewarden/internal/budget"
)

// StateRecord is the authoritative remote copy of one account's budget
// state, plus the credentials allowed to write it. Rev is maintained by
// the store, not the caller; it starts at 1 and bumps on every update.
type StateRecord struct {
	UUID           string           `json:"uuid"`
	CredentialHash string           `json:"credentialHash"`
	DailyTimeLimit budget.Limit     `json:"dailyTimeLimit"`
	TodayTimeLimit budget.Limit     `json:"todayTimeLimit"`
	UsedTime       int64            `json:"usedTime"`
	UsageDate      string           `json:"usageDate"`
	Bedtime        budget.TimeOfDay `json:"bedtime"`
	Waketime       budget.TimeOfDay `json:"waketime"`
	GraceGiven     bool             `json:"graceGiven"`

	// SyncAuthor is the credential that last wrote this record. A writer
	// that has not observed this value gets a conflict, not a write.
	SyncAuthor uuid.UUID `json:"syncAuthor"`

	// CredentialSet holds every credential authorized to read and write
	// this record. Non-empty after creation; deauthorization replaces the
	// whole set with one fresh credential.
	CredentialSet []uuid.UUID `json:"credentialSet"`

	Rev int64 `json:"-"`
}

// Authorized reports whether cred is in the record's credential set.
func (r *StateRecord) Authorized(cred uuid.UUID) bool {
	for _, c := range r.CredentialSet {
		if c == cred {
			return true
		}
	}
	return false
}
