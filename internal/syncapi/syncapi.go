// Package syncapi defines the wire contract shared by the sync client and
// the sync service: JSON over HTTP, bearer credentials, and a partial-state
// diff for conflict reconciliation.
package syncapi

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/yiays/timewarden/internal/budget"
)

const (
	// Version is the protocol version advertised by the service in the
	// VersionHeader. A client that sees a different value warns the user
	// once.
	Version = "2"

	// VersionHeader carries the protocol version on every response.
	VersionHeader = "X-Api-Version"
)

// Body is the syncable subset of the budget state, posted on every sync
// and returned whole from fetch.
type Body struct {
	CredentialHash string           `json:"credentialHash"`
	DailyTimeLimit budget.Limit     `json:"dailyTimeLimit"`
	TodayTimeLimit budget.Limit     `json:"todayTimeLimit"`
	UsedTime       int64            `json:"usedTime"`
	UsageDate      string           `json:"usageDate"`
	Bedtime        budget.TimeOfDay `json:"bedtime"`
	Waketime       budget.TimeOfDay `json:"waketime"`
	GraceGiven     bool             `json:"graceGiven"`

	// SyncAuthor is the client's claim of which credential wrote the
	// version it last observed. Null asserts authorship of this version.
	SyncAuthor *uuid.UUID `json:"syncAuthor"`
}

// Validate rejects bodies that would corrupt a record if stored.
func (b *Body) Validate() error {
	if b.UsedTime < 0 {
		return fmt.Errorf("usedTime must not be negative")
	}
	if _, err := time.Parse(budget.DateFormat, b.UsageDate); err != nil {
		return fmt.Errorf("invalid usageDate %q", b.UsageDate)
	}
	return nil
}

// Diff is a partial state: every present field is authoritative and must
// be folded into the local state (remote wins). AuthKey is only present
// when the server minted a credential for the caller.
type Diff struct {
	AuthKey        *uuid.UUID        `json:"authKey,omitempty"`
	CredentialHash *string           `json:"credentialHash,omitempty"`
	DailyTimeLimit *budget.Limit     `json:"dailyTimeLimit,omitempty"`
	TodayTimeLimit *budget.Limit     `json:"todayTimeLimit,omitempty"`
	UsedTime       *int64            `json:"usedTime,omitempty"`
	UsageDate      *string           `json:"usageDate,omitempty"`
	Bedtime        *budget.TimeOfDay `json:"bedtime,omitempty"`
	Waketime       *budget.TimeOfDay `json:"waketime,omitempty"`
	GraceGiven     *bool             `json:"graceGiven,omitempty"`
	SyncAuthor     *uuid.UUID        `json:"syncAuthor,omitempty"`
}

// SyncResponse is returned by the sync endpoint. A rejected sync carries
// either an error string or a reconciliation diff, never both.
type SyncResponse struct {
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
	Diff     *Diff  `json:"diff,omitempty"`
}

// AuthResponse is returned by the authorize and deauthorize endpoints.
type AuthResponse struct {
	Success bool      `json:"success"`
	AuthKey uuid.UUID `json:"authKey,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// FetchResponse is returned by the fetch endpoint.
type FetchResponse struct {
	Success bool   `json:"success"`
	State   *Body  `json:"state,omitempty"`
	Error   string `json:"error,omitempty"`
}

// BodyFromState serializes the syncable subset of a state.
func BodyFromState(s *budget.State) Body {
	return Body{
		CredentialHash: s.CredentialHash,
		DailyTimeLimit: s.DailyLimit,
		TodayTimeLimit: s.TodayLimit,
		UsedTime:       int64(s.UsedTime / time.Second),
		UsageDate:      s.UsageDate,
		Bedtime:        s.Bedtime,
		Waketime:       s.Waketime,
		GraceGiven:     s.GraceGiven,
		SyncAuthor:     s.SyncAuthor,
	}
}

// MergeDiff folds every present diff field into the state, remote wins.
// Any externally-driven change voids the temporary override.
func MergeDiff(s *budget.State, d *Diff) {
	if d == nil {
		return
	}
	if d.CredentialHash != nil {
		s.CredentialHash = *d.CredentialHash
	}
	if d.DailyTimeLimit != nil {
		s.DailyLimit = *d.DailyTimeLimit
	}
	if d.TodayTimeLimit != nil {
		s.TodayLimit = *d.TodayTimeLimit
	}
	if d.UsedTime != nil {
		s.UsedTime = time.Duration(*d.UsedTime) * time.Second
	}
	if d.UsageDate != nil {
		s.UsageDate = *d.UsageDate
	}
	if d.Bedtime != nil {
		s.Bedtime = *d.Bedtime
	}
	if d.Waketime != nil {
		s.Waketime = *d.Waketime
	}
	if d.GraceGiven != nil {
		s.GraceGiven = *d.GraceGiven
	}
	if d.SyncAuthor != nil {
		author := *d.SyncAuthor
		s.SyncAuthor = &author
	}
	s.TempLimit = budget.Unlimited
}
