package storage

import (
	"errors"
	"fmt"
	"maps"
	"time"
)

// DateLayout is the calendar date format used by fired_date and target.
const DateLayout = "2006-01-02"

var (
	ErrDisabled  = errors.New("storage disabled")
	ErrMalformed = errors.New("malformed state record")
)

// Config configures storage.
//
// Driver values:
//   - "file": one JSON file per watcher under Path (a directory)
//   - "sqlite": SQLite database file at Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// WatchState is the persisted record of one watcher.
//
// Identity only changes after a completed notification for that identity.
type WatchState struct {
	Identity     *string          `json:"identity"`
	FiredDate    *string          `json:"fired_date"`
	Target       string           `json:"target,omitempty"`
	Counters     map[string]int64 `json:"counters,omitempty"`
	CountersDate string           `json:"counters_date,omitempty"`
	UpdatedAt    string           `json:"updated_at,omitempty"`
}

// LastIdentity returns the persisted identity, or "" when none is recorded.
func (s WatchState) LastIdentity() string {
	if s.Identity == nil {
		return ""
	}
	return *s.Identity
}

// Fired returns the fired-date marker, or "" when unset.
func (s WatchState) Fired() string {
	if s.FiredDate == nil {
		return ""
	}
	return *s.FiredDate
}

// Clone returns a deep copy so callers can mutate freely.
func (s WatchState) Clone() WatchState {
	cp := s
	if s.Identity != nil {
		v := *s.Identity
		cp.Identity = &v
	}
	if s.FiredDate != nil {
		v := *s.FiredDate
		cp.FiredDate = &v
	}
	if s.Counters != nil {
		cp.Counters = maps.Clone(s.Counters)
	}
	return cp
}

// Validate reports records that were hand-edited into an unusable shape.
func (s WatchState) Validate() error {
	if s.FiredDate != nil {
		if _, err := time.Parse(DateLayout, *s.FiredDate); err != nil {
			return fmt.Errorf("%w: fired_date %q", ErrMalformed, *s.FiredDate)
		}
	}
	if s.Target != "" {
		if _, err := time.Parse(DateLayout, s.Target); err != nil {
			return fmt.Errorf("%w: target %q", ErrMalformed, s.Target)
		}
	}
	return nil
}

// StrPtr is a small helper for building states.
func StrPtr(s string) *string { return &s }

// RoleGrant is one bot-managed role held by a chat member.
type RoleGrant struct {
	ChatID    int64     `json:"chat_id"`
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username,omitempty"`
	Role      string    `json:"role"`
	GrantedAt time.Time `json:"granted_at"`
}

// AuditEntry records an operator action.
type AuditEntry struct {
	At            time.Time `json:"at"`
	ActorID       int64     `json:"actor_id"`
	ActorUsername string    `json:"actor_username,omitempty"`
	ChatID        int64     `json:"chat_id"`
	Watcher       string    `json:"watcher,omitempty"`
	Action        string    `json:"action"`
	Target        string    `json:"target,omitempty"`
	Error         string    `json:"error,omitempty"`
	TookMS        int64     `json:"took_ms"`
}
