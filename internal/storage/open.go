package storage

import (
	"context"
	"errors"
	"strings"

	logx "watchbot/pkg/logx"
)

// Backend is the raw persistence API. Most callers use StateStore, which adds
// per-id locking and the never-fail read policy on top.
type Backend interface {
	// LoadState returns ok=false when no record exists. A record that cannot
	// be decoded yields an error wrapping ErrMalformed.
	LoadState(ctx context.Context, id string) (st WatchState, ok bool, err error)
	// SaveState replaces the record atomically.
	SaveState(ctx context.Context, id string, st WatchState) error

	GrantRole(ctx context.Context, g RoleGrant) error
	// RevokeRole reports whether the member held the role.
	RevokeRole(ctx context.Context, chatID, userID int64, role string) (bool, error)
	MemberRoles(ctx context.Context, chatID, userID int64) ([]string, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured backend. An empty driver means "file".
func Open(cfg Config, log logx.Logger) (Backend, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
