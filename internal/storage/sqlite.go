package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "watchbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Backend, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = FULL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LoadState(ctx context.Context, id string) (WatchState, bool, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM watch_state WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return WatchState{}, false, nil
	}
	if err != nil {
		return WatchState{}, false, err
	}
	var st WatchState
	if err := json.Unmarshal([]byte(body), &st); err != nil {
		return WatchState{}, true, fmt.Errorf("%w: watch_state[%s]: %v", ErrMalformed, id, err)
	}
	return st, true, nil
}

// SaveState is a single upsert statement, atomic under SQLite's journal.
func (s *sqliteStore) SaveState(ctx context.Context, id string, st WatchState) error {
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO watch_state(id, body, updated_at) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET body=excluded.body, updated_at=excluded.updated_at`,
		id, string(b), time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) GrantRole(ctx context.Context, g RoleGrant) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO member_roles(chat_id, user_id, role, username, granted_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(chat_id, user_id, role) DO UPDATE SET username=COALESCE(excluded.username, member_roles.username)`,
		g.ChatID, g.UserID, g.Role, nullStr(g.Username), grantTime(g).UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) RevokeRole(ctx context.Context, chatID, userID int64, role string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM member_roles WHERE chat_id = ? AND user_id = ? AND role = ?`, chatID, userID, role)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) MemberRoles(ctx context.Context, chatID, userID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role FROM member_roles WHERE chat_id = ? AND user_id = ? ORDER BY role`, chatID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor_id, actor_username, chat_id, watcher, action, target, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.ActorID, nullStr(e.ActorUsername), e.ChatID,
		nullStr(e.Watcher), e.Action, nullStr(e.Target), nullStr(e.Error), e.TookMS,
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
