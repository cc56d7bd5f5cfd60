package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	logx "watchbot/pkg/logx"
)

// fileStore keeps everything under one directory:
//
//   - <dir>/<id>.json     watch state, one file per watcher
//   - <dir>/_roles.json   member roles
//   - <dir>/_audit.jsonl  append-only audit trail
//
// Watcher ids never start with "_", so the bookkeeping files cannot collide.
type fileStore struct {
	dir string
	log logx.Logger

	rolesMu sync.Mutex

	auditMu   sync.Mutex
	auditFile *os.File
}

type memberRoles struct {
	ChatID    int64     `json:"chat_id"`
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username,omitempty"`
	Roles     []string  `json:"roles"`
	UpdatedAt time.Time `json:"updated_at"`
}

func openFile(cfg Config, log logx.Logger) (Backend, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		dir = "./watchbot_state"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	af, err := os.OpenFile(filepath.Join(dir, "_audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{dir: dir, log: log, auditFile: af}, nil
}

func (s *fileStore) statePath(id string) (string, error) {
	if id == "" || strings.HasPrefix(id, "_") || strings.ContainsAny(id, `/\.`) {
		return "", fmt.Errorf("invalid watcher id %q", id)
	}
	return filepath.Join(s.dir, id+".json"), nil
}

func (s *fileStore) LoadState(_ context.Context, id string) (WatchState, bool, error) {
	path, err := s.statePath(id)
	if err != nil {
		return WatchState{}, false, err
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return WatchState{}, false, nil
	}
	if err != nil {
		return WatchState{}, false, err
	}
	var st WatchState
	if err := json.Unmarshal(b, &st); err != nil {
		return WatchState{}, true, fmt.Errorf("%w: %s: %v", ErrMalformed, path, err)
	}
	return st, true, nil
}

func (s *fileStore) SaveState(_ context.Context, id string, st WatchState) error {
	path, err := s.statePath(id)
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, append(b, '\n'), 0o644)
}

// writeFileAtomic writes to a temp file in the same directory, fsyncs it and
// renames it over path, so readers see either the old or the new content.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	// Persist the rename itself. Not supported everywhere; ignore failures.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

func roleKey(chatID, userID int64) string {
	return strconv.FormatInt(chatID, 10) + ":" + strconv.FormatInt(userID, 10)
}

func (s *fileStore) rolesPath() string { return filepath.Join(s.dir, "_roles.json") }

func (s *fileStore) loadRolesLocked() (map[string]*memberRoles, error) {
	out := map[string]*memberRoles{}
	b, err := os.ReadFile(s.rolesPath())
	if errors.Is(err, fs.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, s.rolesPath(), err)
	}
	return out, nil
}

func (s *fileStore) saveRolesLocked(m map[string]*memberRoles) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.rolesPath(), append(b, '\n'), 0o600)
}

func (s *fileStore) GrantRole(_ context.Context, g RoleGrant) error {
	s.rolesMu.Lock()
	defer s.rolesMu.Unlock()

	m, err := s.loadRolesLocked()
	if err != nil {
		return err
	}
	k := roleKey(g.ChatID, g.UserID)
	mr := m[k]
	if mr == nil {
		mr = &memberRoles{ChatID: g.ChatID, UserID: g.UserID}
		m[k] = mr
	}
	if g.Username != "" {
		mr.Username = g.Username
	}
	if slices.Contains(mr.Roles, g.Role) {
		return nil
	}
	mr.Roles = append(mr.Roles, g.Role)
	sort.Strings(mr.Roles)
	mr.UpdatedAt = grantTime(g)
	return s.saveRolesLocked(m)
}

func (s *fileStore) RevokeRole(_ context.Context, chatID, userID int64, role string) (bool, error) {
	s.rolesMu.Lock()
	defer s.rolesMu.Unlock()

	m, err := s.loadRolesLocked()
	if err != nil {
		return false, err
	}
	k := roleKey(chatID, userID)
	mr := m[k]
	if mr == nil {
		return false, nil
	}
	i := slices.Index(mr.Roles, role)
	if i < 0 {
		return false, nil
	}
	mr.Roles = slices.Delete(mr.Roles, i, i+1)
	mr.UpdatedAt = time.Now()
	if len(mr.Roles) == 0 {
		delete(m, k)
	}
	return true, s.saveRolesLocked(m)
}

func (s *fileStore) MemberRoles(_ context.Context, chatID, userID int64) ([]string, error) {
	s.rolesMu.Lock()
	defer s.rolesMu.Unlock()

	m, err := s.loadRolesLocked()
	if err != nil {
		return nil, err
	}
	if mr := m[roleKey(chatID, userID)]; mr != nil {
		return slices.Clone(mr.Roles), nil
	}
	return nil, nil
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.auditMu.Lock()
	defer s.auditMu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) Close() error {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()
	if s.auditFile == nil {
		return nil
	}
	err := s.auditFile.Close()
	s.auditFile = nil
	return err
}

func grantTime(g RoleGrant) time.Time {
	if g.GrantedAt.IsZero() {
		return time.Now()
	}
	return g.GrantedAt
}
