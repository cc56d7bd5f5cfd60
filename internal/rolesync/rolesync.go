// Package rolesync grants and revokes bot-managed roles from reactions on
// one configured message.
//
// Telegram has no native member roles, so a role is a membership record in
// the state backend. Each reaction event is handled on its own: a failed
// lookup or write is logged and never affects other events.
package rolesync

import (
	"context"
	"errors"
	"sync"
	"time"

	"watchbot/internal/eventbus"
	"watchbot/internal/storage"
	kit "watchbot/internal/transport"
	logx "watchbot/pkg/logx"
)

// Config binds the syncer to one message. Mapping is emoji -> role.
type Config struct {
	ChatID    int64
	MessageID int
	Mapping   map[string]string
}

func (c Config) enabled() bool { return c.ChatID != 0 && c.MessageID != 0 && len(c.Mapping) > 0 }

// Store is the role slice of storage.Backend.
type Store interface {
	GrantRole(ctx context.Context, g storage.RoleGrant) error
	RevokeRole(ctx context.Context, chatID, userID int64, role string) (bool, error)
	MemberRoles(ctx context.Context, chatID, userID int64) ([]string, error)
}

// Change is published on the bus for every grant or revoke.
type Change struct {
	ChatID   int64  `json:"chat_id"`
	UserID   int64  `json:"user_id"`
	Username string `json:"username,omitempty"`
	Emoji    string `json:"emoji"`
	Role     string `json:"role"`
	Granted  bool   `json:"granted"`
}

type Syncer struct {
	members kit.MemberLookup
	store   Store
	bus     eventbus.Bus
	log     logx.Logger
	now     func() time.Time

	mu  sync.RWMutex
	cfg Config
}

func New(cfg Config, members kit.MemberLookup, store Store, bus eventbus.Bus, log logx.Logger) *Syncer {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Syncer{
		members: members,
		store:   store,
		bus:     bus,
		log:     log.With(logx.String("comp", "rolesync")),
		now:     time.Now,
		cfg:     cfg,
	}
}

// Apply swaps the binding (config reload).
func (s *Syncer) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Syncer) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Handle applies one reaction update. It returns the changes it made.
func (s *Syncer) Handle(ctx context.Context, r *kit.Reaction) []Change {
	cfg := s.config()
	if r == nil || !cfg.enabled() || r.ChatID != cfg.ChatID || r.MessageID != cfg.MessageID {
		return nil
	}
	log := s.log.With(logx.Int64("user_id", r.FromID))

	var out []Change
	for _, emoji := range r.Added {
		role, ok := cfg.Mapping[emoji]
		if !ok {
			log.Debug("reaction has no role", logx.String("emoji", emoji))
			continue
		}
		if c, ok := s.grant(ctx, log, r, emoji, role); ok {
			out = append(out, c)
		}
	}
	for _, emoji := range r.Removed {
		role, ok := cfg.Mapping[emoji]
		if !ok {
			continue
		}
		if c, ok := s.revoke(ctx, log, r, emoji, role); ok {
			out = append(out, c)
		}
	}
	return out
}

func (s *Syncer) grant(ctx context.Context, log logx.Logger, r *kit.Reaction, emoji, role string) (Change, bool) {
	if r.FromBot {
		return Change{}, false
	}
	m, err := s.members.Member(ctx, r.ChatID, r.FromID)
	if err != nil {
		if errors.Is(err, kit.ErrMemberNotFound) {
			log.Warn("role not granted: member not found", logx.String("role", role))
		} else {
			log.Error("role not granted: member lookup failed", logx.String("role", role), logx.Err(err))
		}
		return Change{}, false
	}
	if m.IsBot {
		return Change{}, false
	}
	username := m.Username
	if username == "" {
		username = r.FromUsername
	}
	g := storage.RoleGrant{ChatID: r.ChatID, UserID: r.FromID, Username: username, Role: role, GrantedAt: s.now().UTC()}
	if err := s.store.GrantRole(ctx, g); err != nil {
		log.Error("role grant failed", logx.String("role", role), logx.Err(err))
		return Change{}, false
	}
	c := Change{ChatID: r.ChatID, UserID: r.FromID, Username: username, Emoji: emoji, Role: role, Granted: true}
	s.bus.Publish(eventbus.Event{Type: eventbus.RoleGranted, Time: g.GrantedAt, Data: c})
	log.Info("role granted", logx.String("role", role), logx.String("username", username))
	return c, true
}

// revoke skips the member lookup: a user who left the chat still gets the
// stale record removed.
func (s *Syncer) revoke(ctx context.Context, log logx.Logger, r *kit.Reaction, emoji, role string) (Change, bool) {
	removed, err := s.store.RevokeRole(ctx, r.ChatID, r.FromID, role)
	if err != nil {
		log.Error("role revoke failed", logx.String("role", role), logx.Err(err))
		return Change{}, false
	}
	if !removed {
		return Change{}, false
	}
	c := Change{ChatID: r.ChatID, UserID: r.FromID, Username: r.FromUsername, Emoji: emoji, Role: role}
	s.bus.Publish(eventbus.Event{Type: eventbus.RoleRevoked, Time: s.now(), Data: c})
	log.Info("role revoked", logx.String("role", role))
	return c, true
}

// Roles lists the roles userID holds in the configured chat.
func (s *Syncer) Roles(ctx context.Context, userID int64) ([]string, error) {
	cfg := s.config()
	if cfg.ChatID == 0 {
		return nil, nil
	}
	return s.store.MemberRoles(ctx, cfg.ChatID, userID)
}
