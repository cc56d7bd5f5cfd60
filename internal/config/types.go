package config

import (
	"encoding/json"
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  *StorageConfig `json:"storage,omitempty"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Metrics  MetricsConfig  `json:"metrics,omitempty"`

	// Timezone is the IANA zone used for calendar dates and daily gates.
	// Default: "Asia/Taipei".
	Timezone string `json:"timezone,omitempty"`

	Destinations map[string]DestinationConfig `json:"destinations"`
	Watchers     []WatcherConfig              `json:"watchers"`
	Roles        *RolesConfig                 `json:"roles,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
	// Workers bounds concurrent command handlers. Default 4.
	Workers int `json:"workers,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	JSON     bool            `json:"json,omitempty"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the state backend.
//
//	"storage": { "driver": "file", "path": "./watchbot_state" }
//	"storage": { "driver": "sqlite", "path": "./watchbot.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// NotifierConfig controls the outbound delivery service.
type NotifierConfig struct {
	// RatePerSec caps sends across all watchers. Default 3.
	RatePerSec int `json:"rate_per_sec,omitempty"`
	// SendTimeout bounds a single delivery. Default "15s".
	SendTimeout string `json:"send_timeout,omitempty"`
	HistorySize int    `json:"history_size,omitempty"`
	// DisablePreview suppresses link previews on notifications.
	DisablePreview bool `json:"disable_preview,omitempty"`
}

// MetricsConfig controls the ops HTTP server. Empty Addr disables it.
// A non-loopback Addr requires Token.
type MetricsConfig struct {
	Addr  string `json:"addr,omitempty"`
	Pprof bool   `json:"pprof,omitempty"`
	Token string `json:"token,omitempty"`
}

type DestinationConfig struct {
	ChatID   int64 `json:"chat_id"`
	ThreadID int   `json:"thread_id,omitempty"`
}

// WatcherConfig is one scheduled watcher. Options are decoded by the source
// named in Kind.
type WatcherConfig struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Enabled     *bool  `json:"enabled,omitempty"`
	Interval    string `json:"interval,omitempty"`
	Destination string `json:"destination"`
	// Template overrides the source's default text/template.
	Template string `json:"template,omitempty"`
	// ParseMode is "" (plain text) or "HTML".
	ParseMode    string `json:"parse_mode,omitempty"`
	FetchTimeout string `json:"fetch_timeout,omitempty"`
	// Command registers an extra chat command that triggers one cycle.
	Command string          `json:"command,omitempty"`
	Options json.RawMessage `json:"options,omitempty"`
}

func (w WatcherConfig) IsEnabled() bool { return w.Enabled == nil || *w.Enabled }

// RolesConfig binds reaction roles to one message.
type RolesConfig struct {
	ChatID    int64         `json:"chat_id"`
	MessageID int           `json:"message_id"`
	Mapping   []RoleMapping `json:"mapping"`
}

type RoleMapping struct {
	Emoji string `json:"emoji"`
	Role  string `json:"role"`
}

// Watcher returns the watcher config with id, if present.
func (c *Config) Watcher(id string) (WatcherConfig, bool) {
	if c == nil {
		return WatcherConfig{}, false
	}
	for _, w := range c.Watchers {
		if w.ID == id {
			return w, true
		}
	}
	return WatcherConfig{}, false
}
