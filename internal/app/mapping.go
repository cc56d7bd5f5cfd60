package app

import (
	"fmt"
	"strings"
	"time"

	"watchbot/internal/config"
	"watchbot/internal/notifier"
	"watchbot/internal/observability/ops"
	"watchbot/internal/rolesync"
	"watchbot/internal/storage"
	"watchbot/internal/watcher"
	logx "watchbot/pkg/logx"
)

// mapStorageConfig defaults to a file backend under ./watchbot_state.
func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{Driver: "file", Path: "./watchbot_state"}, nil
	}
	sc := cfg.Storage
	path := strings.TrimSpace(sc.Path)
	switch driver := strings.ToLower(strings.TrimSpace(sc.Driver)); driver {
	case "", "file":
		if path == "" {
			path = "./watchbot_state"
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	if cfg == nil || cfg.Notifier == nil {
		return notifier.Config{}, nil
	}
	n := cfg.Notifier
	timeout, err := config.ParseDurationField("notifier.send_timeout", n.SendTimeout)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		RatePerSec:     n.RatePerSec,
		SendTimeout:    timeout,
		HistorySize:    n.HistorySize,
		DisablePreview: n.DisablePreview,
	}, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		JSON:    l.JSON,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			ChatID:     l.Telegram.ChatID,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func mapRolesConfig(cfg *config.Config) rolesync.Config {
	if cfg == nil || cfg.Roles == nil {
		return rolesync.Config{}
	}
	r := cfg.Roles
	m := make(map[string]string, len(r.Mapping))
	for _, e := range r.Mapping {
		m[strings.TrimSpace(e.Emoji)] = strings.TrimSpace(e.Role)
	}
	return rolesync.Config{ChatID: r.ChatID, MessageID: r.MessageID, Mapping: m}
}

func mapOpsConfig(cfg *config.Config) ops.Config {
	return ops.Config{
		Addr:  strings.TrimSpace(cfg.Metrics.Addr),
		Pprof: cfg.Metrics.Pprof,
		Token: cfg.Metrics.Token,
	}
}

// resolveDestination looks a destination name up in cfg.
func resolveDestination(cfg *config.Config, name string) (watcher.Destination, bool) {
	if cfg == nil {
		return watcher.Destination{}, false
	}
	d, ok := cfg.Destinations[name]
	if !ok || d.ChatID == 0 {
		return watcher.Destination{}, false
	}
	return watcher.Destination{Name: name, ChatID: d.ChatID, ThreadID: d.ThreadID}, true
}

// OpenStorage opens the backend cfg names.
func OpenStorage(cfg *config.Config, log logx.Logger) (storage.Backend, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	return storage.Open(sc, log)
}
