package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	logx "watchbot/pkg/logx"
)

const DefaultTimezone = "Asia/Taipei"

var watcherIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,47}$`)

// Validate checks process-wide settings. Per-watcher problems are reported by
// ValidateWatcher and only fail the affected watcher.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token is required"))
	}
	if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		errs = append(errs, err)
	}
	if !logx.ValidLevel(cfg.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if _, err := cfg.Location(); err != nil {
		errs = append(errs, err)
	}
	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "file", "sqlite":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unsupported %q", s.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	if n := cfg.Notifier; n != nil {
		if _, err := ParseDurationField("notifier.send_timeout", n.SendTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	for name, d := range cfg.Destinations {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, errors.New("destinations: empty name"))
		}
		if d.ChatID == 0 {
			errs = append(errs, fmt.Errorf("destinations.%s.chat_id is required", name))
		}
	}
	seen := map[string]bool{}
	for i, w := range cfg.Watchers {
		if seen[w.ID] {
			errs = append(errs, fmt.Errorf("watchers[%d]: duplicate id %q", i, w.ID))
		}
		seen[w.ID] = true
	}
	if r := cfg.Roles; r != nil {
		if r.ChatID == 0 || r.MessageID == 0 {
			errs = append(errs, errors.New("roles: chat_id and message_id are required"))
		}
		for i, m := range r.Mapping {
			if strings.TrimSpace(m.Emoji) == "" || strings.TrimSpace(m.Role) == "" {
				errs = append(errs, fmt.Errorf("roles.mapping[%d]: emoji and role are required", i))
			}
		}
	}
	return errors.Join(errs...)
}

// ValidateWatcher checks the fields every watcher kind shares.
func ValidateWatcher(w WatcherConfig) error {
	if !watcherIDPattern.MatchString(w.ID) {
		return fmt.Errorf("watcher id %q: must match %s", w.ID, watcherIDPattern)
	}
	if strings.TrimSpace(w.Kind) == "" {
		return fmt.Errorf("watcher %s: kind is required", w.ID)
	}
	if strings.TrimSpace(w.Destination) == "" {
		return fmt.Errorf("watcher %s: destination is required", w.ID)
	}
	if _, err := ParseDurationField("watchers."+w.ID+".fetch_timeout", w.FetchTimeout); err != nil {
		return err
	}
	switch strings.ToUpper(strings.TrimSpace(w.ParseMode)) {
	case "", "HTML":
	default:
		return fmt.Errorf("watcher %s: parse_mode %q: want HTML or empty", w.ID, w.ParseMode)
	}
	return nil
}

// Location resolves Timezone, defaulting to Asia/Taipei.
func (c *Config) Location() (*time.Location, error) {
	name := DefaultTimezone
	if c != nil && strings.TrimSpace(c.Timezone) != "" {
		name = strings.TrimSpace(c.Timezone)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", name, err)
	}
	return loc, nil
}
