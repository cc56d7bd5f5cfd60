package config

import (
	"encoding/json"
	"hash/fnv"
	"reflect"
	"sort"
	"strings"

	logx "watchbot/pkg/logx"
)

// ChangeSummary describes what a config reload touched.
type ChangeSummary struct {
	Sections []string `json:"sections"`
	Added    []string `json:"watchers_added,omitempty"`
	Removed  []string `json:"watchers_removed,omitempty"`
	Changed  []string `json:"watchers_changed,omitempty"`
}

func (s ChangeSummary) Empty() bool {
	return len(s.Sections) == 0 && len(s.Added) == 0 && len(s.Removed) == 0 && len(s.Changed) == 0
}

// Fields returns log fields for the summary. Secrets are never included.
func (s ChangeSummary) Fields() []logx.Field {
	return []logx.Field{
		logx.String("sections", strings.Join(s.Sections, ",")),
		logx.Any("added", s.Added),
		logx.Any("removed", s.Removed),
		logx.Any("changed", s.Changed),
	}
}

// Summarize compares two configs. A change to destinations or timezone marks
// every watcher as changed since both feed into the built watcher.
func Summarize(oldCfg, newCfg *Config) ChangeSummary {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var out ChangeSummary
	mark := func(name string, changed bool) {
		if changed {
			out.Sections = append(out.Sections, name)
		}
	}
	mark("telegram", oldCfg.Telegram.Token != newCfg.Telegram.Token ||
		strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		oldCfg.Telegram.Workers != newCfg.Telegram.Workers ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs))
	mark("logging", !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging))
	mark("storage", !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage))
	mark("notifier", !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier))
	mark("metrics", oldCfg.Metrics != newCfg.Metrics)
	mark("roles", !reflect.DeepEqual(oldCfg.Roles, newCfg.Roles))

	shared := strings.TrimSpace(oldCfg.Timezone) != strings.TrimSpace(newCfg.Timezone) ||
		!reflect.DeepEqual(oldCfg.Destinations, newCfg.Destinations)
	mark("timezone", strings.TrimSpace(oldCfg.Timezone) != strings.TrimSpace(newCfg.Timezone))
	mark("destinations", !reflect.DeepEqual(oldCfg.Destinations, newCfg.Destinations))

	oldW := indexWatchers(oldCfg.Watchers)
	newW := indexWatchers(newCfg.Watchers)
	for id, nw := range newW {
		ow, ok := oldW[id]
		switch {
		case !ok:
			out.Added = append(out.Added, id)
		case shared || watcherHash(ow) != watcherHash(nw):
			out.Changed = append(out.Changed, id)
		}
	}
	for id := range oldW {
		if _, ok := newW[id]; !ok {
			out.Removed = append(out.Removed, id)
		}
	}
	if len(out.Added)+len(out.Removed)+len(out.Changed) > 0 {
		out.Sections = append(out.Sections, "watchers")
	}

	sort.Strings(out.Sections)
	sort.Strings(out.Added)
	sort.Strings(out.Removed)
	sort.Strings(out.Changed)
	return out
}

func indexWatchers(ws []WatcherConfig) map[string]WatcherConfig {
	m := make(map[string]WatcherConfig, len(ws))
	for _, w := range ws {
		m[w.ID] = w
	}
	return m
}

// watcherHash hashes the canonical JSON form so whitespace or key order in
// Options does not count as a change.
func watcherHash(w WatcherConfig) uint64 {
	if len(w.Options) > 0 {
		var v any
		if err := json.Unmarshal(w.Options, &v); err == nil {
			if b, err := json.Marshal(v); err == nil {
				w.Options = b
			}
		}
	}
	b, err := json.Marshal(w)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}

// hashBytes returns a stable 64-bit hash. Empty input returns 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
