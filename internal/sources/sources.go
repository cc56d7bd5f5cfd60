// Package sources maps watcher kinds to their fetchers.
package sources

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"watchbot/internal/sources/countdown"
	"watchbot/internal/sources/earthquake"
	"watchbot/internal/sources/news"
	"watchbot/internal/watcher"
)

// Env carries what fetchers need from the host.
type Env struct {
	HTTP     *http.Client
	Location *time.Location
	Getenv   func(string) string
	Now      func() time.Time
}

// Built is a fetcher plus the kind's defaults.
type Built struct {
	Fetcher  watcher.Fetcher
	Gate     *watcher.DailyGate
	Interval time.Duration
	Template string
	// SetCommand is the target command for countdown watchers.
	SetCommand string
}

type kind struct {
	interval time.Duration
	template string
	build    func(id string, opts json.RawMessage, env Env) (Built, error)
}

var kinds = map[string]kind{
	"news": {
		interval: 10 * time.Minute,
		template: news.DefaultTemplate,
		build: func(_ string, raw json.RawMessage, env Env) (Built, error) {
			var o news.Options
			if err := decodeOptions(raw, &o); err != nil {
				return Built{}, err
			}
			f, err := news.New(o, env.HTTP)
			return Built{Fetcher: f}, err
		},
	},
	"earthquake": {
		interval: 5 * time.Second,
		template: earthquake.DefaultTemplate,
		build: func(_ string, raw json.RawMessage, env Env) (Built, error) {
			var o earthquake.Options
			if err := decodeOptions(raw, &o); err != nil {
				return Built{}, err
			}
			f, err := earthquake.New(o, env.HTTP, env.Getenv)
			return Built{Fetcher: f}, err
		},
	},
	"countdown": {
		interval: time.Minute,
		template: countdown.DefaultTemplate,
		build: func(id string, raw json.RawMessage, env Env) (Built, error) {
			var o countdown.Options
			if err := decodeOptions(raw, &o); err != nil {
				return Built{}, err
			}
			f, gate, err := countdown.New(id, o, env.Location, env.Now)
			if err != nil {
				return Built{}, err
			}
			return Built{Fetcher: f, Gate: gate, SetCommand: f.SetCommand()}, nil
		},
	},
}

// Kinds lists the supported kinds, sorted.
func Kinds() []string {
	out := make([]string, 0, len(kinds))
	for k := range kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Build constructs the fetcher for kind. Errors are configuration errors.
func Build(kindName, id string, opts json.RawMessage, env Env) (Built, error) {
	k, ok := kinds[strings.ToLower(strings.TrimSpace(kindName))]
	if !ok {
		return Built{}, fmt.Errorf("unknown kind %q (supported: %s)", kindName, strings.Join(Kinds(), ", "))
	}
	if env.Getenv == nil {
		env.Getenv = os.Getenv
	}
	if env.Location == nil {
		env.Location = time.UTC
	}
	b, err := k.build(id, opts, env)
	if err != nil {
		return Built{}, err
	}
	b.Interval = k.interval
	b.Template = k.template
	return b, nil
}

func decodeOptions(raw json.RawMessage, out any) error {
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("options: %w", err)
	}
	return nil
}
