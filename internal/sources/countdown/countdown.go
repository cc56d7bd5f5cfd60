// Package countdown is the daily countdown to an operator-set date.
//
// The target lives in the watcher's persisted state and is changed with
// SetTarget. A countdown watcher is time-gated: it posts at most once per
// calendar day, at or after the gate's trigger time.
package countdown

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"watchbot/internal/storage"
	"watchbot/internal/watcher"
)

const (
	UnsetIdentity   = "countdown:unset"
	DefaultLabel    = "目標日期"
	DefaultTemplate = `{{if .unset}}⚠️ 尚未設定{{.label}}，請使用 /{{.set_command}} YYYY-MM-DD 設定{{else if .passed}}⌛ {{.label}} ({{.target}}) 已經過了 {{.ago}} 天{{else if .reached}}🎉 {{.label}} 就是今天！({{.target}}){{else}}📅 距離 {{.label}} 還有 {{.days}} 天{{end}}`
)

// ErrBadDate is the user-visible error for a malformed target.
var ErrBadDate = errors.New("日期格式錯誤，請使用 YYYY-MM-DD")

var reDate = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

type Options struct {
	Label string `json:"label,omitempty"`
	// Gate is the cron expression for the daily post. Default "0 10 * * *".
	Gate string `json:"gate,omitempty"`
	// SetCommand is the chat command that sets this countdown's target.
	SetCommand string `json:"set_command,omitempty"`
	// RemindUnset posts a one-time reminder when no target is set. Default true.
	RemindUnset *bool `json:"remind_unset,omitempty"`
}

type Fetcher struct {
	label      string
	setCommand string
	remind     bool
	gate       *watcher.DailyGate
	now        func() time.Time
}

// New builds the fetcher and its gate. now may be nil.
func New(id string, opts Options, loc *time.Location, now func() time.Time) (*Fetcher, *watcher.DailyGate, error) {
	gate, err := watcher.NewDailyGate(opts.Gate, loc)
	if err != nil {
		return nil, nil, err
	}
	if now == nil {
		now = time.Now
	}
	label := strings.TrimSpace(opts.Label)
	if label == "" {
		label = DefaultLabel
	}
	cmd := strings.TrimPrefix(strings.TrimSpace(opts.SetCommand), "/")
	if cmd == "" {
		cmd = DefaultSetCommand(id)
	}
	remind := opts.RemindUnset == nil || *opts.RemindUnset
	return &Fetcher{label: label, setCommand: cmd, remind: remind, gate: gate, now: now}, gate, nil
}

// DefaultSetCommand is "setdate" for the watcher named countdown and
// "<id>_setdate" otherwise.
func DefaultSetCommand(id string) string {
	if id == "countdown" {
		return "setdate"
	}
	return strings.ReplaceAll(id, "-", "_") + "_setdate"
}

func (f *Fetcher) SetCommand() string { return f.setCommand }

func (f *Fetcher) Fetch(_ context.Context, st storage.WatchState) (watcher.Snapshot, error) {
	payload := map[string]any{
		"label":       f.label,
		"set_command": f.setCommand,
		"unset":       false,
		"reached":     false,
		"passed":      false,
	}
	if st.Target == "" {
		if !f.remind {
			return watcher.Snapshot{}, fmt.Errorf("%w: no target set", watcher.ErrNoSnapshot)
		}
		payload["unset"] = true
		return watcher.Snapshot{Identity: UnsetIdentity, Payload: payload}, nil
	}

	today := f.gate.Today(f.now())
	days, err := DaysBetween(today, st.Target)
	if err != nil {
		return watcher.Snapshot{}, err
	}
	payload["target"] = st.Target
	payload["today"] = today
	payload["days"] = days
	if days <= 0 {
		payload["reached"] = true
		if days < 0 {
			payload["passed"] = true
			payload["ago"] = -days
		}
		return watcher.Snapshot{Identity: "countdown:" + st.Target + ":reached", Payload: payload}, nil
	}
	return watcher.Snapshot{Identity: "countdown:" + st.Target + ":" + today, Payload: payload}, nil
}

// DaysBetween returns the number of calendar days from one YYYY-MM-DD date
// to another.
func DaysBetween(from, to string) (int, error) {
	a, err := time.Parse(storage.DateLayout, from)
	if err != nil {
		return 0, err
	}
	b, err := time.Parse(storage.DateLayout, to)
	if err != nil {
		return 0, err
	}
	return int(b.Sub(a).Hours() / 24), nil
}

// ParseTarget accepts only YYYY-MM-DD naming a real date.
func ParseTarget(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if !reDate.MatchString(s) {
		return "", ErrBadDate
	}
	if _, err := time.Parse(storage.DateLayout, s); err != nil {
		return "", ErrBadDate
	}
	return s, nil
}

// Updater is the state store operation SetTarget needs.
type Updater interface {
	Update(ctx context.Context, id string, fn func(st *storage.WatchState) error) (storage.WatchState, error)
}

// SetTarget validates raw and stores it as id's target, clearing the
// fired-date marker and identity so the new countdown posts at the next gate.
func SetTarget(ctx context.Context, store Updater, id, raw string) (string, error) {
	target, err := ParseTarget(raw)
	if err != nil {
		return "", err
	}
	_, err = store.Update(ctx, id, func(st *storage.WatchState) error {
		st.Target = target
		st.FiredDate = nil
		st.Identity = nil
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("set target for %s: %w", id, err)
	}
	return target, nil
}
