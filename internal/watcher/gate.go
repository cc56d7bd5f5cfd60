package watcher

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"watchbot/internal/storage"
)

// DefaultGateSpec fires once a day at 10:00.
const DefaultGateSpec = "0 10 * * *"

// DailyGate admits at most one notification per calendar day, on or after
// the first trigger time of that day. Days are calendar dates in loc.
type DailyGate struct {
	spec  string
	sched cron.Schedule
	loc   *time.Location
}

// NewDailyGate parses a standard 5-field cron expression (or descriptor such
// as "@daily"). The zone of the expression is loc.
func NewDailyGate(spec string, loc *time.Location) (*DailyGate, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = DefaultGateSpec
	}
	if loc == nil {
		loc = time.UTC
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("gate %q: %w", spec, err)
	}
	if _, ok := sched.(cron.ConstantDelaySchedule); ok {
		return nil, fmt.Errorf("gate %q: must be a time of day, not @every", spec)
	}
	return &DailyGate{spec: spec, sched: sched, loc: loc}, nil
}

func (g *DailyGate) Spec() string { return g.spec }
func (g *DailyGate) Location() *time.Location { return g.loc }

// Today returns now's calendar date in the gate's zone.
func (g *DailyGate) Today(now time.Time) string {
	return now.In(g.loc).Format(storage.DateLayout)
}

// TriggerAt returns the first trigger time on now's calendar day. ok is false
// when the expression does not fire that day.
func (g *DailyGate) TriggerAt(now time.Time) (time.Time, bool) {
	local := now.In(g.loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, g.loc)
	first := g.sched.Next(midnight.Add(-time.Second))
	if first.IsZero() {
		return time.Time{}, false
	}
	y1, m1, d1 := first.Date()
	return first, y1 == local.Year() && m1 == local.Month() && d1 == local.Day()
}

// Due reports whether a notification may fire at now given the persisted
// fired-date marker.
func (g *DailyGate) Due(now time.Time, firedDate string) bool {
	if firedDate == g.Today(now) {
		return false
	}
	at, ok := g.TriggerAt(now)
	return ok && !now.Before(at)
}
