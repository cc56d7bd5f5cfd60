package watcher

import (
	"context"

	"watchbot/internal/storage"
)

// Snapshot is the current observation of a source. Identity decides whether
// anything changed; Payload only feeds the message template.
type Snapshot struct {
	Identity string
	Payload  map[string]any
}

// Fetcher produces the current snapshot. It receives the state loaded at the
// top of the cycle.
type Fetcher interface {
	Fetch(ctx context.Context, st storage.WatchState) (Snapshot, error)
}

type FetchFunc func(ctx context.Context, st storage.WatchState) (Snapshot, error)

func (f FetchFunc) Fetch(ctx context.Context, st storage.WatchState) (Snapshot, error) {
	return f(ctx, st)
}

// Destination is a resolved delivery target.
type Destination struct {
	Name     string
	ChatID   int64
	ThreadID int
}

// Notifier delivers one snapshot to a destination.
type Notifier interface {
	Notify(ctx context.Context, dest Destination, snap Snapshot) error
}

type NotifyFunc func(ctx context.Context, dest Destination, snap Snapshot) error

func (f NotifyFunc) Notify(ctx context.Context, dest Destination, snap Snapshot) error {
	return f(ctx, dest, snap)
}

// StateStore is the slice of storage.StateStore a task needs.
type StateStore interface {
	Get(ctx context.Context, id string) storage.WatchState
	Update(ctx context.Context, id string, fn func(st *storage.WatchState) error) (storage.WatchState, error)
}

// Result is the outcome of change detection.
type Result int

const (
	Unchanged Result = iota
	Changed
)

func (r Result) String() string {
	if r == Changed {
		return "changed"
	}
	return "unchanged"
}

// Detect reports Changed iff snap's identity differs from previous, which
// includes there being no previous identity at all.
func Detect(previous *string, snap Snapshot) Result {
	if previous == nil || *previous != snap.Identity {
		return Changed
	}
	return Unchanged
}
