package watcher

import (
	"time"
)

// State is the lifecycle state of a Task.
type State int32

const (
	Idle State = iota
	WaitingForReady
	Running
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case WaitingForReady:
		return "waiting_for_ready"
	case Running:
		return "running"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Outcome summarizes one cycle.
type Outcome string

const (
	OutcomeNotified  Outcome = "notified"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeNotDue    Outcome = "not_due"
	OutcomeSkipped   Outcome = "skipped" // fetcher had nothing to observe
	OutcomeFailed    Outcome = "failed"
)

type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
)

// CycleReport describes a finished cycle.
type CycleReport struct {
	Watcher  string        `json:"watcher"`
	CycleID  string        `json:"cycle_id"`
	Trigger  Trigger       `json:"trigger"`
	Outcome  Outcome       `json:"outcome"`
	Identity string        `json:"identity,omitempty"`
	Notified bool          `json:"notified"`
	Started  time.Time     `json:"started"`
	Took     time.Duration `json:"took"`
	Err      error         `json:"-"`
	Error    string        `json:"error,omitempty"`
}

// StateChange is published on the bus when a task changes state.
type StateChange struct {
	Watcher string `json:"watcher"`
	From    State  `json:"from"`
	To      State  `json:"to"`
}

// ErrorEvent is handed to the ErrorSink for every failed cycle.
type ErrorEvent struct {
	Watcher string
	CycleID string
	Stage   Stage
	At      time.Time
	Err     error
}

// ErrorSink receives cycle failures. It must not block.
type ErrorSink func(ev ErrorEvent)

// Recorder receives cycle metrics.
type Recorder interface {
	CycleFinished(watcher string, outcome Outcome, took time.Duration)
	CycleFailed(watcher string, stage Stage)
	StateChanged(watcher string, state State)
}

type nopRecorder struct{}

func (nopRecorder) CycleFinished(string, Outcome, time.Duration) {}
func (nopRecorder) CycleFailed(string, Stage) {}
func (nopRecorder) StateChanged(string, State) {}

// Status is a point-in-time view of one registered watcher.
type Status struct {
	ID          string        `json:"id"`
	Kind        string        `json:"kind,omitempty"`
	State       State         `json:"state"`
	Interval    time.Duration `json:"interval"`
	Destination string        `json:"destination,omitempty"`
	Cycles      uint64        `json:"cycles"`
	Notified    uint64        `json:"notified"`
	Failures    uint64        `json:"failures"`
	Last        *CycleReport  `json:"last,omitempty"`
	Error       string        `json:"error,omitempty"`
}
