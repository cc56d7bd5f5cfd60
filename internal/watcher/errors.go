package watcher

import (
	"errors"
	"fmt"
)

var (
	// ErrNoSnapshot is returned by a Fetcher when there is nothing to
	// observe this cycle. It is not a failure.
	ErrNoSnapshot = errors.New("no snapshot this cycle")

	ErrUnknownWatcher = errors.New("unknown watcher")
	ErrNotReady       = errors.New("transport not ready")
)

// Stage names the step of a cycle (or of construction) that failed.
type Stage string

const (
	StageConfig  Stage = "config"
	StageResolve Stage = "resolve"
	StageFetch   Stage = "fetch"
	StageNotify  Stage = "notify"
	StagePersist Stage = "persist"
	StagePanic   Stage = "panic"
)

// StageError carries the watcher id and failing stage.
type StageError struct {
	Watcher string
	Stage   Stage
	Err     error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("watcher %s: %s: %v", e.Watcher, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(id string, stage Stage, err error) *StageError {
	return &StageError{Watcher: id, Stage: stage, Err: err}
}

// ConfigError builds the error for a watcher that cannot be constructed.
func ConfigError(id string, err error) error { return stageErr(id, StageConfig, err) }

// StageOf returns the stage of a StageError in err's chain, or "".
func StageOf(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

// IsConfigError reports whether err came from watcher construction.
func IsConfigError(err error) bool { return StageOf(err) == StageConfig }
