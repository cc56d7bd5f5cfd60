package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"watchbot/internal/app"
	"watchbot/internal/config"
	"watchbot/internal/sources"
	"watchbot/internal/sources/countdown"
	"watchbot/internal/sources/httpx"
	"watchbot/internal/storage"
	logx "watchbot/pkg/logx"
)

// RunCmd starts the daemon.
type RunCmd struct {
	StopTimeout time.Duration `name:"stop-timeout" help:"Upper bound for graceful shutdown" default:"15s"`
}

func (r *RunCmd) Run(root *CLI) error {
	a, err := app.NewApp(root.Config)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	if err := a.Start(ctx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), r.StopTimeout)
		_ = a.Stop(stopCtx, app.StopFatalError)
		stopCancel()
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopUnknown
	select {
	case sig := <-sigs:
		reason = app.StopSIGTERM
		if sig == syscall.SIGINT {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), r.StopTimeout)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// loadConfig parses and validates the config without starting anything.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.NewConfigManager(path).Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openStates(root *CLI) (*config.Config, *storage.StateStore, func(), error) {
	cfg, err := loadConfig(root.Config)
	if err != nil {
		return nil, nil, nil, err
	}
	log := root.logger()
	b, err := app.OpenStorage(cfg, log)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, storage.NewStateStore(b, log), func() { _ = b.Close() }, nil
}

// CheckCmd runs one dry cycle.
type CheckCmd struct {
	Watcher string        `arg:"" help:"Watcher id"`
	Timeout time.Duration `help:"Upper bound for the cycle" default:"60s"`
}

func (c *CheckCmd) Run(root *CLI) error {
	cfg, states, closeFn, err := openStates(root)
	if err != nil {
		return err
	}
	defer closeFn()

	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()
	res, err := app.Check(ctx, cfg, states, c.Watcher, sources.Env{HTTP: httpx.NewClient()})

	rep := res.Report
	fmt.Printf("watcher:  %s\noutcome:  %s\n", c.Watcher, rep.Outcome)
	if rep.Identity != "" {
		fmt.Printf("identity: %s\n", rep.Identity)
	}
	if rep.Took > 0 {
		fmt.Printf("took:     %s\n", rep.Took.Truncate(time.Millisecond))
	}
	if res.Text != "" {
		fmt.Printf("\n%s\n", res.Text)
	}
	return err
}

// SetTargetCmd stores a countdown target date.
type SetTargetCmd struct {
	Watcher string `arg:"" help:"Countdown watcher id"`
	Date    string `arg:"" help:"Target date, YYYY-MM-DD"`
}

func (s *SetTargetCmd) Run(root *CLI) error {
	cfg, states, closeFn, err := openStates(root)
	if err != nil {
		return err
	}
	defer closeFn()

	wc, ok := cfg.Watcher(s.Watcher)
	if !ok {
		return fmt.Errorf("unknown watcher %q", s.Watcher)
	}
	if !strings.EqualFold(strings.TrimSpace(wc.Kind), "countdown") {
		return fmt.Errorf("watcher %s is a %s watcher, not countdown", wc.ID, wc.Kind)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	target, err := countdown.SetTarget(ctx, states, wc.ID, s.Date)
	if err != nil {
		return err
	}
	fmt.Printf("%s target set to %s\n", wc.ID, target)
	return nil
}

// StateCmd prints the persisted state record.
type StateCmd struct {
	Watcher string `arg:"" help:"Watcher id"`
}

func (s *StateCmd) Run(root *CLI) error {
	_, states, closeFn, err := openStates(root)
	if err != nil {
		return err
	}
	defer closeFn()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	b, err := json.MarshalIndent(states.Get(ctx, s.Watcher), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

// ValidateCmd checks the global config and builds every watcher.
type ValidateCmd struct{}

func (ValidateCmd) Run(root *CLI) error {
	cfg, err := loadConfig(root.Config)
	if err != nil {
		return err
	}
	var errs []error
	for _, wc := range cfg.Watchers {
		state := "ok"
		if _, _, err := app.BuildWatcher(cfg, wc, sources.Env{}, nil); err != nil {
			errs = append(errs, err)
			state = err.Error()
		} else if !wc.IsEnabled() {
			state = "ok (disabled)"
		}
		fmt.Printf("%-20s %-12s %s\n", wc.ID, wc.Kind, state)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	fmt.Printf("config ok: %d watchers\n", len(cfg.Watchers))
	root.logger().Debug("validated", logx.String("path", root.Config))
	return nil
}
