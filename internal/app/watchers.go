package app

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"watchbot/internal/config"
	"watchbot/internal/notifier"
	"watchbot/internal/sources"
	"watchbot/internal/storage"
	kit "watchbot/internal/transport"
	"watchbot/internal/watcher"
)

// BuildWatcher turns one configured watcher into a watcher.Config that
// renders through out. Every error is a configuration error.
func BuildWatcher(cfg *config.Config, wc config.WatcherConfig, env sources.Env, out notifier.Deliverer) (watcher.Config, sources.Built, error) {
	if err := config.ValidateWatcher(wc); err != nil {
		return watcher.Config{}, sources.Built{}, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return watcher.Config{}, sources.Built{}, err
	}
	if env.Location == nil {
		env.Location = loc
	}
	built, err := sources.Build(wc.Kind, wc.ID, wc.Options, env)
	if err != nil {
		return watcher.Config{}, sources.Built{}, fmt.Errorf("watcher %s: %w", wc.ID, err)
	}
	interval, err := watcher.ParseInterval(wc.Interval, built.Interval)
	if err != nil {
		return watcher.Config{}, sources.Built{}, fmt.Errorf("watcher %s: interval: %w", wc.ID, err)
	}
	text := built.Template
	if strings.TrimSpace(wc.Template) != "" {
		text = wc.Template
	}
	var opts *kit.SendOptions
	if strings.TrimSpace(wc.ParseMode) != "" {
		opts = &kit.SendOptions{ParseMode: "HTML"}
	}
	tmpl, err := notifier.NewTemplate(wc.ID, text, out, opts)
	if err != nil {
		return watcher.Config{}, sources.Built{}, err
	}
	fetchTimeout, err := config.ParseDurationOrDefault("watchers."+wc.ID+".fetch_timeout", wc.FetchTimeout, watcher.DefaultFetchTimeout)
	if err != nil {
		return watcher.Config{}, sources.Built{}, err
	}
	return watcher.Config{
		ID:           wc.ID,
		Kind:         strings.ToLower(strings.TrimSpace(wc.Kind)),
		Interval:     interval,
		Destination:  wc.Destination,
		Fetcher:      built.Fetcher,
		Notifier:     tmpl,
		Gate:         built.Gate,
		FetchTimeout: fetchTimeout,
		Location:     loc,
	}, built, nil
}

// capture is a Deliverer that keeps the rendered messages instead of
// sending them.
type capture struct {
	mu   sync.Mutex
	msgs []notifier.Message
}

func (c *capture) Deliver(_ context.Context, m notifier.Message) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
	return nil
}

// readOnlyStore runs updates against a copy and never writes.
type readOnlyStore struct {
	inner watcher.StateStore
}

func (s readOnlyStore) Get(ctx context.Context, id string) storage.WatchState {
	return s.inner.Get(ctx, id)
}

func (s readOnlyStore) Update(ctx context.Context, id string, fn func(st *storage.WatchState) error) (storage.WatchState, error) {
	st := s.inner.Get(ctx, id).Clone()
	if err := fn(&st); err != nil {
		return storage.WatchState{}, err
	}
	return st, nil
}

// CheckResult is the outcome of a dry run.
type CheckResult struct {
	Report watcher.CycleReport
	// Text is the message that would have been sent, if any.
	Text string
}

// Check runs one cycle of watcher id against the stored state without
// delivering or persisting anything.
func Check(ctx context.Context, cfg *config.Config, states watcher.StateStore, id string, env sources.Env) (CheckResult, error) {
	wc, ok := cfg.Watcher(id)
	if !ok {
		return CheckResult{}, fmt.Errorf("%w: %s", watcher.ErrUnknownWatcher, id)
	}
	out := &capture{}
	wcfg, _, err := BuildWatcher(cfg, wc, env, out)
	if err != nil {
		return CheckResult{}, watcher.ConfigError(id, err)
	}
	task, err := watcher.NewTask(wcfg, watcher.Deps{
		Store: readOnlyStore{inner: states},
		Resolve: func(name string) (watcher.Destination, bool) {
			return resolveDestination(cfg, name)
		},
		Sink: func(watcher.ErrorEvent) {},
		Now:  env.Now,
	})
	if err != nil {
		return CheckResult{}, err
	}
	rep := task.RunCycle(ctx, watcher.TriggerManual)
	res := CheckResult{Report: rep}
	out.mu.Lock()
	if len(out.msgs) > 0 {
		res.Text = out.msgs[len(out.msgs)-1].Text
	}
	out.mu.Unlock()
	return res, rep.Err
}
