package watcher

import (
	"context"
	"errors"
	"sort"
	"sync"

	logx "watchbot/pkg/logx"
)

// Builder rebuilds a watcher's Config from freshly read configuration. It
// returns ErrUnknownWatcher when id is no longer configured.
type Builder func(ctx context.Context, id string) (Config, error)

type entry struct {
	cfg     Config
	hasCfg  bool
	task    *Task
	err     error // last construction error
	cycleMu sync.Mutex
}

// Registry owns the watcher tasks. Lifecycle operations (Start, Stop,
// Reload) are serialized; Trigger and Snapshot never wait for them.
type Registry struct {
	deps  Deps
	build Builder
	log   logx.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc

	opMu    sync.Mutex
	mu      sync.RWMutex
	entries map[string]*entry
}

func NewRegistry(parent context.Context, deps Deps, build Builder) *Registry {
	deps = deps.withDefaults()
	ctx, cancel := context.WithCancel(parent)
	return &Registry{
		deps:       deps,
		build:      build,
		log:        deps.Log.With(logx.String("comp", "registry")),
		baseCtx:    ctx,
		baseCancel: cancel,
		entries:    map[string]*entry{},
	}
}

func (r *Registry) entry(id string, create bool) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[id]
	if e == nil && create {
		e = &entry{}
		r.entries[id] = e
	}
	return e
}

// Register records cfg for its id without starting it. A running task keeps
// its previous config until the next Stop/Start or Reload.
func (r *Registry) Register(cfg Config) error {
	if err := cfg.validate(); err != nil {
		err = ConfigError(cfg.ID, err)
		if cfg.ID != "" {
			r.Fail(cfg.ID, err)
		}
		return err
	}
	e := r.entry(cfg.ID, true)
	r.mu.Lock()
	e.cfg, e.hasCfg, e.err = cfg, true, nil
	r.mu.Unlock()
	return nil
}

// Fail records a watcher whose configuration could not be built, so it shows
// up in Snapshot with its error.
func (r *Registry) Fail(id string, err error) {
	e := r.entry(id, true)
	r.mu.Lock()
	e.hasCfg, e.err = false, err
	r.mu.Unlock()
	r.log.Error("watcher configuration invalid", logx.String("watcher", id), logx.Err(err))
}

// Start starts the registered watcher. Starting a running watcher is a no-op.
func (r *Registry) Start(id string) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	return r.startLocked(id)
}

func (r *Registry) startLocked(id string) error {
	e := r.entry(id, false)
	if e == nil {
		return ErrUnknownWatcher
	}
	r.mu.RLock()
	cfg, hasCfg, cerr, task := e.cfg, e.hasCfg, e.err, e.task
	r.mu.RUnlock()

	if !hasCfg {
		if cerr != nil {
			return cerr
		}
		return ErrUnknownWatcher
	}
	if task != nil && task.State() != Cancelled {
		return nil
	}

	t, err := newTask(cfg, r.deps, &e.cycleMu)
	if err != nil {
		r.mu.Lock()
		e.err = err
		r.mu.Unlock()
		return err
	}
	r.mu.Lock()
	e.task = t
	r.mu.Unlock()
	t.Start(r.baseCtx)
	return nil
}

// Stop stops the watcher and waits for its loop to exit (bounded by ctx).
func (r *Registry) Stop(ctx context.Context, id string) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	return r.stopLocked(ctx, id)
}

func (r *Registry) stopLocked(ctx context.Context, id string) error {
	e := r.entry(id, false)
	if e == nil {
		return ErrUnknownWatcher
	}
	r.mu.RLock()
	t := e.task
	r.mu.RUnlock()
	if t == nil {
		return nil
	}
	return t.Stop(ctx)
}

// Reload stops the watcher, rebuilds its config through the Builder and
// starts it again. A watcher no longer present in the configuration is
// removed. Reload is idempotent.
func (r *Registry) Reload(ctx context.Context, id string) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	if err := r.stopLocked(ctx, id); err != nil && !errors.Is(err, ErrUnknownWatcher) {
		return err
	}

	cfg, err := r.build(ctx, id)
	if errors.Is(err, ErrUnknownWatcher) {
		r.mu.Lock()
		delete(r.entries, id)
		r.mu.Unlock()
		r.log.Info("watcher removed", logx.String("watcher", id))
		return err
	}
	if err != nil {
		if !IsConfigError(err) {
			err = ConfigError(id, err)
		}
		r.Fail(id, err)
		return err
	}
	if err := r.Register(cfg); err != nil {
		return err
	}
	if err := r.startLocked(id); err != nil {
		return err
	}
	r.log.Info("watcher reloaded", logx.String("watcher", id))
	return nil
}

// Remove stops the watcher and forgets it.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	err := r.stopLocked(ctx, id)
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
	return err
}

// Trigger runs one cycle outside the schedule with the same dedup and
// persistence rules. It waits for an in-flight scheduled cycle.
func (r *Registry) Trigger(ctx context.Context, id string) (CycleReport, error) {
	select {
	case <-r.deps.Ready:
	default:
		return CycleReport{}, ErrNotReady
	}

	e := r.entry(id, false)
	if e == nil {
		return CycleReport{}, ErrUnknownWatcher
	}
	r.mu.RLock()
	t, cfg, hasCfg, cerr := e.task, e.cfg, e.hasCfg, e.err
	r.mu.RUnlock()

	if t == nil {
		if !hasCfg {
			if cerr != nil {
				return CycleReport{}, cerr
			}
			return CycleReport{}, ErrUnknownWatcher
		}
		var err error
		if t, err = newTask(cfg, r.deps, &e.cycleMu); err != nil {
			return CycleReport{}, err
		}
	}
	rep := t.RunCycle(ctx, TriggerManual)
	return rep, rep.Err
}

// StartAll starts every registered watcher; failures are logged and do not
// affect siblings.
func (r *Registry) StartAll() {
	for _, id := range r.IDs() {
		if err := r.Start(id); err != nil {
			r.log.Warn("watcher not started", logx.String("watcher", id), logx.Err(err))
		}
	}
}

// StopAll stops every watcher concurrently.
func (r *Registry) StopAll(ctx context.Context) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.RLock()
	tasks := make([]*Task, 0, len(r.entries))
	for _, e := range r.entries {
		if e.task != nil {
			tasks = append(tasks, e.task)
		}
	}
	r.mu.RUnlock()

	var (
		wg   sync.WaitGroup
		emu  sync.Mutex
		errs []error
	)
	for _, t := range tasks {
		wg.Add(1)
		go func(t *Task) {
			defer wg.Done()
			if err := t.Stop(ctx); err != nil {
				emu.Lock()
				errs = append(errs, err)
				emu.Unlock()
			}
		}(t)
	}
	wg.Wait()
	r.baseCancel()
	return errors.Join(errs...)
}

// IDs returns the registered ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Snapshot returns the status of every registered watcher, sorted by id.
func (r *Registry) Snapshot() []Status {
	r.mu.RLock()
	out := make([]Status, 0, len(r.entries))
	for id, e := range r.entries {
		var st Status
		switch {
		case e.task != nil:
			st = e.task.Status()
		case e.hasCfg:
			st = Status{ID: id, Kind: e.cfg.Kind, State: Idle, Interval: e.cfg.Interval, Destination: e.cfg.Destination}
		default:
			st = Status{ID: id, State: Idle}
		}
		if e.err != nil {
			st.Error = e.err.Error()
		}
		out = append(out, st)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
