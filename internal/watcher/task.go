package watcher

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"watchbot/internal/eventbus"
	"watchbot/internal/runtime/supervisor"
	"watchbot/internal/storage"
	logx "watchbot/pkg/logx"
)

const (
	DefaultFetchTimeout  = 20 * time.Second
	DefaultNotifyTimeout = 30 * time.Second

	// CounterSent is the per-day notification counter kept in WatchState.
	CounterSent = "sent"
)

// Config is the immutable description of one watcher.
type Config struct {
	ID          string
	Kind        string
	Interval    time.Duration
	Destination string

	Fetcher  Fetcher
	Notifier Notifier
	// Gate, when set, makes the watcher time-gated.
	Gate *DailyGate

	FetchTimeout  time.Duration
	NotifyTimeout time.Duration
	// Location is the zone for the daily counters. Defaults to the gate's
	// zone, then UTC.
	Location *time.Location
}

func (c Config) validate() error {
	switch {
	case strings.TrimSpace(c.ID) == "":
		return errors.New("id is required")
	case c.Interval <= 0:
		return fmt.Errorf("interval must be > 0")
	case strings.TrimSpace(c.Destination) == "":
		return errors.New("destination is required")
	case c.Fetcher == nil:
		return errors.New("fetcher is required")
	case c.Notifier == nil:
		return errors.New("notifier is required")
	}
	return nil
}

func (c Config) location() *time.Location {
	if c.Location != nil {
		return c.Location
	}
	if c.Gate != nil {
		return c.Gate.Location()
	}
	return time.UTC
}

// Deps are the host services a task uses.
type Deps struct {
	Store StateStore
	// Ready is closed once the transport can deliver. Nil means ready.
	Ready    <-chan struct{}
	Resolve  func(name string) (Destination, bool)
	Sink     ErrorSink
	Recorder Recorder
	Bus      eventbus.Bus
	Log      logx.Logger
	Now      func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Recorder == nil {
		d.Recorder = nopRecorder{}
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Ready == nil {
		ch := make(chan struct{})
		close(ch)
		d.Ready = ch
	}
	if d.Resolve == nil {
		d.Resolve = func(string) (Destination, bool) { return Destination{}, false }
	}
	if d.Sink == nil {
		log := d.Log
		d.Sink = func(ev ErrorEvent) {
			log.Warn("watcher cycle failed", logx.String("watcher", ev.Watcher), logx.String("stage", string(ev.Stage)), logx.String("cycle", ev.CycleID), logx.Err(ev.Err))
		}
	}
	return d
}

// Task is one watcher's loop. Start and Stop may be called from any
// goroutine; a stopped task cannot be restarted.
type Task struct {
	cfg  Config
	deps Deps
	log  logx.Logger

	// cycleMu serializes scheduled and manual cycles for this watcher id. The
	// registry shares it across task generations.
	cycleMu *sync.Mutex

	state atomic.Int32

	mu      sync.Mutex
	started bool
	sup     *supervisor.Supervisor

	statsMu  sync.Mutex
	cycles   uint64
	notified uint64
	failures uint64
	last     *CycleReport
}

// NewTask validates cfg. Invalid configs return a config StageError.
func NewTask(cfg Config, deps Deps) (*Task, error) {
	return newTask(cfg, deps, &sync.Mutex{})
}

func newTask(cfg Config, deps Deps, cycleMu *sync.Mutex) (*Task, error) {
	if err := cfg.validate(); err != nil {
		return nil, ConfigError(cfg.ID, err)
	}
	if deps.Store == nil {
		return nil, ConfigError(cfg.ID, errors.New("state store is required"))
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = DefaultNotifyTimeout
	}
	deps = deps.withDefaults()
	return &Task{
		cfg:     cfg,
		deps:    deps,
		log:     deps.Log.With(logx.String("watcher", cfg.ID)),
		cycleMu: cycleMu,
	}, nil
}

func (t *Task) ID() string { return t.cfg.ID }
func (t *Task) Config() Config { return t.cfg }
func (t *Task) State() State { return State(t.state.Load()) }

func (t *Task) setState(s State) {
	from := State(t.state.Swap(int32(s)))
	if from == s {
		return
	}
	t.deps.Recorder.StateChanged(t.cfg.ID, s)
	t.deps.Bus.Publish(eventbus.Event{Type: eventbus.WatcherState, Data: StateChange{Watcher: t.cfg.ID, From: from, To: s}})
	t.log.Debug("watcher state", logx.String("from", from.String()), logx.String("to", s.String()))
}

// Start launches the loop under parent. It reports false when the task was
// already started (a no-op).
func (t *Task) Start(parent context.Context) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return false
	}
	t.started = true
	t.setState(WaitingForReady)
	t.sup = supervisor.New(parent, supervisor.WithLogger(t.log))
	t.sup.Go("watcher."+t.cfg.ID, t.run)
	return true
}

// Stop cancels the loop and waits for it to exit or ctx to expire. A cycle
// in flight runs to completion first.
func (t *Task) Stop(ctx context.Context) error {
	t.mu.Lock()
	sup := t.sup
	t.started = true
	t.mu.Unlock()

	if sup == nil {
		t.setState(Cancelled)
		return nil
	}
	return sup.Stop(ctx)
}

// Done is closed when the loop has exited. Nil for a task never started.
func (t *Task) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sup == nil {
		return nil
	}
	return t.sup.Done()
}

func (t *Task) run(ctx context.Context) error {
	defer t.setState(Cancelled)

	select {
	case <-ctx.Done():
		return nil
	case <-t.deps.Ready:
	}
	t.setState(Running)
	t.log.Info("watcher running", logx.Duration("interval", t.cfg.Interval), logx.String("destination", t.cfg.Destination))

	for {
		start := time.Now()
		t.RunCycle(ctx, TriggerSchedule)
		if ctx.Err() != nil {
			return nil
		}

		// Fixed interval from cycle start; an overrun starts the next cycle at once.
		wait := t.cfg.Interval - time.Since(start)
		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// RunCycle performs one Fetch, Detect, Notify, Persist pass. It never
// panics and is safe to call concurrently with the loop; cycles for one
// watcher never overlap. Cancellation of ctx does not interrupt the cycle.
func (t *Task) RunCycle(ctx context.Context, trigger Trigger) (rep CycleReport) {
	t.cycleMu.Lock()
	defer t.cycleMu.Unlock()

	cctx := context.WithoutCancel(ctx)
	rep = CycleReport{Watcher: t.cfg.ID, CycleID: uuid.NewString(), Trigger: trigger, Started: t.deps.Now()}
	log := t.log.With(logx.String("cycle", rep.CycleID[:8]))
	began := time.Now()

	defer func() {
		if r := recover(); r != nil {
			log.Error("watcher cycle panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			rep.Outcome = OutcomeFailed
			rep.Err = stageErr(t.cfg.ID, StagePanic, fmt.Errorf("panic: %v", r))
		}
		rep.Took = time.Since(began)
		if rep.Err != nil {
			rep.Error = rep.Err.Error()
		}
		t.finish(rep, log)
	}()

	t.cycle(cctx, &rep, log)
	return rep
}

func (t *Task) cycle(ctx context.Context, rep *CycleReport, log logx.Logger) {
	fail := func(stage Stage, err error) {
		rep.Outcome = OutcomeFailed
		rep.Err = stageErr(t.cfg.ID, stage, err)
	}

	dest, ok := t.deps.Resolve(t.cfg.Destination)
	if !ok {
		fail(StageResolve, fmt.Errorf("destination %q not found", t.cfg.Destination))
		return
	}

	st := t.deps.Store.Get(ctx, t.cfg.ID)
	now := t.deps.Now()
	if g := t.cfg.Gate; g != nil && !g.Due(now, st.Fired()) {
		rep.Outcome = OutcomeNotDue
		return
	}

	fctx, cancel := context.WithTimeout(ctx, t.cfg.FetchTimeout)
	snap, err := t.cfg.Fetcher.Fetch(fctx, st.Clone())
	cancel()
	if errors.Is(err, ErrNoSnapshot) {
		log.Debug("nothing to observe", logx.Err(err))
		rep.Outcome = OutcomeSkipped
		return
	}
	if err != nil {
		fail(StageFetch, err)
		return
	}
	if snap.Identity == "" {
		fail(StageFetch, errors.New("snapshot has empty identity"))
		return
	}
	rep.Identity = snap.Identity

	if Detect(st.Identity, snap) == Unchanged {
		rep.Outcome = OutcomeUnchanged
		return
	}

	nctx, cancel := context.WithTimeout(ctx, t.cfg.NotifyTimeout)
	err = t.cfg.Notifier.Notify(nctx, dest, snap)
	cancel()
	if err != nil {
		fail(StageNotify, err)
		return
	}
	rep.Notified = true
	rep.Outcome = OutcomeNotified
	log.Info("notification sent", logx.String("identity", snap.Identity), logx.String("destination", dest.Name))

	if err := t.persist(ctx, st, snap, now); err != nil {
		fail(StagePersist, err)
	}
}

var errSuperseded = errors.New("state reconfigured during cycle")

// persist records the delivered identity on top of the current record. When
// the target was reconfigured mid-cycle the record is left to the new target.
func (t *Task) persist(ctx context.Context, loaded storage.WatchState, snap Snapshot, now time.Time) error {
	_, err := t.deps.Store.Update(ctx, t.cfg.ID, func(cur *storage.WatchState) error {
		if cur.Target != loaded.Target {
			return errSuperseded
		}
		cur.Identity = storage.StrPtr(snap.Identity)
		if g := t.cfg.Gate; g != nil {
			cur.FiredDate = storage.StrPtr(g.Today(now))
		}
		today := now.In(t.cfg.location()).Format(storage.DateLayout)
		if cur.CountersDate != today || cur.Counters == nil {
			cur.Counters = map[string]int64{}
			cur.CountersDate = today
		}
		cur.Counters[CounterSent]++
		return nil
	})
	if errors.Is(err, errSuperseded) {
		t.log.Info("state changed during cycle; keeping reconfigured record", logx.String("identity", snap.Identity))
		return nil
	}
	return err
}

func (t *Task) finish(rep CycleReport, log logx.Logger) {
	t.statsMu.Lock()
	t.cycles++
	if rep.Notified {
		t.notified++
	}
	if rep.Err != nil {
		t.failures++
	}
	cp := rep
	t.last = &cp
	t.statsMu.Unlock()

	t.deps.Recorder.CycleFinished(t.cfg.ID, rep.Outcome, rep.Took)
	if rep.Err != nil {
		stage := StageOf(rep.Err)
		t.deps.Recorder.CycleFailed(t.cfg.ID, stage)
		t.deps.Sink(ErrorEvent{Watcher: t.cfg.ID, CycleID: rep.CycleID, Stage: stage, At: rep.Started, Err: rep.Err})
	} else {
		log.Debug("watcher cycle done", logx.String("outcome", string(rep.Outcome)), logx.Duration("took", rep.Took))
	}
	t.deps.Bus.Publish(eventbus.Event{Type: eventbus.WatcherCycle, Data: rep})
}

// Status returns counters and the last cycle.
func (t *Task) Status() Status {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	st := Status{
		ID:          t.cfg.ID,
		Kind:        t.cfg.Kind,
		State:       t.State(),
		Interval:    t.cfg.Interval,
		Destination: t.cfg.Destination,
		Cycles:      t.cycles,
		Notified:    t.notified,
		Failures:    t.failures,
	}
	if t.last != nil {
		cp := *t.last
		st.Last = &cp
	}
	return st
}
