package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"watchbot/internal/storage"
	logx "watchbot/pkg/logx"
)

type fixture struct {
	dir   string
	store *storage.StateStore
	sent  []Snapshot
	mu    sync.Mutex
	sink  []ErrorEvent
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	b, err := storage.Open(storage.Config{Driver: "file", Path: dir}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return &fixture{dir: dir, store: storage.NewStateStore(b, logx.Nop())}
}

func (f *fixture) notifier(fail func() error) Notifier {
	return NotifyFunc(func(_ context.Context, _ Destination, snap Snapshot) error {
		if fail != nil {
			if err := fail(); err != nil {
				return err
			}
		}
		f.mu.Lock()
		f.sent = append(f.sent, snap)
		f.mu.Unlock()
		return nil
	})
}

func (f *fixture) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fixture) deps(store StateStore) Deps {
	if store == nil {
		store = f.store
	}
	return Deps{
		Store: store,
		Resolve: func(name string) (Destination, bool) {
			if name == "alerts" {
				return Destination{Name: name, ChatID: -100}, true
			}
			return Destination{}, false
		},
		Sink: func(ev ErrorEvent) {
			f.mu.Lock()
			f.sink = append(f.sink, ev)
			f.mu.Unlock()
		},
	}
}

func constFetcher(identity string) Fetcher {
	return FetchFunc(func(context.Context, storage.WatchState) (Snapshot, error) {
		return Snapshot{Identity: identity}, nil
	})
}

func newTestTask(t *testing.T, cfg Config, deps Deps) *Task {
	t.Helper()
	if cfg.ID == "" {
		cfg.ID = "eq"
	}
	if cfg.Interval == 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Destination == "" {
		cfg.Destination = "alerts"
	}
	task, err := NewTask(cfg, deps)
	require.NoError(t, err)
	return task
}

func TestDetect(t *testing.T) {
	t.Parallel()

	x := "X"
	cases := []struct {
		name string
		prev *string
		id   string
		want Result
	}{
		{"no previous", nil, "X", Changed},
		{"same", &x, "X", Unchanged},
		{"different", &x, "Y", Changed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Detect(tc.prev, Snapshot{Identity: tc.id, Payload: map[string]any{"n": 1}}))
		})
	}
}

func TestFirstIdentityNotifiesOnceAndPersists(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	task := newTestTask(t, Config{Fetcher: constFetcher("E2024001"), Notifier: f.notifier(nil)}, f.deps(nil))

	rep := task.RunCycle(ctx, TriggerManual)
	require.Equal(t, OutcomeNotified, rep.Outcome)
	require.NoError(t, rep.Err)
	require.Equal(t, 1, f.sentCount())

	st := f.store.Get(ctx, "eq")
	require.Equal(t, "E2024001", st.LastIdentity())
	require.Equal(t, int64(1), st.Counters[CounterSent])

	// Replaying the identical snapshot never notifies again.
	for i := 0; i < 3; i++ {
		rep = task.RunCycle(ctx, TriggerSchedule)
		require.Equal(t, OutcomeUnchanged, rep.Outcome)
	}
	require.Equal(t, 1, f.sentCount())
}

func TestPersistedIdentityUnchanged(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.Put(ctx, "eq", storage.WatchState{Identity: storage.StrPtr("X")}))
	before, err := os.ReadFile(filepath.Join(f.dir, "eq.json"))
	require.NoError(t, err)

	task := newTestTask(t, Config{Fetcher: constFetcher("X"), Notifier: f.notifier(nil)}, f.deps(nil))
	rep := task.RunCycle(ctx, TriggerSchedule)

	require.Equal(t, OutcomeUnchanged, rep.Outcome)
	require.Equal(t, 0, f.sentCount())
	after, err := os.ReadFile(filepath.Join(f.dir, "eq.json"))
	require.NoError(t, err)
	require.Equal(t, string(before), string(after))
}

// flakyStore fails the first n updates, as if the process died between
// delivery and persistence.
type flakyStore struct {
	*storage.StateStore
	fail atomic.Int32
}

func (s *flakyStore) Update(ctx context.Context, id string, fn func(*storage.WatchState) error) (storage.WatchState, error) {
	if s.fail.Add(-1) >= 0 {
		return storage.WatchState{}, errors.New("disk full")
	}
	return s.StateStore.Update(ctx, id, fn)
}

func TestPersistFailureRepeatsAtMostOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	store := &flakyStore{StateStore: f.store}
	store.fail.Store(1)

	task := newTestTask(t, Config{Fetcher: constFetcher("E2"), Notifier: f.notifier(nil)}, f.deps(store))

	rep := task.RunCycle(ctx, TriggerSchedule)
	require.Equal(t, OutcomeFailed, rep.Outcome)
	require.True(t, rep.Notified)
	require.Equal(t, StagePersist, StageOf(rep.Err))

	rep = task.RunCycle(ctx, TriggerSchedule)
	require.Equal(t, OutcomeNotified, rep.Outcome)

	rep = task.RunCycle(ctx, TriggerSchedule)
	require.Equal(t, OutcomeUnchanged, rep.Outcome)

	require.Equal(t, 2, f.sentCount())
	require.Equal(t, "E2", f.store.Get(ctx, "eq").LastIdentity())
}

func TestDeliveryFailureSkipsPersistence(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	var calls atomic.Int32
	failFirst := func() error {
		if calls.Add(1) == 1 {
			return errors.New("telegram: 502")
		}
		return nil
	}
	task := newTestTask(t, Config{Fetcher: constFetcher("A"), Notifier: f.notifier(failFirst)}, f.deps(nil))

	rep := task.RunCycle(ctx, TriggerSchedule)
	require.Equal(t, StageNotify, StageOf(rep.Err))
	require.Equal(t, "", f.store.Get(ctx, "eq").LastIdentity())

	rep = task.RunCycle(ctx, TriggerSchedule)
	require.Equal(t, OutcomeNotified, rep.Outcome)
	require.Equal(t, 1, f.sentCount())
	require.Len(t, f.sink, 1)
	require.Equal(t, StageNotify, f.sink[0].Stage)
}

func TestCycleFailuresAreContained(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	var n atomic.Int32
	fetch := FetchFunc(func(context.Context, storage.WatchState) (Snapshot, error) {
		switch n.Add(1) {
		case 1:
			panic("boom")
		case 2:
			return Snapshot{}, errors.New("http 500")
		case 3:
			return Snapshot{}, ErrNoSnapshot
		default:
			return Snapshot{Identity: "ok"}, nil
		}
	})
	task := newTestTask(t, Config{Fetcher: fetch, Notifier: f.notifier(nil)}, f.deps(nil))

	require.Equal(t, StagePanic, StageOf(task.RunCycle(ctx, TriggerSchedule).Err))
	require.Equal(t, StageFetch, StageOf(task.RunCycle(ctx, TriggerSchedule).Err))
	require.Equal(t, OutcomeSkipped, task.RunCycle(ctx, TriggerSchedule).Outcome)
	require.Equal(t, OutcomeNotified, task.RunCycle(ctx, TriggerSchedule).Outcome)

	st := task.Status()
	require.Equal(t, uint64(4), st.Cycles)
	require.Equal(t, uint64(2), st.Failures)
	require.Equal(t, uint64(1), st.Notified)
	require.Len(t, f.sink, 2)
}

func TestUnresolvedDestinationIsNoop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	var fetched atomic.Bool
	fetch := FetchFunc(func(context.Context, storage.WatchState) (Snapshot, error) {
		fetched.Store(true)
		return Snapshot{Identity: "x"}, nil
	})
	task := newTestTask(t, Config{Destination: "gone", Fetcher: fetch, Notifier: f.notifier(nil)}, f.deps(nil))

	rep := task.RunCycle(ctx, TriggerSchedule)
	require.Equal(t, StageResolve, StageOf(rep.Err))
	require.False(t, fetched.Load())
	require.Equal(t, 0, f.sentCount())
}

func TestMalformedRecordIsRepairedByNextCycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "eq.json"), []byte("{not json"), 0o644))

	task := newTestTask(t, Config{Fetcher: constFetcher("E9"), Notifier: f.notifier(nil)}, f.deps(nil))
	require.Equal(t, OutcomeNotified, task.RunCycle(ctx, TriggerSchedule).Outcome)
	require.Equal(t, "E9", f.store.Get(ctx, "eq").LastIdentity())
}

func TestHandEditsBetweenCyclesTakeEffect(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	path := filepath.Join(f.dir, "eq.json")

	var current atomic.Value
	current.Store("E1")
	fetch := FetchFunc(func(context.Context, storage.WatchState) (Snapshot, error) {
		return Snapshot{Identity: current.Load().(string)}, nil
	})
	task := newTestTask(t, Config{Fetcher: fetch, Notifier: f.notifier(nil)}, f.deps(nil))
	require.Equal(t, OutcomeNotified, task.RunCycle(ctx, TriggerSchedule).Outcome)

	// Clearing the identity by hand makes the same event new again.
	require.NoError(t, os.WriteFile(path, []byte(`{"identity": null}`), 0o644))
	require.Equal(t, OutcomeNotified, task.RunCycle(ctx, TriggerSchedule).Outcome)
	require.Equal(t, 2, f.sentCount())
	require.Equal(t, "E1", f.store.Get(ctx, "eq").LastIdentity())

	// Writing the upcoming identity by hand suppresses it.
	current.Store("E2")
	require.NoError(t, os.WriteFile(path, []byte(`{"identity": "E2"}`), 0o644))
	require.Equal(t, OutcomeUnchanged, task.RunCycle(ctx, TriggerSchedule).Outcome)
	require.Equal(t, 2, f.sentCount())
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func TestTimeGatedTerminalFiresOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	loc, err := time.LoadLocation("Asia/Taipei")
	require.NoError(t, err)
	gate, err := NewDailyGate("0 10 * * *", loc)
	require.NoError(t, err)

	target := "2024-05-01"
	_, err = f.store.Update(ctx, "countdown", func(st *storage.WatchState) error {
		st.Target = target
		return nil
	})
	require.NoError(t, err)

	clock := &fakeClock{}
	fetch := FetchFunc(func(_ context.Context, st storage.WatchState) (Snapshot, error) {
		today := gate.Today(clock.Now())
		if today >= st.Target {
			return Snapshot{Identity: "countdown:" + st.Target + ":reached"}, nil
		}
		return Snapshot{Identity: "countdown:" + st.Target + ":" + today}, nil
	})

	deps := f.deps(nil)
	deps.Now = clock.Now
	task := newTestTask(t, Config{ID: "countdown", Gate: gate, Fetcher: fetch, Notifier: f.notifier(nil)}, deps)

	steps := []struct {
		at   time.Time
		want Outcome
	}{
		{time.Date(2024, 5, 1, 9, 59, 0, 0, loc), OutcomeNotDue},
		{time.Date(2024, 5, 1, 10, 0, 0, 0, loc), OutcomeNotified},
		{time.Date(2024, 5, 1, 10, 1, 0, 0, loc), OutcomeNotDue},
		{time.Date(2024, 5, 2, 10, 0, 0, 0, loc), OutcomeUnchanged},
		{time.Date(2024, 5, 3, 10, 0, 0, 0, loc), OutcomeUnchanged},
	}
	for _, s := range steps {
		clock.Set(s.at)
		rep := task.RunCycle(ctx, TriggerSchedule)
		require.Equal(t, s.want, rep.Outcome, "at %s", s.at)
	}
	require.Equal(t, 1, f.sentCount())
	st := f.store.Get(ctx, "countdown")
	require.Equal(t, "2024-05-01", st.Fired())
	require.Equal(t, "countdown:2024-05-01:reached", st.LastIdentity())
}

func TestStartTwiceRunsOneLoop(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	var inFlight, maxInFlight atomic.Int32
	fetch := FetchFunc(func(context.Context, storage.WatchState) (Snapshot, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		return Snapshot{Identity: "A"}, nil
	})
	task := newTestTask(t, Config{Interval: 5 * time.Millisecond, Fetcher: fetch, Notifier: f.notifier(nil)}, f.deps(nil))

	require.True(t, task.Start(context.Background()))
	require.False(t, task.Start(context.Background()))

	require.Eventually(t, func() bool { return task.Status().Cycles >= 5 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, task.Stop(context.Background()))

	require.Equal(t, 1, f.sentCount())
	require.Equal(t, int32(1), maxInFlight.Load())
	require.Equal(t, Cancelled, task.State())
	require.False(t, task.Start(context.Background()))
}

func TestWaitsForReadiness(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	ready := make(chan struct{})
	deps := f.deps(nil)
	deps.Ready = ready
	task := newTestTask(t, Config{Interval: time.Hour, Fetcher: constFetcher("A"), Notifier: f.notifier(nil)}, deps)

	require.Equal(t, Idle, task.State())
	task.Start(context.Background())
	require.Equal(t, WaitingForReady, task.State())

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, uint64(0), task.Status().Cycles)

	close(ready)
	require.Eventually(t, func() bool { return f.sentCount() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, Running, task.State())

	require.NoError(t, task.Stop(context.Background()))
	require.Equal(t, Cancelled, task.State())
}

func TestStopWhileWaitingForReady(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	deps := f.deps(nil)
	deps.Ready = make(chan struct{})
	task := newTestTask(t, Config{Fetcher: constFetcher("A"), Notifier: f.notifier(nil)}, deps)
	task.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, task.Stop(ctx))
	require.Equal(t, Cancelled, task.State())
	require.Equal(t, 0, f.sentCount())
}

func TestNewTaskRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := NewTask(Config{ID: "x", Interval: time.Second, Fetcher: constFetcher("a"), Notifier: f.notifier(nil)}, f.deps(nil))
	require.True(t, IsConfigError(err))
	require.ErrorContains(t, err, "destination is required")
}

func TestParseInterval(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"", 10 * time.Minute, true},
		{"5s", 5 * time.Second, true},
		{"@every 90s", 90 * time.Second, true},
		{"every:2m", 2 * time.Minute, true},
		{"00:50", 50 * time.Minute, true},
		{"0 10 * * *", 0, false},
		{"-5s", 0, false},
		{"00:75", 0, false},
	}
	for _, tc := range cases {
		got, err := ParseInterval(tc.in, 10*time.Minute)
		if !tc.ok {
			require.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.want, got, tc.in)
	}
}

func TestDailyGate(t *testing.T) {
	t.Parallel()

	loc, err := time.LoadLocation("Asia/Taipei")
	require.NoError(t, err)
	g, err := NewDailyGate("", loc)
	require.NoError(t, err)
	require.Equal(t, DefaultGateSpec, g.Spec())

	at := func(d, h, m int) time.Time { return time.Date(2024, 5, d, h, m, 0, 0, loc) }

	require.False(t, g.Due(at(1, 9, 59), ""))
	require.True(t, g.Due(at(1, 10, 0), ""))
	require.True(t, g.Due(at(1, 23, 59), "2024-04-30"))
	require.False(t, g.Due(at(1, 10, 1), "2024-05-01"))

	// 01:30 UTC on May 2 is 09:30 in Taipei, still May 2 there.
	utc := time.Date(2024, 5, 2, 1, 30, 0, 0, time.UTC)
	require.Equal(t, "2024-05-02", g.Today(utc))
	require.False(t, g.Due(utc, "2024-05-01"))

	weekly, err := NewDailyGate("0 10 * * MON", loc)
	require.NoError(t, err)
	require.False(t, weekly.Due(at(1, 11, 0), "")) // Wednesday
	require.True(t, weekly.Due(at(6, 11, 0), ""))  // Monday

	_, err = NewDailyGate("@every 1h", loc)
	require.Error(t, err)
}
