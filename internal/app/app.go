package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"watchbot/internal/commands"
	"watchbot/internal/config"
	"watchbot/internal/eventbus"
	"watchbot/internal/metrics"
	"watchbot/internal/notifier"
	"watchbot/internal/observability/ops"
	"watchbot/internal/rolesync"
	rtsup "watchbot/internal/runtime/supervisor"
	"watchbot/internal/sources"
	"watchbot/internal/sources/countdown"
	"watchbot/internal/sources/httpx"
	"watchbot/internal/storage"
	kit "watchbot/internal/transport"
	telegram "watchbot/internal/transport/telegram/adapter"
	"watchbot/internal/transport/telegram/router"
	"watchbot/internal/watcher"
	logx "watchbot/pkg/logx"
	"watchbot/pkg/systemd"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	backend storage.Backend
	states  *storage.StateStore

	adapter  kit.Adapter
	notif    *notifier.Service
	roles    *rolesync.Syncer
	registry *watcher.Registry
	cmdm     *router.CommandManager
	metrics  *metrics.Recorder
	ops      *ops.Service
	httpc    *http.Client

	started time.Time
	updates chan kit.Update

	// setCmds maps countdown watcher ids to their target command.
	setMu   sync.Mutex
	setCmds map[string]string
}

type options struct {
	adapter kit.Adapter
	httpc   *http.Client
}

type Option func(*options)

// WithAdapter replaces the Telegram adapter.
func WithAdapter(ad kit.Adapter) Option { return func(o *options) { o.adapter = ad } }

// WithHTTPClient replaces the client fetchers use.
func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.httpc = c } }

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	ad := o.adapter
	if ad == nil {
		bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
		pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		tg, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, bootLog)
		if err != nil {
			return nil, err
		}
		ad = tg
	}

	var logSender logx.Sender
	if s, ok := ad.(logx.Sender); ok {
		logSender = s
	}
	logSvc, root := logx.New(mapLogConfig(cfg), logSender)
	log := root.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	backend, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	notif := notifier.New(ncfg, ad, root.With(logx.String("comp", "notifier")), bus)

	httpc := o.httpc
	if httpc == nil {
		httpc = httpx.NewClient()
	}

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		backend: backend,
		states:  storage.NewStateStore(backend, root),
		adapter: ad,
		notif:   notif,
		roles:   rolesync.New(mapRolesConfig(cfg), ad, backend, bus, root),
		metrics: metrics.NewRecorder(nil),
		httpc:   httpc,
		updates: make(chan kit.Update, 256),
		setCmds: map[string]string{},
	}
	a.cmdm = router.NewCommandManager(root.With(logx.String("comp", "commands")), ad, router.Options{
		Owners:  cfg.Telegram.OwnerUserIDs,
		Workers: cfg.Telegram.Workers,
		Auditor: backend,
		OnReaction: func(ctx context.Context, r *kit.Reaction) {
			a.roles.Handle(ctx, r)
		},
	})
	a.ops = ops.New(a.metrics.Registry(), a, root)
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Ready reports whether the transport has connected.
func (a *App) Ready() bool {
	select {
	case <-a.adapter.Ready():
		return true
	default:
		return false
	}
}

// Snapshot returns the watcher statuses, sorted by id.
func (a *App) Snapshot() []watcher.Status {
	if a.registry == nil {
		return nil
	}
	return a.registry.Snapshot()
}

// Deliveries returns the notifier's recent delivery history.
func (a *App) Deliveries() []notifier.HistoryItem { return a.notif.Recent() }

// Registry is nil until Start.
func (a *App) Registry() *watcher.Registry { return a.registry }

func (a *App) States() *storage.StateStore { return a.states }

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.started = time.Now()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		_, err := mapNotifierConfig(cfg)
		return err
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	a.registry = watcher.NewRegistry(a.sup.Context(), watcher.Deps{
		Store: a.states,
		Ready: a.adapter.Ready(),
		Resolve: func(name string) (watcher.Destination, bool) {
			return resolveDestination(a.cfgm.Get(), name)
		},
		Sink:     a.watcherFailed,
		Recorder: a.metrics,
		Bus:      a.bus,
		Log:      a.log.With(logx.String("comp", "watcher")),
	}, a.buildWatcher)

	cfg := a.cfgm.Get()
	for _, wc := range cfg.Watchers {
		if !wc.IsEnabled() {
			a.log.Info("watcher disabled", logx.String("watcher", wc.ID))
			continue
		}
		if err := a.registry.Reload(a.sup.Context(), wc.ID); err != nil {
			a.log.Warn("watcher not started", logx.String("watcher", wc.ID), logx.Err(err))
		}
	}
	a.refreshCommands(cfg)

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})
	a.sup.Go("metrics.consume", func(c context.Context) error {
		return a.metrics.Consume(c, a.bus)
	})
	if err := a.ops.Reconfigure(a.sup.Context(), mapOpsConfig(cfg)); err != nil {
		a.log.Warn("ops server not started", logx.Err(err))
	}

	a.sup.Go0("transport.ready", a.awaitReady)

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Keep only the newest pending config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, last, newCfg)
				last = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Int("watchers", len(a.registry.IDs())))
	return nil
}

// awaitReady runs once the transport connects: systemd readiness, the
// command menu and the watchdog.
func (a *App) awaitReady(c context.Context) {
	select {
	case <-c.Done():
		return
	case <-a.adapter.Ready():
	}
	if _, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify READY failed", logx.Err(err))
	}
	_, _ = systemd.Status(fmt.Sprintf("watching %d sources", len(a.registry.IDs())))
	a.bus.Publish(eventbus.Event{Type: eventbus.TransportReady})
	if err := a.cmdm.PublishMenu(c); err != nil {
		a.log.Warn("publish command menu failed", logx.Err(err))
	}
	a.log.Info("transport ready")

	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		if err := systemd.Watchdog(c); err != nil {
			a.log.Warn("systemd watchdog stopped", logx.Err(err))
		}
	})
}

func (a *App) watcherFailed(ev watcher.ErrorEvent) {
	a.bus.Publish(eventbus.Event{Type: eventbus.WatcherFailed, Time: ev.At, Data: ev})
	a.log.Warn("watcher cycle failed",
		logx.String("watcher", ev.Watcher),
		logx.String("stage", string(ev.Stage)),
		logx.String("cycle", ev.CycleID),
		logx.Err(ev.Err),
	)
}

// buildWatcher re-reads the config file so Reload picks up edits that the
// file watcher has not published yet. A broken file falls back to the last
// committed config.
func (a *App) buildWatcher(ctx context.Context, id string) (watcher.Config, error) {
	cfg, err := a.cfgm.Parse()
	if err == nil {
		err = config.Validate(cfg)
	}
	if err != nil {
		a.log.Warn("config re-read failed; using last good config", logx.String("watcher", id), logx.Err(err))
		cfg = a.cfgm.Get()
	}

	wc, ok := cfg.Watcher(id)
	if !ok || !wc.IsEnabled() {
		a.setMu.Lock()
		delete(a.setCmds, id)
		a.setMu.Unlock()
		return watcher.Config{}, watcher.ErrUnknownWatcher
	}
	wcfg, built, err := BuildWatcher(cfg, wc, sources.Env{HTTP: a.httpc, Getenv: os.Getenv}, a.notif)
	if err != nil {
		return watcher.Config{}, err
	}
	a.setMu.Lock()
	if built.SetCommand != "" {
		a.setCmds[id] = built.SetCommand
	} else {
		delete(a.setCmds, id)
	}
	a.setMu.Unlock()
	return wcfg, nil
}

// refreshCommands rebuilds the command set from cfg and the countdown
// commands the builder recorded.
func (a *App) refreshCommands(cfg *config.Config) {
	var shortcuts []commands.Shortcut
	for _, wc := range cfg.Watchers {
		if wc.IsEnabled() && strings.TrimSpace(wc.Command) != "" {
			shortcuts = append(shortcuts, commands.Shortcut{Name: strings.TrimPrefix(strings.TrimSpace(wc.Command), "/"), Watcher: wc.ID})
		}
	}

	a.setMu.Lock()
	dates := make([]commands.DateCommand, 0, len(a.setCmds))
	for id, name := range a.setCmds {
		dates = append(dates, commands.DateCommand{Name: name, Watcher: id})
	}
	a.setMu.Unlock()
	sort.Slice(dates, func(i, j int) bool { return dates[i].Watcher < dates[j].Watcher })

	deps := commands.Deps{
		Watchers: a.registry,
		SetTarget: func(ctx context.Context, id, raw string) (string, error) {
			return countdown.SetTarget(ctx, a.states, id, raw)
		},
		Started: a.started,
	}
	if cfg.Roles != nil {
		deps.Roles = a.roles
	}
	a.cmdm.SetRegistry(commands.Build(deps, shortcuts, dates))
}

func (a *App) applyConfig(c context.Context, last, newCfg *config.Config) {
	sum := config.Summarize(last, newCfg)
	if sum.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary", sum.Fields()...)

	for _, s := range sum.Sections {
		switch s {
		case "storage":
			a.log.Warn("storage config changed; restart required for changes to take effect")
		case "telegram":
			if last.Telegram.Token != newCfg.Telegram.Token || last.Telegram.PollTimeout != newCfg.Telegram.PollTimeout {
				a.log.Warn("telegram connection settings changed; restart required")
			}
		}
	}

	a.logs.Apply(mapLogConfig(newCfg))

	for _, id := range sum.Removed {
		if err := a.registry.Remove(c, id); err != nil && !errors.Is(err, watcher.ErrUnknownWatcher) {
			a.log.Warn("watcher remove failed", logx.String("watcher", id), logx.Err(err))
		}
		a.metrics.Forget(id)
		a.setMu.Lock()
		delete(a.setCmds, id)
		a.setMu.Unlock()
	}
	for _, id := range append(append([]string(nil), sum.Added...), sum.Changed...) {
		err := a.registry.Reload(c, id)
		switch {
		case errors.Is(err, watcher.ErrUnknownWatcher):
			a.metrics.Forget(id)
		case err != nil:
			a.log.Warn("watcher reload failed", logx.String("watcher", id), logx.Err(err))
		}
	}

	if ncfg, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
	}
	a.roles.Apply(mapRolesConfig(newCfg))
	a.cmdm.SetOwners(newCfg.Telegram.OwnerUserIDs)
	if err := a.ops.Reconfigure(c, mapOpsConfig(newCfg)); err != nil {
		a.log.Warn("ops server not reconfigured", logx.Err(err))
	}
	a.refreshCommands(newCfg)
	if a.Ready() {
		if err := a.cmdm.PublishMenu(c); err != nil {
			a.log.Warn("publish command menu failed", logx.Err(err))
		}
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: sum})
	a.log.Info("config reloaded", sum.Fields()...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	a.sup.Cancel()

	// step bounds one shutdown step so it cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			elapsed := time.Since(start)
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", elapsed),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	step("watchers", 4*time.Second, func(c context.Context) error {
		if a.registry == nil {
			return nil
		}
		return a.registry.StopAll(c)
	})
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("notifier", 2*time.Second, a.notif.Stop)
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("storage", time.Second, func(context.Context) error { return a.backend.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, command dispatcher, etc.)
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
