// Package metrics exposes watcher, delivery and role activity as Prometheus
// metrics.
package metrics

import (
	"context"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"watchbot/internal/eventbus"
	"watchbot/internal/notifier"
	"watchbot/internal/rolesync"
	"watchbot/internal/watcher"
)

// Recorder implements watcher.Recorder and counts bus events.
type Recorder struct {
	reg           *prom.Registry
	cycleDuration *prom.HistogramVec
	cycles        *prom.CounterVec
	failures      *prom.CounterVec
	state         *prom.GaugeVec
	deliveries    *prom.CounterVec
	roleChanges   *prom.CounterVec
}

var _ watcher.Recorder = (*Recorder)(nil)

// NewRecorder registers the metrics on reg (a fresh registry when nil).
func NewRecorder(reg *prom.Registry) *Recorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	r := &Recorder{
		reg: reg,
		cycleDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "watchbot",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of watcher cycles",
			Buckets:   prom.DefBuckets,
		}, []string{"watcher"}),
		cycles: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "watchbot",
			Name:      "cycles_total",
			Help:      "Watcher cycles by outcome",
		}, []string{"watcher", "outcome"}),
		failures: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "watchbot",
			Name:      "cycle_failures_total",
			Help:      "Failed watcher cycles by stage",
		}, []string{"watcher", "stage"}),
		state: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "watchbot",
			Name:      "watcher_state",
			Help:      "Current watcher state (1 for the active state)",
		}, []string{"watcher", "state"}),
		deliveries: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "watchbot",
			Name:      "deliveries_total",
			Help:      "Outbound notifications by source and result",
		}, []string{"source", "result"}),
		roleChanges: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "watchbot",
			Name:      "role_changes_total",
			Help:      "Reaction role grants and revokes",
		}, []string{"role", "change"}),
	}
	reg.MustRegister(r.cycleDuration, r.cycles, r.failures, r.state, r.deliveries, r.roleChanges)
	return r
}

// Registry returns the registry the metrics live on.
func (r *Recorder) Registry() *prom.Registry { return r.reg }

func (r *Recorder) CycleFinished(id string, outcome watcher.Outcome, took time.Duration) {
	if r == nil {
		return
	}
	r.cycleDuration.WithLabelValues(id).Observe(took.Seconds())
	r.cycles.WithLabelValues(id, string(outcome)).Inc()
}

func (r *Recorder) CycleFailed(id string, stage watcher.Stage) {
	if r == nil {
		return
	}
	r.failures.WithLabelValues(id, string(stage)).Inc()
}

var allStates = []watcher.State{watcher.Idle, watcher.WaitingForReady, watcher.Running, watcher.Cancelled}

func (r *Recorder) StateChanged(id string, state watcher.State) {
	if r == nil {
		return
	}
	for _, s := range allStates {
		v := 0.0
		if s == state {
			v = 1
		}
		r.state.WithLabelValues(id, s.String()).Set(v)
	}
}

// Forget drops the series of a removed watcher.
func (r *Recorder) Forget(id string) {
	if r == nil {
		return
	}
	labels := prom.Labels{"watcher": id}
	r.cycleDuration.DeletePartialMatch(labels)
	r.cycles.DeletePartialMatch(labels)
	r.failures.DeletePartialMatch(labels)
	r.state.DeletePartialMatch(labels)
}

// Consume counts delivery and role events until ctx is done.
func (r *Recorder) Consume(ctx context.Context, bus eventbus.Bus) error {
	events, unsub := eventbus.SubscribePrefix(bus, 64, "notifier.", "roles.")
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			r.observe(ev)
		}
	}
}

func (r *Recorder) observe(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.NotifierSent, eventbus.NotifierFailed:
		source := "unknown"
		if n, ok := ev.Data.(notifier.NotificationEvent); ok && n.Source != "" {
			source = n.Source
		}
		result := "sent"
		if ev.Type == eventbus.NotifierFailed {
			result = "failed"
		}
		r.deliveries.WithLabelValues(source, result).Inc()
	case eventbus.RoleGranted, eventbus.RoleRevoked:
		role, change := "unknown", "granted"
		if ev.Type == eventbus.RoleRevoked {
			change = "revoked"
		}
		if c, ok := ev.Data.(rolesync.Change); ok {
			role = c.Role
		}
		r.roleChanges.WithLabelValues(role, change).Inc()
	}
}
