package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by watchbot components.
const (
	WatcherState    = "watcher.state"    // Data: watcher.StateChange
	WatcherCycle    = "watcher.cycle"    // Data: watcher.CycleReport
	WatcherFailed   = "watcher.failed"   // Data: watcher.ErrorEvent
	NotifierSent    = "notifier.sent"    // Data: notifier.NotificationEvent
	NotifierFailed  = "notifier.failed"  // Data: notifier.NotificationEvent
	ConfigReloaded  = "config.reloaded"  // Data: config.ChangeSummary
	RoleGranted     = "roles.granted"    // Data: rolesync.Change
	RoleRevoked     = "roles.revoked"    // Data: rolesync.Change
	TransportReady  = "transport.ready"  // Data: nil
	TransportFailed = "transport.failed" // Data: error string
)

// Event is an in-memory signal used to decouple components.
//
// Publish never blocks; subscribers get buffered channels and slow ones drop.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

type sub struct {
	ch       chan Event
	prefixes []string
}

func (s *sub) wants(typ string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(typ, p) {
			return true
		}
	}
	return false
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]*sub
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	targets := make([]chan Event, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(e.Type) {
			targets = append(targets, s.ch)
		}
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		// A concurrent unsubscribe may close ch between snapshot and send.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	return b.subscribe(buffer, nil)
}

// SubscribePrefix subscribes to events whose Type starts with one of prefixes.
// It falls back to a plain Subscribe for buses other than the in-memory one.
func SubscribePrefix(bus Bus, buffer int, prefixes ...string) (<-chan Event, func()) {
	if mb, ok := bus.(*memBus); ok {
		return mb.subscribe(buffer, prefixes)
	}
	return bus.Subscribe(buffer)
}

func (b *memBus) subscribe(buffer int, prefixes []string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{ch: make(chan Event, buffer), prefixes: prefixes}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, unsub
}

// Nop discards everything.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}
func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	return ch, func() {}
}
