package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"watchbot/internal/eventbus"
	kit "watchbot/internal/transport"
	logx "watchbot/pkg/logx"
)

var (
	ErrStopped   = errors.New("notifier stopped")
	ErrEmptyText = errors.New("notifier: empty text")
	ErrNoSender  = errors.New("notifier: no sender")
)

const (
	defaultRatePerSec  = 3
	defaultSendTimeout = 15 * time.Second
	defaultHistorySize = 300
)

// Message is one outbound notification.
type Message struct {
	// Source names the producer (watcher id) for history and events.
	Source  string
	Target  kit.ChatTarget
	Text    string
	Options *kit.SendOptions
}

// Service delivers messages synchronously under a shared rate limit.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender kit.Sender
	bus    eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	stopped  bool
	inflight sync.WaitGroup

	// Recent successful deliveries, served on /healthz.
	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender kit.Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{
		sender: sender,
		log:    log.With(logx.String("comp", "notifier")),
		bus:    bus,
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = defaultRatePerSec
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Config returns the effective configuration.
func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Deliver sends m and returns once the transport accepted it or failed. The
// limiter wait counts against ctx; the send itself is bounded by SendTimeout.
func (s *Service) Deliver(ctx context.Context, m Message) error {
	if strings.TrimSpace(m.Text) == "" {
		return ErrEmptyText
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	cfg := s.cfg
	lim := s.limiter
	sender := s.sender
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	if sender == nil {
		return ErrNoSender
	}
	if err := lim.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	opt := &kit.SendOptions{DisablePreview: cfg.DisablePreview}
	if m.Options != nil {
		opt.ParseMode = m.Options.ParseMode
		opt.DisablePreview = opt.DisablePreview || m.Options.DisablePreview
	}

	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	_, err := sender.SendText(callCtx, m.Target, m.Text, opt)
	cancel()
	took := time.Since(start)

	ev := NotificationEvent{Source: m.Source, ChatID: m.Target.ChatID, ThreadID: m.Target.ThreadID, At: time.Now(), Took: took.String()}
	if err != nil {
		ev.Error = err.Error()
		s.bus.Publish(eventbus.Event{Type: eventbus.NotifierFailed, Time: ev.At, Data: ev})
		s.log.Debug("notify send failed", logx.String("source", m.Source), logx.Int64("chat_id", m.Target.ChatID), logx.Err(err))
		return err
	}

	s.appendHistory(HistoryItem{At: ev.At, ChatID: m.Target.ChatID, ThreadID: m.Target.ThreadID, Source: m.Source, Text: m.Text}, cfg.HistorySize)
	s.bus.Publish(eventbus.Event{Type: eventbus.NotifierSent, Time: ev.At, Data: ev})
	return nil
}

// Stop refuses new deliveries and waits for in-flight ones until ctx expires.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recent returns the delivery history, oldest first.
func (s *Service) Recent() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) appendHistory(it HistoryItem, max int) {
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > max {
		s.history = s.history[len(s.history)-max:]
	}
	s.hmu.Unlock()
}
