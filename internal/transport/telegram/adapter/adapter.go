// Package adapter connects the transport interfaces to the Telegram Bot API
// through telebot.
package adapter

import (
	"cmp"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "watchbot/internal/runtime/supervisor"
	kit "watchbot/internal/transport"
	logx "watchbot/pkg/logx"
)

var ErrNotConnected = errors.New("telegram: not connected")

type Config struct {
	Token       string
	PollTimeout time.Duration
	// APIURL overrides the Bot API endpoint (tests, local bot API server).
	APIURL string
}

// Adapter is a kit.Adapter. The bot is created lazily by the poll loop, so
// Start never blocks on the network; Ready reports the first getMe.
type Adapter struct {
	cfg Config
	log logx.Logger

	bot   atomic.Pointer[tele.Bot]
	ready chan struct{}
	once  sync.Once

	// out is the consumer channel; nil while stopped.
	out     atomic.Pointer[chan<- kit.Update]
	dropped atomic.Uint64

	lifeMu sync.Mutex
	sup    *rtsup.Supervisor

	menuMu  sync.Mutex
	menuSum uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	cfg.Token = strings.TrimSpace(cfg.Token)
	if cfg.Token == "" {
		return nil, errors.New("telegram token is empty")
	}
	cfg.PollTimeout = cmp.Or(cfg.PollTimeout, 10*time.Second)
	cfg.APIURL = cmp.Or(strings.TrimSpace(cfg.APIURL), tele.DefaultApiURL)
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{
		cfg:   cfg,
		log:   log.With(logx.String("comp", "telegram.adapter")),
		ready: make(chan struct{}),
	}, nil
}

// Ready is closed after the first successful getMe.
func (a *Adapter) Ready() <-chan struct{} { return a.ready }

// connect returns the bot, creating it (and calling getMe) on first use.
func (a *Adapter) connect() (*tele.Bot, error) {
	if b := a.bot.Load(); b != nil {
		return b, nil
	}
	b, err := tele.NewBot(tele.Settings{
		URL:   a.cfg.APIURL,
		Token: a.cfg.Token,
		Poller: tele.NewMiddlewarePoller(&tele.LongPoller{
			Timeout:        a.cfg.PollTimeout,
			AllowedUpdates: []string{"message", "message_reaction"},
		}, a.filterUpdate),
		OnError: func(err error, _ tele.Context) {
			a.log.Warn("telegram handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	a.handle(b)
	if !a.bot.CompareAndSwap(nil, b) {
		return a.bot.Load(), nil
	}
	a.log.Info("connected", logx.String("bot", b.Me.Username))
	a.once.Do(func() { close(a.ready) })
	return b, nil
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.lifeMu.Lock()
	defer a.lifeMu.Unlock()
	if a.sup != nil {
		return nil
	}
	a.out.Store(&out)
	sup := rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(false))
	a.sup = sup

	sup.Go0("updates.drops", func(c context.Context) {
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDrops(cap(out))
				return
			case <-t.C:
				a.reportDrops(cap(out))
			}
		}
	})
	sup.Go0("telebot.stop", func(c context.Context) {
		<-c.Done()
		if b := a.bot.Load(); b != nil {
			b.Stop()
		}
	})
	// getMe and polling both fail while Telegram is unreachable; the loop
	// retries and Ready stays closed until the first success.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		b, err := a.connect()
		if err != nil {
			a.log.Warn("telegram connect failed", logx.Err(err))
			return err
		}
		if c.Err() != nil {
			return nil
		}
		a.log.Info("polling started")
		b.Start()
		a.log.Info("polling stopped")
		if c.Err() != nil {
			return nil
		}
		return errors.New("telebot poller exited")
	}, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	return nil
}

func (a *Adapter) reportDrops(capacity int) {
	if n := a.dropped.Swap(0); n > 0 {
		a.log.Warn("incoming updates dropped: consumer full", logx.Int64("count", int64(n)), logx.Int("cap", capacity))
	}
}

// stopGrace bounds how long Stop waits for the long poll to return.
const stopGrace = 2 * time.Second

func (a *Adapter) Stop(ctx context.Context) error {
	a.lifeMu.Lock()
	sup := a.sup
	a.sup = nil
	a.out.Store(nil)
	a.lifeMu.Unlock()
	if sup == nil {
		return nil
	}

	a.log.Info("stopping")
	sup.Cancel()
	wctx, cancel := context.WithTimeout(ctx, stopGrace)
	defer cancel()
	if err := sup.Wait(wctx); errors.Is(err, context.DeadlineExceeded) {
		a.log.Warn("telegram stop timed out")
	}
	return nil
}
