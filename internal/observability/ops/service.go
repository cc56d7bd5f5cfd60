// Package ops serves the operational HTTP endpoints: Prometheus metrics,
// a health report and optional pprof.
package ops

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"watchbot/internal/notifier"
	"watchbot/internal/watcher"
	logx "watchbot/pkg/logx"
)

// Config controls the server. Empty Addr disables it.
//
// A non-loopback Addr requires Token; requests then carry
// "Authorization: Bearer <token>" or ?token=.
type Config struct {
	Addr  string
	Pprof bool
	Token string
}

// ErrInsecureBind rejects a non-loopback Addr without a Token.
var ErrInsecureBind = errors.New("ops: non-loopback addr requires a token")

// Health is what /healthz reports on.
type Health interface {
	Ready() bool
	Snapshot() []watcher.Status
	Deliveries() []notifier.HistoryItem
}

type Service struct {
	log    logx.Logger
	gather prom.Gatherer
	health Health
	start  time.Time

	mu   sync.Mutex
	cfg  Config
	srv  *http.Server
	addr string
	done chan struct{}
}

func New(gather prom.Gatherer, health Health, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{gather: gather, health: health, log: log.With(logx.String("comp", "ops")), start: time.Now()}
}

// Addr returns the bound address while serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Reconfigure brings the server in line with cfg: an unchanged config is a
// no-op, anything else stops the current listener and binds a new one.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) error {
	cfg.Addr = strings.TrimSpace(cfg.Addr)
	cfg.Token = strings.TrimSpace(cfg.Token)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil && cfg == s.cfg {
		return nil
	}
	s.shutdownLocked(ctx)
	s.cfg = cfg
	if cfg.Addr == "" {
		return nil
	}
	if cfg.Token == "" && !isLoopbackAddr(cfg.Addr) {
		return fmt.Errorf("%w: %s", ErrInsecureBind, cfg.Addr)
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("ops listen: %w", err)
	}
	srv := &http.Server{
		Handler:           s.Handler(cfg),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	done := make(chan struct{})
	s.srv, s.addr, s.done = srv, ln.Addr().String(), done

	go func() {
		defer close(done)
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("ops server failed", logx.Err(err))
		}
	}()
	s.log.Info("ops server started", logx.String("addr", s.addr), logx.Bool("pprof", cfg.Pprof), logx.Bool("token_set", cfg.Token != ""))
	return nil
}

// Stop shuts the server down, waiting for in-flight requests until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdownLocked(ctx)
}

func (s *Service) shutdownLocked(ctx context.Context) {
	if s.srv == nil {
		return
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		_ = s.srv.Close()
	}
	<-s.done
	s.srv, s.addr, s.done = nil, "", nil
	s.log.Info("ops server stopped")
}

// Handler builds the mux for cfg.
func (s *Service) Handler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gather, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", s.serveHealth)
	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return requireToken(strings.TrimSpace(cfg.Token), mux)
}

type healthReport struct {
	Ready    bool             `json:"ready"`
	Uptime   string           `json:"uptime"`
	Watchers []watcher.Status `json:"watchers"`
	// Recent is the notifier's delivery history, oldest first.
	Recent []notifier.HistoryItem `json:"recent_deliveries,omitempty"`
}

// serveHealth answers 503 until the transport is ready.
func (s *Service) serveHealth(w http.ResponseWriter, _ *http.Request) {
	rep := healthReport{Uptime: time.Since(s.start).Truncate(time.Second).String()}
	if s.health != nil {
		rep.Ready = s.health.Ready()
		rep.Watchers = s.health.Snapshot()
		rep.Recent = s.health.Deliveries()
	}
	w.Header().Set("Content-Type", "application/json")
	if !rep.Ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(rep)
}

func requireToken(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	want := []byte(token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			got, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), want) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
