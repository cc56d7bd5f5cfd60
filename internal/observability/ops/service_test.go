package ops

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"watchbot/internal/notifier"
	"watchbot/internal/watcher"
	logx "watchbot/pkg/logx"
)

type fakeHealth struct{ ready atomic.Bool }

func (f *fakeHealth) Ready() bool { return f.ready.Load() }

func (f *fakeHealth) Snapshot() []watcher.Status {
	return []watcher.Status{{ID: "eq", State: watcher.Running, Interval: 5 * time.Second}}
}

func (f *fakeHealth) Deliveries() []notifier.HistoryItem {
	return []notifier.HistoryItem{{Source: "eq", ChatID: -100, Text: "地震報告"}}
}

func newService() (*Service, *fakeHealth) {
	reg := prom.NewRegistry()
	c := prom.NewCounter(prom.CounterOpts{Name: "watchbot_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()
	h := &fakeHealth{}
	return New(reg, h, logx.Nop()), h
}

func get(t *testing.T, h http.Handler, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	s, health := newService()
	h := s.Handler(Config{Addr: "127.0.0.1:0"})

	rec := get(t, h, "/healthz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	health.ready.Store(true)
	rec = get(t, h, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rep struct {
		Ready    bool `json:"ready"`
		Watchers []struct {
			ID    string `json:"id"`
			State string `json:"state"`
		} `json:"watchers"`
		Recent []struct {
			Source string `json:"source"`
			ChatID int64  `json:"chat_id"`
		} `json:"recent_deliveries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	require.True(t, rep.Ready)
	require.Len(t, rep.Watchers, 1)
	require.Equal(t, "running", rep.Watchers[0].State)
	require.Len(t, rep.Recent, 1)
	require.Equal(t, "eq", rep.Recent[0].Source)
	require.Equal(t, int64(-100), rep.Recent[0].ChatID)
}

func TestMetricsAndPprofRoutes(t *testing.T) {
	t.Parallel()
	s, _ := newService()

	h := s.Handler(Config{Addr: "127.0.0.1:0"})
	rec := get(t, h, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "watchbot_test_total 1")
	require.Equal(t, http.StatusNotFound, get(t, h, "/debug/pprof/", nil).Code)

	h = s.Handler(Config{Addr: "127.0.0.1:0", Pprof: true})
	require.Equal(t, http.StatusOK, get(t, h, "/debug/pprof/", nil).Code)
}

func TestTokenAuth(t *testing.T) {
	t.Parallel()
	s, _ := newService()
	h := s.Handler(Config{Addr: "0.0.0.0:9100", Token: "sekret"})

	require.Equal(t, http.StatusUnauthorized, get(t, h, "/metrics", nil).Code)
	require.Equal(t, http.StatusUnauthorized, get(t, h, "/metrics?token=nope", nil).Code)
	require.Equal(t, http.StatusOK, get(t, h, "/metrics?token=sekret", nil).Code)
	require.Equal(t, http.StatusOK, get(t, h, "/metrics", http.Header{"Authorization": {"Bearer sekret"}}).Code)
}

func TestServeAndReconfigure(t *testing.T) {
	t.Parallel()
	s, _ := newService()
	ctx := context.Background()

	require.ErrorIs(t, s.Reconfigure(ctx, Config{Addr: "0.0.0.0:0"}), ErrInsecureBind)
	require.Empty(t, s.Addr())

	require.NoError(t, s.Reconfigure(ctx, Config{Addr: "127.0.0.1:0"}))
	first := s.Addr()
	require.NotEmpty(t, first)
	require.NoError(t, s.Reconfigure(ctx, Config{Addr: " 127.0.0.1:0 "}))
	require.Equal(t, first, s.Addr(), "unchanged config keeps the listener")

	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.Contains(t, string(body), "watchbot_test_total")

	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	require.NoError(t, s.Reconfigure(stopCtx, Config{}))
	require.Empty(t, s.Addr())
	s.Stop(stopCtx)
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	require.True(t, isLoopbackAddr("127.0.0.1:9100"))
	require.True(t, isLoopbackAddr("localhost:9100"))
	require.True(t, isLoopbackAddr("[::1]:9100"))
	require.False(t, isLoopbackAddr(":9100"))
	require.False(t, isLoopbackAddr("0.0.0.0:9100"))
	require.False(t, isLoopbackAddr("bogus"))
}
