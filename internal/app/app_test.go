package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"watchbot/internal/config"
	"watchbot/internal/sources"
	"watchbot/internal/storage"
	kit "watchbot/internal/transport"
	"watchbot/internal/watcher"
	logx "watchbot/pkg/logx"
)

type fakeAdapter struct {
	mu    sync.Mutex
	sent  []kit.ChatTarget
	texts []string
	out   chan<- kit.Update
	ready chan struct{}
}

func newFakeAdapter() *fakeAdapter { return &fakeAdapter{ready: make(chan struct{})} }

func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, to)
	f.texts = append(f.texts, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeAdapter) Member(_ context.Context, _, userID int64) (kit.Member, error) {
	return kit.Member{UserID: userID, Status: "member"}, nil
}

func (f *fakeAdapter) Start(_ context.Context, out chan<- kit.Update) error {
	f.mu.Lock()
	f.out = out
	f.mu.Unlock()
	close(f.ready)
	return nil
}

func (f *fakeAdapter) Stop(context.Context) error { return nil }
func (f *fakeAdapter) Ready() <-chan struct{}     { return f.ready }

func (f *fakeAdapter) push(up kit.Update) {
	f.mu.Lock()
	out := f.out
	f.mu.Unlock()
	out <- up
}

func (f *fakeAdapter) waitText(t *testing.T, substr string) (kit.ChatTarget, string) {
	t.Helper()
	var to kit.ChatTarget
	var text string
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, s := range f.texts {
			if strings.Contains(s, substr) {
				to, text = f.sent[i], s
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond, "no message containing %q", substr)
	return to, text
}

func newsServer(t *testing.T, title *atomic.Value) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, `<div class="nav_news"><div class="sub_nav"><ul><li><a href="/n/1"><p>%s</p></a></li></ul></div></div>`, title.Load())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeConfig(t *testing.T, dir string, cfg map[string]any) string {
	t.Helper()
	b, err := json.MarshalIndent(cfg, "", "  ")
	require.NoError(t, err)
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, b, 0o600))
	return path
}

func baseConfig(dir, newsURL string) map[string]any {
	return map[string]any{
		"telegram": map[string]any{"token": "test-token", "owner_user_ids": []int64{1}},
		"logging":  map[string]any{"level": "error"},
		"storage":  map[string]any{"driver": "file", "path": filepath.Join(dir, "state")},
		"timezone": "UTC",
		"destinations": map[string]any{
			"main": map[string]any{"chat_id": 100, "thread_id": 7},
		},
		"watchers": []map[string]any{
			{
				"id":          "news",
				"kind":        "news",
				"interval":    "1h",
				"destination": "main",
				"command":     "news_now",
				"options":     map[string]any{"url": newsURL},
			},
			{
				"id":          "broken",
				"kind":        "news",
				"destination": "",
			},
		},
	}
}

func TestAppDeliversAndServesCommands(t *testing.T) {
	dir := t.TempDir()
	var title atomic.Value
	title.Store("patch 7.1")
	srv := newsServer(t, &title)

	path := writeConfig(t, dir, baseConfig(dir, srv.URL))
	ad := newFakeAdapter()
	a, err := NewApp(path, WithAdapter(ad), WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		require.NoError(t, a.Stop(stopCtx, StopAppStop))
	}()

	to, text := ad.waitText(t, "patch 7.1")
	require.Equal(t, kit.ChatTarget{ChatID: 100, ThreadID: 7}, to)
	require.Contains(t, text, srv.URL+"/n/1")

	require.Eventually(t, func() bool {
		return a.States().Get(ctx, "news").LastIdentity() != ""
	}, 2*time.Second, 10*time.Millisecond)
	recent := a.Deliveries()
	require.NotEmpty(t, recent)
	require.Equal(t, "news", recent[len(recent)-1].Source)

	// The broken watcher is reported without affecting news.
	var broken *watcher.Status
	for _, st := range a.Snapshot() {
		if st.ID == "broken" {
			st := st
			broken = &st
		}
	}
	require.NotNil(t, broken)
	require.Contains(t, broken.Error, "destination is required")

	// Same item again: no repeat.
	ad.push(kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: 5, FromID: 9, Text: "/news_now"}})
	ad.waitText(t, "no change")

	title.Store("patch 7.2")
	ad.push(kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: 5, FromID: 9, Text: "/trigger news"}})
	ad.waitText(t, "patch 7.2")
	ad.waitText(t, "new item sent")

	ad.push(kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: 5, FromID: 9, Text: "/watchers"}})
	ad.waitText(t, "<code>news</code> running")
}

func TestAppHotReloadsWatchers(t *testing.T) {
	dir := t.TempDir()
	var title atomic.Value
	title.Store("first")
	srv := newsServer(t, &title)

	cfg := baseConfig(dir, srv.URL)
	path := writeConfig(t, dir, cfg)
	ad := newFakeAdapter()
	a, err := NewApp(path, WithAdapter(ad), WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx, StopAppStop)
	}()
	ad.waitText(t, "first")

	cfg["watchers"] = []map[string]any{
		{
			"id":          "countdown",
			"kind":        "countdown",
			"destination": "main",
		},
	}
	writeConfig(t, dir, cfg)

	require.Eventually(t, func() bool {
		ids := a.Registry().IDs()
		return len(ids) == 1 && ids[0] == "countdown"
	}, 5*time.Second, 20*time.Millisecond)

	// The countdown target command appears with the new watcher.
	ad.push(kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: 5, FromID: 9, Text: "/setdate 2099-01-01"}})
	ad.waitText(t, "2099-01-01")
	require.Equal(t, "2099-01-01", a.States().Get(ctx, "countdown").Target)
}

func TestBuildWatcher(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Timezone: "Asia/Taipei"}
	env := sources.Env{Getenv: func(string) string { return "key" }}

	wc := config.WatcherConfig{ID: "eq", Kind: "Earthquake", Destination: "main", FetchTimeout: "3s"}
	got, built, err := BuildWatcher(cfg, wc, env, nil)
	require.NoError(t, err)
	require.Equal(t, "earthquake", got.Kind)
	require.Equal(t, 5*time.Second, got.Interval)
	require.Equal(t, 3*time.Second, got.FetchTimeout)
	require.Equal(t, "Asia/Taipei", got.Location.String())
	require.Nil(t, built.Gate)

	wc = config.WatcherConfig{ID: "lab", Kind: "countdown", Destination: "main", Interval: "@every 30s", Template: "{{.days}} left"}
	got, built, err = BuildWatcher(cfg, wc, env, nil)
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, got.Interval)
	require.NotNil(t, got.Gate)
	require.Equal(t, "lab_setdate", built.SetCommand)

	cases := map[string]config.WatcherConfig{
		"unknown kind":   {ID: "x", Kind: "weather", Destination: "main"},
		"no dest":        {ID: "x", Kind: "news"},
		"bad interval":   {ID: "x", Kind: "news", Destination: "main", Interval: "soon"},
		"bad template":   {ID: "x", Kind: "news", Destination: "main", Template: "{{.title"},
		"bad id":         {ID: "Bad ID", Kind: "news", Destination: "main"},
		"bad options":    {ID: "x", Kind: "news", Destination: "main", Options: json.RawMessage(`{"nope":1}`)},
		"missing apikey": {ID: "x", Kind: "earthquake", Destination: "main"},
	}
	for name, wc := range cases {
		t.Run(name, func(t *testing.T) {
			env := sources.Env{Getenv: func(string) string { return "" }}
			_, _, err := BuildWatcher(cfg, wc, env, nil)
			require.Error(t, err)
		})
	}
}

func TestCheckIsDryRun(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	b, err := storage.Open(storage.Config{Driver: "file", Path: dir}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	states := storage.NewStateStore(b, logx.Nop())

	cfg := &config.Config{
		Timezone:     "UTC",
		Destinations: map[string]config.DestinationConfig{"main": {ChatID: 1}},
		Watchers:     []config.WatcherConfig{{ID: "countdown", Kind: "countdown", Destination: "main"}},
	}
	now := func() time.Time { return time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	res, err := Check(ctx, cfg, states, "countdown", sources.Env{Now: now})
	require.NoError(t, err)
	require.Equal(t, watcher.OutcomeNotified, res.Report.Outcome)
	require.Contains(t, res.Text, "/setdate")
	require.Nil(t, states.Get(ctx, "countdown").Identity)

	require.NoError(t, states.Put(ctx, "countdown", storage.WatchState{Target: "2024-05-03"}))
	res, err = Check(ctx, cfg, states, "countdown", sources.Env{Now: now})
	require.NoError(t, err)
	require.Contains(t, res.Text, "還有 2 天")
	st := states.Get(ctx, "countdown")
	require.Nil(t, st.FiredDate)
	require.Equal(t, "2024-05-03", st.Target)

	_, err = Check(ctx, cfg, states, "nope", sources.Env{})
	require.ErrorIs(t, err, watcher.ErrUnknownWatcher)
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()

	sc, err := mapStorageConfig(&config.Config{})
	require.NoError(t, err)
	require.Equal(t, storage.Config{Driver: "file", Path: "./watchbot_state"}, sc)

	sc, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "SQLite", Path: "x.db", BusyTimeout: "5s"}})
	require.NoError(t, err)
	require.Equal(t, storage.Config{Driver: "sqlite", Path: "x.db", BusyTimeout: 5 * time.Second}, sc)

	_, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "sqlite"}})
	require.Error(t, err)
	_, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "redis", Path: "x"}})
	require.Error(t, err)
}

func TestResolveAndRolesMapping(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		Destinations: map[string]config.DestinationConfig{"a": {ChatID: 5, ThreadID: 2}, "zero": {}},
		Roles:        &config.RolesConfig{ChatID: 1, MessageID: 2, Mapping: []config.RoleMapping{{Emoji: " 🐉 ", Role: "FF_01"}}},
	}
	d, ok := resolveDestination(cfg, "a")
	require.True(t, ok)
	require.Equal(t, watcher.Destination{Name: "a", ChatID: 5, ThreadID: 2}, d)
	_, ok = resolveDestination(cfg, "zero")
	require.False(t, ok)
	_, ok = resolveDestination(cfg, "missing")
	require.False(t, ok)

	rc := mapRolesConfig(cfg)
	require.Equal(t, map[string]string{"🐉": "FF_01"}, rc.Mapping)
}
