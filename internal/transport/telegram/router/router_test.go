package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"watchbot/internal/storage"
	kit "watchbot/internal/transport"
	logx "watchbot/pkg/logx"
)

type sentMsg struct {
	to   kit.ChatTarget
	text string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMsg
}

func (f *fakeSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMsg{to: to, text: text})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeSender) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, m := range f.sent {
		out = append(out, m.text)
	}
	return out
}

type memAuditor struct {
	mu      sync.Mutex
	entries []storage.AuditEntry
}

func (a *memAuditor) AppendAudit(_ context.Context, e storage.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

func (a *memAuditor) list() []storage.AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]storage.AuditEntry(nil), a.entries...)
}

func startManager(t *testing.T, opts Options, cmds []Command) (*fakeSender, chan kit.Update) {
	t.Helper()
	s := &fakeSender{}
	m := NewCommandManager(logx.Nop(), s, opts)
	m.SetRegistry(cmds)

	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.DispatchLoop(ctx, updates)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s, updates
}

func msg(from int64, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: 10, FromID: from, Text: text}}
}

func waitSent(t *testing.T, s *fakeSender, n int) []string {
	t.Helper()
	require.Eventually(t, func() bool { return len(s.texts()) >= n }, 2*time.Second, 5*time.Millisecond)
	return s.texts()
}

func echo(prefix string) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		return req.Reply(ctx, prefix+" "+req.Command+" "+join(req.Args))
	}
}

func join(a []string) string {
	out := ""
	for i, s := range a {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}

func TestRoutingAndAliases(t *testing.T) {
	t.Parallel()

	s, updates := startManager(t, Options{}, []Command{
		{Route: "ping", Handle: echo("ok")},
		{Route: "stop-watcher", Aliases: []string{"halt"}, Handle: echo("ok")},
	})

	updates <- msg(1, "/ping@watchbot a \"b c\"")
	require.Equal(t, "ok ping a,b c", waitSent(t, s, 1)[0])

	updates <- msg(1, "/stop_watcher eq")
	require.Equal(t, "ok stop_watcher eq", waitSent(t, s, 2)[1])

	updates <- msg(1, "/halt x")
	require.Equal(t, "ok stop_watcher x", waitSent(t, s, 3)[2])

	updates <- msg(1, "/STOP-WATCHER y")
	require.Equal(t, "ok stop_watcher y", waitSent(t, s, 4)[3])

	updates <- msg(1, "/nope")
	require.Contains(t, waitSent(t, s, 5)[4], "unknown command")

	// Plain text is ignored.
	updates <- msg(1, "hello")
	updates <- msg(1, "/ping")
	require.Equal(t, "ok ping ", waitSent(t, s, 6)[5])
}

func TestUnknownCommandInGroupIsSilent(t *testing.T) {
	t.Parallel()

	s, updates := startManager(t, Options{}, []Command{{Route: "ping", Handle: echo("ok")}})
	updates <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: -5, FromID: 1, Text: "/other", IsGroup: true}}
	updates <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: -5, FromID: 1, Text: "/ping", IsGroup: true}}
	require.Equal(t, []string{"ok ping "}, waitSent(t, s, 1))
}

func TestOwnerOnlyAndAudit(t *testing.T) {
	t.Parallel()

	audit := &memAuditor{}
	s, updates := startManager(t, Options{Owners: []int64{42}, Auditor: audit}, []Command{
		{Route: "reload", Access: AccessOwnerOnly, Audit: true, Handle: func(ctx context.Context, req *Request) error {
			req.Watcher = req.Args[0]
			if req.Args[0] == "bad" {
				return errors.New("unknown watcher")
			}
			return req.Reply(ctx, "reloaded")
		}},
	})

	updates <- msg(7, "/reload eq")
	require.Equal(t, "unauthorized", waitSent(t, s, 1)[0])

	updates <- msg(42, "/reload eq")
	require.Equal(t, "reloaded", waitSent(t, s, 2)[1])

	updates <- msg(42, "/reload bad")
	require.Contains(t, waitSent(t, s, 3)[2], "unknown watcher")

	require.Eventually(t, func() bool { return len(audit.list()) == 2 }, time.Second, 5*time.Millisecond)
	entries := audit.list()
	require.Equal(t, "reload", entries[0].Action)
	require.Equal(t, "eq", entries[0].Watcher)
	require.Equal(t, int64(42), entries[0].ActorID)
	require.Empty(t, entries[0].Error)
	require.Equal(t, "unknown watcher", entries[1].Error)
}

func TestPanicIsRecovered(t *testing.T) {
	t.Parallel()

	s, updates := startManager(t, Options{Workers: 1}, []Command{
		{Route: "boom", Handle: func(context.Context, *Request) error { panic("kaboom") }},
		{Route: "ping", Handle: echo("ok")},
	})
	updates <- msg(1, "/boom")
	require.Contains(t, waitSent(t, s, 1)[0], "kaboom")
	updates <- msg(1, "/ping")
	require.Equal(t, "ok ping ", waitSent(t, s, 2)[1])
}

func TestReactionsAreForwarded(t *testing.T) {
	t.Parallel()

	got := make(chan *kit.Reaction, 1)
	_, updates := startManager(t, Options{OnReaction: func(_ context.Context, r *kit.Reaction) { got <- r }}, nil)
	updates <- kit.Update{Kind: kit.UpdateReaction, Reaction: &kit.Reaction{ChatID: 1, MessageID: 2, Added: []string{"🐉"}}}
	select {
	case r := <-got:
		require.Equal(t, []string{"🐉"}, r.Added)
	case <-time.After(2 * time.Second):
		t.Fatal("reaction not forwarded")
	}
}

func TestHelpAndMenu(t *testing.T) {
	t.Parallel()

	m := NewCommandManager(logx.Nop(), &fakeSender{}, Options{})
	menu := m.SetRegistry([]Command{
		{Route: "ping", Description: "alive?", Handle: echo("")},
		{Route: "reload", Description: "reload", Access: AccessOwnerOnly, Handle: echo("")},
		{Route: "secret", Hidden: true, Handle: echo("")},
	})

	names := map[string]string{}
	for _, c := range menu {
		names[c.Command] = c.Description
	}
	require.Contains(t, names, "help")
	require.Contains(t, names, "ping")
	require.Equal(t, "🔒 reload", names["reload"])
	require.NotContains(t, names, "secret")
	require.Equal(t, "reload", menu[len(menu)-1].Command)

	top := m.helpText(nil)
	require.Contains(t, top, "<code>/ping</code>: alive?")
	require.NotContains(t, top, "secret")

	require.Contains(t, m.helpText([]string{"reload"}), "Owner only")
	require.Contains(t, m.helpText([]string{"missing"}), "Unknown command")
	require.Contains(t, m.helpText([]string{"help"}), "<code>/h</code>")
}

func TestTokenize(t *testing.T) {
	t.Parallel()

	require.Equal(t, []string{"trigger", "news tw", "it's"}, tokenize(`trigger "news tw" it\'s`))
	require.Equal(t, []string{"a", ""}, tokenize(`a ""`))
	require.Empty(t, tokenize("   "))

	word, args, ok := splitCommand("/setdate@watchbot 2024-05-01")
	require.True(t, ok)
	require.Equal(t, "setdate", word)
	require.Equal(t, []string{"2024-05-01"}, args)

	_, _, ok = splitCommand("setdate 2024-05-01")
	require.False(t, ok)
	_, _, ok = splitCommand("/@bot")
	require.False(t, ok)
}

func TestCommandName(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"start-watcher": "start_watcher",
		"Lab SetDate":   "lab_setdate",
		"9lives":        "cmd_9lives",
		"--":            "",
		"a__b":          "a_b",
		"_x_":           "x",
		"地震":            "",
	}
	require.Len(t, CommandName(strings.Repeat("ab", 20)), 32)
	for in, want := range cases {
		require.Equal(t, want, CommandName(in), in)
	}
}
