package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	kit "watchbot/internal/transport"
	logx "watchbot/pkg/logx"
)

func TestSplitTelegramText(t *testing.T) {
	t.Parallel()

	require.Equal(t, []string{"short"}, splitTelegramText("short", 10, ""))

	long := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	require.Equal(t, []string{"aaaaaa", "bbbbbb"}, splitTelegramText(long, 10, ""))

	html := "<b>xxxx</b><i>yy</i>"
	chunks := splitTelegramText(html, 13, "HTML")
	require.Equal(t, "<b>xxxx</b>", chunks[0])
	require.Equal(t, html, strings.Join(chunks, ""))

	// Runes, not bytes.
	require.Len(t, splitTelegramText(strings.Repeat("震", 8), 4, ""), 2)
}

func TestDiffReactions(t *testing.T) {
	t.Parallel()

	added, removed := diffReactions([]string{"👍", "🔥"}, []string{"🔥", "🎉"})
	require.Equal(t, []string{"🎉"}, added)
	require.Equal(t, []string{"👍"}, removed)

	added, removed = diffReactions(nil, nil)
	require.Empty(t, added)
	require.Empty(t, removed)
}

func TestNotConnected(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, logx.Nop())
	require.Error(t, err)

	a, err := New(Config{Token: "123:abc"}, logx.Nop())
	require.NoError(t, err)

	select {
	case <-a.Ready():
		t.Fatal("ready before connecting")
	default:
	}
	_, err = a.SendText(context.Background(), kit.ChatTarget{ChatID: 1}, "x", nil)
	require.ErrorIs(t, err, ErrNotConnected)
	_, err = a.Member(context.Background(), 1, 2)
	require.ErrorIs(t, err, ErrNotConnected)
	require.NoError(t, a.Stop(context.Background()))
}

func TestUpdateMenuCommandsOnlyOnChange(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/bot123:abc/getMe":
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"username":"watchbot"}}`))
		case "/bot123:abc/setMyCommands":
			var body struct {
				Commands []struct {
					Command string `json:"command"`
				} `json:"commands"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			if len(body.Commands) == 0 {
				_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"empty"}`))
				return
			}
			calls.Add(1)
			_, _ = w.Write([]byte(`{"ok":true,"result":true}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	a, err := New(Config{Token: "123:abc", APIURL: srv.URL}, logx.Nop())
	require.NoError(t, err)

	cmds := []kit.BotCommand{{Command: "help", Description: "show help"}, {Command: "eq"}}
	require.ErrorIs(t, a.UpdateMenuCommands(context.Background(), cmds), ErrNotConnected)

	_, err = a.connect()
	require.NoError(t, err)
	select {
	case <-a.Ready():
	default:
		t.Fatal("not ready after connect")
	}

	require.NoError(t, a.UpdateMenuCommands(context.Background(), cmds))
	require.NoError(t, a.UpdateMenuCommands(context.Background(), cmds))
	require.Equal(t, int32(1), calls.Load())

	err = a.UpdateMenuCommands(context.Background(), []kit.BotCommand{{Command: ""}})
	require.ErrorContains(t, err, "empty")
}

func TestToReaction(t *testing.T) {
	t.Parallel()

	require.Nil(t, toReaction(nil))
	require.Nil(t, toReaction(&tele.MessageReaction{Chat: &tele.Chat{ID: 1}}))

	same := []tele.Reaction{{Emoji: "👍"}}
	require.Nil(t, toReaction(&tele.MessageReaction{Chat: &tele.Chat{ID: 1}, User: &tele.User{ID: 2}, OldReaction: same, NewReaction: same}))

	r := toReaction(&tele.MessageReaction{
		Chat:        &tele.Chat{ID: -100},
		MessageID:   9,
		User:        &tele.User{ID: 2, Username: "amy"},
		NewReaction: []tele.Reaction{{CustomEmojiID: "555"}},
	})
	require.NotNil(t, r)
	require.Equal(t, []string{"custom:555"}, r.Added)
	require.Equal(t, int64(-100), r.ChatID)
	require.Equal(t, "amy", r.FromUsername)
}

func TestReactionUpdatesBypassHandlers(t *testing.T) {
	t.Parallel()

	a, err := New(Config{Token: "123:abc"}, logx.Nop())
	require.NoError(t, err)
	ch := make(chan kit.Update, 2)
	var out chan<- kit.Update = ch
	a.out.Store(&out)

	require.True(t, a.filterUpdate(&tele.Update{Message: &tele.Message{Text: "/ping"}}))

	pass := a.filterUpdate(&tele.Update{MessageReaction: &tele.MessageReaction{
		Chat:        &tele.Chat{ID: -100},
		MessageID:   7,
		User:        &tele.User{ID: 42},
		OldReaction: []tele.Reaction{{Emoji: "👍"}},
		NewReaction: []tele.Reaction{{Emoji: "🔥"}},
	}})
	require.False(t, pass)

	select {
	case up := <-ch:
		require.Equal(t, kit.UpdateReaction, up.Kind)
		require.NotNil(t, up.Reaction)
		require.Equal(t, 7, up.Reaction.MessageID)
		require.Equal(t, int64(42), up.Reaction.FromID)
		require.Equal(t, []string{"🔥"}, up.Reaction.Added)
		require.Equal(t, []string{"👍"}, up.Reaction.Removed)
	default:
		t.Fatal("no reaction update emitted")
	}

	// Anonymous reactions are consumed without output.
	require.False(t, a.filterUpdate(&tele.Update{MessageReaction: &tele.MessageReaction{Chat: &tele.Chat{ID: -100}}}))
	require.Empty(t, ch)
}
