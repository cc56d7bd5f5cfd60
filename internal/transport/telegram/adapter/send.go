package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "watchbot/internal/transport"
	logx "watchbot/pkg/logx"
)

// textLimit stays under Telegram's 4096 rune cap.
const textLimit = 4000

// SendText sends text, split into several messages when it is too long.
// The returned ref is the first message.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	b := a.bot.Load()
	if b == nil {
		return kit.MessageRef{}, ErrNotConnected
	}
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	send := &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
		ThreadID:              to.ThreadID,
	}
	ref := kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID}
	for i, chunk := range splitTelegramText(text, textLimit, opt.ParseMode) {
		if err := ctx.Err(); err != nil {
			return ref, err
		}
		msg, err := a.sendChunk(ctx, b, &tele.Chat{ID: to.ChatID}, chunk, send)
		if err != nil {
			return ref, err
		}
		if i == 0 {
			ref.MessageID = msg.ID
		}
	}
	return ref, nil
}

// sendChunk waits out one flood-control reply when ctx leaves room for it.
func (a *Adapter) sendChunk(ctx context.Context, b *tele.Bot, chat *tele.Chat, text string, opt *tele.SendOptions) (*tele.Message, error) {
	msg, err := b.Send(chat, text, opt)
	var flood tele.FloodError
	if !errors.As(err, &flood) {
		return msg, err
	}
	wait := time.Duration(flood.RetryAfter) * time.Second
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < wait {
		return nil, err
	}
	a.log.Warn("telegram flood control; waiting", logx.Duration("retry_after", wait))
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(wait):
	}
	return b.Send(chat, text, opt)
}

// splitTelegramText cuts s into chunks of at most limit runes. A cut
// prefers the last newline in the back two thirds of the window and, for
// HTML, never lands inside a tag.
func splitTelegramText(s string, limit int, parseMode string) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	html := strings.EqualFold(parseMode, "HTML")

	var chunks []string
	for len(rs) > 0 {
		cut := min(limit, len(rs))
		if cut < len(rs) {
			cut = cutPoint(rs[:cut], limit/3, html)
		}
		chunks = append(chunks, strings.TrimRight(string(rs[:cut]), "\n"))
		rs = rs[cut:]
		for len(rs) > 0 && rs[0] == '\n' {
			rs = rs[1:]
		}
	}
	return chunks
}

func cutPoint(win []rune, minKeep int, html bool) int {
	cut := len(win)
	for i := len(win) - 1; i >= minKeep; i-- {
		if win[i] == '\n' {
			cut = i + 1
			break
		}
	}
	if html {
		open, closed := -1, -1
		for i, r := range win[:cut] {
			switch r {
			case '<':
				open = i
			case '>':
				closed = i
			}
		}
		if open > closed && open > 1 {
			cut = open
		}
	}
	return cut
}

// SendLog lets the Telegram log sink deliver through this adapter.
func (a *Adapter) SendLog(ctx context.Context, chatID int64, threadID int, text string) error {
	_, err := a.SendText(ctx, kit.ChatTarget{ChatID: chatID, ThreadID: threadID}, text, &kit.SendOptions{DisablePreview: true})
	return err
}

// Member looks up userID in chatID. Users who left or were removed are
// reported as kit.ErrMemberNotFound.
func (a *Adapter) Member(ctx context.Context, chatID, userID int64) (kit.Member, error) {
	b := a.bot.Load()
	if b == nil {
		return kit.Member{}, ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return kit.Member{}, err
	}
	notFound := fmt.Errorf("%w: user %d in chat %d", kit.ErrMemberNotFound, userID, chatID)
	m, err := b.ChatMemberOf(tele.ChatID(chatID), &tele.User{ID: userID})
	switch {
	case err != nil && isMissingMember(err):
		return kit.Member{}, notFound
	case err != nil:
		return kit.Member{}, err
	case m == nil || m.User == nil || m.Role == tele.Left || m.Role == tele.Kicked:
		return kit.Member{}, notFound
	}
	return kit.Member{UserID: m.User.ID, Username: m.User.Username, IsBot: m.User.IsBot, Status: string(m.Role)}, nil
}

func isMissingMember(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "participant_id_invalid")
}
