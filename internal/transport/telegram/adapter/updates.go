package adapter

import (
	"slices"

	tele "gopkg.in/telebot.v4"

	kit "watchbot/internal/transport"
)

// handle registers the text handler. Reactions never reach telebot
// handlers; filterUpdate takes them off the poller instead.
func (a *Adapter) handle(b *tele.Bot) {
	b.Handle(tele.OnText, func(c tele.Context) error {
		if msg := toMessage(c.Message()); msg != nil {
			a.emit(kit.Update{Kind: kit.UpdateMessage, Message: msg})
		}
		return nil
	})
}

// filterUpdate sits between the long poller and the bot. It consumes
// message_reaction updates and passes everything else through.
func (a *Adapter) filterUpdate(u *tele.Update) bool {
	if u == nil || u.MessageReaction == nil {
		return true
	}
	if r := toReaction(u.MessageReaction); r != nil {
		a.emit(kit.Update{Kind: kit.UpdateReaction, Reaction: r})
	}
	return false
}

func (a *Adapter) emit(up kit.Update) {
	p := a.out.Load()
	if p == nil || *p == nil {
		return
	}
	select {
	case *p <- up:
	default:
		a.dropped.Add(1)
	}
}

func toMessage(m *tele.Message) *kit.Message {
	if m == nil || m.Sender == nil || m.Chat == nil {
		return nil
	}
	return &kit.Message{
		ID:           m.ID,
		ChatID:       m.Chat.ID,
		ThreadID:     m.ThreadID,
		FromID:       m.Sender.ID,
		FromUsername: m.Sender.Username,
		Text:         m.Text,
		IsGroup:      m.Chat.Type == tele.ChatGroup || m.Chat.Type == tele.ChatSuperGroup,
	}
}

// toReaction returns nil for anonymous reactions and for updates that
// change nothing.
func toReaction(r *tele.MessageReaction) *kit.Reaction {
	if r == nil || r.Chat == nil || r.User == nil {
		return nil
	}
	added, removed := diffReactions(reactionKeys(r.OldReaction), reactionKeys(r.NewReaction))
	if len(added) == 0 && len(removed) == 0 {
		return nil
	}
	return &kit.Reaction{
		ChatID:       r.Chat.ID,
		MessageID:    r.MessageID,
		FromID:       r.User.ID,
		FromUsername: r.User.Username,
		FromBot:      r.User.IsBot,
		Added:        added,
		Removed:      removed,
	}
}

// reactionKeys maps reactions to emoji; custom emoji become "custom:<id>".
func reactionKeys(rs []tele.Reaction) []string {
	var keys []string
	for _, r := range rs {
		if r.Emoji != "" {
			keys = append(keys, r.Emoji)
		} else if r.CustomEmojiID != "" {
			keys = append(keys, "custom:"+r.CustomEmojiID)
		}
	}
	return keys
}

func diffReactions(prev, next []string) (added, removed []string) {
	for _, k := range next {
		if !slices.Contains(prev, k) {
			added = append(added, k)
		}
	}
	for _, k := range prev {
		if !slices.Contains(next, k) {
			removed = append(removed, k)
		}
	}
	return added, removed
}
