package adapter

import (
	"context"
	"hash/fnv"

	tele "gopkg.in/telebot.v4"

	kit "watchbot/internal/transport"
	logx "watchbot/pkg/logx"
)

// UpdateMenuCommands publishes the bot's command list (setMyCommands). It
// skips the call when the list is unchanged since the last success.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	b := a.bot.Load()
	if b == nil {
		return ErrNotConnected
	}
	list := make([]tele.Command, 0, len(cmds))
	sum := fnv.New64a()
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		desc := c.Description
		if desc == "" {
			desc = c.Command
		}
		list = append(list, tele.Command{Text: c.Command, Description: desc})
		sum.Write([]byte(c.Command + "\x00" + desc + "\x00"))
	}

	a.menuMu.Lock()
	defer a.menuMu.Unlock()
	if sum.Sum64() == a.menuSum {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.SetCommands(list); err != nil {
		return err
	}
	a.menuSum = sum.Sum64()
	a.log.Info("menu commands updated", logx.Int("count", len(list)))
	return nil
}
