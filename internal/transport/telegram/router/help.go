package router

import (
	"sort"

	"watchbot/pkg/tgui"
)

// helpText renders /help (no args) or /help <cmd> in HTML parse mode.
func (m *CommandManager) helpText(args []string) string {
	m.mu.RLock()
	t := m.table
	m.mu.RUnlock()

	if len(args) == 0 {
		return helpIndex(t).String()
	}
	c, ok := t.lookup(args[0])
	if !ok || c.Hidden {
		return tgui.Join("\n",
			"❓ "+tgui.B("Unknown command"),
			"Send "+tgui.Code("/help")+" for the command list.",
		).String()
	}
	return helpCommand(t, c).String()
}

func helpIndex(t *table) tgui.H {
	lines := []tgui.H{
		"📚 " + tgui.B("Commands"),
		"Send " + tgui.Code("/help <cmd>") + " for details.",
	}
	for _, c := range t.visible() {
		line := tgui.H("• ")
		if c.Access == AccessOwnerOnly {
			line += "🔒 "
		}
		line += tgui.Code("/" + c.Route)
		if c.Description != "" {
			line += ": " + tgui.Esc(c.Description)
		}
		lines = append(lines, line)
	}
	return tgui.Join("\n", lines...)
}

func helpCommand(t *table, c *Command) tgui.H {
	lines := []tgui.H{"📚 " + tgui.B("Help") + " " + tgui.Code("/"+c.Route), tgui.Esc(c.Description)}
	if c.Access == AccessOwnerOnly {
		lines = append(lines, "🔒 "+tgui.I("Owner only"))
	}
	if c.Usage != "" {
		lines = append(lines, tgui.B("Usage"), tgui.Code(c.Usage))
	}
	if al := aliasesOf(t, c); len(al) > 0 {
		lines = append(lines, tgui.B("Aliases"))
		for _, a := range al {
			lines = append(lines, "• "+tgui.Code("/"+a))
		}
	}
	return tgui.Join("\n", lines...)
}

func aliasesOf(t *table, c *Command) []string {
	var out []string
	for name, other := range t.byName {
		if other == c && name != c.Route {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
