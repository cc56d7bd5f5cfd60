package router

import (
	"sort"
	"strings"

	kit "watchbot/internal/transport"
)

const (
	maxCommandLen  = 32
	maxMenuDescLen = 256
	maxMenuEntries = 100
)

// CommandName folds s into a Telegram command name: lower case ASCII
// letters, digits and single underscores, at most 32 bytes, starting with a
// letter. It returns "" when nothing usable is left.
func CommandName(s string) string {
	var b strings.Builder
	pending := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if pending && b.Len() > 0 {
				b.WriteByte('_')
			}
			pending = false
			b.WriteRune(r)
		case r == '_', r == '-', r == '/', r == ' ', r == '\t':
			pending = true
		}
	}
	name := b.String()
	if name == "" {
		return ""
	}
	if name[0] >= '0' && name[0] <= '9' {
		name = "cmd_" + name
	}
	if len(name) > maxCommandLen {
		name = strings.TrimRight(name[:maxCommandLen], "_")
	}
	return name
}

// table is an immutable name -> command index. Aliases point at the same
// entry as the canonical name.
type table struct {
	byName map[string]*Command
	// order lists canonical names, sorted.
	order []string
}

func newTable(cmds []Command) *table {
	t := &table{byName: map[string]*Command{}}
	for i := range cmds {
		c := cmds[i]
		name := CommandName(c.Route)
		if name == "" || c.Handle == nil {
			continue
		}
		if _, dup := t.byName[name]; dup {
			continue
		}
		c.Route = name
		t.byName[name] = &c
		t.order = append(t.order, name)
	}
	// Aliases never shadow a canonical name.
	for _, name := range t.order {
		c := t.byName[name]
		for _, a := range c.Aliases {
			if a = CommandName(a); a != "" {
				if _, taken := t.byName[a]; !taken {
					t.byName[a] = c
				}
			}
		}
	}
	sort.Strings(t.order)
	return t
}

func (t *table) lookup(word string) (*Command, bool) {
	if t == nil {
		return nil, false
	}
	c, ok := t.byName[CommandName(word)]
	return c, ok
}

// visible returns the listed commands, everyone's first.
func (t *table) visible() []*Command {
	out := make([]*Command, 0, len(t.order))
	for _, name := range t.order {
		if c := t.byName[name]; !c.Hidden {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Access < out[j].Access
	})
	return out
}

func (t *table) menu() []kit.BotCommand {
	vis := t.visible()
	out := make([]kit.BotCommand, 0, len(vis))
	for _, c := range vis {
		if len(out) == maxMenuEntries {
			break
		}
		desc := strings.Join(strings.Fields(c.Description), " ")
		if desc == "" {
			desc = c.Route
		}
		if c.Access == AccessOwnerOnly {
			desc = "🔒 " + desc
		}
		if len(desc) > maxMenuDescLen {
			desc = truncateBytes(desc, maxMenuDescLen)
		}
		out = append(out, kit.BotCommand{Command: c.Route, Description: desc})
	}
	return out
}

// truncateBytes cuts s to at most n bytes on a rune boundary.
func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && (s[cut]&0xC0) == 0x80 {
		cut--
	}
	return s[:cut]
}
