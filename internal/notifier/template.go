package notifier

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"

	kit "watchbot/internal/transport"
	"watchbot/internal/watcher"
	"watchbot/pkg/tgui"
)

// Deliverer is the part of Service a Template needs.
type Deliverer interface {
	Deliver(ctx context.Context, m Message) error
}

var templateFuncs = template.FuncMap{
	"default": func(def string, v any) string {
		s := strings.TrimSpace(fmt.Sprint(v))
		if v == nil || s == "" || s == "<nil>" {
			return def
		}
		return s
	},
	"upper": strings.ToUpper,
	"trim":  strings.TrimSpace,
	// HTML helpers, for templates sent with ParseMode "HTML".
	"esc":  func(s string) string { return tgui.Esc(s).String() },
	"bold": func(s string) string { return tgui.B(s).String() },
	"code": func(s string) string { return tgui.Code(s).String() },
	"link": func(text, url string) string { return tgui.Link(text, url).String() },
}

// Template renders snapshots into text and delivers them. It implements
// watcher.Notifier.
type Template struct {
	source string
	tmpl   *template.Template
	out    Deliverer
	opts   *kit.SendOptions
}

// NewTemplate parses text. Payload keys are available as {{.key}}; the
// snapshot identity is {{.identity}}.
func NewTemplate(source, text string, out Deliverer, opts *kit.SendOptions) (*Template, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("template for %s is empty", source)
	}
	t, err := template.New(source).Funcs(templateFuncs).Option("missingkey=zero").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("template for %s: %w", source, err)
	}
	return &Template{source: source, tmpl: t, out: out, opts: opts}, nil
}

func (t *Template) Render(snap watcher.Snapshot) (string, error) {
	data := make(map[string]any, len(snap.Payload)+1)
	for k, v := range snap.Payload {
		data[k] = v
	}
	data["identity"] = snap.Identity

	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", t.source, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func (t *Template) Notify(ctx context.Context, dest watcher.Destination, snap watcher.Snapshot) error {
	text, err := t.Render(snap)
	if err != nil {
		return err
	}
	return t.out.Deliver(ctx, Message{
		Source:  t.source,
		Target:  kit.ChatTarget{ChatID: dest.ChatID, ThreadID: dest.ThreadID},
		Text:    text,
		Options: t.opts,
	})
}
