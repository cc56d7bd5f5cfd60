// Package commands builds the chat command set on top of the watcher
// registry, the countdown target store and the role syncer.
package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"watchbot/internal/sources/countdown"
	"watchbot/internal/transport/telegram/router"
	"watchbot/internal/watcher"
	"watchbot/pkg/tgui"
)

// maxErrorRunes bounds error text echoed into chat.
const maxErrorRunes = 300

// Watchers is the registry surface the commands drive.
type Watchers interface {
	Snapshot() []watcher.Status
	Trigger(ctx context.Context, id string) (watcher.CycleReport, error)
	Reload(ctx context.Context, id string) error
	Start(id string) error
	Stop(ctx context.Context, id string) error
}

type Roles interface {
	Roles(ctx context.Context, userID int64) ([]string, error)
}

// TargetSetter stores a countdown target and returns it normalized.
type TargetSetter func(ctx context.Context, watcherID, raw string) (string, error)

// Shortcut is a per-watcher command that runs one cycle, e.g. /eq.
type Shortcut struct {
	Name    string
	Watcher string
}

// DateCommand sets a countdown watcher's target, e.g. /lab_setdate.
type DateCommand struct {
	Name    string
	Watcher string
}

type Deps struct {
	Watchers  Watchers
	Roles     Roles
	SetTarget TargetSetter
	Started   time.Time
	Now       func() time.Time
}

const triggerTimeout = 90 * time.Second

// Build returns every command. Shortcut and date command names that collide
// with a built-in are skipped.
func Build(d Deps, shortcuts []Shortcut, dates []DateCommand) []router.Command {
	if d.Now == nil {
		d.Now = time.Now
	}
	cmds := []router.Command{
		{
			Route:       "ping",
			Description: "check the bot is alive",
			Handle: func(ctx context.Context, req *router.Request) error {
				up := d.Now().Sub(d.Started).Truncate(time.Second)
				return req.Reply(ctx, "pong (up "+up.String()+")")
			},
		},
		{
			Route:       "watchers",
			Description: "list watchers and their state",
			Handle: func(ctx context.Context, req *router.Request) error {
				return req.Reply(ctx, FormatStatuses(d.Watchers.Snapshot()))
			},
		},
		{
			Route:       "trigger",
			Description: "run one watcher cycle now",
			Usage:       "/trigger <watcher>",
			Timeout:     triggerTimeout,
			Audit:       true,
			Handle: func(ctx context.Context, req *router.Request) error {
				id, err := oneArg(req, "/trigger <watcher>")
				if err != nil {
					return err
				}
				return runTrigger(ctx, d, req, id)
			},
		},
		{
			Route:       "reload",
			Description: "rebuild a watcher from the current config",
			Usage:       "/reload <watcher>",
			Access:      router.AccessOwnerOnly,
			Audit:       true,
			Handle: func(ctx context.Context, req *router.Request) error {
				id, err := oneArg(req, "/reload <watcher>")
				if err != nil {
					return err
				}
				if err := d.Watchers.Reload(ctx, id); err != nil {
					return err
				}
				return req.Reply(ctx, "🔄 reloaded "+tgui.Code(id).String())
			},
		},
		{
			Route:       "start_watcher",
			Description: "start a stopped watcher",
			Usage:       "/start_watcher <watcher>",
			Access:      router.AccessOwnerOnly,
			Audit:       true,
			Handle: func(ctx context.Context, req *router.Request) error {
				id, err := oneArg(req, "/start_watcher <watcher>")
				if err != nil {
					return err
				}
				if err := d.Watchers.Start(id); err != nil {
					return err
				}
				return req.Reply(ctx, "▶️ started "+tgui.Code(id).String())
			},
		},
		{
			Route:       "stop_watcher",
			Description: "stop a watcher until restart or reload",
			Usage:       "/stop_watcher <watcher>",
			Access:      router.AccessOwnerOnly,
			Audit:       true,
			Handle: func(ctx context.Context, req *router.Request) error {
				id, err := oneArg(req, "/stop_watcher <watcher>")
				if err != nil {
					return err
				}
				if err := d.Watchers.Stop(ctx, id); err != nil {
					return err
				}
				return req.Reply(ctx, "⏹ stopped "+tgui.Code(id).String())
			},
		},
	}
	if d.Roles != nil {
		cmds = append(cmds, router.Command{
			Route:       "roles",
			Description: "show your roles",
			Handle: func(ctx context.Context, req *router.Request) error {
				roles, err := d.Roles.Roles(ctx, req.FromID)
				if err != nil {
					return err
				}
				if len(roles) == 0 {
					return req.Reply(ctx, "you have no roles")
				}
				return req.Reply(ctx, "🎭 "+tgui.Esc(strings.Join(roles, ", ")).String())
			},
		})
	}

	taken := map[string]bool{"help": true, "h": true}
	for _, c := range cmds {
		taken[c.Route] = true
	}
	for _, s := range shortcuts {
		if s.Name == "" || taken[s.Name] {
			continue
		}
		taken[s.Name] = true
		id := s.Watcher
		cmds = append(cmds, router.Command{
			Route:       s.Name,
			Description: "check " + id + " now",
			Timeout:     triggerTimeout,
			Audit:       true,
			Handle: func(ctx context.Context, req *router.Request) error {
				return runTrigger(ctx, d, req, id)
			},
		})
	}
	if d.SetTarget != nil {
		for _, dc := range dates {
			if dc.Name == "" || taken[dc.Name] {
				continue
			}
			taken[dc.Name] = true
			id, name := dc.Watcher, dc.Name
			cmds = append(cmds, router.Command{
				Route:       name,
				Description: "set the " + id + " countdown date",
				Usage:       "/" + name + " <YYYY-MM-DD>",
				Audit:       true,
				Handle: func(ctx context.Context, req *router.Request) error {
					req.Watcher = id
					if len(req.Args) != 1 {
						return req.Reply(ctx, "usage: "+tgui.Code("/"+name+" YYYY-MM-DD").String())
					}
					req.Target = req.Args[0]
					target, err := d.SetTarget(ctx, id, req.Args[0])
					if errors.Is(err, countdown.ErrBadDate) {
						return req.Reply(ctx, "❌ "+tgui.Esc(err.Error()).String())
					}
					if err != nil {
						return err
					}
					return req.Reply(ctx, "📅 "+tgui.Esc(id).String()+" → "+tgui.B(target).String())
				},
			})
		}
	}
	return cmds
}

func oneArg(req *router.Request, usage string) (string, error) {
	if len(req.Args) != 1 {
		return "", fmt.Errorf("usage: %s", usage)
	}
	req.Watcher = req.Args[0]
	return req.Args[0], nil
}

func runTrigger(ctx context.Context, d Deps, req *router.Request, id string) error {
	req.Watcher = id
	rep, err := d.Watchers.Trigger(ctx, id)
	switch {
	case errors.Is(err, watcher.ErrNotReady):
		return req.Reply(ctx, "⏳ not connected yet, try again shortly")
	case errors.Is(err, watcher.ErrUnknownWatcher):
		return req.Reply(ctx, "unknown watcher "+tgui.Code(id).String())
	}
	return req.Reply(ctx, FormatReport(id, rep))
}

// FormatReport renders a manual cycle result for chat.
func FormatReport(id string, rep watcher.CycleReport) string {
	name := tgui.Code(id).String()
	switch rep.Outcome {
	case watcher.OutcomeNotified:
		return "✅ " + name + ": new item sent"
	case watcher.OutcomeUnchanged:
		return "✔️ " + name + ": no change"
	case watcher.OutcomeNotDue:
		return "🕒 " + name + ": not due yet"
	case watcher.OutcomeSkipped:
		return "➖ " + name + ": nothing to report"
	}
	msg := rep.Error
	if msg == "" && rep.Err != nil {
		msg = rep.Err.Error()
	}
	if msg == "" {
		msg = "failed"
	}
	return "⚠️ " + name + ": " + tgui.Esc(tgui.TruncRunes(msg, maxErrorRunes)).String()
}

// FormatStatuses renders the registry snapshot for chat.
func FormatStatuses(sts []watcher.Status) string {
	if len(sts) == 0 {
		return "no watchers configured"
	}
	lines := []string{"👀 " + tgui.B("Watchers").String()}
	for _, st := range sts {
		parts := []tgui.H{"• " + tgui.Code(st.ID) + " " + tgui.Esc(st.State.String()), tgui.Esc(st.Kind)}
		if st.Interval > 0 {
			parts = append(parts, tgui.Esc("every "+st.Interval.String()))
		}
		if st.Last != nil {
			parts = append(parts, tgui.Esc(fmt.Sprintf("last %s %s ago", st.Last.Outcome, time.Since(st.Last.Started).Truncate(time.Second))))
		}
		line := tgui.Join(" · ", parts...).String()
		if st.Error != "" {
			line += "\n  ⚠️ " + tgui.Esc(tgui.TruncRunes(st.Error, maxErrorRunes)).String()
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}
