package router

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "watchbot/internal/runtime/supervisor"
	kit "watchbot/internal/transport"
	logx "watchbot/pkg/logx"
	"watchbot/pkg/tgui"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

// Command is one slash command. Route is its name; it is folded with
// CommandName, so "start-watcher" registers /start_watcher.
type Command struct {
	Route       string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	// Audit appends an audit entry for every invocation.
	Audit   bool
	Timeout time.Duration
	Handle  HandlerFunc
	// Hidden commands route but are left out of help and the menu.
	Hidden bool
}

type Request struct {
	Message      *kit.Message
	Chat         kit.ChatTarget
	FromID       int64
	FromUsername string
	Command      string
	Args         []string
	ReqID        string

	Sender kit.Sender
	Logger logx.Logger

	// Watcher and Target are filled in by handlers for the audit log.
	Watcher string
	Target  string
	audit   bool
}

var htmlReply = &kit.SendOptions{DisablePreview: true, ParseMode: "HTML"}

// Reply sends HTML text back to the chat the command came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Sender.SendText(ctx, r.Chat, text, htmlReply)
	return err
}

type Options struct {
	Owners  []int64
	Workers int
	// Queue bounds pending jobs. Default 256.
	Queue   int
	Auditor Auditor
	// OnReaction receives reaction updates; nil drops them.
	OnReaction func(ctx context.Context, r *kit.Reaction)
}

// CommandManager routes updates to commands and reactions to OnReaction,
// running both on a fixed worker pool.
type CommandManager struct {
	mu     sync.RWMutex
	table  *table
	menu   []kit.BotCommand
	owners []int64

	log        logx.Logger
	out        kit.Sender
	auditor    Auditor
	onReaction func(ctx context.Context, r *kit.Reaction)
	workers    int

	// jobs is closed by DispatchLoop on exit; closedMu guards sends.
	closedMu sync.RWMutex
	closed   bool
	jobs     chan func()
}

func NewCommandManager(log logx.Logger, out kit.Sender, opts Options) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Queue <= 0 {
		opts.Queue = 256
	}
	return &CommandManager{
		table:      newTable(nil),
		owners:     slices.Clone(opts.Owners),
		log:        log.With(logx.String("comp", "telegram.router")),
		out:        out,
		auditor:    opts.Auditor,
		onReaction: opts.OnReaction,
		workers:    opts.Workers,
		jobs:       make(chan func(), opts.Queue),
	}
}

// SetOwners replaces the owner list used for AccessOwnerOnly checks.
func (m *CommandManager) SetOwners(owners []int64) {
	m.mu.Lock()
	m.owners = slices.Clone(owners)
	m.mu.Unlock()
}

func (m *CommandManager) isOwner(id int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Contains(m.owners, id)
}

// SetRegistry replaces the command set and returns the resulting menu.
// /help is always present.
func (m *CommandManager) SetRegistry(cmds []Command) []kit.BotCommand {
	all := append(slices.Clone(cmds), Command{
		Route:       "help",
		Aliases:     []string{"h"},
		Description: "show help",
		Usage:       "/help [cmd]",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, m.helpText(req.Args))
		},
	})
	t := newTable(all)
	menu := t.menu()

	m.mu.Lock()
	m.table = t
	m.menu = menu
	m.mu.Unlock()
	return menu
}

// PublishMenu pushes the current menu when the sender supports it.
func (m *CommandManager) PublishMenu(ctx context.Context) error {
	up, ok := m.out.(kit.CommandMenuUpdater)
	if !ok {
		return nil
	}
	m.mu.RLock()
	menu := m.menu
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return up.UpdateMenuCommands(ctx, menu)
}

// DispatchLoop consumes updates until ctx ends or updates is closed.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(m.log), rtsup.WithCancelOnError(false))
	for i := 0; i < m.workers; i++ {
		sup.GoRestart("command.worker."+strconv.Itoa(i), m.worker(i),
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithStopOnCleanExit(true),
		)
	}
	m.log.Info("command dispatcher started", logx.Int("workers", m.workers), logx.Int("queue", cap(m.jobs)))

	defer func() {
		m.closedMu.Lock()
		m.closed = true
		close(m.jobs)
		m.closedMu.Unlock()

		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				m.log.Info("updates channel closed")
				return nil
			}
			m.route(ctx, up)
		}
	}
}

func (m *CommandManager) worker(idx int) func(context.Context) error {
	return func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case job, ok := <-m.jobs:
				if !ok {
					return nil
				}
				m.safeRun(idx, job)
			}
		}
	}
}

func (m *CommandManager) safeRun(worker int, job func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", r))
		}
	}()
	job()
}

// submit queues job without blocking. It reports false when the queue is
// full or the dispatcher has stopped.
func (m *CommandManager) submit(job func()) bool {
	m.closedMu.RLock()
	defer m.closedMu.RUnlock()
	if m.closed {
		return false
	}
	select {
	case m.jobs <- job:
		return true
	default:
		return false
	}
}

func (m *CommandManager) route(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		if up.Message != nil {
			m.routeMessage(ctx, up.Message)
		}
	case kit.UpdateReaction:
		r := up.Reaction
		if r == nil || m.onReaction == nil {
			return
		}
		if !m.submit(func() { m.onReaction(ctx, r) }) {
			m.log.Warn("reaction dropped: queue full", logx.Int64("chat_id", r.ChatID), logx.Int64("user_id", r.FromID))
		}
	}
}

func (m *CommandManager) reply(ctx context.Context, msg *kit.Message, text string) {
	to := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	if _, err := m.out.SendText(ctx, to, text, nil); err != nil {
		m.log.Warn("reply failed", logx.Int64("chat_id", msg.ChatID), logx.Err(err))
	}
}

func (m *CommandManager) routeMessage(ctx context.Context, msg *kit.Message) {
	word, args, ok := splitCommand(msg.Text)
	if !ok {
		return
	}
	m.mu.RLock()
	t := m.table
	m.mu.RUnlock()

	cmd, found := t.lookup(word)
	if !found {
		// Groups are shared with other bots; stay quiet there.
		if !msg.IsGroup {
			m.reply(ctx, msg, "unknown command, try /help")
		}
		return
	}
	if cmd.Access == AccessOwnerOnly && !m.isOwner(msg.FromID) {
		m.reply(ctx, msg, "unauthorized")
		return
	}

	rid := newReqID()
	req := &Request{
		Message:      msg,
		Chat:         kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID},
		FromID:       msg.FromID,
		FromUsername: msg.FromUsername,
		Command:      cmd.Route,
		Args:         args,
		ReqID:        rid,
		Sender:       m.out,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Route),
		),
		audit: cmd.Audit,
	}
	h := Chain(cmd.Handle,
		recoverPanics(m.log),
		logRequests(m.log),
		auditTo(m.auditor, m.log),
		withTimeout(cmd.Timeout),
	)
	if !m.submit(func() {
		if err := h(ctx, req); err != nil {
			_ = req.Reply(ctx, "⚠️ "+tgui.Esc(err.Error()).String())
		}
	}) {
		m.reply(ctx, msg, "busy, try again")
	}
}

// splitCommand extracts the command word (without "/" or "@bot") and its
// arguments. ok is false for plain text.
func splitCommand(text string) (word string, args []string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	parts := tokenize(text[1:])
	if len(parts) == 0 {
		return "", nil, false
	}
	word, _, _ = strings.Cut(parts[0], "@")
	return word, parts[1:], word != ""
}
