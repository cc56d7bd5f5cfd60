package transport

import (
	"context"
	"errors"
)

// ErrMemberNotFound is returned by MemberLookup when the user is not in the chat.
var ErrMemberNotFound = errors.New("member not found")

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateReaction UpdateKind = "reaction"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Reaction *Reaction
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

// Reaction is a change of one user's reactions on one message. Added and
// Removed hold emoji (custom emoji ids are prefixed with "custom:").
type Reaction struct {
	ChatID       int64
	MessageID    int
	FromID       int64
	FromUsername string
	FromBot      bool
	Added        []string
	Removed      []string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Member is a chat member as seen by the transport.
type Member struct {
	UserID   int64
	Username string
	IsBot    bool
	Status   string
}

// Sender delivers text to a chat.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// MemberLookup resolves a chat member.
type MemberLookup interface {
	Member(ctx context.Context, chatID, userID int64) (Member, error)
}

type Adapter interface {
	Sender
	MemberLookup

	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
	// Ready is closed once the transport has connected and can deliver.
	Ready() <-chan struct{}
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus (e.g. Telegram /menu list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
