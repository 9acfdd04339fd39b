package transport

import (
	"context"
	"time"

	"joinguard/internal/verification"
)

type UpdateKind string

const (
	UpdateJoin    UpdateKind = "join"
	UpdateCommand UpdateKind = "command"
)

type Update struct {
	Kind    UpdateKind
	Join    *Join
	Command *Message
}

// Join is a user entering a chat, either directly or through a join request.
type Join struct {
	ChatID    int64
	ChatTitle string
	User      verification.User
	Source    verification.Source
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
	Silent         bool
}

// Messenger is the outgoing message surface.
type Messenger interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	DeleteMessage(ctx context.Context, ref MessageRef) error
}

// Moderator removes and readmits chat members.
type Moderator interface {
	// Ban removes the user. A zero until bans permanently.
	Ban(ctx context.Context, chatID, userID int64, until time.Time) error
	Unban(ctx context.Context, chatID, userID int64) error
	IsAdmin(ctx context.Context, chatID, userID int64) (bool, error)
}

type Adapter interface {
	Messenger
	Moderator

	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}
