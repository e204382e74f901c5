package transport

import (
	"context"
	"strconv"
	"strings"
)

// Recipient identifies a delivery target. It is opaque to the core; adapters
// decide how to interpret it (Telegram: numeric chat id).
type Recipient string

func (r Recipient) String() string { return string(r) }

func (r Recipient) IsZero() bool { return strings.TrimSpace(string(r)) == "" }

// ChatID returns the numeric form used by chat-id based adapters.
func (r Recipient) ChatID() (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(string(r)), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// RecipientFromChatID is the inverse of Recipient.ChatID.
func RecipientFromChatID(id int64) Recipient {
	return Recipient(strconv.FormatInt(id, 10))
}

type Message struct {
	ID           int
	Chat         Recipient
	FromID       int64
	FromUsername string
	Text         string
}

type Update struct {
	Message *Message
}

type MessageRef struct {
	Chat      Recipient
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Sender is the outbound half of a transport.
type Sender interface {
	SendText(ctx context.Context, to Recipient, text string, opt *SendOptions) (MessageRef, error)
}

type Adapter interface {
	Sender
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to publish their command list (e.g. Telegram's command menu).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
