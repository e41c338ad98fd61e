// Package telegraph keeps the staff-facing side of an order in step with its
// state: one discussion thread per order on a chat platform (Discord or
// Slack), a pinned summary card inside it, and the relay between that
// thread and the customer's private chat.
package telegraph

import (
	"context"
	"time"
)

// Platform is the interface that staff chat platforms must satisfy. A
// platform hosts one thread per conversation inside a configured channel.
type Platform interface {
	// Name identifies the platform, e.g. "discord" or "slack".
	Name() string

	// Connect establishes a connection to the chat platform.
	Connect(ctx context.Context) error

	// Listen returns a channel of inbound thread messages and button
	// clicks. The channel is closed when the context is cancelled or the
	// platform is closed. Listen must only be called after Connect.
	Listen(ctx context.Context) (<-chan InboundMessage, error)

	// CreateThread opens a new thread and returns its id.
	CreateThread(ctx context.Context, name string) (string, error)

	// Post sends msg into a thread and returns the new message id. It
	// returns ErrThreadGone if the thread no longer exists.
	Post(ctx context.Context, threadID string, msg Message) (string, error)

	// Edit replaces the content of a message. It returns ErrMessageGone,
	// ErrNotModified or ErrThreadGone for the corresponding conditions.
	Edit(ctx context.Context, threadID, messageID string, msg Message) error

	// Pin pins a message in its thread. It returns ErrPermissionDenied
	// when the bot may not pin.
	Pin(ctx context.Context, threadID, messageID string) error

	// Probe is a cheap existence check. It returns ErrThreadGone if the
	// thread has been deleted.
	Probe(ctx context.Context, threadID string) error

	// Close gracefully shuts down the platform connection.
	Close() error
}

// ButtonStyle hints how a button is drawn.
type ButtonStyle string

const (
	ButtonPrimary   ButtonStyle = "primary"
	ButtonSecondary ButtonStyle = "secondary"
	ButtonDanger    ButtonStyle = "danger"
)

// Button is an interactive control on a message. Payload is the encoded
// Action delivered back on click.
type Button struct {
	Label   string
	Payload string
	Style   ButtonStyle
}

// Message is an outbound thread message.
type Message struct {
	Title   string   // optional headline
	Text    string   // body in platform-neutral markdown
	Color   string   // sidebar color hint, e.g. "#36a64f"
	Buttons []Button // rendered in order, split into rows by the platform
}

// InboundMessage is a message or a button click received from the
// platform. Clicks carry the button's Payload and no Text.
type InboundMessage struct {
	Platform  string
	ThreadID  string // empty for top-level channel messages
	MessageID string
	UserID    string
	UserName  string
	Text      string
	Payload   string
	Timestamp time.Time
}

// IsClick reports whether the message is a button click.
func (m InboundMessage) IsClick() bool {
	return m.Payload != ""
}

// BotUserIDer is an optional interface that platforms can implement to
// expose the bot's own user ID. This enables self-message filtering.
type BotUserIDer interface {
	BotUserID() string
}

// CustomerChat is the customer's private chat surface.
type CustomerChat interface {
	Connect(ctx context.Context) error
	Listen(ctx context.Context) (<-chan CustomerMessage, error)
	SendToCustomer(ctx context.Context, chatID int64, text string) error
	Close() error
}

// CustomerMessage is a message a customer wrote in their private chat.
type CustomerMessage struct {
	ChatID    int64
	UserName  string
	Text      string
	Timestamp time.Time
}
