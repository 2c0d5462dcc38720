// Package bridge implements the Switchboard runtime: the session registry,
// channel provisioner, chat-thread state machine, event relay, and
// reconciliation that mirror remote-network chats into guild threads.
package bridge

import (
	"context"
	"time"

	"github.com/mkarren/switchboard/internal/remote"
)

// Platform is the guild-platform surface the bridge core needs. The Discord
// implementation lives in the discord subpackage; tests use MockPlatform.
type Platform interface {
	// Connect establishes the platform connection.
	Connect(ctx context.Context) error

	// Listen returns the channel of inbound guild events. Must only be
	// called after Connect; the channel closes on shutdown.
	Listen(ctx context.Context) (<-chan GuildEvent, error)

	// FindChannelByName resolves a channel ID by exact name within the
	// guild. Returns "" when no such channel exists.
	FindChannelByName(ctx context.Context, guildID, name string) (string, error)

	// CreateOperatorChannel creates a channel visible only to the given
	// operator (and the bridge itself) and returns its ID.
	CreateOperatorChannel(ctx context.Context, guildID, name, operatorID string) (string, error)

	// SendMessage posts a message and returns its ID.
	SendMessage(ctx context.Context, channelID, content string) (string, error)

	// EditMessage rewrites an existing message in place.
	EditMessage(ctx context.Context, channelID, messageID, content string) error

	// DeleteMessage removes a message.
	DeleteMessage(ctx context.Context, channelID, messageID string) error

	// CreateThread creates a thread under a channel and returns its ID.
	CreateThread(ctx context.Context, channelID, name string) (string, error)

	// ThreadExists reports whether the thread entity is still resolvable.
	// A missing entity is not an error; it triggers self-healing upstream.
	ThreadExists(ctx context.Context, threadID string) (bool, error)

	// ArchiveThread archives the thread entity.
	ArchiveThread(ctx context.Context, threadID string) error

	// UnarchiveThread restores an archived thread entity.
	UnarchiveThread(ctx context.Context, threadID string) error

	// LockThread locks the thread against further replies.
	LockThread(ctx context.Context, threadID string) error

	// Close gracefully shuts down the platform connection.
	Close() error
}

// GuildEventKind classifies inbound guild events.
type GuildEventKind string

const (
	// GuildCommand is an operator command (start-chat, end-chat).
	GuildCommand GuildEventKind = "command"
	// GuildMessage is an operator-authored message.
	GuildMessage GuildEventKind = "message"
)

// GuildEvent is an inbound event from the guild platform, already reduced
// to the fields the relay needs.
type GuildEvent struct {
	Kind       GuildEventKind
	Command    string // "start-chat" or "end-chat" when Kind == GuildCommand
	OperatorID string // guild user who authored the event
	ChannelID  string // parent channel
	ThreadID   string // thread the event occurred in ("" for channel level)
	MessageID  string
	Text       string
	ReplyToID  string // guild message this one replies to ("" when none)
	Timestamp  time.Time
}

// RemoteConn is the slice of the remote socket connection the bridge uses.
// *remote.Conn satisfies it; tests substitute fakes.
type RemoteConn interface {
	Request(ctx context.Context, command string, payload any, timeout time.Duration) (*remote.Response, error)
	Close() error
}

// RemoteAPI is the slice of the remote REST client the bridge uses.
type RemoteAPI interface {
	Status(ctx context.Context) (*remote.ChatStatus, error)
	RecentMessages(ctx context.Context, chatID string, limit int) ([]remote.ChatMessage, error)
}
