// Package discord implements the bridge Platform for Discord using the
// Gateway WebSocket for events and the REST API for channel management.
package discord

import (
	"context"
	"fmt"
	"log"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/mkarren/switchboard/internal/bridge"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for rate-limit retries.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff.
	maxBackoff = 2 * time.Minute
	// commandPrefix triggers operator commands in account channels.
	commandPrefix = "!chat"
	// threadAutoArchiveMinutes is Discord's auto-archive window for bridge
	// threads. The bridge archives explicitly; this is the backstop.
	threadAutoArchiveMinutes = 10080 // 7 days
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	GuildChannels(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Channel, error)
	GuildChannelCreateComplex(guildID string, data discordgo.GuildChannelCreateData, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
	ThreadStartComplex(channelID string, data *discordgo.ThreadStart, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelEditComplex(channelID string, data *discordgo.ChannelEdit, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	AddHandler(handler interface{}) func()
}

// realSession wraps *discordgo.Session to implement the session interface.
type realSession struct {
	s *discordgo.Session
}

func (r *realSession) Open() error  { return r.s.Open() }
func (r *realSession) Close() error { return r.s.Close() }
func (r *realSession) Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	return r.s.Channel(channelID, options...)
}
func (r *realSession) GuildChannels(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Channel, error) {
	return r.s.GuildChannels(guildID, options...)
}
func (r *realSession) GuildChannelCreateComplex(guildID string, data discordgo.GuildChannelCreateData, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	return r.s.GuildChannelCreateComplex(guildID, data, options...)
}
func (r *realSession) ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSend(channelID, content, options...)
}
func (r *realSession) ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageEdit(channelID, messageID, content, options...)
}
func (r *realSession) ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error {
	return r.s.ChannelMessageDelete(channelID, messageID, options...)
}
func (r *realSession) ThreadStartComplex(channelID string, data *discordgo.ThreadStart, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	return r.s.ThreadStartComplex(channelID, data, options...)
}
func (r *realSession) ChannelEditComplex(channelID string, data *discordgo.ChannelEdit, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	return r.s.ChannelEditComplex(channelID, data, options...)
}
func (r *realSession) AddHandler(handler interface{}) func() {
	return r.s.AddHandler(handler)
}

// Platform implements bridge.Platform for Discord.
type Platform struct {
	sess     session
	botToken string

	mu            sync.Mutex
	connected     bool
	closed        bool
	botUserID     string
	events        chan bridge.GuildEvent
	done          chan struct{}
	removeHandler func()
	baseBackoff   time.Duration
	maxBackoff    time.Duration
}

// Opts holds parameters for creating a Discord Platform.
type Opts struct {
	BotToken string
	// For testing: inject a mock session instead of real Discord API.
	Session session
}

// New creates a Discord Platform.
func New(opts Opts) (*Platform, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	p := &Platform{
		botToken:    opts.BotToken,
		events:      make(chan bridge.GuildEvent, 100),
		done:        make(chan struct{}),
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
	}
	if opts.Session != nil {
		p.sess = opts.Session
	}
	return p, nil
}

// Connect establishes the Discord Gateway WebSocket connection.
func (p *Platform) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("discord: platform already closed")
	}
	if p.connected {
		return nil
	}

	if p.sess == nil {
		dg, err := discordgo.New("Bot " + p.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent
		p.sess = &realSession{s: dg}
	}

	p.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		p.mu.Lock()
		p.botUserID = r.User.ID
		p.mu.Unlock()
		log.Printf("discord: connected as %s (ID: %s)", r.User.Username, r.User.ID)
	})
	p.sess.AddHandler(func(_ *discordgo.Session, d *discordgo.Disconnect) {
		log.Printf("discord: gateway disconnected, discordgo will auto-reconnect")
	})

	if err := p.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	p.connected = true
	return nil
}

// Listen registers the message handler and returns the guild event channel.
// Must be called after Connect.
func (p *Platform) Listen(ctx context.Context) (<-chan bridge.GuildEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, fmt.Errorf("discord: not connected")
	}
	p.removeHandler = p.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		p.handleMessage(m)
	})
	return p.events, nil
}

// handleMessage converts a Discord message into a GuildEvent. Bot and
// self-messages are dropped; "!chat" messages become commands.
func (p *Platform) handleMessage(m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	p.mu.Lock()
	botID := p.botUserID
	p.mu.Unlock()
	if m.Author.ID == botID {
		return
	}

	// Threads are channels in Discord: a message sent inside a thread has
	// the thread's ID as its ChannelID. Resolve the parent to tell the two
	// apart.
	channelID := m.ChannelID
	threadID := ""
	if ch, err := p.sess.Channel(m.ChannelID); err == nil && ch.IsThread() {
		channelID = ch.ParentID
		threadID = m.ChannelID
	}

	replyTo := ""
	if m.MessageReference != nil {
		replyTo = m.MessageReference.MessageID
	}
	ts, _ := discordgo.SnowflakeTimestamp(m.ID)

	evt := bridge.GuildEvent{
		Kind:       bridge.GuildMessage,
		OperatorID: m.Author.ID,
		ChannelID:  channelID,
		ThreadID:   threadID,
		MessageID:  m.ID,
		Text:       m.Content,
		ReplyToID:  replyTo,
		Timestamp:  ts,
	}

	if cmd, ok := parseCommand(m.Content); ok {
		evt.Kind = bridge.GuildCommand
		evt.Command = cmd
	}

	// Handler removal during Close does not wait for in-flight callbacks, so
	// the events channel is never closed; shutdown drops the event here.
	select {
	case <-p.done:
		return
	default:
	}
	select {
	case p.events <- evt:
	case <-p.done:
	}
}

// parseCommand maps "!chat start" / "!chat end" onto bridge commands.
func parseCommand(text string) (string, bool) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) < 2 || fields[0] != commandPrefix {
		return "", false
	}
	switch fields[1] {
	case "start":
		return "start-chat", true
	case "end":
		return "end-chat", true
	default:
		return "", false
	}
}

// FindChannelByName resolves a channel ID by exact name within the guild.
func (p *Platform) FindChannelByName(ctx context.Context, guildID, name string) (string, error) {
	var channels []*discordgo.Channel
	err := p.retryOnRateLimit(ctx, func() error {
		var apiErr error
		channels, apiErr = p.sess.GuildChannels(guildID)
		return apiErr
	})
	if err != nil {
		return "", fmt.Errorf("discord: guild channels: %w", err)
	}
	for _, ch := range channels {
		if ch.Type == discordgo.ChannelTypeGuildText && ch.Name == name {
			return ch.ID, nil
		}
	}
	return "", nil
}

// CreateOperatorChannel creates a text channel hidden from everyone except
// the operator and the bridge bot.
func (p *Platform) CreateOperatorChannel(ctx context.Context, guildID, name, operatorID string) (string, error) {
	p.mu.Lock()
	botID := p.botUserID
	p.mu.Unlock()

	overwrites := []*discordgo.PermissionOverwrite{
		{
			// @everyone shares its ID with the guild.
			ID:   guildID,
			Type: discordgo.PermissionOverwriteTypeRole,
			Deny: discordgo.PermissionViewChannel,
		},
		{
			ID:    operatorID,
			Type:  discordgo.PermissionOverwriteTypeMember,
			Allow: discordgo.PermissionViewChannel | discordgo.PermissionSendMessages | discordgo.PermissionSendMessagesInThreads | discordgo.PermissionReadMessageHistory,
		},
	}
	if botID != "" {
		overwrites = append(overwrites, &discordgo.PermissionOverwrite{
			ID:    botID,
			Type:  discordgo.PermissionOverwriteTypeMember,
			Allow: discordgo.PermissionViewChannel | discordgo.PermissionSendMessages | discordgo.PermissionSendMessagesInThreads | discordgo.PermissionManageThreads | discordgo.PermissionManageMessages,
		})
	}

	var ch *discordgo.Channel
	err := p.retryOnRateLimit(ctx, func() error {
		var apiErr error
		ch, apiErr = p.sess.GuildChannelCreateComplex(guildID, discordgo.GuildChannelCreateData{
			Name:                 name,
			Type:                 discordgo.ChannelTypeGuildText,
			PermissionOverwrites: overwrites,
		})
		return apiErr
	})
	if err != nil {
		return "", fmt.Errorf("discord: create channel %q: %w", name, err)
	}
	return ch.ID, nil
}

// SendMessage posts a message and returns its ID.
func (p *Platform) SendMessage(ctx context.Context, channelID, content string) (string, error) {
	var msg *discordgo.Message
	err := p.retryOnRateLimit(ctx, func() error {
		var apiErr error
		msg, apiErr = p.sess.ChannelMessageSend(channelID, content)
		return apiErr
	})
	if err != nil {
		return "", fmt.Errorf("discord: send message: %w", err)
	}
	return msg.ID, nil
}

// EditMessage rewrites a message in place.
func (p *Platform) EditMessage(ctx context.Context, channelID, messageID, content string) error {
	err := p.retryOnRateLimit(ctx, func() error {
		_, apiErr := p.sess.ChannelMessageEdit(channelID, messageID, content)
		return apiErr
	})
	if err != nil {
		return fmt.Errorf("discord: edit message: %w", err)
	}
	return nil
}

// DeleteMessage removes a message.
func (p *Platform) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	err := p.retryOnRateLimit(ctx, func() error {
		return p.sess.ChannelMessageDelete(channelID, messageID)
	})
	if err != nil {
		return fmt.Errorf("discord: delete message: %w", err)
	}
	return nil
}

// CreateThread starts a private thread under the channel.
func (p *Platform) CreateThread(ctx context.Context, channelID, name string) (string, error) {
	var th *discordgo.Channel
	err := p.retryOnRateLimit(ctx, func() error {
		var apiErr error
		th, apiErr = p.sess.ThreadStartComplex(channelID, &discordgo.ThreadStart{
			Name:                name,
			AutoArchiveDuration: threadAutoArchiveMinutes,
			Type:                discordgo.ChannelTypeGuildPrivateThread,
			Invitable:           false,
		})
		return apiErr
	})
	if err != nil {
		return "", fmt.Errorf("discord: create thread %q: %w", name, err)
	}
	return th.ID, nil
}

// ThreadExists reports whether the thread entity is still resolvable. An
// unknown-channel response means deleted, not an error.
func (p *Platform) ThreadExists(ctx context.Context, threadID string) (bool, error) {
	var ch *discordgo.Channel
	err := p.retryOnRateLimit(ctx, func() error {
		var apiErr error
		ch, apiErr = p.sess.Channel(threadID)
		return apiErr
	})
	if err != nil {
		if isUnknownChannel(err) {
			return false, nil
		}
		return false, fmt.Errorf("discord: resolve thread %s: %w", threadID, err)
	}
	return ch != nil && ch.IsThread(), nil
}

// ArchiveThread archives the thread entity.
func (p *Platform) ArchiveThread(ctx context.Context, threadID string) error {
	return p.editThread(ctx, threadID, boolPtr(true), nil)
}

// UnarchiveThread restores an archived thread entity.
func (p *Platform) UnarchiveThread(ctx context.Context, threadID string) error {
	return p.editThread(ctx, threadID, boolPtr(false), nil)
}

// LockThread locks the thread against further replies.
func (p *Platform) LockThread(ctx context.Context, threadID string) error {
	return p.editThread(ctx, threadID, nil, boolPtr(true))
}

func (p *Platform) editThread(ctx context.Context, threadID string, archived, locked *bool) error {
	err := p.retryOnRateLimit(ctx, func() error {
		_, apiErr := p.sess.ChannelEditComplex(threadID, &discordgo.ChannelEdit{
			Archived: archived,
			Locked:   locked,
		})
		return apiErr
	})
	if err != nil {
		return fmt.Errorf("discord: edit thread %s: %w", threadID, err)
	}
	return nil
}

// Close gracefully shuts down the platform connection.
func (p *Platform) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.connected = false
	if p.removeHandler != nil {
		p.removeHandler()
	}
	close(p.done)
	if p.sess != nil {
		return p.sess.Close()
	}
	return nil
}

// BotUserID returns the bot's Discord user ID (available after Connect).
func (p *Platform) BotUserID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.botUserID
}

// SetBotUserID sets the bot user ID (used in tests for self-filtering).
func (p *Platform) SetBotUserID(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.botUserID = id
}

func boolPtr(b bool) *bool { return &b }

// isUnknownChannel reports whether the REST error means the channel or
// thread no longer exists.
func isUnknownChannel(err error) bool {
	restErr, ok := err.(*discordgo.RESTError)
	if !ok {
		return false
	}
	if restErr.Message != nil && restErr.Message.Code == discordgo.ErrCodeUnknownChannel {
		return true
	}
	return restErr.Response != nil && restErr.Response.StatusCode == http.StatusNotFound
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// rate limit errors. It respects context cancellation.
func (p *Platform) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		restErr, ok := err.(*discordgo.RESTError)
		if !ok || restErr.Response == nil || restErr.Response.StatusCode != http.StatusTooManyRequests {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * p.baseBackoff
		if wait > p.maxBackoff {
			wait = p.maxBackoff
		}
		log.Printf("discord: rate limited (attempt %d/%d), retrying in %v", attempt+1, maxRetries, wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}
