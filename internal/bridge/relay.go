package bridge

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/mkarren/switchboard/internal/models"
	"github.com/mkarren/switchboard/internal/remote"
	"gorm.io/gorm"
)

// remoteHandler processes one inbound remote-network event for a session.
type remoteHandler func(ctx context.Context, s *Session, data json.RawMessage) error

// Relay interprets inbound remote-network events and inbound guild
// commands, driving the provisioner and thread state machine. Remote events
// are dispatched through a fixed event→handler table.
type Relay struct {
	db          *gorm.DB
	platform    Platform
	registry    *Registry
	threads     *ThreadStore
	provisioner *Provisioner
	timeout     time.Duration
	out         io.Writer

	handlers map[string]remoteHandler
}

// RelayOpts holds parameters for creating a Relay.
type RelayOpts struct {
	DB          *gorm.DB
	Platform    Platform
	Registry    *Registry
	Threads     *ThreadStore
	Provisioner *Provisioner
	Timeout     time.Duration // remote command ack budget; defaults to remote.DefaultRequestTimeout
	Out         io.Writer     // defaults to os.Stdout
}

// NewRelay creates a Relay.
func NewRelay(opts RelayOpts) (*Relay, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("bridge: relay: db is required")
	}
	if opts.Platform == nil {
		return nil, fmt.Errorf("bridge: relay: platform is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("bridge: relay: registry is required")
	}
	if opts.Threads == nil {
		return nil, fmt.Errorf("bridge: relay: thread store is required")
	}
	if opts.Provisioner == nil {
		return nil, fmt.Errorf("bridge: relay: provisioner is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = remote.DefaultRequestTimeout
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	r := &Relay{
		db:          opts.DB,
		platform:    opts.Platform,
		registry:    opts.Registry,
		threads:     opts.Threads,
		provisioner: opts.Provisioner,
		timeout:     timeout,
		out:         out,
	}
	r.handlers = map[string]remoteHandler{
		remote.EventChatStarted:   r.handleChatStarted,
		remote.EventMessage:       r.handleChatMessage,
		remote.EventChatEnded:     r.handleChatEnded,
		remote.EventQueuePosition: r.handleQueuePosition,
	}
	return r, nil
}

// HandleRemoteEvent dispatches one remote-network event for a session.
// Unknown events are logged and dropped.
func (r *Relay) HandleRemoteEvent(ctx context.Context, s *Session, name string, data json.RawMessage) {
	h, ok := r.handlers[name]
	if !ok {
		log.Printf("bridge: relay: unknown remote event %q [account=%s]", name, s.AccountID)
		return
	}
	fmt.Fprintf(r.out, "bridge: relay: recv %s [account=%s]\n", name, s.AccountID)
	if err := h(ctx, s, data); err != nil {
		log.Printf("bridge: relay: %s [account=%s]: %v", name, s.AccountID, err)
	}
}

// handleChatStarted opens (or reopens) the thread for a new chat and posts
// the opening notice. Any pending queue-position notice is superseded.
func (r *Relay) handleChatStarted(ctx context.Context, s *Session, data json.RawMessage) error {
	var evt remote.ChatStarted
	if err := json.Unmarshal(data, &evt); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if evt.ChatID == "" {
		return fmt.Errorf("chat-started without chatId")
	}

	r.clearQueueNotice(ctx, s)

	res, err := r.threads.EnsureThread(ctx, s.OperatorID, evt.ChatID, s.AccountID, s.DisplayName)
	if err != nil {
		return err
	}
	s.SetActiveChat(evt.ChatID, res.Thread.ID)

	if _, err := r.platform.SendMessage(ctx, res.Thread.ThreadID, ConversationNotice(res)); err != nil {
		return fmt.Errorf("post opening notice: %w", err)
	}
	return nil
}

// handleChatMessage mirrors one counterpart message into the thread. A
// message with no active chat is a protocol violation: logged and dropped,
// never retried.
func (r *Relay) handleChatMessage(ctx context.Context, s *Session, data json.RawMessage) error {
	chatID, _ := s.ActiveChat()
	if chatID == "" {
		log.Printf("bridge: relay: protocol violation: message with no active chat [account=%s], dropped", s.AccountID)
		return nil
	}

	var evt remote.ChatMessage
	if err := json.Unmarshal(data, &evt); err != nil {
		return fmt.Errorf("decode: %w", err)
	}

	// Self-healing resolve: the thread entity may have been deleted since
	// chat-started.
	res, err := r.threads.EnsureThread(ctx, s.OperatorID, chatID, s.AccountID, s.DisplayName)
	if err != nil {
		return err
	}
	s.SetActiveChat(chatID, res.Thread.ID)

	if _, err := r.platform.SendMessage(ctx, res.Thread.ThreadID, evt.Content); err != nil {
		return fmt.Errorf("mirror message: %w", err)
	}
	r.threads.Touch(ctx, res.Thread.ID)
	return nil
}

// handleChatEnded posts the ended notice, archives the row and the guild
// entity, and clears the session's active chat.
func (r *Relay) handleChatEnded(ctx context.Context, s *Session, data json.RawMessage) error {
	chatID, _ := s.ActiveChat()
	if chatID == "" {
		log.Printf("bridge: relay: protocol violation: chat-ended with no active chat [account=%s], dropped", s.AccountID)
		return nil
	}

	var evt remote.ChatEnded
	if err := json.Unmarshal(data, &evt); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	// A stale or duplicate chat-ended for an earlier chat must not tear down
	// the current conversation.
	if evt.ChatID != "" && evt.ChatID != chatID {
		log.Printf("bridge: relay: protocol violation: chat-ended for %s while %s is active [account=%s], dropped", evt.ChatID, chatID, s.AccountID)
		return nil
	}

	res, err := r.threads.EnsureThread(ctx, s.OperatorID, chatID, s.AccountID, s.DisplayName)
	if err != nil {
		return err
	}

	if _, err := r.platform.SendMessage(ctx, res.Thread.ThreadID, EndedNotice(evt.Reason)); err != nil {
		log.Printf("bridge: relay: post ended notice: %v", err)
	}
	if err := r.threads.Archive(ctx, res.Thread.ID); err != nil {
		return err
	}
	if err := r.platform.ArchiveThread(ctx, res.Thread.ThreadID); err != nil {
		log.Printf("bridge: relay: archive thread entity %s: %v", res.Thread.ThreadID, err)
	}

	s.ClearActiveChat()
	return nil
}

// handleQueuePosition maintains the single ephemeral queue notice: created
// once, then edited in place as the position changes. Zero or negative
// order means "matched" and is a no-op (chat-started supersedes it).
func (r *Relay) handleQueuePosition(ctx context.Context, s *Session, data json.RawMessage) error {
	var evt remote.QueuePosition
	if err := json.Unmarshal(data, &evt); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if evt.Order <= 0 {
		return nil
	}

	if chanID, msgID := s.queueNotice(); msgID != "" {
		if err := r.platform.EditMessage(ctx, chanID, msgID, QueueNotice(evt.Order)); err != nil {
			return fmt.Errorf("edit queue notice: %w", err)
		}
		return nil
	}

	link, err := r.provisioner.EnsureChannel(ctx, s.OperatorID, s.AccountID, s.DisplayName)
	if err != nil {
		return err
	}
	msgID, err := r.platform.SendMessage(ctx, link.ChannelID, QueueNotice(evt.Order))
	if err != nil {
		return fmt.Errorf("post queue notice: %w", err)
	}
	s.setQueueNotice(link.ChannelID, msgID)
	return nil
}

// clearQueueNotice deletes the pending queue notice, if any. Best-effort.
func (r *Relay) clearQueueNotice(ctx context.Context, s *Session) {
	chanID, msgID := s.takeQueueNotice()
	if msgID == "" {
		return
	}
	if err := r.platform.DeleteMessage(ctx, chanID, msgID); err != nil {
		log.Printf("bridge: relay: delete queue notice: %v", err)
	}
}

// HandleGuildEvent classifies and routes one inbound guild event.
func (r *Relay) HandleGuildEvent(ctx context.Context, evt GuildEvent) {
	switch {
	case evt.Kind == GuildCommand && evt.Command == "start-chat":
		r.handleStartChat(ctx, evt)
	case evt.Kind == GuildCommand && evt.Command == "end-chat":
		r.handleEndChat(ctx, evt)
	case evt.Kind == GuildMessage && evt.ThreadID != "":
		r.handleThreadReply(ctx, evt)
	default:
		// Channel chatter outside threads is not the bridge's business.
	}
}

// reply posts a response where the triggering event happened.
func (r *Relay) reply(ctx context.Context, evt GuildEvent, text string) {
	target := evt.ThreadID
	if target == "" {
		target = evt.ChannelID
	}
	if _, err := r.platform.SendMessage(ctx, target, text); err != nil {
		log.Printf("bridge: relay: reply: %v", err)
	}
}

// handleStartChat serves the start-chat command, issued in an account's
// channel. The remote status endpoint is consulted first: if a chat is
// already running the operator is pointed at its thread and nothing is
// emitted (blindly re-starting a stateful command risks double-starting).
func (r *Relay) handleStartChat(ctx context.Context, evt GuildEvent) {
	var link models.ChannelLink
	err := r.db.WithContext(ctx).Where("channel_id = ?", evt.ChannelID).First(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return // not a bridge channel
	}
	if err != nil {
		log.Printf("bridge: relay: start-chat: resolve channel: %v", err)
		return
	}

	s, ok := r.registry.Lookup(link.AccountID)
	if !ok {
		r.reply(ctx, evt, NotConnectedNotice())
		return
	}

	status, err := s.Rest.Status(ctx)
	if err != nil {
		r.reply(ctx, evt, fmt.Sprintf("⚠️ Could not check chat status: %v", err))
		return
	}
	if status.Chatting {
		res, err := r.threads.EnsureThread(ctx, s.OperatorID, status.ChatID, s.AccountID, s.DisplayName)
		if err != nil {
			log.Printf("bridge: relay: start-chat: ensure existing thread: %v", err)
			return
		}
		s.SetActiveChat(status.ChatID, res.Thread.ID)
		r.reply(ctx, evt, AlreadyChattingNotice(res.Thread.ThreadID))
		return
	}

	resp, err := s.Conn.Request(ctx, remote.CmdStartChat, nil, r.timeout)
	if err != nil {
		var te *remote.TimeoutError
		if errors.As(err, &te) {
			r.reply(ctx, evt, DeliveryTimeoutNotice())
		} else {
			r.reply(ctx, evt, fmt.Sprintf("⚠️ start-chat failed: %v", err))
		}
		return
	}
	if !resp.OK() {
		r.reply(ctx, evt, "⚠️ "+resp.Message)
		return
	}
	r.reply(ctx, evt, SearchingNotice())
}

// handleEndChat serves the end-chat command. It must be issued inside the
// chat's thread; the thread row resolves which chat to end. On ack the row
// is archived and the guild entity archived and locked.
func (r *Relay) handleEndChat(ctx context.Context, evt GuildEvent) {
	if evt.ThreadID == "" {
		r.reply(ctx, evt, "Use `!chat end` inside the conversation's thread.")
		return
	}

	row, err := r.threads.Lookup(ctx, evt.ThreadID)
	if err != nil {
		log.Printf("bridge: relay: end-chat: %v", err)
		return
	}
	if row == nil {
		return // not a bridge thread
	}

	s, ok := r.registry.Lookup(row.AccountID)
	if !ok {
		r.reply(ctx, evt, NotConnectedNotice())
		return
	}

	resp, err := s.Conn.Request(ctx, remote.CmdEndChat, remote.EndChat{ChatID: row.ChatID}, r.timeout)
	if err != nil {
		var te *remote.TimeoutError
		if errors.As(err, &te) {
			r.reply(ctx, evt, DeliveryTimeoutNotice())
		} else {
			r.reply(ctx, evt, fmt.Sprintf("⚠️ end-chat failed: %v", err))
		}
		return
	}
	if !resp.OK() {
		r.reply(ctx, evt, "⚠️ "+resp.Message)
		return
	}

	r.reply(ctx, evt, EndedNotice("ended by you"))
	if err := r.threads.Archive(ctx, row.ID); err != nil {
		log.Printf("bridge: relay: end-chat: archive row: %v", err)
	}
	if err := r.platform.ArchiveThread(ctx, row.ThreadID); err != nil {
		log.Printf("bridge: relay: end-chat: archive entity: %v", err)
	}
	if err := r.platform.LockThread(ctx, row.ThreadID); err != nil {
		log.Printf("bridge: relay: end-chat: lock entity: %v", err)
	}

	s.ClearActiveChat()
}

// handleThreadReply forwards an operator message typed in a chat thread to
// the remote network. When the message replies to a previously correlated
// guild message, the mapped remote message ID rides along as the reply
// target. The correlation for the new message is persisted only after the
// remote network acknowledges it.
func (r *Relay) handleThreadReply(ctx context.Context, evt GuildEvent) {
	row, err := r.threads.Lookup(ctx, evt.ThreadID)
	if err != nil {
		log.Printf("bridge: relay: thread reply: %v", err)
		return
	}
	if row == nil || row.Status != models.ThreadActive {
		return
	}

	s, ok := r.registry.Lookup(row.AccountID)
	if !ok {
		r.reply(ctx, evt, NotConnectedNotice())
		return
	}

	payload := remote.ForwardMessage{
		Content: evt.Text,
		Nonce:   newNonce(),
	}
	if evt.ReplyToID != "" {
		var corr models.MessageCorrelation
		err := r.db.WithContext(ctx).Where("guild_message_id = ?", evt.ReplyToID).First(&corr).Error
		if err == nil {
			payload.ReplyTo = corr.RemoteMessageID
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("bridge: relay: thread reply: correlation lookup: %v", err)
		}
	}

	resp, err := s.Conn.Request(ctx, remote.CmdForwardMessage, payload, r.timeout)
	if err != nil {
		var te *remote.TimeoutError
		if errors.As(err, &te) {
			r.reply(ctx, evt, DeliveryTimeoutNotice())
		} else {
			r.reply(ctx, evt, fmt.Sprintf("⚠️ forward failed: %v", err))
		}
		return
	}
	if !resp.OK() {
		r.reply(ctx, evt, "⚠️ "+resp.Message)
		return
	}

	var result remote.ForwardResult
	if len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, &result); err != nil {
			log.Printf("bridge: relay: thread reply: decode ack: %v", err)
		}
	}
	if result.MessageID != "" {
		corr := models.MessageCorrelation{
			GuildMessageID:  evt.MessageID,
			RemoteMessageID: result.MessageID,
			ChatID:          row.ChatID,
			AccountID:       row.AccountID,
		}
		if err := r.db.WithContext(ctx).Create(&corr).Error; err != nil {
			log.Printf("bridge: relay: thread reply: persist correlation: %v", err)
		}
	}
	r.threads.Touch(ctx, row.ID)
}

// newNonce returns a random idempotency key for forward-message commands.
func newNonce() string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("n%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}
