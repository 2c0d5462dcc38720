package bridge

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mkarren/switchboard/internal/models"
	"github.com/mkarren/switchboard/internal/remote"
)

func TestRelay_ChatStartedOpensThread(t *testing.T) {
	tb := newTestBridge(t)
	ctx := context.Background()
	s, _, _ := tb.testSession(t, "acct-1")

	tb.relay.HandleRemoteEvent(ctx, s, remote.EventChatStarted, mustJSON(t, remote.ChatStarted{ChatID: "chat-aaa"}))

	if chatID, _ := s.ActiveChat(); chatID != "chat-aaa" {
		t.Errorf("active chat = %q, want chat-aaa", chatID)
	}
	row, err := tb.threads.Lookup(ctx, "thread-1")
	if err != nil || row == nil {
		t.Fatalf("thread row not created: %v", err)
	}
	msgs := tb.platform.SentTo(row.ThreadID)
	if len(msgs) != 1 || !strings.Contains(msgs[0].Content, "New conversation") {
		t.Errorf("opening notice = %v, want one new-conversation notice", msgs)
	}
}

func TestRelay_MessageMirroredIntoThread(t *testing.T) {
	tb := newTestBridge(t)
	ctx := context.Background()
	s, _, _ := tb.testSession(t, "acct-1")

	tb.relay.HandleRemoteEvent(ctx, s, remote.EventChatStarted, mustJSON(t, remote.ChatStarted{ChatID: "chat-aaa"}))
	tb.relay.HandleRemoteEvent(ctx, s, remote.EventMessage, mustJSON(t, remote.ChatMessage{ChatID: "chat-aaa", MessageID: "rm-1", Content: "annyeong"}))

	row, _ := tb.threads.Lookup(ctx, "thread-1")
	msgs := tb.platform.SentTo(row.ThreadID)
	if len(msgs) != 2 {
		t.Fatalf("thread messages = %d, want 2 (notice + mirror)", len(msgs))
	}
	if msgs[1].Content != "annyeong" {
		t.Errorf("mirrored content = %q, want annyeong", msgs[1].Content)
	}
}

func TestRelay_MessageWithoutChatIsDropped(t *testing.T) {
	tb := newTestBridge(t)
	ctx := context.Background()
	s, _, _ := tb.testSession(t, "acct-1")

	// No chat-started arrived. The message is a protocol violation and must
	// not create a thread or post anything.
	tb.relay.HandleRemoteEvent(ctx, s, remote.EventMessage, mustJSON(t, remote.ChatMessage{Content: "stray"}))

	if len(tb.platform.AllSent()) != 0 {
		t.Errorf("messages sent = %d, want 0", len(tb.platform.AllSent()))
	}
	var count int64
	tb.db.Model(&models.ChatThread{}).Count(&count)
	if count != 0 {
		t.Errorf("thread rows = %d, want 0", count)
	}
}

func TestRelay_MessageSelfHealsDeletedThread(t *testing.T) {
	tb := newTestBridge(t)
	ctx := context.Background()
	s, _, _ := tb.testSession(t, "acct-1")

	tb.relay.HandleRemoteEvent(ctx, s, remote.EventChatStarted, mustJSON(t, remote.ChatStarted{ChatID: "chat-aaa"}))
	tb.platform.DeleteThreadEntity("thread-1")

	tb.relay.HandleRemoteEvent(ctx, s, remote.EventMessage, mustJSON(t, remote.ChatMessage{Content: "still here?"}))

	var row models.ChatThread
	if err := tb.db.Where("chat_id = ?", "chat-aaa").First(&row).Error; err != nil {
		t.Fatalf("load row: %v", err)
	}
	if row.ThreadID == "thread-1" {
		t.Error("thread ID not rewritten after entity deletion")
	}
	msgs := tb.platform.SentTo(row.ThreadID)
	if len(msgs) == 0 || msgs[len(msgs)-1].Content != "still here?" {
		t.Errorf("message not mirrored into replacement thread: %v", msgs)
	}
}

func TestRelay_ChatEndedArchives(t *testing.T) {
	tb := newTestBridge(t)
	ctx := context.Background()
	s, _, _ := tb.testSession(t, "acct-1")

	tb.relay.HandleRemoteEvent(ctx, s, remote.EventChatStarted, mustJSON(t, remote.ChatStarted{ChatID: "chat-aaa"}))
	tb.relay.HandleRemoteEvent(ctx, s, remote.EventChatEnded, mustJSON(t, remote.ChatEnded{ChatID: "chat-aaa", Reason: "partner left"}))

	if chatID, _ := s.ActiveChat(); chatID != "" {
		t.Errorf("active chat = %q, want cleared", chatID)
	}
	var row models.ChatThread
	if err := tb.db.Where("chat_id = ?", "chat-aaa").First(&row).Error; err != nil {
		t.Fatalf("load row: %v", err)
	}
	if row.Status != models.ThreadArchived {
		t.Errorf("Status = %q, want archived", row.Status)
	}
	if _, archived, _ := tb.platform.ThreadState(row.ThreadID); !archived {
		t.Error("thread entity not archived")
	}
	msgs := tb.platform.SentTo(row.ThreadID)
	last := msgs[len(msgs)-1]
	if !strings.Contains(last.Content, "partner left") {
		t.Errorf("ended notice = %q, want the reason", last.Content)
	}
}

func TestRelay_ChatEndedStaleChatDropped(t *testing.T) {
	tb := newTestBridge(t)
	ctx := context.Background()
	s, _, _ := tb.testSession(t, "acct-1")

	tb.relay.HandleRemoteEvent(ctx, s, remote.EventChatStarted, mustJSON(t, remote.ChatStarted{ChatID: "chat-bbb"}))
	// A duplicate chat-ended from an earlier conversation arrives late. It
	// must not tear down the one that is running.
	tb.relay.HandleRemoteEvent(ctx, s, remote.EventChatEnded, mustJSON(t, remote.ChatEnded{ChatID: "chat-old", Reason: "stale"}))

	if chatID, _ := s.ActiveChat(); chatID != "chat-bbb" {
		t.Errorf("active chat = %q, want chat-bbb", chatID)
	}
	var row models.ChatThread
	if err := tb.db.Where("chat_id = ?", "chat-bbb").First(&row).Error; err != nil {
		t.Fatalf("load row: %v", err)
	}
	if row.Status != models.ThreadActive {
		t.Errorf("Status = %q, want active", row.Status)
	}
	if _, archived, _ := tb.platform.ThreadState(row.ThreadID); archived {
		t.Error("thread entity archived by stale chat-ended")
	}
}

func TestRelay_QueuePositionCollapses(t *testing.T) {
	tb := newTestBridge(t)
	ctx := context.Background()
	s, _, _ := tb.testSession(t, "acct-1")

	// Three position updates: one notice, edited twice.
	for _, order := range []int{3, 2, 1} {
		tb.relay.HandleRemoteEvent(ctx, s, remote.EventQueuePosition, mustJSON(t, remote.QueuePosition{Order: order}))
	}

	_, noticeID := s.queueNotice()
	if noticeID == "" {
		t.Fatal("no queue notice recorded")
	}
	var notice *SentMessage
	for _, m := range tb.platform.AllSent() {
		if m.MessageID == noticeID {
			mm := m
			notice = &mm
		}
	}
	if notice == nil {
		t.Fatal("queue notice not found among sent messages")
	}
	if notice.Edits != 2 {
		t.Errorf("Edits = %d, want 2", notice.Edits)
	}
	if !strings.Contains(notice.Content, "position 1") {
		t.Errorf("notice = %q, want latest position 1", notice.Content)
	}

	// chat-started supersedes the notice.
	tb.relay.HandleRemoteEvent(ctx, s, remote.EventChatStarted, mustJSON(t, remote.ChatStarted{ChatID: "chat-aaa"}))
	if _, id := s.queueNotice(); id != "" {
		t.Error("queue notice handle not cleared on chat-started")
	}
	for _, m := range tb.platform.AllSent() {
		if m.MessageID == noticeID && !m.Deleted {
			t.Error("queue notice not deleted on chat-started")
		}
	}
}

func TestRelay_QueuePositionZeroIsNoop(t *testing.T) {
	tb := newTestBridge(t)
	ctx := context.Background()
	s, _, _ := tb.testSession(t, "acct-1")

	tb.relay.HandleRemoteEvent(ctx, s, remote.EventQueuePosition, mustJSON(t, remote.QueuePosition{Order: 0}))

	if _, id := s.queueNotice(); id != "" {
		t.Error("zero order produced a queue notice")
	}
	if len(tb.platform.AllSent()) != 0 {
		t.Errorf("messages sent = %d, want 0", len(tb.platform.AllSent()))
	}
}

func TestRelay_UnknownRemoteEventDropped(t *testing.T) {
	tb := newTestBridge(t)
	s, _, _ := tb.testSession(t, "acct-1")

	tb.relay.HandleRemoteEvent(context.Background(), s, "typing", nil)

	if len(tb.platform.AllSent()) != 0 {
		t.Error("unknown event produced output")
	}
}

// startChatEvent builds the start-chat command event in the account's
// provisioned channel.
func startChatEvent(t *testing.T, tb *testBridge, s *Session) GuildEvent {
	t.Helper()
	link, err := tb.relay.provisioner.EnsureChannel(context.Background(), s.OperatorID, s.AccountID, s.DisplayName)
	if err != nil {
		t.Fatalf("ensure channel: %v", err)
	}
	return GuildEvent{
		Kind:       GuildCommand,
		Command:    "start-chat",
		OperatorID: s.OperatorID,
		ChannelID:  link.ChannelID,
	}
}

func TestRelay_StartChat(t *testing.T) {
	tb := newTestBridge(t)
	ctx := context.Background()
	s, conn, _ := tb.testSession(t, "acct-1")
	evt := startChatEvent(t, tb, s)

	tb.relay.HandleGuildEvent(ctx, evt)

	sent := conn.sent()
	if len(sent) != 1 || sent[0].Command != remote.CmdStartChat {
		t.Fatalf("requests = %v, want one start-chat", sent)
	}
	msgs := tb.platform.SentTo(evt.ChannelID)
	last := msgs[len(msgs)-1]
	if !strings.Contains(last.Content, "Looking for a partner") {
		t.Errorf("reply = %q, want searching notice", last.Content)
	}
}

func TestRelay_StartChatAlreadyChatting(t *testing.T) {
	tb := newTestBridge(t)
	ctx := context.Background()
	s, conn, api := tb.testSession(t, "acct-1")
	api.status = remote.ChatStatus{Chatting: true, ChatID: "chat-live"}
	evt := startChatEvent(t, tb, s)

	tb.relay.HandleGuildEvent(ctx, evt)

	// The command must never reach the remote network.
	if len(conn.sent()) != 0 {
		t.Errorf("requests = %v, want none", conn.sent())
	}
	if chatID, _ := s.ActiveChat(); chatID != "chat-live" {
		t.Errorf("active chat = %q, want chat-live", chatID)
	}
	msgs := tb.platform.SentTo(evt.ChannelID)
	last := msgs[len(msgs)-1]
	if !strings.Contains(last.Content, "Already in a conversation") {
		t.Errorf("reply = %q, want already-chatting notice", last.Content)
	}
}

func TestRelay_StartChatNoSession(t *testing.T) {
	tb := newTestBridge(t)
	ctx := context.Background()
	s, _, _ := tb.testSession(t, "acct-1")
	evt := startChatEvent(t, tb, s)

	// The account's client disconnects before the command.
	tb.registry.RemoveByConn(s.Conn)
	tb.relay.HandleGuildEvent(ctx, evt)

	msgs := tb.platform.SentTo(evt.ChannelID)
	last := msgs[len(msgs)-1]
	if !strings.Contains(last.Content, "not connected") {
		t.Errorf("reply = %q, want not-connected notice", last.Content)
	}
}

func TestRelay_StartChatTimeout(t *testing.T) {
	tb := newTestBridge(t)
	ctx := context.Background()
	s, conn, _ := tb.testSession(t, "acct-1")
	conn.failWith(remote.CmdStartChat, &remote.TimeoutError{Event: "start-chat_RESPONSE", Budget: time.Second})
	evt := startChatEvent(t, tb, s)

	tb.relay.HandleGuildEvent(ctx, evt)

	msgs := tb.platform.SentTo(evt.ChannelID)
	last := msgs[len(msgs)-1]
	if !strings.Contains(last.Content, "Could not confirm delivery") {
		t.Errorf("reply = %q, want delivery-timeout notice", last.Content)
	}
}

func TestRelay_StartChatUnlinkedChannelIgnored(t *testing.T) {
	tb := newTestBridge(t)
	tb.relay.HandleGuildEvent(context.Background(), GuildEvent{
		Kind:      GuildCommand,
		Command:   "start-chat",
		ChannelID: "channel-random",
	})
	if len(tb.platform.AllSent()) != 0 {
		t.Error("command in unlinked channel produced output")
	}
}

func TestRelay_EndChat(t *testing.T) {
	tb := newTestBridge(t)
	ctx := context.Background()
	s, conn, _ := tb.testSession(t, "acct-1")

	tb.relay.HandleRemoteEvent(ctx, s, remote.EventChatStarted, mustJSON(t, remote.ChatStarted{ChatID: "chat-aaa"}))
	row, _ := tb.threads.Lookup(ctx, "thread-1")

	tb.relay.HandleGuildEvent(ctx, GuildEvent{
		Kind:       GuildCommand,
		Command:    "end-chat",
		OperatorID: s.OperatorID,
		ChannelID:  "channel-1",
		ThreadID:   row.ThreadID,
	})

	sent := conn.sent()
	if len(sent) != 1 || sent[0].Command != remote.CmdEndChat {
		t.Fatalf("requests = %v, want one end-chat", sent)
	}
	payload, ok := sent[0].Payload.(remote.EndChat)
	if !ok || payload.ChatID != "chat-aaa" {
		t.Errorf("payload = %v, want EndChat{chat-aaa}", sent[0].Payload)
	}

	var reloaded models.ChatThread
	tb.db.First(&reloaded, row.ID)
	if reloaded.Status != models.ThreadArchived {
		t.Errorf("Status = %q, want archived", reloaded.Status)
	}
	_, archived, locked := tb.platform.ThreadState(row.ThreadID)
	if !archived || !locked {
		t.Errorf("entity archived=%v locked=%v, want both", archived, locked)
	}
	if chatID, _ := s.ActiveChat(); chatID != "" {
		t.Errorf("active chat = %q, want cleared", chatID)
	}
}

func TestRelay_EndChatOutsideThread(t *testing.T) {
	tb := newTestBridge(t)
	ctx := context.Background()
	s, conn, _ := tb.testSession(t, "acct-1")
	evt := startChatEvent(t, tb, s)
	evt.Command = "end-chat"

	tb.relay.HandleGuildEvent(ctx, evt)

	if len(conn.sent()) != 0 {
		t.Error("end-chat outside a thread reached the remote network")
	}
	msgs := tb.platform.SentTo(evt.ChannelID)
	last := msgs[len(msgs)-1]
	if !strings.Contains(last.Content, "inside the conversation's thread") {
		t.Errorf("reply = %q, want usage hint", last.Content)
	}
}

func TestRelay_ThreadReplyForwarded(t *testing.T) {
	tb := newTestBridge(t)
	ctx := context.Background()
	s, conn, _ := tb.testSession(t, "acct-1")
	conn.respondWith(remote.CmdForwardMessage, &remote.Response{
		Status: "success",
		Data:   mustJSON(t, remote.ForwardResult{MessageID: "rm-42"}),
	})

	tb.relay.HandleRemoteEvent(ctx, s, remote.EventChatStarted, mustJSON(t, remote.ChatStarted{ChatID: "chat-aaa"}))
	row, _ := tb.threads.Lookup(ctx, "thread-1")

	tb.relay.HandleGuildEvent(ctx, GuildEvent{
		Kind:       GuildMessage,
		OperatorID: s.OperatorID,
		ChannelID:  "channel-1",
		ThreadID:   row.ThreadID,
		MessageID:  "gm-1",
		Text:       "hello there",
	})

	sent := conn.sent()
	if len(sent) != 1 || sent[0].Command != remote.CmdForwardMessage {
		t.Fatalf("requests = %v, want one forward-message", sent)
	}
	payload, ok := sent[0].Payload.(remote.ForwardMessage)
	if !ok {
		t.Fatalf("payload type = %T, want ForwardMessage", sent[0].Payload)
	}
	if payload.Content != "hello there" {
		t.Errorf("Content = %q, want hello there", payload.Content)
	}
	if payload.Nonce == "" {
		t.Error("forward payload missing idempotency nonce")
	}

	// Correlation is persisted only after the ack.
	var corr models.MessageCorrelation
	if err := tb.db.Where("guild_message_id = ?", "gm-1").First(&corr).Error; err != nil {
		t.Fatalf("correlation not persisted: %v", err)
	}
	if corr.RemoteMessageID != "rm-42" {
		t.Errorf("RemoteMessageID = %q, want rm-42", corr.RemoteMessageID)
	}
}

func TestRelay_ThreadReplyResolvesReplyTarget(t *testing.T) {
	tb := newTestBridge(t)
	ctx := context.Background()
	s, conn, _ := tb.testSession(t, "acct-1")

	tb.relay.HandleRemoteEvent(ctx, s, remote.EventChatStarted, mustJSON(t, remote.ChatStarted{ChatID: "chat-aaa"}))
	row, _ := tb.threads.Lookup(ctx, "thread-1")

	// A previous forward was correlated.
	tb.db.Create(&models.MessageCorrelation{
		GuildMessageID:  "gm-old",
		RemoteMessageID: "rm-old",
		ChatID:          "chat-aaa",
		AccountID:       "acct-1",
	})

	tb.relay.HandleGuildEvent(ctx, GuildEvent{
		Kind:      GuildMessage,
		ThreadID:  row.ThreadID,
		MessageID: "gm-2",
		Text:      "replying",
		ReplyToID: "gm-old",
	})

	sent := conn.sent()
	if len(sent) != 1 {
		t.Fatalf("requests = %d, want 1", len(sent))
	}
	payload := sent[0].Payload.(remote.ForwardMessage)
	if payload.ReplyTo != "rm-old" {
		t.Errorf("ReplyTo = %q, want rm-old", payload.ReplyTo)
	}
}

func TestRelay_ThreadReplyTimeout(t *testing.T) {
	tb := newTestBridge(t)
	ctx := context.Background()
	s, conn, _ := tb.testSession(t, "acct-1")
	conn.failWith(remote.CmdForwardMessage, &remote.TimeoutError{Event: "forward-message_RESPONSE", Budget: time.Second})

	tb.relay.HandleRemoteEvent(ctx, s, remote.EventChatStarted, mustJSON(t, remote.ChatStarted{ChatID: "chat-aaa"}))
	row, _ := tb.threads.Lookup(ctx, "thread-1")

	tb.relay.HandleGuildEvent(ctx, GuildEvent{
		Kind:      GuildMessage,
		ThreadID:  row.ThreadID,
		MessageID: "gm-1",
		Text:      "lost?",
	})

	msgs := tb.platform.SentTo(row.ThreadID)
	last := msgs[len(msgs)-1]
	if !strings.Contains(last.Content, "Could not confirm delivery") {
		t.Errorf("reply = %q, want delivery-timeout notice", last.Content)
	}

	// Unconfirmed delivery must not record a correlation.
	var count int64
	tb.db.Model(&models.MessageCorrelation{}).Count(&count)
	if count != 0 {
		t.Errorf("correlations = %d, want 0", count)
	}
}

func TestRelay_ReplyInArchivedThreadIgnored(t *testing.T) {
	tb := newTestBridge(t)
	ctx := context.Background()
	s, conn, _ := tb.testSession(t, "acct-1")

	tb.relay.HandleRemoteEvent(ctx, s, remote.EventChatStarted, mustJSON(t, remote.ChatStarted{ChatID: "chat-aaa"}))
	row, _ := tb.threads.Lookup(ctx, "thread-1")
	tb.relay.HandleRemoteEvent(ctx, s, remote.EventChatEnded, mustJSON(t, remote.ChatEnded{ChatID: "chat-aaa"}))

	tb.relay.HandleGuildEvent(ctx, GuildEvent{
		Kind:      GuildMessage,
		ThreadID:  row.ThreadID,
		MessageID: "gm-late",
		Text:      "too late",
	})

	if len(conn.sent()) != 0 {
		t.Error("reply in archived thread reached the remote network")
	}
}

// Chat state is mutated from both the remote event pump and the guild-event
// goroutine; run both against one session and let the race detector judge.
func TestRelay_ConcurrentRemoteAndGuildEvents(t *testing.T) {
	tb := newTestBridge(t)
	ctx := context.Background()
	s, _, api := tb.testSession(t, "acct-1")
	api.status = remote.ChatStatus{Chatting: true, ChatID: "chat-live"}
	evt := startChatEvent(t, tb, s)

	started := mustJSON(t, remote.ChatStarted{ChatID: "chat-live"})
	ended := mustJSON(t, remote.ChatEnded{ChatID: "chat-live"})

	// Seed the row so the goroutines resolve it instead of racing the
	// first insert.
	tb.relay.HandleRemoteEvent(ctx, s, remote.EventChatStarted, started)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			tb.relay.HandleRemoteEvent(ctx, s, remote.EventChatStarted, started)
			tb.relay.HandleRemoteEvent(ctx, s, remote.EventChatEnded, ended)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			tb.relay.HandleGuildEvent(ctx, evt)
		}
	}()
	wg.Wait()

	tb.relay.HandleRemoteEvent(ctx, s, remote.EventChatStarted, started)
	if chatID, _ := s.ActiveChat(); chatID != "chat-live" {
		t.Errorf("active chat = %q, want chat-live", chatID)
	}
	var count int64
	tb.db.Model(&models.ChatThread{}).Where("chat_id = ?", "chat-live").Count(&count)
	if count != 1 {
		t.Errorf("thread rows = %d, want 1", count)
	}
}

func TestRelay_ChannelChatterIgnored(t *testing.T) {
	tb := newTestBridge(t)
	tb.relay.HandleGuildEvent(context.Background(), GuildEvent{
		Kind:      GuildMessage,
		ChannelID: "channel-1",
		Text:      "just chatting",
	})
	if len(tb.platform.AllSent()) != 0 {
		t.Error("channel-level chatter produced output")
	}
}
