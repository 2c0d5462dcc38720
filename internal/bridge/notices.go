package bridge

import "fmt"

// Notice text posted into channels and threads. Kept in one place so the
// relay, reconciler, and janitor stay consistent.

// WelcomeNotice is posted once when an account's channel is first created.
func WelcomeNotice(displayName string) string {
	return fmt.Sprintf("This channel mirrors chats for **%s**. Use `!chat start` to look for a partner; replies typed in a chat thread are forwarded back.", displayName)
}

// ConversationNotice picks the thread-opening notice for an EnsureResult.
func ConversationNotice(res EnsureResult) string {
	switch {
	case res.Created:
		return "🟢 New conversation started."
	case res.Recreated && res.Reopened:
		return fmt.Sprintf("🔁 Conversation reopened (visit %d). The previous thread was deleted, so this is a fresh one.", res.Thread.ReopenCount)
	case res.Recreated:
		return "🛠 The previous thread was deleted; conversation continues here."
	case res.Reopened:
		return fmt.Sprintf("🔁 Conversation reopened (visit %d).", res.Thread.ReopenCount)
	default:
		return "🟢 Conversation resumed."
	}
}

// EndedNotice is posted when a chat ends.
func EndedNotice(reason string) string {
	if reason == "" {
		return "⚪ Conversation ended."
	}
	return fmt.Sprintf("⚪ Conversation ended (%s).", reason)
}

// QueueNotice is the ephemeral matchmaking-position message. It is edited
// in place as the position changes rather than reposted.
func QueueNotice(order int) string {
	return fmt.Sprintf("⏳ Waiting for a partner — queue position %d", order)
}

// SearchingNotice acknowledges a start-chat command.
func SearchingNotice() string {
	return "🔍 Looking for a partner..."
}

// AlreadyChattingNotice points the operator at the existing thread.
func AlreadyChattingNotice(threadID string) string {
	return fmt.Sprintf("Already in a conversation — see <#%s>.", threadID)
}

// DeliveryTimeoutNotice is posted in-thread when a forwarded message's
// acknowledgement never arrived. Delivery is unconfirmed, not failed.
func DeliveryTimeoutNotice() string {
	return "⚠️ Could not confirm delivery — the chat client may be disconnected. The message may or may not have arrived."
}

// NotConnectedNotice is posted when a command needs a live session.
func NotConnectedNotice() string {
	return "⚠️ This account's chat client is not connected."
}

// IdleArchiveNotice is posted by the janitor before archiving.
func IdleArchiveNotice(days int) string {
	return fmt.Sprintf("💤 No activity for %d days — archiving this thread. It will reopen if the conversation resumes.", days)
}
