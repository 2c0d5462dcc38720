package bridge

import (
	"log"
	"sync"
)

// Session is the runtime binding of one live remote-network connection to
// one linked account. At most one Session exists per remote account; a new
// authentication for the same account evicts the previous entry.
//
// The mutable chat state is written from two goroutines — the session's
// remote event pump and the daemon's guild-event loop — so it lives behind
// the session mutex and is only reached through the accessors below.
type Session struct {
	Conn RemoteConn
	Rest RemoteAPI

	OperatorID  string
	AccountID   string
	Credential  string
	DisplayName string

	mu                sync.Mutex
	activeChatID      string
	threadRowID       uint   // current ChatThread row, 0 when none
	queueNoticeID     string // ephemeral queue-position message, "" when none
	queueNoticeChanID string
}

// SetActiveChat points the session at a running chat and its thread row.
func (s *Session) SetActiveChat(chatID string, rowID uint) {
	s.mu.Lock()
	s.activeChatID = chatID
	s.threadRowID = rowID
	s.mu.Unlock()
}

// ClearActiveChat marks the session as not chatting.
func (s *Session) ClearActiveChat() {
	s.mu.Lock()
	s.activeChatID = ""
	s.threadRowID = 0
	s.mu.Unlock()
}

// ActiveChat returns the current chat ID and thread row; both are zero when
// the session is idle.
func (s *Session) ActiveChat() (string, uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeChatID, s.threadRowID
}

func (s *Session) setQueueNotice(channelID, messageID string) {
	s.mu.Lock()
	s.queueNoticeChanID = channelID
	s.queueNoticeID = messageID
	s.mu.Unlock()
}

// takeQueueNotice returns the pending queue-notice handle and clears it, so
// exactly one caller deletes the message.
func (s *Session) takeQueueNotice() (channelID, messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	channelID, messageID = s.queueNoticeChanID, s.queueNoticeID
	s.queueNoticeChanID, s.queueNoticeID = "", ""
	return channelID, messageID
}

func (s *Session) queueNotice() (channelID, messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queueNoticeChanID, s.queueNoticeID
}

// Registry tracks the single live session per remote account. It is the
// only piece of runtime state shared across sessions; it is owned by the
// daemon and passed by reference to every component that needs it.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session // key: remote account ID
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register installs the session for its account, evicting any previous
// entry. The evicted session's connection may still be physically open but
// is no longer addressable through the registry.
func (r *Registry) Register(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sessions[s.AccountID]; ok && old != s {
		log.Printf("bridge: registry: evicting previous session for account %s", s.AccountID)
	}
	r.sessions[s.AccountID] = s
}

// Lookup returns the live session for an account, if any.
func (r *Registry) Lookup(accountID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[accountID]
	return s, ok
}

// RemoveByConn removes the entry whose connection matches and returns it.
// The registry is keyed by account ID, not connection, because eviction on
// re-auth must work while the old connection is still open — so removal by
// connection is a linear scan.
func (r *Registry) RemoveByConn(conn RemoteConn) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.sessions {
		if s.Conn == conn {
			delete(r.sessions, id)
			return s, true
		}
	}
	return nil, false
}

// SessionInfo is a read-only snapshot of one session for observability.
type SessionInfo struct {
	OperatorID   string `json:"operatorId"`
	AccountID    string `json:"accountId"`
	DisplayName  string `json:"displayName"`
	ActiveChatID string `json:"activeChatId,omitempty"`
}

// Snapshot returns a copy of the registry contents.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		chatID, _ := s.ActiveChat()
		out = append(out, SessionInfo{
			OperatorID:   s.OperatorID,
			AccountID:    s.AccountID,
			DisplayName:  s.DisplayName,
			ActiveChatID: chatID,
		})
	}
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
