// Package remote implements the client side of the remote chat network: a
// websocket event connection with correlated request/response commands, and
// the small REST surface used for credential verification and chat status.
package remote

import "encoding/json"

// Events pushed by the remote network over the socket.
const (
	EventChatStarted   = "chat-started"
	EventMessage       = "message"
	EventChatEnded     = "chat-ended"
	EventQueuePosition = "queue-position"
)

// Commands the bridge emits. Each command produces a correlated
// "<command>_RESPONSE" event.
const (
	CmdStartChat      = "start-chat"
	CmdEndChat        = "end-chat"
	CmdForwardMessage = "forward-message"
)

// Frame is the wire envelope for every socket message in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Event is a remote-network event delivered to the connection consumer.
type Event struct {
	Name string
	Data json.RawMessage
}

// Response is the payload of a "<command>_RESPONSE" event.
type Response struct {
	Status  string          `json:"status"` // "success" or "error"
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// OK reports whether the remote network accepted the command.
func (r *Response) OK() bool { return r.Status == "success" }

// ChatStarted announces that the account was matched into a chat.
type ChatStarted struct {
	ChatID string `json:"chatId"`
}

// ChatMessage is a message from the remote counterpart.
type ChatMessage struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
	ReplyTo   string `json:"replyTo,omitempty"`
}

// ChatEnded announces that the current chat was closed.
type ChatEnded struct {
	ChatID string `json:"chatId"`
	Reason string `json:"reason,omitempty"`
}

// QueuePosition reports the account's place in the matchmaking queue.
// Order of zero or below means "matched" and is superseded by chat-started.
type QueuePosition struct {
	Order int `json:"order"`
}

// ForwardMessage is the payload of the forward-message command. Nonce is a
// client-generated idempotency key so a retry after an unconfirmed timeout
// cannot deliver the message twice.
type ForwardMessage struct {
	Content string `json:"content"`
	ReplyTo string `json:"replyTo,omitempty"`
	Nonce   string `json:"nonce"`
}

// EndChat is the payload of the end-chat command.
type EndChat struct {
	ChatID string `json:"chatId"`
}

// ForwardResult is the Data payload of a successful forward-message response.
type ForwardResult struct {
	MessageID string `json:"messageId"`
}
