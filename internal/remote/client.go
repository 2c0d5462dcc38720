package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// inboundBuffer is the capacity of the event channel handed to the consumer.
const inboundBuffer = 100

// Conn is one authenticated socket connection to the remote network. A
// single goroutine owns the read loop; events not claimed by a pending
// Request waiter are delivered on Events() in arrival order.
type Conn struct {
	ws     *websocket.Conn
	events chan Event
	done   chan struct{}

	writeMu sync.Mutex // serializes websocket writes

	mu      sync.Mutex // guards waiters and closed
	waiters map[string][]*waiter
	closed  bool
}

// waiter is a one-shot listener for a single correlated response event.
type waiter struct {
	ch chan json.RawMessage
}

// Dial connects to the remote network socket, authenticating with the
// account's bearer credential, and starts the read loop.
func Dial(ctx context.Context, socketURL, credential string) (*Conn, error) {
	if credential == "" {
		return nil, fmt.Errorf("remote: credential is required")
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+credential)

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, socketURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, &AuthError{Reason: "invalid credential"}
		}
		return nil, fmt.Errorf("remote: dial %s: %w", socketURL, err)
	}

	c := &Conn{
		ws:      ws,
		events:  make(chan Event, inboundBuffer),
		done:    make(chan struct{}),
		waiters: make(map[string][]*waiter),
	}
	go c.readLoop()
	return c, nil
}

// newConn wraps an already-established websocket connection. Used by tests
// that stand up their own server side.
func newConn(ws *websocket.Conn) *Conn {
	c := &Conn{
		ws:      ws,
		events:  make(chan Event, inboundBuffer),
		done:    make(chan struct{}),
		waiters: make(map[string][]*waiter),
	}
	go c.readLoop()
	return c
}

// Events returns the channel of events not consumed by Request waiters.
// The channel is closed when the connection drops or Close is called.
func (c *Conn) Events() <-chan Event { return c.events }

// Done returns a channel that closes when the read loop exits.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Emit writes a single event frame to the socket.
func (c *Conn) Emit(event string, payload any) error {
	frame := Frame{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("remote: marshal %s payload: %w", event, err)
		}
		frame.Data = data
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteJSON(frame); err != nil {
		return fmt.Errorf("remote: emit %s: %w", event, err)
	}
	return nil
}

// Close tears down the connection. Safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.ws.Close()
}

// readLoop pumps frames off the socket until the connection drops. Each
// frame is first offered to the oldest waiter registered for its event;
// unclaimed frames go to the events channel.
func (c *Conn) readLoop() {
	defer func() {
		c.mu.Lock()
		c.closed = true
		// Unblock any pending waiters so Requests fail fast on disconnect.
		c.waiters = make(map[string][]*waiter)
		c.mu.Unlock()
		close(c.done)
		close(c.events)
	}()

	for {
		var frame Frame
		if err := c.ws.ReadJSON(&frame); err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				log.Printf("remote: read loop: %v", err)
			}
			return
		}
		if frame.Event == "" {
			continue
		}
		if c.deliverToWaiter(frame.Event, frame.Data) {
			continue
		}
		c.events <- Event{Name: frame.Event, Data: frame.Data}
	}
}

// deliverToWaiter hands the frame to the oldest pending waiter for the
// event, if any. Returns true when the frame was claimed.
func (c *Conn) deliverToWaiter(event string, data json.RawMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	queue := c.waiters[event]
	if len(queue) == 0 {
		return false
	}
	w := queue[0]
	if len(queue) == 1 {
		delete(c.waiters, event)
	} else {
		c.waiters[event] = queue[1:]
	}
	w.ch <- data
	return true
}

// addWaiter registers a one-shot waiter for event and returns it together
// with a cancel function that removes it if the response never arrives.
func (c *Conn) addWaiter(event string) (*waiter, func()) {
	w := &waiter{ch: make(chan json.RawMessage, 1)}

	c.mu.Lock()
	c.waiters[event] = append(c.waiters[event], w)
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		queue := c.waiters[event]
		for i, cand := range queue {
			if cand == w {
				c.waiters[event] = append(queue[:i], queue[i+1:]...)
				break
			}
		}
		if len(c.waiters[event]) == 0 {
			delete(c.waiters, event)
		}
	}
	return w, cancel
}
