package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// DefaultRequestTimeout is the acknowledgement budget for every command
// crossing the bridge.
const DefaultRequestTimeout = 10 * time.Second

// responseSuffix turns a command name into its correlated response event.
const responseSuffix = "_RESPONSE"

// TimeoutError reports that a command's correlated response did not arrive
// within the budget. The command may still have been applied remotely.
type TimeoutError struct {
	Event  string
	Budget time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("remote: no %s within %s (client may be disconnected)", e.Event, e.Budget)
}

// Request emits a command and waits for its "<command>_RESPONSE" event.
//
// The one-shot response listener is registered before the command frame is
// written, and both happen inside this method, so a caller can never reorder
// them and miss a fast reply. Exactly one of the return values is set: the
// decoded response, or an error (a *TimeoutError when the budget elapses).
// The listener is removed on every exit path.
func (c *Conn) Request(ctx context.Context, command string, payload any, timeout time.Duration) (*Response, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	respEvent := command + responseSuffix

	w, cancel := c.addWaiter(respEvent)
	if err := c.Emit(command, payload); err != nil {
		cancel()
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case raw := <-w.ch:
		var resp Response
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &resp); err != nil {
				return nil, fmt.Errorf("remote: decode %s: %w", respEvent, err)
			}
		}
		return &resp, nil
	case <-timer.C:
		cancel()
		return nil, &TimeoutError{Event: respEvent, Budget: timeout}
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	case <-c.done:
		cancel()
		return nil, fmt.Errorf("remote: connection closed awaiting %s", respEvent)
	}
}
