package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
)

// AuthError reports a failed authentication against the remote network.
// Reason distinguishes a bad credential from a valid credential whose
// account was never registered; the two get different user-facing messages.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return "remote: auth: " + e.Reason }

// Profile describes the remote account behind a credential.
type Profile struct {
	AccountID   string `json:"accountId"`
	DisplayName string `json:"displayName"`
	Gender      string `json:"gender"`
	Job         string `json:"job"`
	Age         int    `json:"age"`
}

// ChatStatus is the remote network's view of the account's current chat.
type ChatStatus struct {
	Chatting bool   `json:"chatting"`
	ChatID   string `json:"chatId,omitempty"`
}

// Client is the REST face of the remote network, authenticated with one
// account's bearer credential.
type Client struct {
	base string
	http *http.Client
}

// NewClient builds a REST client for the given API base URL and credential.
func NewClient(apiURL, credential string) *Client {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: credential})
	return &Client{
		base: strings.TrimRight(apiURL, "/"),
		http: oauth2.NewClient(context.Background(), src),
	}
}

// Verify checks the credential and returns the account profile. Returns an
// *AuthError for a rejected credential or an unregistered account.
func (c *Client) Verify(ctx context.Context) (*Profile, error) {
	var profile Profile
	if err := c.get(ctx, "/me", &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

// Status returns the account's current chat status.
func (c *Client) Status(ctx context.Context) (*ChatStatus, error) {
	var status ChatStatus
	if err := c.get(ctx, "/chat/status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// RecentMessages fetches the most recent counterpart messages of a chat,
// oldest first, capped at limit.
func (c *Client) RecentMessages(ctx context.Context, chatID string, limit int) ([]ChatMessage, error) {
	path := fmt.Sprintf("/chat/%s/messages?limit=%d", chatID, limit)
	var msgs []ChatMessage
	if err := c.get(ctx, path, &msgs); err != nil {
		return nil, err
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// get performs an authenticated GET and decodes the JSON body into out.
func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("remote: build request %s: %w", path, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("remote: get %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return &AuthError{Reason: "invalid credential"}
	case http.StatusForbidden:
		return &AuthError{Reason: "account not registered"}
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("remote: get %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("remote: decode %s: %w", path, err)
	}
	return nil
}
