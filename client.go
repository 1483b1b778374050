// Package relay is a Go client for the Relay chat platform.
//
// It keeps a local view of group chats and direct messages consistent with
// the remote message store while receiving live push events, and exposes the
// pieces individually: a REST client, a push transport, and a sync engine
// that ties them together.
//
// Example:
//
//	client := relay.NewClient(relay.WithBaseURL("https://chat.example.com"))
//	auth, _ := client.Auth.Login(ctx, "me@example.com", "secret")
//	client.SetToken(auth.Token)
//
//	engine := relay.NewOrchestrator(client, transport, nil)
//	engine.Restore(ctx, auth.Token, auth.User)
//	engine.Select(ctx, relay.ConversationRef{Kind: relay.ConversationGroup, ID: groupID})
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://chat.gadhittana.com"
	DefaultTimeout = 30 * time.Second

	userServicePath = "/api/v1/user"
	chatServicePath = "/api/v1/chat"
)

// ============================================================================
// Client
// ============================================================================

// Client is the Relay REST client. API areas are exposed as sub-clients,
// all sharing one HTTP client and bearer token.
type Client struct {
	userBaseURL string
	chatBaseURL string
	token       string
	httpClient  *http.Client

	Auth          *AuthClient
	Groups        *GroupsClient
	Contacts      *ContactsClient
	Invites       *InvitesClient
	Messages      *MessagesClient
	Unread        *UnreadClient
	Cursor        *CursorClient
	Notifications *NotificationsClient
}

type ClientOption func(*Client)

// WithBaseURL points both service roots at a single host.
func WithBaseURL(base string) ClientOption {
	return func(c *Client) {
		base = strings.TrimRight(base, "/")
		c.userBaseURL = base + userServicePath
		c.chatBaseURL = base + chatServicePath
	}
}

// WithUserServiceURL overrides the user-service root (auth, groups,
// contacts, notifications).
func WithUserServiceURL(u string) ClientOption {
	return func(c *Client) { c.userBaseURL = strings.TrimRight(u, "/") }
}

// WithChatServiceURL overrides the chat-service root (messages, unread
// counts, read cursor).
func WithChatServiceURL(u string) ClientOption {
	return func(c *Client) { c.chatBaseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a Relay REST client. The token is empty until login;
// call SetToken after a successful credential exchange or session restore.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		userBaseURL: DefaultBaseURL + userServicePath,
		chatBaseURL: DefaultBaseURL + chatServicePath,
		httpClient:  &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.Auth = &AuthClient{c: c}
	c.Groups = &GroupsClient{c: c}
	c.Contacts = &ContactsClient{c: c}
	c.Invites = &InvitesClient{c: c}
	c.Messages = &MessagesClient{c: c}
	c.Unread = &UnreadClient{c: c}
	c.Cursor = &CursorClient{c: c}
	c.Notifications = &NotificationsClient{c: c}
	return c
}

// SetToken sets or replaces the bearer token used for authenticated calls.
func (c *Client) SetToken(token string) { c.token = token }

// Token returns the current bearer token.
func (c *Client) Token() string { return c.token }

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, u string, body interface{}, query url.Values) ([]byte, error) {
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var parsed APIError
		if json.Unmarshal(data, &parsed) == nil && parsed.Message != "" {
			apiErr.Message = parsed.Message
		}
		return nil, apiErr
	}
	return data, nil
}

func decodeJSON[T any](endpoint string, data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, &MalformedResponseError{Endpoint: endpoint, Cause: err}
	}
	return &result, nil
}

func (c *Client) userGet(ctx context.Context, path string) ([]byte, error) {
	return c.doRequest(ctx, http.MethodGet, c.userBaseURL+path, nil, nil)
}

func (c *Client) userPost(ctx context.Context, path string, body interface{}) ([]byte, error) {
	return c.doRequest(ctx, http.MethodPost, c.userBaseURL+path, body, nil)
}

func (c *Client) chatGet(ctx context.Context, path string, query url.Values) ([]byte, error) {
	return c.doRequest(ctx, http.MethodGet, c.chatBaseURL+path, nil, query)
}

func (c *Client) chatPost(ctx context.Context, path string, body interface{}) ([]byte, error) {
	return c.doRequest(ctx, http.MethodPost, c.chatBaseURL+path, body, nil)
}

// ============================================================================
// Sub-clients
// ============================================================================

// AuthClient handles credential exchange.
type AuthClient struct{ c *Client }

func (a *AuthClient) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	data, err := a.c.userPost(ctx, "/login", Credentials{Email: email, Password: password})
	if err != nil {
		return nil, err
	}
	return decodeJSON[AuthResult]("/login", data)
}

func (a *AuthClient) Register(ctx context.Context, email, password string) (*AuthResult, error) {
	data, err := a.c.userPost(ctx, "/register", Credentials{Email: email, Password: password})
	if err != nil {
		return nil, err
	}
	return decodeJSON[AuthResult]("/register", data)
}

// GroupsClient handles group management.
type GroupsClient struct{ c *Client }

func (g *GroupsClient) List(ctx context.Context) ([]Group, error) {
	data, err := g.c.userGet(ctx, "/groups")
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[groupListResponse]("/groups", data)
	if err != nil {
		return nil, err
	}
	return resp.Groups, nil
}

func (g *GroupsClient) Create(ctx context.Context, name string) error {
	_, err := g.c.userPost(ctx, "/groups", map[string]string{"name": name})
	return err
}

// Invite invites a user to a group by email.
func (g *GroupsClient) Invite(ctx context.Context, groupID, userEmail string) error {
	_, err := g.c.userPost(ctx, "/groups/"+groupID+"/invite", map[string]string{"user_email": userEmail})
	return err
}

// ContactsClient handles the contact list and contact requests.
type ContactsClient struct{ c *Client }

// List returns accepted contacts followed by outgoing pending requests.
func (cc *ContactsClient) List(ctx context.Context) ([]Contact, error) {
	data, err := cc.c.userGet(ctx, "/contacts")
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[contactListResponse]("/contacts", data)
	if err != nil {
		return nil, err
	}
	contacts := make([]Contact, 0, len(resp.Friends)+len(resp.PendingInvites))
	for _, f := range resp.Friends {
		contacts = append(contacts, Contact{ID: f.Friend.ID, Email: f.Friend.Email, Status: ContactAccepted})
	}
	for _, p := range resp.PendingInvites {
		contacts = append(contacts, Contact{ID: p.ReceiverUser.ID, Email: p.ReceiverUser.Email, Status: ContactPending})
	}
	return contacts, nil
}

func (cc *ContactsClient) Add(ctx context.Context, email string) error {
	_, err := cc.c.userPost(ctx, "/contacts", map[string]string{"contact_email": email})
	return err
}

func (cc *ContactsClient) Accept(ctx context.Context, inviteID string) error {
	_, err := cc.c.userPost(ctx, "/contacts/accept", map[string]string{"invite_id": inviteID})
	return err
}

func (cc *ContactsClient) Reject(ctx context.Context, inviteID string) error {
	_, err := cc.c.userPost(ctx, "/contacts/reject", map[string]string{"invite_id": inviteID})
	return err
}

// InvitesClient handles group invitations addressed to the session user.
type InvitesClient struct{ c *Client }

func (ic *InvitesClient) Accept(ctx context.Context, inviteID string) error {
	_, err := ic.c.userPost(ctx, "/invites/accept", map[string]string{"invite_id": inviteID})
	return err
}

// MessagesClient handles message history and sending.
type MessagesClient struct{ c *Client }

// Group returns the message history of a group, oldest first.
func (m *MessagesClient) Group(ctx context.Context, groupID string) ([]Message, error) {
	data, err := m.c.chatGet(ctx, "/messages/"+groupID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[messageListResponse]("/messages/"+groupID, data)
	if err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// Direct returns the DM history with a peer, oldest first.
func (m *MessagesClient) Direct(ctx context.Context, peerID string) ([]Message, error) {
	q := url.Values{"receiver_id": {peerID}}
	data, err := m.c.chatGet(ctx, "/messages/dm", q)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[messageListResponse]("/messages/dm", data)
	if err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// Send posts a message and returns the server-confirmed entry.
func (m *MessagesClient) Send(ctx context.Context, req SendMessageRequest) (*Message, error) {
	if req.Kind == "" {
		req.Kind = "text"
	}
	data, err := m.c.chatPost(ctx, "/messages", req)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[sendMessageResponse]("/messages", data)
	if err != nil {
		return nil, err
	}
	return &resp.Message, nil
}

// UnreadClient reads server-side unread counters.
type UnreadClient struct{ c *Client }

func (u *UnreadClient) Group(ctx context.Context, groupID string) (int, error) {
	data, err := u.c.chatGet(ctx, "/unread-count/"+groupID, nil)
	if err != nil {
		return 0, err
	}
	resp, err := decodeJSON[unreadCountResponse]("/unread-count", data)
	if err != nil {
		return 0, err
	}
	return resp.UnreadCount, nil
}

func (u *UnreadClient) Direct(ctx context.Context, contactID string) (int, error) {
	data, err := u.c.chatGet(ctx, "/dm-unread-count/"+contactID, nil)
	if err != nil {
		return 0, err
	}
	resp, err := decodeJSON[unreadCountResponse]("/dm-unread-count", data)
	if err != nil {
		return 0, err
	}
	return resp.UnreadCount, nil
}

// CursorClient writes the server-side last-read pointer.
type CursorClient struct{ c *Client }

// Advance moves the read cursor for the conversation in req. The server
// keeps the monotonic maximum, so callers need no ordering guarantee beyond
// issuing advances in event order.
func (cu *CursorClient) Advance(ctx context.Context, req CursorAdvanceRequest) error {
	_, err := cu.c.chatPost(ctx, "/read-cursor", req)
	return err
}

// NotificationsClient reads the pending-request snapshot.
type NotificationsClient struct{ c *Client }

func (n *NotificationsClient) Pending(ctx context.Context) (*PendingRequests, error) {
	data, err := n.c.userGet(ctx, "/notifications")
	if err != nil {
		return nil, err
	}
	return decodeJSON[PendingRequests]("/notifications", data)
}
