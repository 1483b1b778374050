package relay

import (
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

// APIError is an error reported by the server in a response body.
type APIError struct {
	Status  int    `json:"-"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("api error (%d): %s", e.Status, e.Message)
	}
	return "api error: " + e.Message
}

// MalformedResponseError is returned when a response body cannot be decoded
// into the expected shape. Payloads are rejected at the boundary instead of
// letting unknown shapes propagate inward.
type MalformedResponseError struct {
	Endpoint string
	Cause    error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed response from %s: %v", e.Endpoint, e.Cause)
}

func (e *MalformedResponseError) Unwrap() error { return e.Cause }

// ============================================================================
// Domain model
// ============================================================================

// User is the session identity.
type User struct {
	ID     string `json:"id"`
	Email  string `json:"email"`
	Status string `json:"status,omitempty"`
}

// Group is a multi-member conversation.
type Group struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	CreatedBy   string `json:"created_by,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
	MemberCount int    `json:"member_count,omitempty"`
	Creator     *User  `json:"creator,omitempty"`
}

// ContactStatus is the acceptance state of a contact relationship.
type ContactStatus string

const (
	ContactAccepted ContactStatus = "accepted"
	ContactPending  ContactStatus = "pending"
)

// Contact is a direct-message peer. Its ID is the other user's id.
type Contact struct {
	ID     string        `json:"id"`
	Email  string        `json:"email"`
	Status ContactStatus `json:"status"`
}

// OptimisticIDPrefix namespaces locally generated message ids so they can
// never collide with server-assigned ids.
const OptimisticIDPrefix = "temp-"

// Message is a single chat message. GroupID is empty for direct messages;
// ReceiverID is empty for group messages.
type Message struct {
	ID         string `json:"id"`
	GroupID    string `json:"group_id,omitempty"`
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id,omitempty"`
	Body       string `json:"message"`
	Kind       string `json:"type"`
	Timestamp  string `json:"timestamp"`
}

// Optimistic reports whether the message carries a locally generated id that
// has not been confirmed by the server yet.
func (m Message) Optimistic() bool {
	return strings.HasPrefix(m.ID, OptimisticIDPrefix)
}

// Conversation resolves the conversation this message belongs to, from the
// perspective of selfID. Group messages map to their group; direct messages
// map to the peer (the sender, unless we sent it ourselves).
func (m Message) Conversation(selfID string) ConversationRef {
	if m.GroupID != "" {
		return ConversationRef{Kind: ConversationGroup, ID: m.GroupID}
	}
	peer := m.SenderID
	if peer == selfID {
		peer = m.ReceiverID
	}
	return ConversationRef{Kind: ConversationDM, ID: peer}
}

// ConversationKind distinguishes group chats from direct messages.
type ConversationKind string

const (
	ConversationGroup ConversationKind = "group"
	ConversationDM    ConversationKind = "dm"
)

// ConversationRef identifies a conversation. For a group the ID is the
// server-assigned group id; for a DM it is the peer user's id.
type ConversationRef struct {
	Kind ConversationKind
	ID   string
}

// IsZero reports whether the ref points at no conversation.
func (r ConversationRef) IsZero() bool { return r.ID == "" }

func (r ConversationRef) String() string {
	if r.IsZero() {
		return "<none>"
	}
	return string(r.Kind) + ":" + r.ID
}

// ============================================================================
// Notifications
// ============================================================================

// NotificationKind classifies a queued notification.
type NotificationKind string

const (
	NotificationMessage        NotificationKind = "message"
	NotificationContactRequest NotificationKind = "contact_request"
	NotificationGroupInvite    NotificationKind = "group_invite"
)

// Notification is a transient display item: a toast for an incoming message
// or a pending contact request / group invitation. Not persisted.
type Notification struct {
	ID           string
	Kind         NotificationKind
	Title        string
	Text         string
	Timestamp    time.Time
	Conversation ConversationRef
}

// ============================================================================
// REST payloads
// ============================================================================

// Credentials is the login/register request body.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthResult is the login/register response.
type AuthResult struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

type groupListResponse struct {
	Groups []Group `json:"groups"`
}

type friendEntry struct {
	Friend User `json:"friend"`
}

type pendingContactEntry struct {
	ReceiverUser User `json:"receiver_user"`
}

type contactListResponse struct {
	Friends        []friendEntry         `json:"friends"`
	PendingInvites []pendingContactEntry `json:"pending_invites"`
}

type messageListResponse struct {
	Messages []Message `json:"messages"`
}

type sendMessageResponse struct {
	Message Message `json:"message"`
}

type unreadCountResponse struct {
	UnreadCount int `json:"unread_count"`
}

// PendingContact is a contact request awaiting the session user's decision.
type PendingContact struct {
	ID         string `json:"id"`
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`
	Status     string `json:"status"`
	SenderUser User   `json:"sender_user"`
}

// PendingInvite is a group invitation awaiting the session user's decision.
type PendingInvite struct {
	ID            string `json:"id"`
	GroupID       string `json:"group_id"`
	GroupName     string `json:"group_name"`
	InvitedUserID string `json:"invited_user_id"`
	Status        string `json:"status"`
	CreatedAt     string `json:"created_at"`
	InvitedBy     User   `json:"invited_by"`
}

// PendingRequests is the server snapshot of outstanding contact requests and
// group invitations.
type PendingRequests struct {
	PendingContacts []PendingContact `json:"pending_contacts"`
	PendingInvites  []PendingInvite  `json:"pending_invites"`
}

// SendMessageRequest is the POST /messages body. Exactly one of GroupID and
// ReceiverID is set.
type SendMessageRequest struct {
	Body       string `json:"message"`
	Kind       string `json:"type"`
	GroupID    string `json:"group_id,omitempty"`
	ReceiverID string `json:"receiver_id,omitempty"`
}

// CursorAdvanceRequest is the POST /read-cursor body. Exactly one of GroupID
// and ReceiverID is set.
type CursorAdvanceRequest struct {
	GroupID           string `json:"group_id,omitempty"`
	ReceiverID        string `json:"receiver_id,omitempty"`
	LastReadMessageID string `json:"last_read_message_id"`
}
