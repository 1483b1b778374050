package relay

import (
	"sync"
	"time"
)

// DefaultPopupInterval is how long the transient popup flag stays raised
// after a message notification arrives.
const DefaultPopupInterval = 3 * time.Second

const notificationPreviewLimit = 50

// NotificationQueue derives transient toast notifications and a persistent
// badge count from incoming push events and the server's pending-request
// snapshot. Items are ordered newest first and are never persisted.
type NotificationQueue struct {
	mu            sync.Mutex
	items         []Notification
	popupVisible  bool
	popupInterval time.Duration
	popupTimer    *time.Timer
	popupGen      int
}

// NewNotificationQueue creates a queue. A non-positive popupInterval uses
// DefaultPopupInterval.
func NewNotificationQueue(popupInterval time.Duration) *NotificationQueue {
	if popupInterval <= 0 {
		popupInterval = DefaultPopupInterval
	}
	return &NotificationQueue{popupInterval: popupInterval}
}

// PushMessage prepends a message notification and raises the popup flag,
// which auto-clears after the popup interval. Messages sent by the session
// user are ignored. focused suppresses nothing here: the caller decides
// separately whether to bump unread counters.
func (q *NotificationQueue) PushMessage(msg Message, senderLabel string, selfID string) {
	if msg.SenderID == selfID {
		return
	}
	ts, err := time.Parse(time.RFC3339, msg.Timestamp)
	if err != nil {
		ts = time.Now()
	}
	n := Notification{
		ID:           msg.ID,
		Kind:         NotificationMessage,
		Title:        "New Message",
		Text:         senderLabel + ": " + truncate(msg.Body, notificationPreviewLimit),
		Timestamp:    ts,
		Conversation: msg.Conversation(selfID),
	}

	q.mu.Lock()
	q.items = append([]Notification{n}, q.items...)
	q.popupVisible = true
	q.popupGen++
	gen := q.popupGen
	if q.popupTimer != nil {
		q.popupTimer.Stop()
	}
	q.popupTimer = time.AfterFunc(q.popupInterval, func() { q.clearPopup(gen) })
	q.mu.Unlock()
}

// clearPopup lowers the popup flag if no newer notification raised it again.
// Safe to fire after Reset.
func (q *NotificationQueue) clearPopup(gen int) {
	q.mu.Lock()
	if q.popupGen == gen {
		q.popupVisible = false
	}
	q.mu.Unlock()
}

// RefreshPending rebuilds the contact-request and group-invite notifications
// wholesale from a freshly fetched snapshot. Message notifications are kept;
// the snapshot is the source of truth for everything else, so stale request
// entries disappear without incremental bookkeeping.
func (q *NotificationQueue) RefreshPending(pending *PendingRequests) {
	if pending == nil {
		return
	}
	rebuilt := make([]Notification, 0, len(pending.PendingContacts)+len(pending.PendingInvites))
	for _, pc := range pending.PendingContacts {
		rebuilt = append(rebuilt, Notification{
			ID:        pc.ID,
			Kind:      NotificationContactRequest,
			Title:     "New Contact Request",
			Text:      pc.SenderUser.Email + " wants to connect with you",
			Timestamp: time.Now(),
		})
	}
	for _, pi := range pending.PendingInvites {
		ts, err := time.Parse(time.RFC3339, pi.CreatedAt)
		if err != nil {
			ts = time.Now()
		}
		rebuilt = append(rebuilt, Notification{
			ID:           pi.ID,
			Kind:         NotificationGroupInvite,
			Title:        "Group Invitation",
			Text:         pi.InvitedBy.Email + ` invited you to join "` + pi.GroupName + `"`,
			Timestamp:    ts,
			Conversation: ConversationRef{Kind: ConversationGroup, ID: pi.GroupID},
		})
	}

	q.mu.Lock()
	kept := q.items[:0:0]
	for _, n := range q.items {
		if n.Kind == NotificationMessage {
			kept = append(kept, n)
		}
	}
	q.items = append(kept, rebuilt...)
	q.mu.Unlock()
}

// Items returns a copy of the queue, newest first.
func (q *NotificationQueue) Items() []Notification {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Notification(nil), q.items...)
}

// Badge returns the persistent badge count: pending contact requests and
// group invitations. Message notifications contribute to per-conversation
// unread counters instead.
func (q *NotificationQueue) Badge() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	count := 0
	for _, n := range q.items {
		if n.Kind == NotificationContactRequest || n.Kind == NotificationGroupInvite {
			count++
		}
	}
	return count
}

// PopupVisible reports whether the transient popup flag is raised.
func (q *NotificationQueue) PopupVisible() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popupVisible
}

// Reset clears the queue and lowers the popup flag. A popup timer that fires
// later is ignored. Used on logout.
func (q *NotificationQueue) Reset() {
	q.mu.Lock()
	q.items = nil
	q.popupVisible = false
	q.popupGen++
	if q.popupTimer != nil {
		q.popupTimer.Stop()
		q.popupTimer = nil
	}
	q.mu.Unlock()
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
