package relay

import (
	"testing"
	"time"
)

func pushTestMessage(q *NotificationQueue, id, sender, body string) {
	q.PushMessage(Message{
		ID:        id,
		GroupID:   "g1",
		SenderID:  sender,
		Body:      body,
		Kind:      "text",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}, sender+"@example.com", "self")
}

func TestNotificationQueuePushMessage(t *testing.T) {
	t.Run("newest first", func(t *testing.T) {
		q := NewNotificationQueue(0)
		pushTestMessage(q, "m1", "u2", "first")
		pushTestMessage(q, "m2", "u2", "second")

		items := q.Items()
		if len(items) != 2 {
			t.Fatalf("expected 2 items, got %d", len(items))
		}
		if items[0].ID != "m2" {
			t.Fatalf("expected newest item first, got %s", items[0].ID)
		}
	})

	t.Run("ignores own messages", func(t *testing.T) {
		q := NewNotificationQueue(0)
		q.PushMessage(Message{ID: "m1", GroupID: "g1", SenderID: "self", Body: "mine"}, "me", "self")
		if len(q.Items()) != 0 {
			t.Fatal("expected own message to be ignored")
		}
	})

	t.Run("truncates long bodies", func(t *testing.T) {
		q := NewNotificationQueue(0)
		long := make([]byte, 200)
		for i := range long {
			long[i] = 'x'
		}
		pushTestMessage(q, "m1", "u2", string(long))
		text := q.Items()[0].Text
		want := "u2@example.com: " + string(long[:notificationPreviewLimit]) + "..."
		if text != want {
			t.Fatalf("unexpected text: %q", text)
		}
	})
}

func TestNotificationQueuePopup(t *testing.T) {
	t.Run("auto-clears after interval", func(t *testing.T) {
		q := NewNotificationQueue(20 * time.Millisecond)
		pushTestMessage(q, "m1", "u2", "hello")
		if !q.PopupVisible() {
			t.Fatal("expected popup raised")
		}

		deadline := time.Now().Add(2 * time.Second)
		for q.PopupVisible() {
			if time.Now().After(deadline) {
				t.Fatal("popup never cleared")
			}
			time.Sleep(5 * time.Millisecond)
		}
	})

	t.Run("newer notification extends the popup", func(t *testing.T) {
		q := NewNotificationQueue(50 * time.Millisecond)
		pushTestMessage(q, "m1", "u2", "one")
		time.Sleep(30 * time.Millisecond)
		pushTestMessage(q, "m2", "u2", "two")
		time.Sleep(30 * time.Millisecond)
		// The first timer would have fired by now; the second push must keep
		// the popup up.
		if !q.PopupVisible() {
			t.Fatal("expected popup still raised after second push")
		}
	})
}

func TestNotificationQueueRefreshPending(t *testing.T) {
	q := NewNotificationQueue(0)
	pushTestMessage(q, "m1", "u2", "keep me")
	q.RefreshPending(&PendingRequests{
		PendingContacts: []PendingContact{
			{ID: "pc1", SenderUser: User{ID: "u3", Email: "carol@example.com"}},
		},
		PendingInvites: []PendingInvite{
			{ID: "pi1", GroupID: "g2", GroupName: "Roadtrip", InvitedBy: User{Email: "dave@example.com"}},
		},
	})

	t.Run("keeps message notifications", func(t *testing.T) {
		var messages int
		for _, n := range q.Items() {
			if n.Kind == NotificationMessage {
				messages++
			}
		}
		if messages != 1 {
			t.Fatalf("expected 1 message notification kept, got %d", messages)
		}
	})

	t.Run("replaces request entries wholesale", func(t *testing.T) {
		q.RefreshPending(&PendingRequests{})
		for _, n := range q.Items() {
			if n.Kind != NotificationMessage {
				t.Fatalf("expected request entries cleared, found %s", n.Kind)
			}
		}
	})
}

func TestNotificationQueueBadge(t *testing.T) {
	q := NewNotificationQueue(0)
	pushTestMessage(q, "m1", "u2", "hello")
	if q.Badge() != 0 {
		t.Fatal("message notifications must not count toward the badge")
	}

	q.RefreshPending(&PendingRequests{
		PendingContacts: []PendingContact{{ID: "pc1", SenderUser: User{Email: "a@b"}}},
		PendingInvites:  []PendingInvite{{ID: "pi1", GroupName: "G", InvitedBy: User{Email: "c@d"}}},
	})
	if got := q.Badge(); got != 2 {
		t.Fatalf("expected badge 2, got %d", got)
	}
}

func TestNotificationQueueReset(t *testing.T) {
	q := NewNotificationQueue(time.Hour)
	pushTestMessage(q, "m1", "u2", "hello")
	q.Reset()
	if len(q.Items()) != 0 || q.PopupVisible() || q.Badge() != 0 {
		t.Fatal("expected reset to clear queue and popup")
	}
}
