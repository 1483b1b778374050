package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test backend
// ============================================================================

// syncBackend is a minimal in-memory server covering the endpoints the
// orchestrator touches. Counters let tests assert how often fetches and
// cursor advances actually hit the wire.
type syncBackend struct {
	mu             sync.Mutex
	messageFetches int
	cursorAdvances []CursorAdvanceRequest
	sendFail       bool
	pending        PendingRequests
	unreadGroup    int
}

func (b *syncBackend) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc(userServicePath+"/login", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(AuthResult{
			Token: "tok",
			User:  User{ID: "u1", Email: "alice@example.com"},
		})
	})
	mux.HandleFunc(userServicePath+"/groups", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"groups": [{"id": "g1", "name": "General"}]}`))
	})
	mux.HandleFunc(userServicePath+"/contacts", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"friends": [{"friend": {"id": "u2", "email": "bob@example.com"}}], "pending_invites": []}`))
	})
	mux.HandleFunc(userServicePath+"/notifications", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		json.NewEncoder(w).Encode(b.pending)
	})
	mux.HandleFunc(chatServicePath+"/unread-count/g1", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		json.NewEncoder(w).Encode(unreadCountResponse{UnreadCount: b.unreadGroup})
	})
	mux.HandleFunc(chatServicePath+"/dm-unread-count/u2", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"unread_count": 0}`))
	})
	mux.HandleFunc(chatServicePath+"/messages/g1", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.messageFetches++
		b.mu.Unlock()
		w.Write([]byte(`{"messages": [
			{"id": "m1", "group_id": "g1", "sender_id": "u2", "message": "hi", "type": "text", "timestamp": "2026-01-01T00:00:00Z"},
			{"id": "m2", "group_id": "g1", "sender_id": "u2", "message": "anyone?", "type": "text", "timestamp": "2026-01-01T00:00:01Z"}
		]}`))
	})
	mux.HandleFunc(chatServicePath+"/read-cursor", func(w http.ResponseWriter, r *http.Request) {
		var req CursorAdvanceRequest
		json.NewDecoder(r.Body).Decode(&req)
		b.mu.Lock()
		b.cursorAdvances = append(b.cursorAdvances, req)
		b.mu.Unlock()
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc(chatServicePath+"/messages", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		fail := b.sendFail
		b.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"error": "storage unavailable"}`))
			return
		}
		var req SendMessageRequest
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(map[string]Message{
			"message": {ID: "srv-1", GroupID: req.GroupID, ReceiverID: req.ReceiverID, SenderID: "u1", Body: req.Body, Kind: "text"},
		})
	})

	return mux
}

func (b *syncBackend) fetchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.messageFetches
}

func (b *syncBackend) advances() []CursorAdvanceRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]CursorAdvanceRequest(nil), b.cursorAdvances...)
}

type syncFixture struct {
	engine    *Orchestrator
	transport *fakeTransport
	backend   *syncBackend
	server    *httptest.Server
}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()
	backend := &syncBackend{unreadGroup: 2}
	srv := httptest.NewServer(backend.handler())
	t.Cleanup(srv.Close)

	transport := newFakeTransport()
	client := NewClient(WithBaseURL(srv.URL))
	engine := NewOrchestrator(client, transport, nil)
	return &syncFixture{engine: engine, transport: transport, backend: backend, server: srv}
}

func (f *syncFixture) login(t *testing.T) {
	t.Helper()
	if err := f.engine.Login(context.Background(), "alice@example.com", "secret"); err != nil {
		t.Fatalf("Login returned error: %v", err)
	}
}

func (f *syncFixture) deliver(t *testing.T, channelKey, event string, payload any) {
	t.Helper()
	ch := f.transport.channel(channelKey)
	if ch == nil {
		t.Fatalf("no channel %s subscribed", channelKey)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	ch.deliver(event, data)
}

func messageEvent(id, groupID, sender, body string) NewMessageEvent {
	return NewMessageEvent{
		Message: Message{ID: id, GroupID: groupID, SenderID: sender, Body: body, Kind: "text", Timestamp: "2026-01-01T00:00:02Z"},
		Sender:  User{ID: sender, Email: sender + "@example.com"},
	}
}

func dmEvent(id, sender, receiver, body string) NewMessageEvent {
	return NewMessageEvent{
		Message: Message{ID: id, SenderID: sender, ReceiverID: receiver, Body: body, Kind: "text", Timestamp: "2026-01-01T00:00:02Z"},
		Sender:  User{ID: sender, Email: sender + "@example.com"},
	}
}

// ============================================================================
// Login
// ============================================================================

func TestOrchestratorLogin(t *testing.T) {
	f := newSyncFixture(t)
	f.login(t)

	if got := f.engine.State(); got != SessionReady {
		t.Fatalf("expected ready state, got %s", got)
	}

	active := map[string]bool{}
	for _, k := range f.engine.registry.ActiveKeys() {
		active[k] = true
	}
	for _, want := range []string{"user:u1", "group:g1", DMChannelKey("u1", "u2")} {
		if !active[want] {
			t.Fatalf("expected subscription %s, have %v", want, active)
		}
	}

	t.Run("unread backfill seeds counters", func(t *testing.T) {
		if got := f.engine.Store().UnreadCount("g1"); got != 2 {
			t.Fatalf("expected unread 2 for g1, got %d", got)
		}
	})

	t.Run("identity seeded from contacts", func(t *testing.T) {
		if got := f.engine.Identity().Resolve("u2"); got != "bob@example.com" {
			t.Fatalf("expected label bob@example.com, got %s", got)
		}
	})

	t.Run("second login is rejected", func(t *testing.T) {
		if err := f.engine.Login(context.Background(), "alice@example.com", "secret"); err == nil {
			t.Fatal("expected error for double login")
		}
	})
}

func TestOrchestratorRestoreExpired(t *testing.T) {
	f := newSyncFixture(t)
	expired := signedToken(t, map[string]any{"exp": time.Now().Add(-time.Hour).Unix()})
	err := f.engine.Restore(context.Background(), expired, User{ID: "u1"})
	if err == nil {
		t.Fatal("expected expired session to be rejected")
	}
	if f.engine.State() != SessionAnonymous {
		t.Fatal("expected state to stay anonymous")
	}
}

// ============================================================================
// Selection
// ============================================================================

func TestOrchestratorSelect(t *testing.T) {
	f := newSyncFixture(t)
	f.login(t)
	ref := ConversationRef{Kind: ConversationGroup, ID: "g1"}

	if err := f.engine.Select(context.Background(), ref); err != nil {
		t.Fatalf("Select returned error: %v", err)
	}

	t.Run("history loaded", func(t *testing.T) {
		msgs := f.engine.Store().Messages()
		if len(msgs) != 2 || msgs[1].ID != "m2" {
			t.Fatalf("unexpected messages: %+v", msgs)
		}
	})

	t.Run("cursor advanced to last message", func(t *testing.T) {
		adv := f.backend.advances()
		if len(adv) != 1 || adv[0].GroupID != "g1" || adv[0].LastReadMessageID != "m2" {
			t.Fatalf("unexpected advances: %+v", adv)
		}
	})

	t.Run("unread zeroed on focus", func(t *testing.T) {
		if got := f.engine.Store().UnreadCount("g1"); got != 0 {
			t.Fatalf("expected unread 0, got %d", got)
		}
	})

	t.Run("reselect is a no-op", func(t *testing.T) {
		before := f.backend.fetchCount()
		if err := f.engine.Select(context.Background(), ref); err != nil {
			t.Fatalf("Select returned error: %v", err)
		}
		if f.backend.fetchCount() != before {
			t.Fatal("expected no refetch on reselect")
		}
		if len(f.backend.advances()) != 1 {
			t.Fatal("expected no extra cursor advance on reselect")
		}
	})

	t.Run("rejected while anonymous", func(t *testing.T) {
		g := newSyncFixture(t)
		if err := g.engine.Select(context.Background(), ref); err == nil {
			t.Fatal("expected error before login")
		}
	})
}

// ============================================================================
// Live events
// ============================================================================

func TestOrchestratorLiveEvents(t *testing.T) {
	f := newSyncFixture(t)
	f.login(t)
	ref := ConversationRef{Kind: ConversationGroup, ID: "g1"}
	if err := f.engine.Select(context.Background(), ref); err != nil {
		t.Fatalf("Select returned error: %v", err)
	}
	baseAdvances := len(f.backend.advances())

	t.Run("duplicate delivery applies once", func(t *testing.T) {
		ev := messageEvent("m3", "g1", "u2", "new stuff")
		f.deliver(t, "group:g1", EventNewMessage, ev)
		f.deliver(t, "group:g1", EventNewMessage, ev)

		var count int
		for _, m := range f.engine.Store().Messages() {
			if m.ID == "m3" {
				count++
			}
		}
		if count != 1 {
			t.Fatalf("expected m3 exactly once, got %d", count)
		}
		if got := len(f.backend.advances()) - baseAdvances; got != 1 {
			t.Fatalf("expected exactly one cursor advance for m3, got %d", got)
		}
	})

	t.Run("own messages are ignored", func(t *testing.T) {
		before := len(f.engine.Store().Messages())
		f.deliver(t, "group:g1", EventNewMessage, messageEvent("m4", "g1", "u1", "echo"))
		if len(f.engine.Store().Messages()) != before {
			t.Fatal("expected own message to be ignored")
		}
		if f.engine.Store().UnreadCount("g1") != 0 {
			t.Fatal("own message must not bump unread")
		}
	})

	t.Run("non-focused conversation bumps unread only", func(t *testing.T) {
		before := len(f.engine.Store().Messages())
		f.deliver(t, DMChannelKey("u1", "u2"), EventNewMessage, dmEvent("m5", "u2", "u1", "psst"))

		if len(f.engine.Store().Messages()) != before {
			t.Fatal("background message must not touch the visible list")
		}
		if got := f.engine.Store().UnreadCount("u2"); got != 1 {
			t.Fatalf("expected unread 1 for u2, got %d", got)
		}
	})

	t.Run("message notification queued with sender label", func(t *testing.T) {
		items := f.engine.Notifications().Items()
		if len(items) == 0 {
			t.Fatal("expected notifications queued")
		}
		if items[0].Kind != NotificationMessage {
			t.Fatalf("expected message notification, got %s", items[0].Kind)
		}
		if f.engine.Notifications().Badge() != 0 {
			t.Fatal("message notifications must not count toward the badge")
		}
	})

	t.Run("malformed payload is dropped", func(t *testing.T) {
		before := len(f.engine.Store().Messages())
		ch := f.transport.channel("group:g1")
		ch.deliver(EventNewMessage, json.RawMessage(`{"message": "not an object"}`))
		if len(f.engine.Store().Messages()) != before {
			t.Fatal("malformed event must not touch state")
		}
	})
}

func TestOrchestratorNotificationEvent(t *testing.T) {
	f := newSyncFixture(t)
	f.login(t)

	f.backend.mu.Lock()
	f.backend.pending = PendingRequests{
		PendingContacts: []PendingContact{{ID: "pc1", SenderUser: User{ID: "u9", Email: "eve@example.com"}}},
	}
	f.backend.mu.Unlock()

	f.deliver(t, "user:u1", EventNotification, map[string]string{"kind": "contact_request"})

	// The pending refresh runs asynchronously.
	deadline := time.Now().Add(2 * time.Second)
	for f.engine.Notifications().Badge() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("badge never reached 1, items: %+v", f.engine.Notifications().Items())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ============================================================================
// Sending
// ============================================================================

func TestOrchestratorSend(t *testing.T) {
	t.Run("optimistic entry replaced by confirmation", func(t *testing.T) {
		f := newSyncFixture(t)
		f.login(t)
		ref := ConversationRef{Kind: ConversationGroup, ID: "g1"}
		if err := f.engine.Select(context.Background(), ref); err != nil {
			t.Fatalf("Select returned error: %v", err)
		}

		msg, err := f.engine.Send(context.Background(), "hello all")
		if err != nil {
			t.Fatalf("Send returned error: %v", err)
		}
		if msg.ID != "srv-1" {
			t.Fatalf("expected server id, got %s", msg.ID)
		}

		msgs := f.engine.Store().Messages()
		last := msgs[len(msgs)-1]
		if last.ID != "srv-1" || last.Optimistic() {
			t.Fatalf("expected confirmed entry, got %+v", last)
		}
	})

	t.Run("failed send rolls back", func(t *testing.T) {
		f := newSyncFixture(t)
		f.login(t)
		ref := ConversationRef{Kind: ConversationGroup, ID: "g1"}
		if err := f.engine.Select(context.Background(), ref); err != nil {
			t.Fatalf("Select returned error: %v", err)
		}
		before := len(f.engine.Store().Messages())

		f.backend.mu.Lock()
		f.backend.sendFail = true
		f.backend.mu.Unlock()

		if _, err := f.engine.Send(context.Background(), "doomed"); err == nil {
			t.Fatal("expected send failure")
		}
		if got := len(f.engine.Store().Messages()); got != before {
			t.Fatalf("expected rollback to %d messages, got %d", before, got)
		}
	})

	t.Run("rejected without a focused conversation", func(t *testing.T) {
		f := newSyncFixture(t)
		f.login(t)
		if _, err := f.engine.Send(context.Background(), "to nowhere"); err == nil {
			t.Fatal("expected error with no focus")
		}
	})
}

// ============================================================================
// Logout
// ============================================================================

func TestOrchestratorLogout(t *testing.T) {
	f := newSyncFixture(t)
	f.login(t)
	ref := ConversationRef{Kind: ConversationGroup, ID: "g1"}
	if err := f.engine.Select(context.Background(), ref); err != nil {
		t.Fatalf("Select returned error: %v", err)
	}

	f.engine.Logout()

	if f.engine.State() != SessionAnonymous {
		t.Fatal("expected anonymous state after logout")
	}
	if len(f.engine.registry.ActiveKeys()) != 0 {
		t.Fatal("expected all subscriptions torn down")
	}
	f.transport.mu.Lock()
	closed := f.transport.closed
	f.transport.mu.Unlock()
	if !closed {
		t.Fatal("expected transport closed")
	}
	if !f.engine.Store().Focused().IsZero() || len(f.engine.Store().Messages()) != 0 {
		t.Fatal("expected store cleared")
	}
	if f.engine.Notifications().Badge() != 0 {
		t.Fatal("expected notifications cleared")
	}

	t.Run("guards reset for the next session", func(t *testing.T) {
		// The unread backfill is once per session; after logout a fresh
		// login must backfill again.
		f.backend.mu.Lock()
		f.backend.unreadGroup = 7
		f.backend.mu.Unlock()

		f.login(t)
		if got := f.engine.Store().UnreadCount("g1"); got != 7 {
			t.Fatalf("expected fresh backfill after relogin, got %d", got)
		}
	})
}
