package relay

import "sync"

// ============================================================================
// Conversation Store
// ============================================================================

// Store is the authoritative in-memory state for the focused conversation's
// message list and per-conversation unread counters.
//
// The focused-conversation guard substitutes for ordering guarantees across
// independent asynchronous completions: a push event or fetch result is only
// applied to the visible list when it belongs to the conversation that is
// focused at application time.
type Store struct {
	mu       sync.Mutex
	focused  ConversationRef
	messages []Message
	unread   map[string]int
}

// NewStore creates an empty conversation store.
func NewStore() *Store {
	return &Store{unread: make(map[string]int)}
}

// Focus makes ref the focused conversation, clears the visible list, and
// zeroes the conversation's unread counter. The unread count of a focused
// conversation is 0 by invariant.
func (s *Store) Focus(ref ConversationRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.focused = ref
	s.messages = nil
	delete(s.unread, ref.ID)
}

// Blur clears the focus and the visible list.
func (s *Store) Blur() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.focused = ConversationRef{}
	s.messages = nil
}

// Focused returns the currently focused conversation (zero if none).
func (s *Store) Focused() ConversationRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.focused
}

// Messages returns a copy of the visible message list.
func (s *Store) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// ApplyFetched replaces the visible list wholesale with a fetch result for
// ref. The call is dropped if ref is no longer focused (a stale completion).
// Idempotent for identical input.
func (s *Store) ApplyFetched(ref ConversationRef, msgs []Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.focused != ref {
		return false
	}
	s.messages = append([]Message(nil), msgs...)
	return true
}

// ApplyIncoming inserts a live message at most once. It returns true only if
// the message belongs to the focused conversation and its id is not already
// present, including optimistic entries awaiting server confirmation.
func (s *Store) ApplyIncoming(selfID string, msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.focused.IsZero() || msg.Conversation(selfID) != s.focused {
		return false
	}
	for _, m := range s.messages {
		if m.ID == msg.ID {
			return false
		}
	}
	s.messages = append(s.messages, msg)
	return true
}

// ApplyOptimisticSend appends a locally created message before server
// confirmation. The message must carry an optimistic id.
func (s *Store) ApplyOptimisticSend(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
}

// ReconcileSend resolves an optimistic entry: a non-nil serverMsg replaces
// the temporary entry in place, nil removes it (send failure). Returns false
// if the temporary id is no longer present.
func (s *Store) ReconcileSend(tempID string, serverMsg *Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.messages {
		if m.ID != tempID {
			continue
		}
		if serverMsg != nil {
			s.messages[i] = *serverMsg
		} else {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
		}
		return true
	}
	return false
}

// ============================================================================
// Unread counters
// ============================================================================

// UnreadCount returns the unread counter for a conversation.
func (s *Store) UnreadCount(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread[conversationID]
}

// UnreadCounts returns a copy of all non-zero unread counters.
func (s *Store) UnreadCounts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.unread))
	for k, v := range s.unread {
		out[k] = v
	}
	return out
}

// IncrementUnread bumps a conversation's unread counter. It is a no-op for
// the focused conversation, whose counter stays at 0.
func (s *Store) IncrementUnread(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conversationID == s.focused.ID {
		return
	}
	s.unread[conversationID]++
}

// SetUnread overwrites a conversation's unread counter with a server-side
// authoritative count (backfill). The focused conversation stays at 0.
func (s *Store) SetUnread(conversationID string, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conversationID == s.focused.ID || count <= 0 {
		delete(s.unread, conversationID)
		return
	}
	s.unread[conversationID] = count
}

// Reset clears all state. Used on logout.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.focused = ConversationRef{}
	s.messages = nil
	s.unread = make(map[string]int)
}
