package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ============================================================================
// Session states
// ============================================================================

// SessionState is the orchestrator's lifecycle state.
type SessionState string

const (
	SessionAnonymous SessionState = "anonymous"
	SessionLoading   SessionState = "loading"
	SessionReady     SessionState = "ready"
)

// Handler-set tags used by the registry. A conversation channel is rebound
// when its tag flips between coarse and focused.
const (
	tagCoarse = "coarse"
	tagUser   = "user"
)

// ============================================================================
// Orchestrator
// ============================================================================

// OrchestratorConfig configures the sync orchestrator.
type OrchestratorConfig struct {
	Logger        *zerolog.Logger
	PopupInterval time.Duration
}

// Orchestrator is the coordinating state machine of the sync engine. It
// reacts to login, conversation selection, list changes, and push events,
// and keeps the conversation store, unread counters, read cursor, and
// notification queue consistent with the remote message store.
//
// Asynchronous completions are serialized against explicit guards rather
// than cancellation: a stale fetch result for a conversation that lost focus
// is discarded, a second fetch for rapid reselection is suppressed, and the
// unread backfill runs exactly once per session. All guards reset on logout.
type Orchestrator struct {
	client    *Client
	transport Transport
	registry  *Registry
	store     *Store
	cursor    *CursorSync
	notify    *NotificationQueue
	identity  *IdentityResolver
	log       zerolog.Logger

	// OnFocusedMessage, when set before login, is invoked after a live push
	// message is accepted into the visible list.
	OnFocusedMessage func(Message)

	// OnCoarseMessage, when set before login, is invoked for every live
	// message from another user, focused or not, with the sender's resolved
	// display label.
	OnCoarseMessage func(msg Message, senderLabel string)

	mu            sync.Mutex
	state         SessionState
	self          User
	groups        []Group
	contacts      []Contact
	backfilled    bool
	fetchInFlight bool
}

// NewOrchestrator wires a sync engine from a REST client and a push
// transport. A nil config uses defaults (no logging, 3s popup interval).
func NewOrchestrator(client *Client, transport Transport, cfg *OrchestratorConfig) *Orchestrator {
	var logger *zerolog.Logger
	var popup time.Duration
	if cfg != nil {
		logger = cfg.Logger
		popup = cfg.PopupInterval
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Orchestrator{
		client:    client,
		transport: transport,
		registry:  NewRegistry(transport, logger),
		store:     NewStore(),
		cursor:    NewCursorSync(client.Cursor, logger),
		notify:    NewNotificationQueue(popup),
		identity:  NewIdentityResolver(),
		log:       *logger,
		state:     SessionAnonymous,
	}
}

// State returns the current session state.
func (o *Orchestrator) State() SessionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Self returns the session user (zero before login).
func (o *Orchestrator) Self() User {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.self
}

// Groups returns the known groups.
func (o *Orchestrator) Groups() []Group {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Group(nil), o.groups...)
}

// Contacts returns the known contacts (accepted and outgoing pending).
func (o *Orchestrator) Contacts() []Contact {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Contact(nil), o.contacts...)
}

// Store exposes the conversation store.
func (o *Orchestrator) Store() *Store { return o.store }

// Notifications exposes the notification queue.
func (o *Orchestrator) Notifications() *NotificationQueue { return o.notify }

// Identity exposes the identity resolver.
func (o *Orchestrator) Identity() *IdentityResolver { return o.identity }

// ============================================================================
// Session lifecycle
// ============================================================================

// Login exchanges credentials and brings the session to ready.
func (o *Orchestrator) Login(ctx context.Context, email, password string) error {
	if o.State() != SessionAnonymous {
		return fmt.Errorf("already authenticated")
	}
	res, err := o.client.Auth.Login(ctx, email, password)
	if err != nil {
		return err
	}
	o.client.SetToken(res.Token)
	return o.beginSession(ctx, res.User)
}

// Register creates an account and brings the session to ready.
func (o *Orchestrator) Register(ctx context.Context, email, password string) error {
	if o.State() != SessionAnonymous {
		return fmt.Errorf("already authenticated")
	}
	res, err := o.client.Auth.Register(ctx, email, password)
	if err != nil {
		return err
	}
	o.client.SetToken(res.Token)
	return o.beginSession(ctx, res.User)
}

// Restore resumes a persisted session from a stored token and user profile.
// Expired tokens are rejected before any network traffic.
func (o *Orchestrator) Restore(ctx context.Context, token string, user User) error {
	if o.State() != SessionAnonymous {
		return fmt.Errorf("already authenticated")
	}
	if TokenExpired(token) {
		return fmt.Errorf("stored session expired")
	}
	o.client.SetToken(token)
	return o.beginSession(ctx, user)
}

func (o *Orchestrator) beginSession(ctx context.Context, user User) error {
	o.mu.Lock()
	o.state = SessionLoading
	o.self = user
	o.mu.Unlock()
	o.identity.SeedUser(user.ID, user.Email)

	// Conversation lists load in parallel; a failed fetch is logged and
	// leaves the (empty) prior state intact rather than blocking login.
	var wg sync.WaitGroup
	var groups []Group
	var contacts []Contact
	var groupsErr, contactsErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		groups, groupsErr = o.client.Groups.List(ctx)
	}()
	go func() {
		defer wg.Done()
		contacts, contactsErr = o.client.Contacts.List(ctx)
	}()
	wg.Wait()

	if groupsErr != nil {
		o.log.Error().Err(groupsErr).Msg("group list fetch failed")
	}
	if contactsErr != nil {
		o.log.Error().Err(contactsErr).Msg("contact list fetch failed")
	}

	o.mu.Lock()
	if groupsErr == nil {
		o.groups = groups
	}
	if contactsErr == nil {
		o.contacts = contacts
	}
	o.state = SessionReady
	o.mu.Unlock()
	o.identity.SeedContacts(contacts)

	o.refreshPending(ctx)
	o.backfillUnread(ctx)
	o.reconcile()
	return nil
}

// Logout tears down subscriptions and transport, clears all derived state,
// and resets every one-shot guard so a subsequent login starts clean.
func (o *Orchestrator) Logout() {
	o.registry.Teardown()
	if err := o.transport.Close(); err != nil {
		o.log.Warn().Err(err).Msg("transport close failed")
	}
	o.store.Reset()
	o.notify.Reset()
	o.identity.Reset()
	o.client.SetToken("")

	o.mu.Lock()
	o.state = SessionAnonymous
	o.self = User{}
	o.groups = nil
	o.contacts = nil
	o.backfilled = false
	o.fetchInFlight = false
	o.mu.Unlock()
}

// ============================================================================
// Conversation selection
// ============================================================================

// Select focuses a conversation and loads its history. Re-selecting the
// focused conversation is a no-op; a selection while a fetch is already in
// flight is dropped.
func (o *Orchestrator) Select(ctx context.Context, ref ConversationRef) error {
	o.mu.Lock()
	if o.state != SessionReady {
		o.mu.Unlock()
		return fmt.Errorf("not authenticated")
	}
	if o.store.Focused() == ref {
		o.mu.Unlock()
		return nil
	}
	if o.fetchInFlight {
		o.mu.Unlock()
		return nil
	}
	o.fetchInFlight = true
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.fetchInFlight = false
		o.mu.Unlock()
	}()

	o.store.Focus(ref)
	o.reconcile()

	var msgs []Message
	var err error
	if ref.Kind == ConversationGroup {
		msgs, err = o.client.Messages.Group(ctx, ref.ID)
	} else {
		msgs, err = o.client.Messages.Direct(ctx, ref.ID)
	}
	if err != nil {
		o.log.Error().Err(err).Stringer("conversation", ref).Msg("message fetch failed")
		return err
	}

	// ApplyFetched re-checks the focus guard, so a completion that raced a
	// newer selection is discarded here.
	if o.store.ApplyFetched(ref, msgs) && len(msgs) > 0 {
		o.cursor.Advance(ctx, ref, msgs[len(msgs)-1].ID)
	}
	return nil
}

// ============================================================================
// Sending
// ============================================================================

// Send posts a message to the focused conversation. The entry appears
// immediately under an optimistic id, then is replaced in place by the
// server-confirmed message, or rolled back if the send fails.
func (o *Orchestrator) Send(ctx context.Context, body string) (*Message, error) {
	focused := o.store.Focused()
	if focused.IsZero() {
		return nil, fmt.Errorf("no conversation selected")
	}

	self := o.Self()
	optimistic := Message{
		ID:        OptimisticIDPrefix + uuid.NewString(),
		SenderID:  self.ID,
		Body:      body,
		Kind:      "text",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	req := SendMessageRequest{Body: body, Kind: "text"}
	if focused.Kind == ConversationGroup {
		optimistic.GroupID = focused.ID
		req.GroupID = focused.ID
	} else {
		optimistic.ReceiverID = focused.ID
		req.ReceiverID = focused.ID
	}
	o.store.ApplyOptimisticSend(optimistic)

	serverMsg, err := o.client.Messages.Send(ctx, req)
	if err != nil {
		o.store.ReconcileSend(optimistic.ID, nil)
		return nil, err
	}
	o.store.ReconcileSend(optimistic.ID, serverMsg)
	return serverMsg, nil
}

// ============================================================================
// List and request management
// ============================================================================

// RefreshLists refetches groups and contacts and reconciles subscriptions.
func (o *Orchestrator) RefreshLists(ctx context.Context) error {
	groups, err := o.client.Groups.List(ctx)
	if err != nil {
		return err
	}
	contacts, err := o.client.Contacts.List(ctx)
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.groups = groups
	o.contacts = contacts
	o.mu.Unlock()
	o.identity.SeedContacts(contacts)
	o.reconcile()
	return nil
}

// AddContact sends a contact request by email.
func (o *Orchestrator) AddContact(ctx context.Context, email string) error {
	if err := o.client.Contacts.Add(ctx, email); err != nil {
		return err
	}
	return o.RefreshLists(ctx)
}

// AcceptContact accepts an incoming contact request and refreshes contacts,
// pending requests, and unread counters.
func (o *Orchestrator) AcceptContact(ctx context.Context, inviteID string) error {
	if err := o.client.Contacts.Accept(ctx, inviteID); err != nil {
		return err
	}
	if err := o.RefreshLists(ctx); err != nil {
		return err
	}
	o.refreshPending(ctx)
	return o.RefreshUnreadCounts(ctx)
}

// RejectContact declines an incoming contact request.
func (o *Orchestrator) RejectContact(ctx context.Context, inviteID string) error {
	if err := o.client.Contacts.Reject(ctx, inviteID); err != nil {
		return err
	}
	o.refreshPending(ctx)
	return nil
}

// AcceptInvite accepts a group invitation and refreshes groups, pending
// requests, and unread counters.
func (o *Orchestrator) AcceptInvite(ctx context.Context, inviteID string) error {
	if err := o.client.Invites.Accept(ctx, inviteID); err != nil {
		return err
	}
	if err := o.RefreshLists(ctx); err != nil {
		return err
	}
	o.refreshPending(ctx)
	return o.RefreshUnreadCounts(ctx)
}

// CreateGroup creates a group and refreshes the group list.
func (o *Orchestrator) CreateGroup(ctx context.Context, name string) error {
	if err := o.client.Groups.Create(ctx, name); err != nil {
		return err
	}
	return o.RefreshLists(ctx)
}

// InviteToGroup invites a user to a group by email.
func (o *Orchestrator) InviteToGroup(ctx context.Context, groupID, email string) error {
	return o.client.Groups.Invite(ctx, groupID, email)
}

// ============================================================================
// Unread backfill
// ============================================================================

// backfillUnread seeds unread counters from the server once per session.
func (o *Orchestrator) backfillUnread(ctx context.Context) {
	o.mu.Lock()
	if o.backfilled {
		o.mu.Unlock()
		return
	}
	o.backfilled = true
	o.mu.Unlock()

	if err := o.RefreshUnreadCounts(ctx); err != nil {
		o.log.Warn().Err(err).Msg("unread backfill failed")
	}
}

// RefreshUnreadCounts reconciles every known conversation's unread counter
// against the server-side authoritative count. Incremental updates drift
// when push events are missed; this is the explicit correction hook.
func (o *Orchestrator) RefreshUnreadCounts(ctx context.Context) error {
	o.mu.Lock()
	groups := append([]Group(nil), o.groups...)
	contacts := append([]Contact(nil), o.contacts...)
	o.mu.Unlock()

	var firstErr error
	for _, g := range groups {
		count, err := o.client.Unread.Group(ctx, g.ID)
		if err != nil {
			o.log.Warn().Err(err).Str("group_id", g.ID).Msg("unread count fetch failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		o.store.SetUnread(g.ID, count)
	}
	for _, c := range contacts {
		if c.Status != ContactAccepted {
			continue
		}
		count, err := o.client.Unread.Direct(ctx, c.ID)
		if err != nil {
			o.log.Warn().Err(err).Str("contact_id", c.ID).Msg("unread count fetch failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		o.store.SetUnread(c.ID, count)
	}
	return firstErr
}

func (o *Orchestrator) refreshPending(ctx context.Context) {
	pending, err := o.client.Notifications.Pending(ctx)
	if err != nil {
		o.log.Warn().Err(err).Msg("pending request fetch failed")
		return
	}
	o.notify.RefreshPending(pending)
}

// ============================================================================
// Subscription reconciliation
// ============================================================================

// reconcile recomputes the desired subscription set from the current
// groups, accepted contacts, and focused conversation, and hands it to the
// registry. Coarse channels only touch unread counters and notifications;
// the focused conversation's channel additionally feeds the visible list
// and the read cursor.
func (o *Orchestrator) reconcile() {
	o.mu.Lock()
	self := o.self
	groups := append([]Group(nil), o.groups...)
	contacts := append([]Contact(nil), o.contacts...)
	o.mu.Unlock()
	if self.ID == "" {
		return
	}
	focused := o.store.Focused()

	desired := make(map[string]HandlerSet, len(groups)+len(contacts)+2)
	desired[UserChannelKey(self.ID)] = HandlerSet{
		Tag: tagUser,
		Bindings: map[string][]EventHandler{
			EventNotification: {o.handleNotificationEvent},
		},
	}
	for _, g := range groups {
		desired[GroupChannelKey(g.ID)] = o.coarseSet()
	}
	for _, c := range contacts {
		if c.Status != ContactAccepted {
			continue
		}
		desired[DMChannelKey(self.ID, c.ID)] = o.coarseSet()
	}
	if !focused.IsZero() {
		key := ChannelKeyFor(focused, self.ID)
		desired[key] = HandlerSet{
			Tag: "focused:" + focused.String(),
			Bindings: map[string][]EventHandler{
				EventNewMessage: {o.handleCoarseMessage, o.handleFocusedMessage},
			},
		}
	}

	o.registry.Reconcile(desired)
}

func (o *Orchestrator) coarseSet() HandlerSet {
	return HandlerSet{
		Tag: tagCoarse,
		Bindings: map[string][]EventHandler{
			EventNewMessage: {o.handleCoarseMessage},
		},
	}
}

// ============================================================================
// Push event handlers
// ============================================================================

// handleCoarseMessage updates unread counters and the notification queue.
// It never mutates the visible message list: the user is not necessarily
// viewing the event's conversation.
func (o *Orchestrator) handleCoarseMessage(_ string, data json.RawMessage) {
	ev, ok := o.decodeMessageEvent(data)
	if !ok {
		return
	}
	self := o.Self()
	if ev.Message.SenderID == self.ID {
		return
	}
	o.identity.SeedUser(ev.Sender.ID, ev.Sender.Email)

	label := o.identity.Resolve(ev.Message.SenderID)
	o.notify.PushMessage(ev.Message, label, self.ID)
	if o.OnCoarseMessage != nil {
		o.OnCoarseMessage(ev.Message, label)
	}

	conv := ev.Message.Conversation(self.ID)
	if conv != o.store.Focused() {
		o.store.IncrementUnread(conv.ID)
	}
}

// handleFocusedMessage appends an accepted live message to the visible list
// and advances the read cursor, exactly once per message id regardless of
// duplicate delivery.
func (o *Orchestrator) handleFocusedMessage(_ string, data json.RawMessage) {
	ev, ok := o.decodeMessageEvent(data)
	if !ok {
		return
	}
	self := o.Self()
	if ev.Message.SenderID == self.ID {
		return
	}
	if !o.store.ApplyIncoming(self.ID, ev.Message) {
		return
	}
	o.cursor.Advance(context.Background(), ev.Message.Conversation(self.ID), ev.Message.ID)
	if o.OnFocusedMessage != nil {
		o.OnFocusedMessage(ev.Message)
	}
}

// handleNotificationEvent refreshes the pending-request snapshot. The
// payload is a bare signal; the REST snapshot is the source of truth.
func (o *Orchestrator) handleNotificationEvent(_ string, _ json.RawMessage) {
	go o.refreshPending(context.Background())
}

func (o *Orchestrator) decodeMessageEvent(data json.RawMessage) (*NewMessageEvent, bool) {
	var ev NewMessageEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.Message.ID == "" {
		o.log.Warn().Msg("dropping malformed push event")
		return nil, false
	}
	return &ev, true
}
