package relay

import (
	"sync"

	"github.com/rs/zerolog"
)

// ============================================================================
// Channel keys
// ============================================================================

// GroupChannelKey returns the push channel for a group conversation.
func GroupChannelKey(groupID string) string { return "group:" + groupID }

// DMChannelKey returns the push channel shared by two DM peers. The ids are
// ordered lexicographically so both participants derive the identical name
// regardless of who initiates.
func DMChannelKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return "dm_" + a + "_" + b
}

// UserChannelKey returns the per-user personal notification channel.
func UserChannelKey(userID string) string { return "user:" + userID }

// ChannelKeyFor returns the push channel carrying a conversation's messages.
func ChannelKeyFor(ref ConversationRef, selfID string) string {
	if ref.Kind == ConversationGroup {
		return GroupChannelKey(ref.ID)
	}
	return DMChannelKey(selfID, ref.ID)
}

// ============================================================================
// Desired-state diff
// ============================================================================

// diffKeys computes the subscription changes needed to move from current to
// desired. Pure; independent of any transport or scheduling mechanism.
func diffKeys(current, desired map[string]bool) (toSubscribe, toUnsubscribe []string) {
	for k := range desired {
		if !current[k] {
			toSubscribe = append(toSubscribe, k)
		}
	}
	for k := range current {
		if !desired[k] {
			toUnsubscribe = append(toUnsubscribe, k)
		}
	}
	return toSubscribe, toUnsubscribe
}

// ============================================================================
// Handler sets
// ============================================================================

// HandlerSet describes the event bindings a channel should carry. Tag
// identifies the set: a channel is rebound only when its tag changes, so the
// registry unbinds exactly the handlers it previously bound.
type HandlerSet struct {
	Tag      string
	Bindings map[string][]EventHandler
}

// ============================================================================
// Registry
// ============================================================================

type subscription struct {
	channel Channel
	tag     string
}

// Registry owns the set of active push-transport subscriptions. Reconcile
// moves the actual set toward a desired set; it is idempotent, so callers
// can recompute the desired set on every state change without churn.
type Registry struct {
	mu        sync.Mutex
	transport Transport
	log       zerolog.Logger
	current   map[string]*subscription
}

// NewRegistry creates a registry on top of a transport. A nil logger
// disables logging.
func NewRegistry(transport Transport, logger *zerolog.Logger) *Registry {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Registry{
		transport: transport,
		log:       *logger,
		current:   make(map[string]*subscription),
	}
}

// ActiveKeys returns the keys currently subscribed.
func (r *Registry) ActiveKeys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.current))
	for k := range r.current {
		keys = append(keys, k)
	}
	return keys
}

// Reconcile subscribes missing keys, unsubscribes stale ones, and rebinds
// channels whose handler-set tag changed. Reconciling twice with an
// identical desired set performs zero transport operations the second time.
// Subscribe failures are non-fatal: the key stays out of the current set and
// the next reconcile retries it.
func (r *Registry) Reconcile(desired map[string]HandlerSet) {
	r.mu.Lock()
	defer r.mu.Unlock()

	currentKeys := make(map[string]bool, len(r.current))
	for k := range r.current {
		currentKeys[k] = true
	}
	desiredKeys := make(map[string]bool, len(desired))
	for k := range desired {
		desiredKeys[k] = true
	}

	toSubscribe, toUnsubscribe := diffKeys(currentKeys, desiredKeys)

	for _, key := range toUnsubscribe {
		sub := r.current[key]
		sub.channel.UnbindAll()
		if err := r.transport.Unsubscribe(key); err != nil {
			r.log.Warn().Err(err).Str("channel", key).Msg("unsubscribe failed")
		}
		delete(r.current, key)
	}

	for _, key := range toSubscribe {
		set := desired[key]
		ch, err := r.transport.Subscribe(key)
		if err != nil {
			r.log.Warn().Err(err).Str("channel", key).Msg("subscribe failed")
			continue
		}
		bind(ch, set)
		r.current[key] = &subscription{channel: ch, tag: set.Tag}
	}

	// Rebind surviving keys whose handler set changed (coarse <-> focused).
	for key, sub := range r.current {
		set, ok := desired[key]
		if !ok || sub.tag == set.Tag {
			continue
		}
		sub.channel.UnbindAll()
		bind(sub.channel, set)
		sub.tag = set.Tag
	}
}

// Teardown unbinds and unsubscribes everything. Used on logout.
func (r *Registry) Teardown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, sub := range r.current {
		sub.channel.UnbindAll()
		if err := r.transport.Unsubscribe(key); err != nil {
			r.log.Warn().Err(err).Str("channel", key).Msg("unsubscribe failed")
		}
		delete(r.current, key)
	}
}

func bind(ch Channel, set HandlerSet) {
	for event, handlers := range set.Bindings {
		for _, h := range handlers {
			ch.Bind(event, h)
		}
	}
}
