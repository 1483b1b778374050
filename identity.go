package relay

import "sync"

// IdentityResolver maps user ids to display labels. It is seeded from the
// session user and the contact list; unknown ids resolve to themselves.
type IdentityResolver struct {
	mu     sync.RWMutex
	labels map[string]string
}

// NewIdentityResolver creates an empty resolver.
func NewIdentityResolver() *IdentityResolver {
	return &IdentityResolver{labels: make(map[string]string)}
}

// SeedUser records a single user's label.
func (r *IdentityResolver) SeedUser(id, label string) {
	if id == "" || label == "" {
		return
	}
	r.mu.Lock()
	r.labels[id] = label
	r.mu.Unlock()
}

// SeedContacts records labels for a contact list.
func (r *IdentityResolver) SeedContacts(contacts []Contact) {
	r.mu.Lock()
	for _, c := range contacts {
		if c.ID != "" && c.Email != "" {
			r.labels[c.ID] = c.Email
		}
	}
	r.mu.Unlock()
}

// Resolve returns the display label for a user id, or the id itself when
// unknown.
func (r *IdentityResolver) Resolve(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if label, ok := r.labels[id]; ok {
		return label
	}
	return id
}

// Reset drops all cached labels. Used on logout.
func (r *IdentityResolver) Reset() {
	r.mu.Lock()
	r.labels = make(map[string]string)
	r.mu.Unlock()
}
