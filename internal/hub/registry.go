package hub

import "sync"

// Registry maps a user id to its single live connection id. A newer connect
// overwrites the older mapping; going offline removes the entry entirely,
// with a separate seen set so "was online before" stays distinguishable from
// "never connected".
type Registry struct {
	mu   sync.RWMutex
	live map[int64]string
	seen map[int64]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		live: map[int64]string{},
		seen: map[int64]struct{}{},
	}
}

// SetOnline records userID as reachable through connID, unconditionally
// replacing any previous mapping.
func (r *Registry) SetOnline(userID int64, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[userID] = connID
	r.seen[userID] = struct{}{}
}

// SetOffline drops the live mapping for userID. The id stays in the seen set.
func (r *Registry) SetOffline(userID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, userID)
}

// Lookup returns the live connection id for userID, if any.
func (r *Registry) Lookup(userID int64) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connID, ok := r.live[userID]
	return connID, ok
}

// Seen reports whether userID has connected at some point this process
// lifetime.
func (r *Registry) Seen(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.seen[userID]
	return ok
}

// OnlineIDs returns the ids of every user with a live connection.
func (r *Registry) OnlineIDs() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int64, 0, len(r.live))
	for id := range r.live {
		ids = append(ids, id)
	}
	return ids
}
