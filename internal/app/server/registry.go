package server

import (
	"sync"

	"github.com/wortley/dechecs/internal/bus"
)

// registry is this worker's in-memory bookkeeping of which session each
// connected client belongs to, and the subscription handles the worker holds
// per session. It is never shared across workers and is rebuilt from scratch
// on restart: clients must reconnect and rejoin.
type registry struct {
	mu       sync.Mutex
	sessions map[string]string
	subs     map[string][]*bus.Subscription
}

func newRegistry() *registry {
	return &registry{
		sessions: make(map[string]string),
		subs:     make(map[string][]*bus.Subscription),
	}
}

func (r *registry) Bind(clientID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[clientID] = sessionID
}

func (r *registry) Unbind(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, clientID)
}

func (r *registry) SessionOf(clientID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessionID, ok := r.sessions[clientID]
	return sessionID, ok
}

func (r *registry) AddSubscription(sessionID string, sub *bus.Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[sessionID] = append(r.subs[sessionID], sub)
}

// RemoveClientSubscriptions detaches and returns the handles this worker
// holds for one client of the session, so the caller can cancel them.
func (r *registry) RemoveClientSubscriptions(sessionID, clientID string) []*bus.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed, kept []*bus.Subscription
	for _, sub := range r.subs[sessionID] {
		if sub.ClientID == clientID {
			removed = append(removed, sub)
		} else {
			kept = append(kept, sub)
		}
	}
	if len(kept) == 0 {
		delete(r.subs, sessionID)
	} else {
		r.subs[sessionID] = kept
	}
	return removed
}

// ClearSubscriptions detaches and returns every handle for the session.
func (r *registry) ClearSubscriptions(sessionID string) []*bus.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.subs[sessionID]
	delete(r.subs, sessionID)
	return subs
}

// Clear resets the registry and returns every held handle. Used at shutdown
// so the broker does not leak consumers.
func (r *registry) Clear() []*bus.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []*bus.Subscription
	for _, subs := range r.subs {
		all = append(all, subs...)
	}
	r.sessions = make(map[string]string)
	r.subs = make(map[string][]*bus.Subscription)
	return all
}
