package chat

import (
	"slices"
	"sync"
)

// Registry holds the admitted connections, keyed by session handle and
// indexed by user. It does not broadcast; callers announce changes.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
	byUser  map[string]map[string]*Client
	seq     uint64
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]*Client),
		byUser:  make(map[string]map[string]*Client),
	}
}

// Admit adds client. Admitting a client twice is a no-op and returns false.
func (r *Registry) Admit(client *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[client.ID]; ok {
		return false
	}

	r.seq++
	client.seq = r.seq
	r.clients[client.ID] = client

	if client.Identity.Known() {
		conns, ok := r.byUser[client.Identity.UserID]
		if !ok {
			conns = make(map[string]*Client)
			r.byUser[client.Identity.UserID] = conns
		}
		conns[client.ID] = client
	}
	return true
}

// Remove deletes client and reports whether it was admitted.
func (r *Registry) Remove(client *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[client.ID]; !ok {
		return false
	}
	delete(r.clients, client.ID)

	if conns, ok := r.byUser[client.Identity.UserID]; ok {
		delete(conns, client.ID)
		if len(conns) == 0 {
			delete(r.byUser, client.Identity.UserID)
		}
	}
	return true
}

// Enumerate returns a point-in-time copy of every admitted client in
// admission order.
func (r *Registry) Enumerate() []*Client {
	r.mu.RLock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	r.mu.RUnlock()

	sortByAdmission(out)
	return out
}

// FindByUserID returns every admitted connection of userID. Anonymous
// connections are never returned.
func (r *Registry) FindByUserID(userID string) []*Client {
	if userID == "" {
		return nil
	}

	r.mu.RLock()
	conns := r.byUser[userID]
	out := make([]*Client, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	r.mu.RUnlock()

	return out
}

// Len returns the number of admitted clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

func sortByAdmission(clients []*Client) {
	slices.SortFunc(clients, func(a, b *Client) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		default:
			return 0
		}
	})
}
