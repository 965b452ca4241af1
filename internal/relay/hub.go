package relay

import (
	"sync"

	"github.com/synthmesh/synthmesh/internal/protocol"
)

// Hub is the per-instance map of client id to attached peer. It is a local
// view only; the shared KV stays authoritative for who exists.
type Hub struct {
	mu    sync.RWMutex
	peers map[string]Peer
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{peers: make(map[string]Peer)}
}

// Attach maps id to p and returns the previously attached peer, if any.
func (h *Hub) Attach(id string, p Peer) Peer {
	h.mu.Lock()
	prev := h.peers[id]
	h.peers[id] = p
	h.mu.Unlock()
	if prev == p {
		return nil
	}
	return prev
}

// DetachIf removes id only while it still maps to p, so a replaced socket's
// late disconnect cannot evict its successor. Reports whether it removed.
func (h *Hub) DetachIf(id string, p Peer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.peers[id] != p {
		return false
	}
	delete(h.peers, id)
	return true
}

// Get returns the peer attached under id.
func (h *Hub) Get(id string) (Peer, bool) {
	h.mu.RLock()
	p, ok := h.peers[id]
	h.mu.RUnlock()
	return p, ok
}

// Connected reports whether id has an open local socket.
func (h *Hub) Connected(id string) bool {
	p, ok := h.Get(id)
	return ok && p.IsOpen()
}

// Synths returns a snapshot of attached synth peers.
func (h *Hub) Synths() []Peer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Peer, 0, len(h.peers))
	for id, p := range h.peers {
		if protocol.IsSynth(id) {
			out = append(out, p)
		}
	}
	return out
}

// Count returns the number of attached peers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}
