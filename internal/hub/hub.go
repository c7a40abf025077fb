// Package hub keeps the coordinator's live duplex channels, one per peer name,
// and fans broadcasts out over them.
package hub

import (
	"log"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/atlas/internal/cluster"
)

// Channel is a live duplex session with one peer. Send must be safe for
// concurrent use; a failed Send means the channel is dead.
type Channel interface {
	Send(v any) error
	Close() error
}

// Hub owns the set of live channels keyed by peer name. At most one channel
// exists per name.
// Thread-safe: all methods may be called concurrently.
type Hub struct {
	channels map[string]Channel
	mu       sync.RWMutex
}

// New creates an empty hub.
func New() *Hub {
	return &Hub{channels: make(map[string]Channel)}
}

// Connect makes ch the current channel for name. A channel it replaces is
// returned but not notified or closed.
func (h *Hub) Connect(name string, ch Channel) Channel {
	h.mu.Lock()
	defer h.mu.Unlock()

	prev := h.channels[name]
	h.channels[name] = ch
	if prev != nil {
		log.Printf("[hub] %s reconnected, previous channel superseded", name)
	}
	return prev
}

// Disconnect removes the entry for name only if it is still ch, so a stale
// session cannot remove the connection that replaced it.
func (h *Hub) Disconnect(name string, ch Channel) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cur, ok := h.channels[name]; ok && cur == ch {
		delete(h.channels, name)
		return true
	}
	return false
}

// Get returns the current channel for name.
func (h *Hub) Get(name string) (Channel, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ch, ok := h.channels[name]
	return ch, ok
}

// Names returns the connected peer names in sorted order.
func (h *Hub) Names() []string {
	h.mu.RLock()
	names := make([]string, 0, len(h.channels))
	for name := range h.channels {
		names = append(names, name)
	}
	h.mu.RUnlock()

	slices.Sort(names)
	return names
}

// Len returns the number of live channels.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels)
}

type peer struct {
	ch   Channel
	name string
}

func (h *Hub) snapshot() []peer {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]peer, 0, len(h.channels))
	for name, ch := range h.channels {
		out = append(out, peer{name: name, ch: ch})
	}
	return out
}

// Broadcast sends content to every live channel whose name is not in exclude.
// Channels that fail to accept the frame are removed. It returns the names
// that were sent to, sorted.
func (h *Hub) Broadcast(content []byte, exclude []string) []string {
	frame := cluster.BroadcastFrame{Type: cluster.TypeBroadcast, Content: content}

	sent := []string{}
	for _, p := range h.snapshot() {
		if slices.Contains(exclude, p.name) {
			continue
		}
		if err := p.ch.Send(frame); err != nil {
			log.Printf("[hub] broadcast to %s failed, dropping channel: %v", p.name, err)
			h.Disconnect(p.name, p.ch)
			continue
		}
		sent = append(sent, p.name)
	}
	slices.Sort(sent)
	return sent
}
