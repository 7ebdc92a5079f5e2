// Package hub fans bus frames out to per-subscriber queues.
package hub

import (
	"sync"

	"github.com/kstaniek/go-udstp/internal/can"
	"github.com/kstaniek/go-udstp/internal/logging"
	"github.com/kstaniek/go-udstp/internal/metrics"
)

type BackpressurePolicy int

const (
	PolicyDrop BackpressurePolicy = iota
	PolicyKick
)

// Filter selects the frames a client wants. A nil filter accepts all frames.
type Filter func(can.Frame) bool

// ByID accepts frames whose identifier (flags stripped) is one of ids.
func ByID(ids ...uint32) Filter {
	if len(ids) == 1 {
		id := ids[0]
		return func(f can.Frame) bool { return f.ID() == id }
	}
	set := make(map[uint32]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return func(f can.Frame) bool { _, ok := set[f.ID()]; return ok }
}

type Client struct {
	Out       chan can.Frame
	Closed    chan struct{}
	Filter    Filter
	closeOnce sync.Once
}

// NewClient returns a client with an Out queue of buf frames.
func NewClient(buf int, filter Filter) *Client {
	if buf <= 0 {
		buf = 1
	}
	return &Client{Out: make(chan can.Frame, buf), Closed: make(chan struct{}), Filter: filter}
}

// Close signals the client is closed (idempotent).
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.Closed)
	})
}

func (c *Client) wants(fr can.Frame) bool { return c.Filter == nil || c.Filter(fr) }

type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	OutBufSize int
	Policy     BackpressurePolicy
}

// New creates a Hub with default settings.
func New() *Hub { return &Hub{clients: make(map[*Client]struct{}), OutBufSize: 256} }

// Attach creates a client using the hub's queue size and registers it.
func (h *Hub) Attach(filter Filter) *Client {
	c := NewClient(h.OutBufSize, filter)
	h.Add(c)
	return c
}

// Add registers a client with the hub.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	prev := len(h.clients)
	h.clients[c] = struct{}{}
	cur := len(h.clients)
	h.mu.Unlock()
	if prev == 0 && cur == 1 {
		logging.L().Debug("hub_first_subscriber")
	}
}

// Remove unregisters a client and closes it; safe to call multiple times.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	_, existed := h.clients[c]
	if existed {
		delete(h.clients, c)
	}
	cur := len(h.clients)
	h.mu.Unlock()
	c.Close()
	if existed && cur == 0 {
		logging.L().Debug("hub_last_subscriber")
	}
}

// Broadcast delivers a frame to every client whose filter accepts it,
// honoring the backpressure policy. It never blocks.
func (h *Hub) Broadcast(fr can.Frame) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(fr) {
			continue
		}
		select {
		case <-c.Closed:
			continue
		default:
		}
		select {
		case c.Out <- fr:
		default:
			metrics.IncHubDrop()
			if h.Policy == PolicyKick {
				logging.L().Warn("hub_kick_slow_subscriber", "queue", cap(c.Out))
				c.Close()
			}
		}
	}
}

// Snapshot returns a slice copy of current clients (read-only use).
func (h *Hub) Snapshot() []*Client {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	return clients
}

// Count returns the number of active clients.
func (h *Hub) Count() int { h.mu.RLock(); n := len(h.clients); h.mu.RUnlock(); return n }

// Close removes and closes every client.
func (h *Hub) Close() {
	for _, c := range h.Snapshot() {
		h.Remove(c)
	}
}
