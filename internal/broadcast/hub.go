// Package broadcast fans normalized messages out to live subscribers.
// Publishing never blocks: a subscriber whose buffer is full misses the
// message and the drop is counted.
package broadcast

import (
	"sync"
	"sync/atomic"

	"groupvault/internal/logging"
	"groupvault/internal/types"
)

// Delivery is one published message with its hub sequence number.
type Delivery struct {
	Seq     uint64
	Message types.NormalizedMessage
}

type subscriber struct {
	id      uint64
	ch      chan Delivery
	dropped atomic.Uint64
}

// Hub is an in-process publish/subscribe point.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[uint64]*subscriber
	nextID      uint64
	closed      bool

	defaultBuffer int
	sequence      atomic.Uint64
	dropped       atomic.Uint64
}

// NewHub creates a hub whose subscribers get defaultBuffer slots unless
// they ask for more.
func NewHub(defaultBuffer int) *Hub {
	if defaultBuffer <= 0 {
		defaultBuffer = 64
	}
	return &Hub{subscribers: make(map[uint64]*subscriber), defaultBuffer: defaultBuffer}
}

// Subscribe returns a delivery channel and a cancel func that closes it.
// buffer <= 0 uses the hub default.
func (h *Hub) Subscribe(buffer int) (<-chan Delivery, func()) {
	if buffer <= 0 {
		buffer = h.defaultBuffer
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Delivery, buffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.nextID++
	sub := &subscriber{id: h.nextID, ch: ch}
	h.subscribers[sub.id] = sub

	var once sync.Once
	return ch, func() {
		once.Do(func() { h.remove(sub.id) })
	}
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subscribers[id]
	if !ok {
		return
	}
	delete(h.subscribers, id)
	close(sub.ch)
	if n := sub.dropped.Load(); n > 0 {
		logging.Get(logging.CategoryBroadcast).Warn("subscriber %d left after dropping %d messages", id, n)
	}
}

// Publish delivers msg to every subscriber with room for it.
func (h *Hub) Publish(msg types.NormalizedMessage) {
	d := Delivery{Seq: h.sequence.Add(1), Message: msg}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for _, sub := range h.subscribers {
		select {
		case sub.ch <- d:
		default:
			sub.dropped.Add(1)
			h.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Dropped returns the total number of dropped deliveries.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Published returns the number of published messages.
func (h *Hub) Published() uint64 { return h.sequence.Load() }

// Close closes every subscriber channel. Later publishes are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subscribers {
		delete(h.subscribers, id)
		close(sub.ch)
	}
}
