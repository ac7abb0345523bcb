package sample

import (
	"sync"
	"sync/atomic"
)

// Hub fans out samples to any number of subscribers (TCP publisher, web
// stream, MQTT, recorder). Publish never blocks: a subscriber whose channel
// is full misses that sample. Subscribers see samples in publish order and
// never see samples published before they subscribed.
type Hub struct {
	mu      sync.RWMutex
	subs    map[int]chan Sample
	nextID  int
	dropped atomic.Uint64
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Sample)}
}

// Subscribe registers a new subscriber with the given channel buffer.
func (h *Hub) Subscribe(buffer int) (int, <-chan Sample) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Sample, buffer)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(id int) {
	h.mu.Lock()
	ch, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Publish offers s to every subscriber without blocking.
func (h *Hub) Publish(s Sample) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- s:
		default:
			h.dropped.Add(1)
		}
	}
}

// Dropped returns the number of per-subscriber deliveries skipped because
// the subscriber's buffer was full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
