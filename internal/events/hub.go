// Package events fans out display updates to every connected subscriber.
package events

import "sync"

// Hub delivers published messages to subscribers without blocking the
// publisher. A subscriber that falls behind loses messages.
type Hub struct {
	mu          sync.Mutex
	buffer      int
	nextSubID   int
	subscribers map[int]chan any
	onDrop      func(msg any)
	closed      bool
}

func NewHub(buffer int, onDrop func(msg any)) *Hub {
	if buffer <= 0 {
		buffer = 256
	}
	return &Hub{
		buffer:      buffer,
		subscribers: make(map[int]chan any),
		onDrop:      onDrop,
	}
}

// Subscribe returns a channel of messages and a func that unsubscribes and
// closes it. The func is safe to call more than once.
func (h *Hub) Subscribe() (<-chan any, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		ch := make(chan any)
		close(ch)
		return ch, func() {}
	}

	ch := make(chan any, h.buffer)
	h.nextSubID++
	id := h.nextSubID
	h.subscribers[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subscribers[id]; ok {
			delete(h.subscribers, id)
			close(c)
		}
	}
}

func (h *Hub) Publish(msg any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subscribers {
		select {
		case ch <- msg:
		default:
			if h.onDrop != nil {
				h.onDrop(msg)
			}
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Close closes every subscriber channel. Later publishes are dropped.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subscribers {
		delete(h.subscribers, id)
		close(ch)
	}
}
