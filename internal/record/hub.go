package record

import (
	"sync"

	"genjutsu/internal/models"
)

// Hub fans accepted snapshots out to SSE subscribers. Slow subscribers miss
// events rather than stall the push endpoint.
type Hub struct {
	mu   sync.Mutex
	next int
	subs map[int]chan models.Snapshot
}

func NewHub() *Hub {
	return &Hub{subs: map[int]chan models.Snapshot{}}
}

// Subscribe registers a listener; call the returned func to release it.
func (h *Hub) Subscribe(buffer int) (<-chan models.Snapshot, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan models.Snapshot, buffer)
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Publish(s models.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- s:
		default:
		}
	}
}

// Subscribers is the number of open streams.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
