package notification

import (
	"sync"

	"go.uber.org/zap"

	"Go2NetSentry/internal/metrics"
	"Go2NetSentry/internal/model"
)

// Hub fans events out to in-process subscribers. A subscriber that falls
// behind loses events instead of slowing the publisher.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int]chan model.Event
	nextID int
	logger *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{subs: make(map[int]chan model.Event), logger: logger.Named("hub")}
}

// Subscribe registers a subscriber with the given buffer. The returned
// cancel function unregisters it and closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan model.Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan model.Event, buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
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

// Subscribers returns the number of registered subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) Publish(event model.Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.subs {
		select {
		case ch <- event:
		default:
			metrics.NotificationsDropped.WithLabelValues("hub").Inc()
			h.logger.Debug("Subscriber is slow, dropping event", zap.Int("subscriber", id), zap.String("kind", string(event.Kind)))
		}
	}
	return nil
}
