package notification

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"Go2NetSentry/internal/metrics"
	"Go2NetSentry/internal/model"
)

var (
	// ErrQueueFull is returned when an event is dropped because the queue is full.
	ErrQueueFull = errors.New("notification queue is full")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("notification queue is closed")
)

// Async decouples callers from a slow publisher. Events are delivered in
// order by a single goroutine; Publish never blocks.
type Async struct {
	next   Publisher
	queue  chan model.Event
	done   chan struct{}
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// NewAsync starts the delivery goroutine.
func NewAsync(next Publisher, size int, logger *zap.Logger) *Async {
	if size <= 0 {
		size = 1024
	}
	a := &Async{
		next:   next,
		queue:  make(chan model.Event, size),
		done:   make(chan struct{}),
		logger: logger.Named("async"),
	}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	for event := range a.queue {
		if err := a.next.Publish(event); err != nil {
			a.logger.Warn("Failed to publish event", zap.String("kind", string(event.Kind)), zap.Error(err))
		}
	}
}

func (a *Async) Publish(event model.Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.queue <- event:
		return nil
	default:
		metrics.NotificationsDropped.WithLabelValues("async").Inc()
		a.logger.Warn("Notification queue is full, dropping event", zap.String("kind", string(event.Kind)))
		return ErrQueueFull
	}
}

// Close stops accepting events and waits until the queued ones are
// delivered or ctx expires.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
