// Package notification delivers pipeline events to live subscribers.
package notification

import (
	"errors"
	"time"

	"Go2NetSentry/internal/model"
)

// Publisher delivers one event.
type Publisher interface {
	Publish(event model.Event) error
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(event model.Event) error

func (f PublisherFunc) Publish(event model.Event) error { return f(event) }

// NewEvent stamps payload with the current time.
func NewEvent(kind model.EventKind, payload interface{}) model.Event {
	return model.Event{Kind: kind, Timestamp: time.Now().UTC(), Payload: payload}
}

// Multi publishes every event to all of its publishers.
type Multi []Publisher

func (m Multi) Publish(event model.Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
