// Package memory provides an in-memory implementation of the event bus,
// suitable for tests and single-node deployments where a broker is not worth
// running.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/reconwave/reconwave/internal/domain/events"
)

var _ events.EventBus = (*Broker)(nil)

// Broker is a non-persistent, in-process event bus. Publishes dispatch
// synchronously to every handler subscribed to the event's type; a handler
// error fails the publish so callers see it immediately.
type Broker struct {
	mu       sync.RWMutex
	handlers map[events.EventType][]events.HandlerFunc
}

// NewBroker creates an empty in-memory event bus.
func NewBroker() *Broker {
	return &Broker{handlers: make(map[events.EventType][]events.HandlerFunc)}
}

// Publish delivers the envelope to every handler registered for its type.
func (b *Broker) Publish(ctx context.Context, envelope events.EventEnvelope, opts ...events.PublishOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var params events.PublishParams
	for _, opt := range opts {
		opt(&params)
	}
	if params.Key != "" {
		envelope.Key = params.Key
	}

	b.mu.RLock()
	handlers := append([]events.HandlerFunc(nil), b.handlers[envelope.Type]...)
	b.mu.RUnlock()

	for _, handler := range handlers {
		var ackErr error
		ack := func(err error) { ackErr = err }
		if err := handler(ctx, envelope, ack); err != nil {
			return err
		}
		if ackErr != nil {
			return ackErr
		}
	}
	return nil
}

// Subscribe registers a handler for the given event types.
func (b *Broker) Subscribe(ctx context.Context, eventTypes []events.EventType, handler events.HandlerFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, et := range eventTypes {
		b.handlers[et] = append(b.handlers[et], handler)
	}
	return nil
}

// Close drops all handlers.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[events.EventType][]events.HandlerFunc)
	return nil
}
