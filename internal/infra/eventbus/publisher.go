// Package eventbus provides transport-agnostic helpers shared by the event
// bus implementations.
package eventbus

import (
	"context"

	"github.com/reconwave/reconwave/internal/domain/events"
)

var _ events.DomainEventPublisher = (*DomainEventPublisher)(nil)

// DomainEventPublisher adapts domain-level events onto an event bus; the bus
// handles the actual transport (Kafka in production, in-memory in tests and
// single-node deployments).
type DomainEventPublisher struct {
	eventBus events.EventBus
}

// NewDomainEventPublisher creates a publisher that distributes domain events
// through the provided event bus.
func NewDomainEventPublisher(bus events.EventBus) *DomainEventPublisher {
	return &DomainEventPublisher{eventBus: bus}
}

// PublishDomainEvent wraps a domain event in a transport envelope and hands
// it to the event bus.
func (pub *DomainEventPublisher) PublishDomainEvent(ctx context.Context, event events.DomainEvent, opts ...events.PublishOption) error {
	envelope := events.EventEnvelope{
		Type:      event.EventType(),
		Timestamp: event.OccurredAt(),
		Payload:   event,
	}
	return pub.eventBus.Publish(ctx, envelope, opts...)
}
