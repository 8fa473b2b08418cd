package eventbus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reconwave/reconwave/internal/domain/events"
	"github.com/reconwave/reconwave/internal/domain/scanning"
	"github.com/reconwave/reconwave/internal/infra/eventbus/memory"
	"github.com/reconwave/reconwave/pkg/common/uuid"
)

func TestDomainEventPublisherWrapsEventInEnvelope(t *testing.T) {
	broker := memory.NewBroker()
	ctx := context.Background()

	var got events.EventEnvelope
	require.NoError(t, broker.Subscribe(ctx, []events.EventType{scanning.EventTypeJobFailed},
		func(_ context.Context, envelope events.EventEnvelope, ack events.AckFunc) error {
			got = envelope
			ack(nil)
			return nil
		}))

	pub := NewDomainEventPublisher(broker)
	event := scanning.NewJobFailedEvent(uuid.New(), "no eligible worker")
	require.NoError(t, pub.PublishDomainEvent(ctx, event))

	assert.Equal(t, scanning.EventTypeJobFailed, got.Type)
	assert.True(t, event.OccurredAt().Equal(got.Timestamp))
	assert.Equal(t, event, got.Payload)
}

func TestDomainEventPublisherForwardsOptions(t *testing.T) {
	broker := memory.NewBroker()
	ctx := context.Background()

	var gotKey string
	require.NoError(t, broker.Subscribe(ctx, []events.EventType{scanning.EventTypeJobCancelled},
		func(_ context.Context, envelope events.EventEnvelope, ack events.AckFunc) error {
			gotKey = envelope.Key
			ack(nil)
			return nil
		}))

	pub := NewDomainEventPublisher(broker)
	jobID := uuid.New()
	require.NoError(t, pub.PublishDomainEvent(ctx, scanning.NewJobCancelledEvent(jobID), events.WithKey(jobID.String())))
	assert.Equal(t, jobID.String(), gotKey)
}
