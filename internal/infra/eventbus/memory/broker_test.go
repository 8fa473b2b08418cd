package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reconwave/reconwave/internal/domain/events"
	"github.com/reconwave/reconwave/internal/domain/scanning"
	"github.com/reconwave/reconwave/pkg/common/uuid"
)

func scheduledEnvelope(jobID uuid.UUID) events.EventEnvelope {
	event := scanning.NewJobScheduledEvent(jobID, "example.com", uuid.New())
	return events.EventEnvelope{
		Type:      event.EventType(),
		Timestamp: event.OccurredAt(),
		Payload:   event,
	}
}

func TestBrokerDeliversToSubscribedHandler(t *testing.T) {
	broker := NewBroker()
	ctx := context.Background()

	var got []events.EventEnvelope
	err := broker.Subscribe(ctx, []events.EventType{scanning.EventTypeJobScheduled},
		func(_ context.Context, envelope events.EventEnvelope, ack events.AckFunc) error {
			got = append(got, envelope)
			ack(nil)
			return nil
		})
	require.NoError(t, err)

	jobID := uuid.New()
	require.NoError(t, broker.Publish(ctx, scheduledEnvelope(jobID)))

	require.Len(t, got, 1)
	payload, ok := got[0].Payload.(scanning.JobScheduledEvent)
	require.True(t, ok)
	assert.Equal(t, jobID, payload.JobID)
}

func TestBrokerFiltersByEventType(t *testing.T) {
	broker := NewBroker()
	ctx := context.Background()

	var delivered int
	err := broker.Subscribe(ctx, []events.EventType{scanning.EventTypeJobCancelled},
		func(_ context.Context, _ events.EventEnvelope, ack events.AckFunc) error {
			delivered++
			ack(nil)
			return nil
		})
	require.NoError(t, err)

	require.NoError(t, broker.Publish(ctx, scheduledEnvelope(uuid.New())))
	assert.Zero(t, delivered, "handler for another type must not fire")
}

func TestBrokerHandlerErrorFailsPublish(t *testing.T) {
	broker := NewBroker()
	ctx := context.Background()

	handlerErr := errors.New("handler exploded")
	require.NoError(t, broker.Subscribe(ctx, []events.EventType{scanning.EventTypeJobScheduled},
		func(_ context.Context, _ events.EventEnvelope, _ events.AckFunc) error {
			return handlerErr
		}))

	err := broker.Publish(ctx, scheduledEnvelope(uuid.New()))
	assert.ErrorIs(t, err, handlerErr)
}

func TestBrokerNegativeAckFailsPublish(t *testing.T) {
	broker := NewBroker()
	ctx := context.Background()

	ackErr := errors.New("could not process")
	require.NoError(t, broker.Subscribe(ctx, []events.EventType{scanning.EventTypeJobScheduled},
		func(_ context.Context, _ events.EventEnvelope, ack events.AckFunc) error {
			ack(ackErr)
			return nil
		}))

	err := broker.Publish(ctx, scheduledEnvelope(uuid.New()))
	assert.ErrorIs(t, err, ackErr)
}

func TestBrokerWithKeySetsEnvelopeKey(t *testing.T) {
	broker := NewBroker()
	ctx := context.Background()

	var gotKey string
	require.NoError(t, broker.Subscribe(ctx, []events.EventType{scanning.EventTypeJobScheduled},
		func(_ context.Context, envelope events.EventEnvelope, ack events.AckFunc) error {
			gotKey = envelope.Key
			ack(nil)
			return nil
		}))

	jobID := uuid.New()
	require.NoError(t, broker.Publish(ctx, scheduledEnvelope(jobID), events.WithKey(jobID.String())))
	assert.Equal(t, jobID.String(), gotKey)
}

func TestBrokerRejectsNilHandler(t *testing.T) {
	broker := NewBroker()
	err := broker.Subscribe(context.Background(), []events.EventType{scanning.EventTypeJobScheduled}, nil)
	assert.Error(t, err)
}

func TestBrokerCloseDropsHandlers(t *testing.T) {
	broker := NewBroker()
	ctx := context.Background()

	var delivered int
	require.NoError(t, broker.Subscribe(ctx, []events.EventType{scanning.EventTypeJobScheduled},
		func(_ context.Context, _ events.EventEnvelope, ack events.AckFunc) error {
			delivered++
			ack(nil)
			return nil
		}))
	require.NoError(t, broker.Close())

	require.NoError(t, broker.Publish(ctx, scheduledEnvelope(uuid.New())))
	assert.Zero(t, delivered)
}

func TestBrokerPublishHonoursContext(t *testing.T) {
	broker := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := broker.Publish(ctx, scheduledEnvelope(uuid.New()))
	assert.ErrorIs(t, err, context.Canceled)
}
