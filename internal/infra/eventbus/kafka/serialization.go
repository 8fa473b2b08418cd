package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/reconwave/reconwave/internal/domain/events"
	"github.com/reconwave/reconwave/internal/domain/scanning"
)

// wireEnvelope is the JSON frame every message carries on the wire. The
// payload stays raw until the event type selects a concrete struct.
type wireEnvelope struct {
	Type       events.EventType `json:"type"`
	Key        string           `json:"key,omitempty"`
	OccurredAt time.Time        `json:"occurred_at"`
	Payload    json.RawMessage  `json:"payload"`
}

// serializeEnvelope frames an event envelope for the wire.
func serializeEnvelope(envelope events.EventEnvelope) ([]byte, error) {
	payload, err := json.Marshal(envelope.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", envelope.Type, err)
	}
	return json.Marshal(wireEnvelope{
		Type:       envelope.Type,
		Key:        envelope.Key,
		OccurredAt: envelope.Timestamp,
		Payload:    payload,
	})
}

// deserializeEnvelope reverses serializeEnvelope, decoding the payload into
// the concrete event struct for its type.
func deserializeEnvelope(data []byte) (events.EventEnvelope, error) {
	var wire wireEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return events.EventEnvelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}

	payload, err := decodePayload(wire.Type, wire.Payload)
	if err != nil {
		return events.EventEnvelope{}, err
	}

	return events.EventEnvelope{
		Type:      wire.Type,
		Key:       wire.Key,
		Timestamp: wire.OccurredAt,
		Payload:   payload,
	}, nil
}

func decodePayload(eventType events.EventType, raw json.RawMessage) (any, error) {
	unmarshal := func(v any) (any, error) {
		if err := json.Unmarshal(raw, v); err != nil {
			return nil, fmt.Errorf("unmarshal %s payload: %w", eventType, err)
		}
		return v, nil
	}

	switch eventType {
	case scanning.EventTypeJobScheduled:
		return unmarshal(new(scanning.JobScheduledEvent))
	case scanning.EventTypeJobCompleted:
		return unmarshal(new(scanning.JobCompletedEvent))
	case scanning.EventTypeJobFailed:
		return unmarshal(new(scanning.JobFailedEvent))
	case scanning.EventTypeJobCancelled:
		return unmarshal(new(scanning.JobCancelledEvent))
	case scanning.EventTypeStageStarted:
		return unmarshal(new(scanning.StageStartedEvent))
	case scanning.EventTypeStageFinished:
		return unmarshal(new(scanning.StageFinishedEvent))
	default:
		return nil, fmt.Errorf("unknown event type %q", eventType)
	}
}
