package dispatch

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/reconwave/reconwave/internal/domain/events"
	"github.com/reconwave/reconwave/internal/domain/scanning"
	"github.com/reconwave/reconwave/pkg/common/logger"
	"github.com/reconwave/reconwave/pkg/common/uuid"
)

// Consumer subscribes to JobScheduled events and hands each new job to the
// distributor. Dispatch failures fail the job; there is no redispatch.
type Consumer struct {
	distributor *Distributor
	jobs        scanning.JobRepository
	bus         events.EventBus
	failJob     func(ctx context.Context, jobID uuid.UUID, reason string) error
	logger      *logger.Logger
	tracer      trace.Tracer
}

// NewConsumer creates a dispatch consumer. failJob is invoked with the job ID
// and a reason when no worker could take the job.
func NewConsumer(
	distributor *Distributor,
	jobs scanning.JobRepository,
	bus events.EventBus,
	failJob func(ctx context.Context, jobID uuid.UUID, reason string) error,
	log *logger.Logger,
	tracer trace.Tracer,
) *Consumer {
	return &Consumer{
		distributor: distributor,
		jobs:        jobs,
		bus:         bus,
		failJob:     failJob,
		logger:      log.With("component", "dispatch_consumer"),
		tracer:      tracer,
	}
}

// Start registers the JobScheduled subscription. Handlers run until the bus
// is closed or ctx ends.
func (c *Consumer) Start(ctx context.Context) error {
	return c.bus.Subscribe(ctx, []events.EventType{scanning.EventTypeJobScheduled}, c.handle)
}

func (c *Consumer) handle(ctx context.Context, envelope events.EventEnvelope, ack events.AckFunc) error {
	ctx, span := c.tracer.Start(ctx, "dispatch_consumer.handle_job_scheduled")
	defer span.End()

	scheduled, err := scheduledEvent(envelope)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed event")
		ack(err)
		return err
	}
	span.SetAttributes(attribute.String("job_id", scheduled.JobID.String()))

	job, err := c.jobs.GetJob(ctx, scheduled.JobID)
	if err != nil {
		// Deleted between scheduling and dispatch; nothing to place.
		c.logger.Warn(ctx, "scheduled job not loadable, skipping dispatch",
			"job_id", scheduled.JobID, "error", err)
		ack(nil)
		return nil
	}

	if err := c.distributor.Dispatch(ctx, job); err != nil {
		span.RecordError(err)
		c.logger.Error(ctx, "dispatch failed, failing job",
			"job_id", scheduled.JobID, "error", err)
		if failErr := c.failJob(ctx, scheduled.JobID, err.Error()); failErr != nil {
			c.logger.Error(ctx, "marking job failed after dispatch error",
				"job_id", scheduled.JobID, "error", failErr)
		}
	}

	// The event is consumed either way: a dispatch failure is terminal for
	// the job, not a reason to redeliver.
	ack(nil)
	return nil
}

func scheduledEvent(envelope events.EventEnvelope) (scanning.JobScheduledEvent, error) {
	switch payload := envelope.Payload.(type) {
	case scanning.JobScheduledEvent:
		return payload, nil
	case *scanning.JobScheduledEvent:
		return *payload, nil
	default:
		return scanning.JobScheduledEvent{}, fmt.Errorf("unexpected payload type %T for %s", payload, envelope.Type)
	}
}
