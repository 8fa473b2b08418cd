package scanning

import (
	"time"

	"github.com/reconwave/reconwave/internal/domain/events"
	"github.com/reconwave/reconwave/pkg/common/uuid"
)

// Event types raised over the job and stage lifecycle.
const (
	EventTypeJobScheduled  events.EventType = "JobScheduled"
	EventTypeJobCompleted  events.EventType = "JobCompleted"
	EventTypeJobFailed     events.EventType = "JobFailed"
	EventTypeJobCancelled  events.EventType = "JobCancelled"
	EventTypeStageStarted  events.EventType = "StageStarted"
	EventTypeStageFinished events.EventType = "StageFinished"
)

// JobScheduledEvent signals that a new job was created and handed to the
// distributor.
type JobScheduledEvent struct {
	occurredAt time.Time
	JobID      uuid.UUID `json:"job_id"`
	TargetName string    `json:"target_name"`
	EngineID   uuid.UUID `json:"engine_id"`
}

// NewJobScheduledEvent creates a new job scheduled event.
func NewJobScheduledEvent(jobID uuid.UUID, targetName string, engineID uuid.UUID) JobScheduledEvent {
	return JobScheduledEvent{occurredAt: time.Now(), JobID: jobID, TargetName: targetName, EngineID: engineID}
}

func (e JobScheduledEvent) EventType() events.EventType { return EventTypeJobScheduled }
func (e JobScheduledEvent) OccurredAt() time.Time       { return e.occurredAt }

// JobCompletedEvent signals that a job's pipeline finished.
type JobCompletedEvent struct {
	occurredAt time.Time
	JobID      uuid.UUID `json:"job_id"`
}

// NewJobCompletedEvent creates a new job completed event.
func NewJobCompletedEvent(jobID uuid.UUID) JobCompletedEvent {
	return JobCompletedEvent{occurredAt: time.Now(), JobID: jobID}
}

func (e JobCompletedEvent) EventType() events.EventType { return EventTypeJobCompleted }
func (e JobCompletedEvent) OccurredAt() time.Time       { return e.occurredAt }

// JobFailedEvent signals that a job failed with a job-level error.
type JobFailedEvent struct {
	occurredAt time.Time
	JobID      uuid.UUID `json:"job_id"`
	Reason     string    `json:"reason"`
}

// NewJobFailedEvent creates a new job failed event.
func NewJobFailedEvent(jobID uuid.UUID, reason string) JobFailedEvent {
	return JobFailedEvent{occurredAt: time.Now(), JobID: jobID, Reason: reason}
}

func (e JobFailedEvent) EventType() events.EventType { return EventTypeJobFailed }
func (e JobFailedEvent) OccurredAt() time.Time       { return e.occurredAt }

// JobCancelledEvent signals that a user cancelled the job.
type JobCancelledEvent struct {
	occurredAt time.Time
	JobID      uuid.UUID `json:"job_id"`
}

// NewJobCancelledEvent creates a new job cancelled event.
func NewJobCancelledEvent(jobID uuid.UUID) JobCancelledEvent {
	return JobCancelledEvent{occurredAt: time.Now(), JobID: jobID}
}

func (e JobCancelledEvent) EventType() events.EventType { return EventTypeJobCancelled }
func (e JobCancelledEvent) OccurredAt() time.Time       { return e.occurredAt }

// StageStartedEvent signals that a pipeline stage began executing.
type StageStartedEvent struct {
	occurredAt time.Time
	JobID      uuid.UUID `json:"job_id"`
	Stage      string    `json:"stage"`
}

// NewStageStartedEvent creates a new stage started event.
func NewStageStartedEvent(jobID uuid.UUID, stage string) StageStartedEvent {
	return StageStartedEvent{occurredAt: time.Now(), JobID: jobID, Stage: stage}
}

func (e StageStartedEvent) EventType() events.EventType { return EventTypeStageStarted }
func (e StageStartedEvent) OccurredAt() time.Time       { return e.occurredAt }

// StageFinishedEvent signals that a pipeline stage ended, carrying the
// terminal stage status and any failure detail.
type StageFinishedEvent struct {
	occurredAt time.Time
	JobID      uuid.UUID   `json:"job_id"`
	Stage      string      `json:"stage"`
	Status     StageStatus `json:"status"`
	Detail     string      `json:"detail,omitempty"`
}

// NewStageFinishedEvent creates a new stage finished event.
func NewStageFinishedEvent(jobID uuid.UUID, stage string, status StageStatus, detail string) StageFinishedEvent {
	return StageFinishedEvent{occurredAt: time.Now(), JobID: jobID, Stage: stage, Status: status, Detail: detail}
}

func (e StageFinishedEvent) EventType() events.EventType { return EventTypeStageFinished }
func (e StageFinishedEvent) OccurredAt() time.Time       { return e.occurredAt }
