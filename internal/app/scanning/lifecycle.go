// Package scanning implements the application services that drive scan job
// lifecycle: creation, stage progress bookkeeping, cancellation and the
// two-phase deletion flow.
package scanning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/reconwave/reconwave/internal/domain/events"
	"github.com/reconwave/reconwave/internal/domain/scanning"
	"github.com/reconwave/reconwave/pkg/common/logger"
	"github.com/reconwave/reconwave/pkg/common/timeutil"
	"github.com/reconwave/reconwave/pkg/common/uuid"
)

// ProcessTerminator stops the remote processes tracked by a job. The task
// distributor implements it; termination is always best effort.
type ProcessTerminator interface {
	// TerminateJob signals every tracked process of the job and returns how
	// many were signalled.
	TerminateJob(ctx context.Context, job *scanning.Job) (int, error)
}

// CreateJobCommand carries the inputs for starting a new scan.
type CreateJobCommand struct {
	TargetName     string
	OrganizationID uuid.UUID
	EngineID       uuid.UUID
}

// JobLifecycle is the job state machine service. All status changes funnel
// through it so terminal-state stickiness and event publication stay in one
// place.
type JobLifecycle struct {
	jobs      scanning.JobRepository
	snapshots scanning.SnapshotRepository
	targets   scanning.TargetRepository
	engines   scanning.EngineRepository

	terminator ProcessTerminator
	publisher  events.DomainEventPublisher

	timeProvider timeutil.Provider
	logger       *logger.Logger
	tracer       trace.Tracer
}

// NewJobLifecycle creates the lifecycle service.
func NewJobLifecycle(
	jobs scanning.JobRepository,
	snapshots scanning.SnapshotRepository,
	targets scanning.TargetRepository,
	engines scanning.EngineRepository,
	terminator ProcessTerminator,
	publisher events.DomainEventPublisher,
	logger *logger.Logger,
	tracer trace.Tracer,
) *JobLifecycle {
	return &JobLifecycle{
		jobs:         jobs,
		snapshots:    snapshots,
		targets:      targets,
		engines:      engines,
		terminator:   terminator,
		publisher:    publisher,
		timeProvider: timeutil.Default(),
		logger:       logger.With("component", "job_lifecycle"),
		tracer:       tracer,
	}
}

// CreateJob resolves the target, validates the engine and persists a new job
// in the initiated state. The distributor picks it up via the published
// JobScheduled event.
func (s *JobLifecycle) CreateJob(ctx context.Context, cmd CreateJobCommand) (*scanning.Job, error) {
	ctx, span := s.tracer.Start(ctx, "job_lifecycle.create_job",
		trace.WithAttributes(
			attribute.String("target_name", cmd.TargetName),
			attribute.String("engine_id", cmd.EngineID.String()),
		),
	)
	defer span.End()

	target, err := s.targets.GetOrCreateByName(ctx, cmd.TargetName, cmd.OrganizationID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to resolve target")
		return nil, fmt.Errorf("resolving target %q: %w", cmd.TargetName, err)
	}

	if _, err := s.engines.GetEngine(ctx, cmd.EngineID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load engine")
		return nil, fmt.Errorf("loading engine %s: %w", cmd.EngineID, err)
	}

	job := scanning.NewJob(uuid.New(), target, cmd.EngineID)
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist job")
		return nil, fmt.Errorf("creating job: %w", err)
	}
	span.SetAttributes(attribute.String("job_id", job.JobID().String()))
	span.AddEvent("job_created")

	evt := scanning.NewJobScheduledEvent(job.JobID(), target.Name(), cmd.EngineID)
	if err := s.publisher.PublishDomainEvent(ctx, evt, events.WithKey(job.JobID().String())); err != nil {
		s.logger.Error(ctx, "failed to publish job scheduled event",
			"job_id", job.JobID(), "error", err)
	}

	s.logger.Info(ctx, "job created", "job_id", job.JobID(), "target", target.Name())
	return job, nil
}

// GetJob loads a live job for the detail view.
func (s *JobLifecycle) GetJob(ctx context.Context, jobID uuid.UUID) (*scanning.Job, error) {
	return s.jobs.GetJob(ctx, jobID)
}

// MarkRunning transitions the job from initiated to running once a worker
// has accepted it. A false return means the job was already cancelled or
// otherwise left the initiated state; callers must not start work.
func (s *JobLifecycle) MarkRunning(ctx context.Context, jobID uuid.UUID) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "job_lifecycle.mark_running",
		trace.WithAttributes(attribute.String("job_id", jobID.String())))
	defer span.End()

	applied, err := s.jobs.UpdateStatusIfCurrent(ctx, jobID, scanning.JobStatusInitiated, scanning.JobStatusRunning)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("marking job running: %w", err)
	}
	if !applied {
		span.AddEvent("transition_not_applied")
		s.logger.Info(ctx, "job no longer startable", "job_id", jobID)
	}
	return applied, nil
}

// CompleteJob refreshes the cached stats and moves the job to completed.
// Completion racing a cancellation loses quietly: the CAS does not apply and
// the job stays cancelled.
func (s *JobLifecycle) CompleteJob(ctx context.Context, jobID uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "job_lifecycle.complete_job",
		trace.WithAttributes(attribute.String("job_id", jobID.String())))
	defer span.End()

	if err := s.RefreshCachedStats(ctx, jobID); err != nil {
		s.logger.Warn(ctx, "failed to refresh stats at completion", "job_id", jobID, "error", err)
	}

	applied, err := s.jobs.UpdateStatusIfCurrent(ctx, jobID, scanning.JobStatusRunning, scanning.JobStatusCompleted)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to complete job")
		return fmt.Errorf("completing job: %w", err)
	}
	if !applied {
		span.AddEvent("transition_not_applied")
		return nil
	}

	evt := scanning.NewJobCompletedEvent(jobID)
	if err := s.publisher.PublishDomainEvent(ctx, evt, events.WithKey(jobID.String())); err != nil {
		s.logger.Error(ctx, "failed to publish job completed event", "job_id", jobID, "error", err)
	}
	s.logger.Info(ctx, "job completed", "job_id", jobID)
	return nil
}

// FailJob moves the job to failed with a job-level reason. It handles both
// dispatch failures (initiated jobs) and pipeline failures (running jobs);
// an already-terminal job absorbs the call as a no-op.
func (s *JobLifecycle) FailJob(ctx context.Context, jobID uuid.UUID, reason string) error {
	ctx, span := s.tracer.Start(ctx, "job_lifecycle.fail_job",
		trace.WithAttributes(
			attribute.String("job_id", jobID.String()),
			attribute.String("reason", reason),
		),
	)
	defer span.End()

	applied, err := s.jobs.UpdateStatusIfCurrent(ctx, jobID, scanning.JobStatusRunning, scanning.JobStatusFailed)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failing job: %w", err)
	}
	if !applied {
		applied, err = s.jobs.UpdateStatusIfCurrent(ctx, jobID, scanning.JobStatusInitiated, scanning.JobStatusFailed)
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("failing job: %w", err)
		}
	}
	if !applied {
		span.AddEvent("transition_not_applied")
		return nil
	}

	if job, err := s.jobs.GetJob(ctx, jobID); err == nil {
		job.RecordError(reason)
		if err := s.jobs.UpdateJob(ctx, job); err != nil {
			s.logger.Warn(ctx, "failed to store job error message", "job_id", jobID, "error", err)
		}
	}

	evt := scanning.NewJobFailedEvent(jobID, reason)
	if err := s.publisher.PublishDomainEvent(ctx, evt, events.WithKey(jobID.String())); err != nil {
		s.logger.Error(ctx, "failed to publish job failed event", "job_id", jobID, "error", err)
	}
	s.logger.Error(ctx, "job failed", "job_id", jobID, "reason", reason)
	return nil
}

// CancelJob cancels the job and every non-terminal stage in one atomic
// cascade, then best-effort terminates the job's tracked processes. It
// returns whether the cancellation applied and how many processes were
// signalled. Cancelling a terminal job is a no-op, not an error.
func (s *JobLifecycle) CancelJob(ctx context.Context, jobID uuid.UUID) (applied bool, signalled int, err error) {
	ctx, span := s.tracer.Start(ctx, "job_lifecycle.cancel_job",
		trace.WithAttributes(attribute.String("job_id", jobID.String())))
	defer span.End()

	// Load before the cascade so the container handles survive the status flip.
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		span.RecordError(err)
		return false, 0, fmt.Errorf("loading job for cancel: %w", err)
	}

	applied, err = s.jobs.CancelJobCascade(ctx, jobID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cancel cascade failed")
		return false, 0, fmt.Errorf("cancelling job: %w", err)
	}
	if !applied {
		span.AddEvent("already_terminal")
		s.logger.Info(ctx, "cancel request on terminal job ignored", "job_id", jobID)
		return false, 0, nil
	}

	signalled, termErr := s.terminator.TerminateJob(ctx, job)
	if termErr != nil {
		// The cancelled status is already durable; orphaned processes exit on
		// their own once the cooperative cancel probe fires.
		s.logger.Warn(ctx, "best-effort process termination incomplete",
			"job_id", jobID, "signalled", signalled, "error", termErr)
	}

	evt := scanning.NewJobCancelledEvent(jobID)
	if err := s.publisher.PublishDomainEvent(ctx, evt, events.WithKey(jobID.String())); err != nil {
		s.logger.Error(ctx, "failed to publish job cancelled event", "job_id", jobID, "error", err)
	}
	s.logger.Info(ctx, "job cancelled", "job_id", jobID, "processes_signalled", signalled)
	return true, signalled, nil
}

// IsCancelled reports whether the job has been cancelled. The streaming
// result processor polls this between record batches.
func (s *JobLifecycle) IsCancelled(ctx context.Context, jobID uuid.UUID) (bool, error) {
	return s.jobs.IsCancelled(ctx, jobID)
}

// StageStarted marks the stage running in the job's progress map. It
// implements the orchestrator's stage notification port.
func (s *JobLifecycle) StageStarted(ctx context.Context, jobID uuid.UUID, stage string) error {
	ctx, span := s.tracer.Start(ctx, "job_lifecycle.stage_started",
		trace.WithAttributes(
			attribute.String("job_id", jobID.String()),
			attribute.String("stage", stage),
		),
	)
	defer span.End()

	entry, err := s.applyStage(ctx, jobID, stage, scanning.StageStatusRunning, "")
	if err != nil || entry == nil {
		return err
	}

	evt := scanning.NewStageStartedEvent(jobID, stage)
	if err := s.publisher.PublishDomainEvent(ctx, evt, events.WithKey(jobID.String())); err != nil {
		s.logger.Error(ctx, "failed to publish stage started event",
			"job_id", jobID, "stage", stage, "error", err)
	}
	return nil
}

// StageFinished records the stage's terminal status and refreshes the cached
// result stats so the job view reflects what the stage found.
func (s *JobLifecycle) StageFinished(ctx context.Context, jobID uuid.UUID, stage string, status scanning.StageStatus, detail string) error {
	ctx, span := s.tracer.Start(ctx, "job_lifecycle.stage_finished",
		trace.WithAttributes(
			attribute.String("job_id", jobID.String()),
			attribute.String("stage", stage),
			attribute.String("status", string(status)),
		),
	)
	defer span.End()

	entry, err := s.applyStage(ctx, jobID, stage, status, detail)
	if err != nil || entry == nil {
		return err
	}

	if err := s.RefreshCachedStats(ctx, jobID); err != nil {
		s.logger.Warn(ctx, "failed to refresh stats after stage",
			"job_id", jobID, "stage", stage, "error", err)
	}

	evt := scanning.NewStageFinishedEvent(jobID, stage, status, detail)
	if err := s.publisher.PublishDomainEvent(ctx, evt, events.WithKey(jobID.String())); err != nil {
		s.logger.Error(ctx, "failed to publish stage finished event",
			"job_id", jobID, "stage", stage, "error", err)
	}
	return nil
}

// applyStage runs the stage transition through the aggregate's stickiness
// rules and persists the single changed entry as an atomic merge. A nil
// entry with nil error means the transition did not apply (stage already
// terminal) and the caller should stay quiet.
func (s *JobLifecycle) applyStage(ctx context.Context, jobID uuid.UUID, stage string, status scanning.StageStatus, detail string) (*scanning.StageProgress, error) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("loading job for stage update: %w", err)
	}

	before, had := job.StageProgress()[stage]
	if !job.ApplyStageTransition(stage, status) {
		s.logger.Info(ctx, "stage transition not applied",
			"job_id", jobID, "stage", stage, "target_status", status)
		return nil, nil
	}

	entry := job.StageProgress()[stage]
	now := s.timeProvider.Now()
	switch {
	case status == scanning.StageStatusRunning:
		entry.StartedAt = now
	case status.IsTerminal():
		if had && !before.StartedAt.IsZero() {
			entry.StartedAt = before.StartedAt
			entry.Duration = now.Sub(before.StartedAt)
		}
		entry.Detail = detail
		if status == scanning.StageStatusFailed {
			entry.Error = detail
		}
	}

	merge := scanning.StageProgressMap{stage: entry}
	if err := s.jobs.MergeStageProgress(ctx, jobID, merge, job.CurrentStage(), job.Progress()); err != nil {
		return nil, fmt.Errorf("merging stage progress: %w", err)
	}
	return &entry, nil
}

// InitStagePlan seeds the job's stage-progress map with pending entries once
// the pipeline plan is known.
func (s *JobLifecycle) InitStagePlan(ctx context.Context, jobID uuid.UUID, stageNames []string) error {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("loading job for stage plan: %w", err)
	}
	job.InitStagePlan(stageNames)

	current := ""
	if len(stageNames) > 0 {
		current = stageNames[0]
	}
	if err := s.jobs.MergeStageProgress(ctx, jobID, job.StageProgress(), current, job.Progress()); err != nil {
		return fmt.Errorf("persisting stage plan: %w", err)
	}
	return nil
}

// RefreshCachedStats recomputes the job's aggregate counts from the snapshot
// tables and writes them back to the job row.
func (s *JobLifecycle) RefreshCachedStats(ctx context.Context, jobID uuid.UUID) error {
	stats, err := s.snapshots.ComputeStats(ctx, jobID)
	if err != nil {
		return fmt.Errorf("computing stats: %w", err)
	}
	if err := s.jobs.UpdateStats(ctx, jobID, stats); err != nil {
		return fmt.Errorf("storing stats: %w", err)
	}
	return nil
}

// DeleteJobs removes jobs in two phases: a synchronous soft delete that hides
// them immediately, then an asynchronous sweep that stops any tracked
// processes and hard-deletes the rows with their snapshots. The returned
// count is how many jobs the soft delete marked.
func (s *JobLifecycle) DeleteJobs(ctx context.Context, jobIDs []uuid.UUID) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "job_lifecycle.delete_jobs",
		trace.WithAttributes(attribute.Int("job_count", len(jobIDs))))
	defer span.End()

	// Snapshot the container handles before the rows become invisible.
	var doomed []*scanning.Job
	for _, id := range jobIDs {
		job, err := s.jobs.GetJob(ctx, id)
		if err != nil {
			if !errors.Is(err, scanning.ErrJobNotFound) {
				s.logger.Warn(ctx, "failed to load job for deletion", "job_id", id, "error", err)
			}
			continue
		}
		doomed = append(doomed, job)
	}

	marked, err := s.jobs.SoftDelete(ctx, jobIDs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "soft delete failed")
		return 0, fmt.Errorf("soft deleting jobs: %w", err)
	}
	span.SetAttributes(attribute.Int64("jobs_marked", marked))

	go s.hardDeleteSweep(doomed, jobIDs)

	s.logger.Info(ctx, "jobs soft deleted", "requested", len(jobIDs), "marked", marked)
	return marked, nil
}

// hardDeleteSweep runs detached from the request: the soft delete already
// answered the caller, so cleanup gets its own deadline.
func (s *JobLifecycle) hardDeleteSweep(doomed []*scanning.Job, jobIDs []uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	for _, job := range doomed {
		if !job.Status().IsTerminal() {
			if _, err := s.terminator.TerminateJob(ctx, job); err != nil {
				s.logger.Warn(ctx, "failed to stop processes for deleted job",
					"job_id", job.JobID(), "error", err)
			}
		}
	}

	if err := s.jobs.HardDeleteCascade(ctx, jobIDs); err != nil {
		s.logger.Error(ctx, "hard delete cascade failed", "error", err)
		return
	}
	s.logger.Info(ctx, "jobs hard deleted", "count", len(jobIDs))
}
