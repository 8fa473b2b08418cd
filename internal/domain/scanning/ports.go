// Package scanning provides domain types and interfaces for managing scan
// jobs, their pipeline stages, and discovered results.
package scanning

import (
	"context"
	"errors"
	"time"

	"github.com/reconwave/reconwave/pkg/common/uuid"
)

// A set of sentinel errors surfaced by repositories.
var (
	// ErrJobNotFound is returned when a job lookup misses (or the job was
	// soft deleted).
	ErrJobNotFound = errors.New("job not found")

	// ErrScheduleNotFound is returned when a scheduled-job lookup misses.
	ErrScheduleNotFound = errors.New("scheduled job not found")

	// ErrTargetNotFound is returned when a target lookup misses.
	ErrTargetNotFound = errors.New("target not found")

	// ErrEngineNotFound is returned when an engine lookup misses.
	ErrEngineNotFound = errors.New("engine not found")

	// ErrDataIntegrity wraps storage failures caused by malformed values
	// rather than transient conditions. Batches failing with it are dropped,
	// not retried.
	ErrDataIntegrity = errors.New("data integrity violation")
)

// JobRepository defines the persistence port for scan jobs. Mutations that
// can race across concurrent tool executions (container-id append, stage
// progress merge, cancellation cascade, status CAS) are single atomic
// statements, never read-then-write-back.
type JobRepository interface {
	// CreateJob persists a new job record.
	CreateJob(ctx context.Context, job *Job) error

	// GetJob loads a live (not soft-deleted) job.
	GetJob(ctx context.Context, jobID uuid.UUID) (*Job, error)

	// UpdateJob persists mutable job fields (error message, worker, stats).
	UpdateJob(ctx context.Context, job *Job) error

	// UpdateStatusIfCurrent transitions the job's status only when the
	// stored status equals expected. It reports whether the transition was
	// applied, defending terminal-state stickiness and double-cancel races.
	UpdateStatusIfCurrent(ctx context.Context, jobID uuid.UUID, expected, next JobStatus) (bool, error)

	// AppendContainerID atomically appends a process/container handle to the
	// job's tracked list.
	AppendContainerID(ctx context.Context, jobID uuid.UUID, containerID string) error

	// MergeStageProgress atomically merges the given entries into the job's
	// stage-progress map, skipping entries whose stored status is already
	// terminal, and refreshes the current stage label and progress percent.
	MergeStageProgress(ctx context.Context, jobID uuid.UUID, entries StageProgressMap, currentStage string, progress int) error

	// CancelJobCascade marks the job cancelled and transitions every pending
	// and running stage to cancelled in one atomic statement, guarded by the
	// job still being in a cancellable state. It reports whether it applied.
	CancelJobCascade(ctx context.Context, jobID uuid.UUID) (bool, error)

	// IsCancelled reports whether the job has been marked cancelled. The
	// result processor polls this for cooperative cancellation.
	IsCancelled(ctx context.Context, jobID uuid.UUID) (bool, error)

	// UpdateStats replaces the job's cached aggregate counts.
	UpdateStats(ctx context.Context, jobID uuid.UUID, stats ResultStats) error

	// SoftDelete tombstones the given jobs and returns how many were marked.
	SoftDelete(ctx context.Context, jobIDs []uuid.UUID) (int64, error)

	// HardDeleteCascade irreversibly removes the given jobs and their
	// snapshot rows. Callers are expected to have stopped any tracked
	// processes first.
	HardDeleteCascade(ctx context.Context, jobIDs []uuid.UUID) error
}

// SnapshotRepository persists immutable per-job records of discovered
// entities. Inserts ignore natural-key conflicts so batch retries are
// idempotent.
type SnapshotRepository interface {
	// BulkInsertIgnoreConflicts writes one batch of snapshot rows for the
	// job, silently skipping rows whose (job, natural key) already exists.
	BulkInsertIgnoreConflicts(ctx context.Context, jobID, targetID uuid.UUID, records []Record) error

	// ComputeStats aggregates the job's snapshot rows into result counts.
	ComputeStats(ctx context.Context, jobID uuid.UUID) (ResultStats, error)

	// CountByKind returns the number of snapshot rows of one kind for a job.
	// Stage skip decisions use this to detect missing prerequisites.
	CountByKind(ctx context.Context, jobID uuid.UUID, kind RecordKind) (int64, error)
}

// AssetRepository persists the deduplicated current-state records for a
// target, independent of which job found them.
type AssetRepository interface {
	// BulkInsertIgnoreConflicts projects one batch of records into the asset
	// tables, silently skipping rows whose (target, natural key) already
	// exists.
	BulkInsertIgnoreConflicts(ctx context.Context, targetID uuid.UUID, records []Record) error
}

// TargetRepository manages scan targets.
type TargetRepository interface {
	GetTarget(ctx context.Context, targetID uuid.UUID) (Target, error)
	GetOrCreateByName(ctx context.Context, name string, organizationID uuid.UUID) (Target, error)
	ListByOrganization(ctx context.Context, organizationID uuid.UUID) ([]Target, error)
}

// EngineRepository manages engine configurations.
type EngineRepository interface {
	GetEngine(ctx context.Context, engineID uuid.UUID) (*Engine, error)
}

// ScheduledJobRepository manages cron-driven job templates.
type ScheduledJobRepository interface {
	CreateSchedule(ctx context.Context, schedule *ScheduledJob) error
	GetSchedule(ctx context.Context, id uuid.UUID) (*ScheduledJob, error)
	UpdateSchedule(ctx context.Context, schedule *ScheduledJob) error
	DeleteSchedule(ctx context.Context, id uuid.UUID) error

	// ListDue returns enabled schedules with next_run_time <= now.
	ListDue(ctx context.Context, now time.Time) ([]*ScheduledJob, error)

	// AdvanceNextRun atomically claims a due firing: it moves next_run_time
	// from expectedNextRun to nextRun, stamps last_run_time and increments
	// run_count, but only while the stored next_run_time still equals
	// expectedNextRun. It reports whether this caller won the claim, which
	// is what prevents concurrent trigger checks from double-firing.
	AdvanceNextRun(ctx context.Context, id uuid.UUID, expectedNextRun, nextRun, firedAt time.Time) (bool, error)
}
