// Package postgres provides PostgreSQL-backed repositories for the scanning
// domain. Mutations that can race across concurrent tool executions are
// written as single atomic statements; the stickiness of terminal states is
// enforced inside the SQL, not by read-then-write in Go.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/reconwave/reconwave/internal/domain/scanning"
	"github.com/reconwave/reconwave/internal/infra/storage"
	"github.com/reconwave/reconwave/pkg/common/uuid"
)

// defaultDBAttributes defines standard OpenTelemetry attributes for database
// operations.
var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

func pgUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}

// terminalJobStatuses is inlined into queries that must not touch a job that
// already stopped.
const terminalJobStatuses = `'COMPLETED','FAILED','CANCELLED'`

// terminalStageStatuses guards JSONB merges against overwriting a stage entry
// that already reached a terminal state.
const terminalStageStatuses = `'COMPLETED','FAILED','CANCELLED','SKIPPED'`

var _ scanning.JobRepository = (*jobStore)(nil)

// jobStore implements scanning.JobRepository using PostgreSQL as the backing
// store.
type jobStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewJobStore creates a new PostgreSQL-backed job repository with tracing
// capabilities.
func NewJobStore(pool *pgxpool.Pool, tracer trace.Tracer) *jobStore {
	return &jobStore{db: pool, tracer: tracer}
}

// CreateJob persists a new scan job.
func (r *jobStore) CreateJob(ctx context.Context, job *scanning.Job) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("job_id", job.JobID().String()),
		attribute.String("status", string(job.Status())),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.create_job", dbAttrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()

		stats, err := json.Marshal(job.Stats())
		if err != nil {
			return fmt.Errorf("marshal stats: %w", err)
		}
		stageProgress, err := json.Marshal(job.StageProgress())
		if err != nil {
			return fmt.Errorf("marshal stage progress: %w", err)
		}

		_, err = r.db.Exec(ctx, `
			INSERT INTO scan_jobs (
				job_id, target_id, engine_id, status, error_message, worker_name,
				container_ids, progress, current_stage, stage_progress, stats,
				created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)`,
			pgUUID(job.JobID()), pgUUID(job.Target().ID()), pgUUID(job.EngineID()),
			string(job.Status()), job.ErrorMessage(), job.WorkerName(),
			job.ContainerIDs(), job.Progress(), job.CurrentStage(), stageProgress, stats,
			job.Timeline().CreatedAt(),
		)
		if err != nil {
			return fmt.Errorf("CreateJob insert error: %w", storage.ClassifyError(err))
		}
		return nil
	})
}

// GetJob loads a live job with its target, hydrating the aggregate.
func (r *jobStore) GetJob(ctx context.Context, jobID uuid.UUID) (*scanning.Job, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("job_id", jobID.String()))

	var job *scanning.Job
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.get_job", dbAttrs, func(ctx context.Context) error {
		row := r.db.QueryRow(ctx, `
			SELECT j.job_id, j.engine_id, j.status, j.error_message, j.worker_name,
			       j.container_ids, j.progress, j.current_stage, j.stage_progress,
			       j.stats, j.created_at, j.stopped_at, j.updated_at, j.deleted_at,
			       t.id, t.name, t.kind, t.organization_id
			FROM scan_jobs j
			JOIN targets t ON t.id = j.target_id
			WHERE j.job_id = $1 AND j.deleted_at IS NULL`,
			pgUUID(jobID),
		)
		loaded, err := scanJobRow(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return scanning.ErrJobNotFound
			}
			return fmt.Errorf("GetJob query error: %w", err)
		}
		job = loaded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func scanJobRow(row pgx.Row) (*scanning.Job, error) {
	var (
		jobID, engineID, targetID, orgID pgtype.UUID
		status, errMsg, workerName       string
		containerIDs                     []string
		progress                         int
		currentStage                     string
		stageProgressRaw, statsRaw       []byte
		createdAt, updatedAt             time.Time
		stoppedAt, deletedAt             pgtype.Timestamptz
		targetName, targetKind           string
	)
	if err := row.Scan(
		&jobID, &engineID, &status, &errMsg, &workerName,
		&containerIDs, &progress, &currentStage, &stageProgressRaw,
		&statsRaw, &createdAt, &stoppedAt, &updatedAt, &deletedAt,
		&targetID, &targetName, &targetKind, &orgID,
	); err != nil {
		return nil, err
	}

	stageProgress := make(scanning.StageProgressMap)
	if len(stageProgressRaw) > 0 {
		if err := json.Unmarshal(stageProgressRaw, &stageProgress); err != nil {
			return nil, fmt.Errorf("unmarshal stage progress: %w", err)
		}
	}
	stats := scanning.NewResultStats()
	if len(statsRaw) > 0 {
		if err := json.Unmarshal(statsRaw, &stats); err != nil {
			return nil, fmt.Errorf("unmarshal stats: %w", err)
		}
	}

	var stopped time.Time
	if stoppedAt.Valid {
		stopped = stoppedAt.Time
	}
	var deleted *time.Time
	if deletedAt.Valid {
		deleted = &deletedAt.Time
	}

	target := scanning.ReconstructTarget(
		uuid.UUID(targetID.Bytes), targetName, scanning.TargetKind(targetKind), uuid.UUID(orgID.Bytes))

	return scanning.ReconstructJob(
		uuid.UUID(jobID.Bytes),
		target,
		uuid.UUID(engineID.Bytes),
		scanning.JobStatus(status),
		errMsg,
		workerName,
		containerIDs,
		progress,
		currentStage,
		stageProgress,
		stats,
		scanning.ReconstructTimeline(createdAt, stopped, updatedAt),
		deleted,
	), nil
}

// UpdateJob persists the job's mutable descriptive fields. Status changes go
// through UpdateStatusIfCurrent instead.
func (r *jobStore) UpdateJob(ctx context.Context, job *scanning.Job) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("job_id", job.JobID().String()))

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.update_job", dbAttrs, func(ctx context.Context) error {
		stats, err := json.Marshal(job.Stats())
		if err != nil {
			return fmt.Errorf("marshal stats: %w", err)
		}
		tag, err := r.db.Exec(ctx, `
			UPDATE scan_jobs
			SET error_message = $2, worker_name = $3, stats = $4, updated_at = now()
			WHERE job_id = $1 AND deleted_at IS NULL`,
			pgUUID(job.JobID()), job.ErrorMessage(), job.WorkerName(), stats,
		)
		if err != nil {
			return fmt.Errorf("UpdateJob error: %w", storage.ClassifyError(err))
		}
		if tag.RowsAffected() == 0 {
			return scanning.ErrJobNotFound
		}
		return nil
	})
}

// UpdateStatusIfCurrent performs the status CAS. The WHERE clause carries
// both the expected status and the terminal guard, so a job that was
// cancelled between read and write absorbs the update without effect.
func (r *jobStore) UpdateStatusIfCurrent(ctx context.Context, jobID uuid.UUID, expected, next scanning.JobStatus) (bool, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("job_id", jobID.String()),
		attribute.String("expected", string(expected)),
		attribute.String("next", string(next)),
	)

	var applied bool
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.update_job_status", dbAttrs, func(ctx context.Context) error {
		tag, err := r.db.Exec(ctx, `
			UPDATE scan_jobs
			SET status = $3,
			    stopped_at = CASE WHEN $3 IN (`+terminalJobStatuses+`) THEN now() ELSE stopped_at END,
			    updated_at = now()
			WHERE job_id = $1 AND status = $2 AND deleted_at IS NULL`,
			pgUUID(jobID), string(expected), string(next),
		)
		if err != nil {
			return fmt.Errorf("status CAS error: %w", storage.ClassifyError(err))
		}
		applied = tag.RowsAffected() > 0
		return nil
	})
	return applied, err
}

// AppendContainerID atomically appends one container handle.
func (r *jobStore) AppendContainerID(ctx context.Context, jobID uuid.UUID, containerID string) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("job_id", jobID.String()),
		attribute.String("container_id", containerID),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.append_container_id", dbAttrs, func(ctx context.Context) error {
		tag, err := r.db.Exec(ctx, `
			UPDATE scan_jobs
			SET container_ids = array_append(container_ids, $2), updated_at = now()
			WHERE job_id = $1 AND deleted_at IS NULL`,
			pgUUID(jobID), containerID,
		)
		if err != nil {
			return fmt.Errorf("append container id error: %w", storage.ClassifyError(err))
		}
		if tag.RowsAffected() == 0 {
			return scanning.ErrJobNotFound
		}
		return nil
	})
}

// MergeStageProgress merges entries into the stage-progress JSONB in one
// statement. Incoming entries whose stored counterpart is already terminal
// are filtered out inside the query, which is what makes a racing stage
// update after a cancellation harmless.
func (r *jobStore) MergeStageProgress(ctx context.Context, jobID uuid.UUID, entries scanning.StageProgressMap, currentStage string, progress int) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("job_id", jobID.String()),
		attribute.Int("entry_count", len(entries)),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.merge_stage_progress", dbAttrs, func(ctx context.Context) error {
		incoming, err := json.Marshal(entries)
		if err != nil {
			return fmt.Errorf("marshal stage entries: %w", err)
		}

		tag, err := r.db.Exec(ctx, `
			UPDATE scan_jobs
			SET stage_progress = stage_progress || (
			        SELECT COALESCE(jsonb_object_agg(key, value), '{}'::jsonb)
			        FROM jsonb_each($2::jsonb) AS incoming(key, value)
			        WHERE NOT (stage_progress ? key)
			           OR NOT (stage_progress->key->>'status' IN (`+terminalStageStatuses+`))
			    ),
			    current_stage = $3,
			    progress = $4,
			    updated_at = now()
			WHERE job_id = $1 AND deleted_at IS NULL`,
			pgUUID(jobID), incoming, currentStage, progress,
		)
		if err != nil {
			return fmt.Errorf("merge stage progress error: %w", storage.ClassifyError(err))
		}
		if tag.RowsAffected() == 0 {
			return scanning.ErrJobNotFound
		}
		return nil
	})
}

// CancelJobCascade cancels the job and every pending or running stage in one
// statement, guarded by the job still being cancellable. Terminal stage
// entries keep their status.
func (r *jobStore) CancelJobCascade(ctx context.Context, jobID uuid.UUID) (bool, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("job_id", jobID.String()))

	var applied bool
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.cancel_job_cascade", dbAttrs, func(ctx context.Context) error {
		tag, err := r.db.Exec(ctx, `
			UPDATE scan_jobs
			SET status = 'CANCELLED',
			    stopped_at = now(),
			    updated_at = now(),
			    stage_progress = (
			        SELECT COALESCE(jsonb_object_agg(key,
			            CASE WHEN value->>'status' IN ('PENDING','RUNNING')
			                 THEN jsonb_set(value, '{status}', '"CANCELLED"')
			                 ELSE value
			            END), '{}'::jsonb)
			        FROM jsonb_each(stage_progress) AS entry(key, value)
			    ),
			    progress = CASE WHEN stage_progress = '{}'::jsonb THEN progress ELSE 100 END
			WHERE job_id = $1
			  AND status IN ('INITIATED','RUNNING')
			  AND deleted_at IS NULL`,
			pgUUID(jobID),
		)
		if err != nil {
			return fmt.Errorf("cancel cascade error: %w", storage.ClassifyError(err))
		}
		applied = tag.RowsAffected() > 0
		return nil
	})
	return applied, err
}

// IsCancelled reports whether the job was cancelled. A soft-deleted job also
// reads as cancelled so in-flight executions wind down.
func (r *jobStore) IsCancelled(ctx context.Context, jobID uuid.UUID) (bool, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("job_id", jobID.String()))

	var cancelled bool
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.is_cancelled", dbAttrs, func(ctx context.Context) error {
		err := r.db.QueryRow(ctx, `
			SELECT status = 'CANCELLED' OR deleted_at IS NOT NULL
			FROM scan_jobs WHERE job_id = $1`,
			pgUUID(jobID),
		).Scan(&cancelled)
		if errors.Is(err, pgx.ErrNoRows) {
			return scanning.ErrJobNotFound
		}
		return err
	})
	return cancelled, err
}

// UpdateStats replaces the cached aggregate counts.
func (r *jobStore) UpdateStats(ctx context.Context, jobID uuid.UUID, stats scanning.ResultStats) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("job_id", jobID.String()))

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.update_stats", dbAttrs, func(ctx context.Context) error {
		payload, err := json.Marshal(stats)
		if err != nil {
			return fmt.Errorf("marshal stats: %w", err)
		}
		tag, err := r.db.Exec(ctx, `
			UPDATE scan_jobs SET stats = $2, updated_at = now()
			WHERE job_id = $1 AND deleted_at IS NULL`,
			pgUUID(jobID), payload,
		)
		if err != nil {
			return fmt.Errorf("update stats error: %w", storage.ClassifyError(err))
		}
		if tag.RowsAffected() == 0 {
			return scanning.ErrJobNotFound
		}
		return nil
	})
}

// SoftDelete tombstones jobs so they disappear from reads immediately.
func (r *jobStore) SoftDelete(ctx context.Context, jobIDs []uuid.UUID) (int64, error) {
	dbAttrs := append(defaultDBAttributes, attribute.Int("job_count", len(jobIDs)))

	var marked int64
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.soft_delete_jobs", dbAttrs, func(ctx context.Context) error {
		tag, err := r.db.Exec(ctx, `
			UPDATE scan_jobs SET deleted_at = now(), updated_at = now()
			WHERE job_id = ANY($1) AND deleted_at IS NULL`,
			uuidSlice(jobIDs),
		)
		if err != nil {
			return fmt.Errorf("soft delete error: %w", storage.ClassifyError(err))
		}
		marked = tag.RowsAffected()
		return nil
	})
	return marked, err
}

// HardDeleteCascade removes the job rows; snapshot rows follow through the
// foreign key cascade.
func (r *jobStore) HardDeleteCascade(ctx context.Context, jobIDs []uuid.UUID) error {
	dbAttrs := append(defaultDBAttributes, attribute.Int("job_count", len(jobIDs)))

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.hard_delete_jobs", dbAttrs, func(ctx context.Context) error {
		if _, err := r.db.Exec(ctx, `DELETE FROM scan_jobs WHERE job_id = ANY($1)`, uuidSlice(jobIDs)); err != nil {
			return fmt.Errorf("hard delete error: %w", storage.ClassifyError(err))
		}
		return nil
	})
}

func uuidSlice(ids []uuid.UUID) []pgtype.UUID {
	out := make([]pgtype.UUID, len(ids))
	for i, id := range ids {
		out[i] = pgUUID(id)
	}
	return out
}
