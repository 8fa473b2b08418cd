package postgres

import (
	"context"
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

var _ scanning.ScheduledJobRepository = (*scheduleStore)(nil)

// scheduleStore implements scanning.ScheduledJobRepository using PostgreSQL.
// The AdvanceNextRun CAS is what lets multiple trigger replicas run without
// double-firing a schedule.
type scheduleStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewScheduleStore creates a new PostgreSQL-backed schedule repository.
func NewScheduleStore(pool *pgxpool.Pool, tracer trace.Tracer) *scheduleStore {
	return &scheduleStore{db: pool, tracer: tracer}
}

// CreateSchedule persists a new schedule.
func (r *scheduleStore) CreateSchedule(ctx context.Context, schedule *scanning.ScheduledJob) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("schedule_id", schedule.ID().String()),
		attribute.String("cron", schedule.CronExpr()),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.create_schedule", dbAttrs, func(ctx context.Context) error {
		_, err := r.db.Exec(ctx, `
			INSERT INTO scheduled_jobs (
				id, name, engine_id, target_id, organization_id, cron_expr,
				enabled, run_count, last_run_time, next_run_time
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			pgUUID(schedule.ID()), schedule.Name(), pgUUID(schedule.EngineID()),
			nullableUUID(schedule.TargetID()), pgUUID(schedule.OrganizationID()),
			schedule.CronExpr(), schedule.Enabled(), schedule.RunCount(),
			nullableTime(schedule.LastRunTime()), schedule.NextRunTime(),
		)
		if err != nil {
			return fmt.Errorf("CreateSchedule insert error: %w", storage.ClassifyError(err))
		}
		return nil
	})
}

// GetSchedule loads one schedule by id.
func (r *scheduleStore) GetSchedule(ctx context.Context, id uuid.UUID) (*scanning.ScheduledJob, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("schedule_id", id.String()))

	var schedule *scanning.ScheduledJob
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.get_schedule", dbAttrs, func(ctx context.Context) error {
		row := r.db.QueryRow(ctx, `
			SELECT id, name, engine_id, target_id, organization_id, cron_expr,
			       enabled, run_count, last_run_time, next_run_time
			FROM scheduled_jobs WHERE id = $1`,
			pgUUID(id),
		)
		loaded, err := scanScheduleRow(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return scanning.ErrScheduleNotFound
			}
			return fmt.Errorf("GetSchedule query error: %w", err)
		}
		schedule = loaded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return schedule, nil
}

// UpdateSchedule persists the schedule's mutable fields.
func (r *scheduleStore) UpdateSchedule(ctx context.Context, schedule *scanning.ScheduledJob) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("schedule_id", schedule.ID().String()))

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.update_schedule", dbAttrs, func(ctx context.Context) error {
		tag, err := r.db.Exec(ctx, `
			UPDATE scheduled_jobs
			SET name = $2, cron_expr = $3, enabled = $4, next_run_time = $5, updated_at = now()
			WHERE id = $1`,
			pgUUID(schedule.ID()), schedule.Name(), schedule.CronExpr(),
			schedule.Enabled(), schedule.NextRunTime(),
		)
		if err != nil {
			return fmt.Errorf("UpdateSchedule error: %w", storage.ClassifyError(err))
		}
		if tag.RowsAffected() == 0 {
			return scanning.ErrScheduleNotFound
		}
		return nil
	})
}

// DeleteSchedule removes a schedule. Jobs it created are unaffected.
func (r *scheduleStore) DeleteSchedule(ctx context.Context, id uuid.UUID) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("schedule_id", id.String()))

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.delete_schedule", dbAttrs, func(ctx context.Context) error {
		tag, err := r.db.Exec(ctx, `DELETE FROM scheduled_jobs WHERE id = $1`, pgUUID(id))
		if err != nil {
			return fmt.Errorf("DeleteSchedule error: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return scanning.ErrScheduleNotFound
		}
		return nil
	})
}

// ListDue returns enabled schedules whose next run time has arrived.
func (r *scheduleStore) ListDue(ctx context.Context, now time.Time) ([]*scanning.ScheduledJob, error) {
	var due []*scanning.ScheduledJob
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.list_due_schedules", defaultDBAttributes, func(ctx context.Context) error {
		rows, err := r.db.Query(ctx, `
			SELECT id, name, engine_id, target_id, organization_id, cron_expr,
			       enabled, run_count, last_run_time, next_run_time
			FROM scheduled_jobs
			WHERE enabled AND next_run_time <= $1
			ORDER BY next_run_time`,
			now,
		)
		if err != nil {
			return fmt.Errorf("ListDue query error: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			schedule, err := scanScheduleRow(rows)
			if err != nil {
				return fmt.Errorf("ListDue scan error: %w", err)
			}
			due = append(due, schedule)
		}
		return rows.Err()
	})
	return due, err
}

// AdvanceNextRun claims one firing with a compare-and-swap on the stored next
// run time. Only one caller per occurrence sees applied=true.
func (r *scheduleStore) AdvanceNextRun(ctx context.Context, id uuid.UUID, expectedNextRun, nextRun, firedAt time.Time) (bool, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("schedule_id", id.String()),
		attribute.String("next_run", nextRun.Format(time.RFC3339)),
	)

	var applied bool
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.advance_next_run", dbAttrs, func(ctx context.Context) error {
		tag, err := r.db.Exec(ctx, `
			UPDATE scheduled_jobs
			SET next_run_time = $3, last_run_time = $4, run_count = run_count + 1, updated_at = now()
			WHERE id = $1 AND next_run_time = $2 AND enabled`,
			pgUUID(id), expectedNextRun, nextRun, firedAt,
		)
		if err != nil {
			return fmt.Errorf("AdvanceNextRun error: %w", storage.ClassifyError(err))
		}
		applied = tag.RowsAffected() > 0
		return nil
	})
	return applied, err
}

func scanScheduleRow(row pgx.Row) (*scanning.ScheduledJob, error) {
	var (
		id, engineID, orgID pgtype.UUID
		targetID            pgtype.UUID
		name, cronExpr      string
		enabled             bool
		runCount            int
		lastRun             pgtype.Timestamptz
		nextRun             time.Time
	)
	if err := row.Scan(&id, &name, &engineID, &targetID, &orgID, &cronExpr,
		&enabled, &runCount, &lastRun, &nextRun); err != nil {
		return nil, err
	}

	var target uuid.UUID
	if targetID.Valid {
		target = uuid.UUID(targetID.Bytes)
	}
	var last time.Time
	if lastRun.Valid {
		last = lastRun.Time
	}

	return scanning.ReconstructScheduledJob(
		uuid.UUID(id.Bytes), name, uuid.UUID(engineID.Bytes), target, uuid.UUID(orgID.Bytes),
		cronExpr, enabled, runCount, last, nextRun,
	), nil
}

func nullableUUID(id uuid.UUID) pgtype.UUID {
	if id == uuid.Nil {
		return pgtype.UUID{}
	}
	return pgUUID(id)
}

func nullableTime(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}
