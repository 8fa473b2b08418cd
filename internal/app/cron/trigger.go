// Package cron runs the schedule trigger loop: it periodically scans for due
// schedules, claims each firing with a compare-and-swap on the stored next
// run time, and only then creates the jobs for the firing.
package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	appscanning "github.com/reconwave/reconwave/internal/app/scanning"
	"github.com/reconwave/reconwave/internal/domain/scanning"
	"github.com/reconwave/reconwave/pkg/common/logger"
	"github.com/reconwave/reconwave/pkg/common/timeutil"
	"github.com/reconwave/reconwave/pkg/common/uuid"
)

// defaultCheckInterval keeps firing latency under a minute, the finest
// granularity a five-field cron expression can express.
const defaultCheckInterval = 30 * time.Second

// cronParser accepts standard five-field expressions plus descriptors like
// @daily.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseExpression validates a cron expression and returns its schedule.
func ParseExpression(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// NextRun computes the occurrence after the given time.
func NextRun(expr string, after time.Time) (time.Time, error) {
	sched, err := ParseExpression(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// JobCreator starts jobs for fired schedules. The job lifecycle service
// implements it.
type JobCreator interface {
	CreateJob(ctx context.Context, cmd appscanning.CreateJobCommand) (*scanning.Job, error)
}

// Trigger is the schedule firing loop. Every replica may run one; the
// AdvanceNextRun claim makes concurrent checks safe, so leader election is an
// optimization that callers apply by gating Run, not a correctness need.
type Trigger struct {
	schedules scanning.ScheduledJobRepository
	targets   scanning.TargetRepository
	creator   JobCreator

	checkInterval time.Duration
	timeProvider  timeutil.Provider
	logger        *logger.Logger
	tracer        trace.Tracer
}

// NewTrigger creates a schedule trigger.
func NewTrigger(
	schedules scanning.ScheduledJobRepository,
	targets scanning.TargetRepository,
	creator JobCreator,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Trigger {
	return &Trigger{
		schedules:     schedules,
		targets:       targets,
		creator:       creator,
		checkInterval: defaultCheckInterval,
		timeProvider:  timeutil.Default(),
		logger:        logger.With("component", "schedule_trigger"),
		tracer:        tracer,
	}
}

// Run blocks, checking for due schedules until the context is cancelled.
func (t *Trigger) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.checkInterval)
	defer ticker.Stop()

	t.logger.Info(ctx, "schedule trigger started", "check_interval", t.checkInterval)
	for {
		select {
		case <-ctx.Done():
			t.logger.Info(ctx, "schedule trigger stopped")
			return ctx.Err()
		case <-ticker.C:
			t.checkDue(ctx)
		}
	}
}

// checkDue fires every claimed due schedule. Failures are logged per schedule
// so one broken expression cannot stall the rest.
func (t *Trigger) checkDue(ctx context.Context) {
	ctx, span := t.tracer.Start(ctx, "schedule_trigger.check_due")
	defer span.End()

	now := t.timeProvider.Now()
	due, err := t.schedules.ListDue(ctx, now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "listing due schedules failed")
		t.logger.Error(ctx, "failed to list due schedules", "error", err)
		return
	}
	span.SetAttributes(attribute.Int("due_count", len(due)))

	for _, schedule := range due {
		if err := t.fire(ctx, schedule, now); err != nil {
			t.logger.Error(ctx, "schedule firing failed",
				"schedule_id", schedule.ID(), "schedule", schedule.Name(), "error", err)
		}
	}
}

// fire claims one firing and creates its jobs. The next run time advances
// before any job is created: a crash mid-firing loses that firing rather than
// replaying it.
func (t *Trigger) fire(ctx context.Context, schedule *scanning.ScheduledJob, now time.Time) error {
	ctx, span := t.tracer.Start(ctx, "schedule_trigger.fire",
		trace.WithAttributes(
			attribute.String("schedule_id", schedule.ID().String()),
			attribute.String("cron", schedule.CronExpr()),
		),
	)
	defer span.End()

	nextRun, err := NextRun(schedule.CronExpr(), now)
	if err != nil {
		span.RecordError(err)
		return err
	}

	claimed, err := t.schedules.AdvanceNextRun(ctx, schedule.ID(), schedule.NextRunTime(), nextRun, now)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("advancing next run: %w", err)
	}
	if !claimed {
		// Another replica won the claim for this occurrence.
		span.AddEvent("claim_lost")
		return nil
	}

	names, err := t.resolveTargetNames(ctx, schedule)
	if err != nil {
		span.RecordError(err)
		return err
	}

	var created int
	for _, name := range names {
		_, err := t.creator.CreateJob(ctx, appscanning.CreateJobCommand{
			TargetName:     name,
			OrganizationID: schedule.OrganizationID(),
			EngineID:       schedule.EngineID(),
		})
		if err != nil {
			t.logger.Error(ctx, "failed to create scheduled job",
				"schedule_id", schedule.ID(), "target", name, "error", err)
			continue
		}
		created++
	}

	span.SetAttributes(attribute.Int("jobs_created", created))
	t.logger.Info(ctx, "schedule fired",
		"schedule_id", schedule.ID(), "schedule", schedule.Name(),
		"jobs_created", created, "next_run", nextRun)
	return nil
}

func (t *Trigger) resolveTargetNames(ctx context.Context, schedule *scanning.ScheduledJob) ([]string, error) {
	if !schedule.SelectsOrganization() {
		target, err := t.targets.GetTarget(ctx, schedule.TargetID())
		if err != nil {
			return nil, fmt.Errorf("resolving schedule target: %w", err)
		}
		return []string{target.Name()}, nil
	}

	targets, err := t.targets.ListByOrganization(ctx, schedule.OrganizationID())
	if err != nil {
		return nil, fmt.Errorf("listing organization targets: %w", err)
	}
	names := make([]string, 0, len(targets))
	for _, tgt := range targets {
		names = append(names, tgt.Name())
	}
	return names, nil
}

// CreateSchedule validates the expression, computes the first occurrence and
// persists the schedule.
func (t *Trigger) CreateSchedule(ctx context.Context, name string, engineID, targetID, organizationID uuid.UUID, cronExpr string) (*scanning.ScheduledJob, error) {
	nextRun, err := NextRun(cronExpr, t.timeProvider.Now())
	if err != nil {
		return nil, err
	}
	schedule := scanning.NewScheduledJob(uuid.New(), name, engineID, targetID, organizationID, cronExpr, nextRun)
	if err := t.schedules.CreateSchedule(ctx, schedule); err != nil {
		return nil, fmt.Errorf("creating schedule: %w", err)
	}
	t.logger.Info(ctx, "schedule created", "schedule_id", schedule.ID(), "cron", cronExpr, "next_run", nextRun)
	return schedule, nil
}

// GetSchedule loads a schedule by ID.
func (t *Trigger) GetSchedule(ctx context.Context, id uuid.UUID) (*scanning.ScheduledJob, error) {
	return t.schedules.GetSchedule(ctx, id)
}

// UpdateSchedule reschedules and toggles an existing schedule. The next run
// time is recomputed from now so a re-enabled schedule does not fire for
// occurrences missed while disabled.
func (t *Trigger) UpdateSchedule(ctx context.Context, id uuid.UUID, cronExpr string, enabled bool) (*scanning.ScheduledJob, error) {
	schedule, err := t.schedules.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}

	nextRun, err := NextRun(cronExpr, t.timeProvider.Now())
	if err != nil {
		return nil, err
	}
	schedule.Reschedule(cronExpr, nextRun)
	schedule.SetEnabled(enabled, nextRun)

	if err := t.schedules.UpdateSchedule(ctx, schedule); err != nil {
		return nil, fmt.Errorf("updating schedule: %w", err)
	}
	return schedule, nil
}

// DeleteSchedule removes a schedule. Jobs it already created are unaffected.
func (t *Trigger) DeleteSchedule(ctx context.Context, id uuid.UUID) error {
	return t.schedules.DeleteSchedule(ctx, id)
}
