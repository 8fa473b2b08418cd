package scanning

import (
	"time"

	"github.com/reconwave/reconwave/pkg/common/uuid"
)

// ScheduledJob is a cron-driven template that periodically creates new jobs.
// It selects either a single target or every target in an organization, and
// carries the engine configuration new jobs run with.
type ScheduledJob struct {
	id             uuid.UUID
	name           string
	engineID       uuid.UUID
	targetID       uuid.UUID // zero when organizationID selects targets
	organizationID uuid.UUID
	cronExpr       string
	enabled        bool
	runCount       int
	lastRunTime    time.Time
	nextRunTime    time.Time
}

// NewScheduledJob creates an enabled schedule. The caller is responsible for
// computing the initial next run time from the cron expression.
func NewScheduledJob(id uuid.UUID, name string, engineID, targetID, organizationID uuid.UUID, cronExpr string, nextRun time.Time) *ScheduledJob {
	return &ScheduledJob{
		id:             id,
		name:           name,
		engineID:       engineID,
		targetID:       targetID,
		organizationID: organizationID,
		cronExpr:       cronExpr,
		enabled:        true,
		nextRunTime:    nextRun,
	}
}

// ReconstructScheduledJob rebuilds a ScheduledJob from stored fields.
func ReconstructScheduledJob(
	id uuid.UUID,
	name string,
	engineID, targetID, organizationID uuid.UUID,
	cronExpr string,
	enabled bool,
	runCount int,
	lastRunTime, nextRunTime time.Time,
) *ScheduledJob {
	return &ScheduledJob{
		id:             id,
		name:           name,
		engineID:       engineID,
		targetID:       targetID,
		organizationID: organizationID,
		cronExpr:       cronExpr,
		enabled:        enabled,
		runCount:       runCount,
		lastRunTime:    lastRunTime,
		nextRunTime:    nextRunTime,
	}
}

func (s *ScheduledJob) ID() uuid.UUID             { return s.id }
func (s *ScheduledJob) Name() string              { return s.name }
func (s *ScheduledJob) EngineID() uuid.UUID       { return s.engineID }
func (s *ScheduledJob) TargetID() uuid.UUID       { return s.targetID }
func (s *ScheduledJob) OrganizationID() uuid.UUID { return s.organizationID }
func (s *ScheduledJob) CronExpr() string          { return s.cronExpr }
func (s *ScheduledJob) Enabled() bool             { return s.enabled }
func (s *ScheduledJob) RunCount() int             { return s.runCount }
func (s *ScheduledJob) LastRunTime() time.Time    { return s.lastRunTime }
func (s *ScheduledJob) NextRunTime() time.Time    { return s.nextRunTime }

// SelectsOrganization reports whether the schedule fans out over an
// organization's targets rather than a single target.
func (s *ScheduledJob) SelectsOrganization() bool { return s.targetID == uuid.Nil }

// MarkFired records a firing: the run counter is incremented and the next
// occurrence is set. The trigger persists this advance before creating any
// job so a slow or failing dispatch cannot cause a duplicate firing.
func (s *ScheduledJob) MarkFired(firedAt, nextRun time.Time) {
	s.runCount++
	s.lastRunTime = firedAt
	s.nextRunTime = nextRun
}

// Reschedule updates the cron expression and its recomputed next run time.
func (s *ScheduledJob) Reschedule(cronExpr string, nextRun time.Time) {
	s.cronExpr = cronExpr
	s.nextRunTime = nextRun
}

// SetEnabled toggles the schedule. Re-enabling requires the caller to supply
// a freshly computed next run time so the schedule does not fire for every
// occurrence missed while disabled.
func (s *ScheduledJob) SetEnabled(enabled bool, nextRun time.Time) {
	s.enabled = enabled
	s.nextRunTime = nextRun
}
