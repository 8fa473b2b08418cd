package scanning

import "time"

// TimeProvider supplies the current time so temporal behavior is testable.
type TimeProvider interface {
	Now() time.Time
}

type realTimeProvider struct{}

func (r *realTimeProvider) Now() time.Time { return time.Now() }

// Timeline tracks the temporal aspects of a scan job: when it was created,
// when it stopped (completed, failed or cancelled), and when it last changed.
type Timeline struct {
	createdAt    time.Time
	stoppedAt    time.Time
	lastUpdate   time.Time
	timeProvider TimeProvider
}

// NewTimeline creates a Timeline stamped with the provider's current time.
func NewTimeline(timeProvider TimeProvider) *Timeline {
	now := timeProvider.Now()
	return &Timeline{
		createdAt:    now,
		lastUpdate:   now,
		timeProvider: timeProvider,
	}
}

// ReconstructTimeline rebuilds a Timeline from stored fields. Repositories
// use this when loading jobs from the database.
func ReconstructTimeline(createdAt, stoppedAt, lastUpdate time.Time) *Timeline {
	return &Timeline{
		createdAt:    createdAt,
		stoppedAt:    stoppedAt,
		lastUpdate:   lastUpdate,
		timeProvider: new(realTimeProvider),
	}
}

// CreatedAt returns the time the job was created.
func (t *Timeline) CreatedAt() time.Time { return t.createdAt }

// StoppedAt returns the time the job reached a terminal state.
func (t *Timeline) StoppedAt() time.Time { return t.stoppedAt }

// LastUpdate returns the time the job was last modified.
func (t *Timeline) LastUpdate() time.Time { return t.lastUpdate }

// MarkStopped records the terminal timestamp.
func (t *Timeline) MarkStopped() {
	t.stoppedAt = t.timeProvider.Now()
	t.Touch()
}

// Touch updates the last-update timestamp.
func (t *Timeline) Touch() { t.lastUpdate = t.timeProvider.Now() }

// IsStopped reports whether the job has a recorded terminal timestamp.
func (t *Timeline) IsStopped() bool { return !t.stoppedAt.IsZero() }
