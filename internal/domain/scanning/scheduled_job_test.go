package scanning

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/reconwave/reconwave/pkg/common/uuid"
)

func TestScheduledJobMarkFired(t *testing.T) {
	firstRun := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	sched := NewScheduledJob(uuid.New(), "nightly", uuid.New(), uuid.New(), uuid.New(), "0 2 * * *", firstRun)

	firedAt := firstRun.Add(3 * time.Second)
	nextRun := firstRun.Add(24 * time.Hour)
	sched.MarkFired(firedAt, nextRun)

	assert.Equal(t, 1, sched.RunCount())
	assert.Equal(t, firedAt, sched.LastRunTime())
	assert.Equal(t, nextRun, sched.NextRunTime())

	sched.MarkFired(firedAt.Add(24*time.Hour), nextRun.Add(24*time.Hour))
	assert.Equal(t, 2, sched.RunCount())
}

func TestScheduledJobSelectsOrganization(t *testing.T) {
	orgWide := NewScheduledJob(uuid.New(), "org sweep", uuid.New(), uuid.Nil, uuid.New(), "0 2 * * *", time.Now())
	assert.True(t, orgWide.SelectsOrganization())

	single := NewScheduledJob(uuid.New(), "single target", uuid.New(), uuid.New(), uuid.New(), "0 2 * * *", time.Now())
	assert.False(t, single.SelectsOrganization())
}

func TestScheduledJobSetEnabled(t *testing.T) {
	sched := NewScheduledJob(uuid.New(), "nightly", uuid.New(), uuid.New(), uuid.New(), "0 2 * * *", time.Now())

	next := time.Now().Add(time.Hour)
	sched.SetEnabled(false, time.Time{})
	assert.False(t, sched.Enabled())

	sched.SetEnabled(true, next)
	assert.True(t, sched.Enabled())
	assert.Equal(t, next, sched.NextRunTime())
}
