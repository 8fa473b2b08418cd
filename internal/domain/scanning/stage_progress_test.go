package scanning

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStageProgressApplyTransition(t *testing.T) {
	t.Run("pending to running applies", func(t *testing.T) {
		p := NewStageProgress("subdomains", 0)
		updated, applied := p.ApplyTransition(StageStatusRunning)
		assert.True(t, applied)
		assert.Equal(t, StageStatusRunning, updated.Status)
	})

	t.Run("terminal entry is sticky", func(t *testing.T) {
		p := NewStageProgress("subdomains", 0)
		p.Status = StageStatusCancelled

		updated, applied := p.ApplyTransition(StageStatusRunning)
		assert.False(t, applied)
		assert.Equal(t, StageStatusCancelled, updated.Status)

		updated, applied = p.ApplyTransition(StageStatusCompleted)
		assert.False(t, applied)
		assert.Equal(t, StageStatusCancelled, updated.Status)
	})

	t.Run("invalid transition leaves entry unchanged", func(t *testing.T) {
		p := NewStageProgress("subdomains", 0)
		updated, applied := p.ApplyTransition(StageStatusCompleted)
		assert.False(t, applied)
		assert.Equal(t, StageStatusPending, updated.Status)
	})
}

func TestStageProgressMapProgress(t *testing.T) {
	t.Run("empty map is zero", func(t *testing.T) {
		assert.Equal(t, 0, StageProgressMap{}.Progress())
	})

	t.Run("completed over total", func(t *testing.T) {
		m := StageProgressMap{
			"a": {Name: "a", Status: StageStatusCompleted},
			"b": {Name: "b", Status: StageStatusRunning},
			"c": {Name: "c", Status: StageStatusPending},
			"d": {Name: "d", Status: StageStatusPending},
		}
		assert.Equal(t, 25, m.Progress())
	})

	t.Run("all terminal saturates at 100", func(t *testing.T) {
		m := StageProgressMap{
			"a": {Name: "a", Status: StageStatusCompleted},
			"b": {Name: "b", Status: StageStatusFailed},
			"c": {Name: "c", Status: StageStatusSkipped},
		}
		assert.Equal(t, 100, m.Progress())
	})
}

func TestStageProgressMapCancelRemaining(t *testing.T) {
	m := StageProgressMap{
		"done":    {Name: "done", Status: StageStatusCompleted},
		"running": {Name: "running", Status: StageStatusRunning},
		"pending": {Name: "pending", Status: StageStatusPending},
		"failed":  {Name: "failed", Status: StageStatusFailed},
		"skipped": {Name: "skipped", Status: StageStatusSkipped},
	}

	out := m.CancelRemaining()

	assert.Equal(t, StageStatusCompleted, out["done"].Status)
	assert.Equal(t, StageStatusCancelled, out["running"].Status)
	assert.Equal(t, StageStatusCancelled, out["pending"].Status)
	assert.Equal(t, StageStatusFailed, out["failed"].Status)
	assert.Equal(t, StageStatusSkipped, out["skipped"].Status)
	assert.Equal(t, 100, out.Progress())
}
