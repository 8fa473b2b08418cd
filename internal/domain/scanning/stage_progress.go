package scanning

import (
	"time"
)

// StageProgress records the state of one named pipeline stage inside a job's
// stage-progress map. Entries are merged into the map with a single atomic
// storage operation so concurrent tool executions cannot lose updates.
type StageProgress struct {
	Name      string        `json:"name"`
	Status    StageStatus   `json:"status"`
	Order     int           `json:"order"`
	StartedAt time.Time     `json:"started_at,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Detail    string        `json:"detail,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// NewStageProgress creates a pending progress entry for the stage at the
// given plan position.
func NewStageProgress(name string, order int) StageProgress {
	return StageProgress{Name: name, Status: StageStatusPending, Order: order}
}

// ApplyTransition returns the entry updated to the target status, or the
// entry unchanged with applied=false when the current status is terminal.
// This is the rule that keeps a cancelled stage from being silently
// overwritten by a racing running/completed/failed transition.
func (p StageProgress) ApplyTransition(target StageStatus) (StageProgress, bool) {
	if p.Status.IsTerminal() {
		return p, false
	}
	if err := p.Status.validateTransition(target); err != nil {
		return p, false
	}
	p.Status = target
	return p, true
}

// StageProgressMap is the per-job map of stage name to progress entry.
type StageProgressMap map[string]StageProgress

// CompletedCount returns how many stages have completed.
func (m StageProgressMap) CompletedCount() int {
	var n int
	for _, p := range m {
		if p.Status == StageStatusCompleted {
			n++
		}
	}
	return n
}

// TerminalCount returns how many stages are in a terminal state.
func (m StageProgressMap) TerminalCount() int {
	var n int
	for _, p := range m {
		if p.Status.IsTerminal() {
			n++
		}
	}
	return n
}

// Progress returns the job-level completion percentage: completed stages over
// total stages, saturating at 100 once every stage is terminal.
func (m StageProgressMap) Progress() int {
	if len(m) == 0 {
		return 0
	}
	if m.TerminalCount() == len(m) {
		return 100
	}
	return m.CompletedCount() * 100 / len(m)
}

// CancelRemaining transitions every running and pending stage to cancelled,
// leaving completed, failed and skipped stages untouched. It returns the
// updated map; callers persist it as one atomic merge.
func (m StageProgressMap) CancelRemaining() StageProgressMap {
	out := make(StageProgressMap, len(m))
	for name, p := range m {
		if p.Status == StageStatusRunning || p.Status == StageStatusPending {
			p.Status = StageStatusCancelled
		}
		out[name] = p
	}
	return out
}
