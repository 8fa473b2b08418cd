package scanning

import "fmt"

// StageStatus represents the execution state of a single pipeline stage
// within a job's stage-progress map.
type StageStatus string

const (
	// StageStatusPending indicates a stage is planned but not yet started.
	StageStatusPending StageStatus = "PENDING"

	// StageStatusRunning indicates a stage's tools are executing.
	StageStatusRunning StageStatus = "RUNNING"

	// StageStatusCompleted indicates the stage finished with usable output.
	StageStatusCompleted StageStatus = "COMPLETED"

	// StageStatusFailed indicates every tool in the stage failed and the
	// stage produced nothing usable.
	StageStatusFailed StageStatus = "FAILED"

	// StageStatusCancelled indicates the owning job was cancelled before or
	// while the stage ran.
	StageStatusCancelled StageStatus = "CANCELLED"

	// StageStatusSkipped indicates the stage had no input to work on and was
	// bypassed rather than failed.
	StageStatusSkipped StageStatus = "SKIPPED"
)

// String returns the string representation of the StageStatus.
func (s StageStatus) String() string { return string(s) }

// IsTerminal reports whether the status permits no further transitions.
func (s StageStatus) IsTerminal() bool {
	switch s {
	case StageStatusCompleted, StageStatusFailed, StageStatusCancelled, StageStatusSkipped:
		return true
	default:
		return false
	}
}

// ParseStageStatus converts a string to a StageStatus. An unrecognized value
// yields the empty (unspecified) status.
func ParseStageStatus(s string) StageStatus {
	switch s {
	case "PENDING":
		return StageStatusPending
	case "RUNNING":
		return StageStatusRunning
	case "COMPLETED":
		return StageStatusCompleted
	case "FAILED":
		return StageStatusFailed
	case "CANCELLED":
		return StageStatusCancelled
	case "SKIPPED":
		return StageStatusSkipped
	default:
		return ""
	}
}

// validateTransition returns an error if the status cannot move to target.
func (s StageStatus) validateTransition(target StageStatus) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("invalid stage status transition from %s to %s", s, target)
	}
	return nil
}

func (s StageStatus) isValidTransition(target StageStatus) bool {
	switch s {
	case StageStatusPending:
		return target == StageStatusRunning || target == StageStatusCancelled || target == StageStatusSkipped
	case StageStatusRunning:
		return target == StageStatusCompleted || target == StageStatusFailed || target == StageStatusCancelled
	case StageStatusCompleted, StageStatusFailed, StageStatusCancelled, StageStatusSkipped:
		return false
	default:
		return false
	}
}
