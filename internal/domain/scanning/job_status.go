package scanning

import "fmt"

// JobStatus represents the current state of a scan job. It enables tracking
// of the job lifecycle from creation through completion, failure or
// cancellation.
type JobStatus string

const (
	// JobStatusInitiated indicates a job has been created but not yet
	// placed on a worker.
	JobStatusInitiated JobStatus = "INITIATED"

	// JobStatusRunning indicates a job is actively executing its pipeline.
	JobStatusRunning JobStatus = "RUNNING"

	// JobStatusCompleted indicates the pipeline finished.
	JobStatusCompleted JobStatus = "COMPLETED"

	// JobStatusFailed indicates the job encountered an unrecoverable error.
	JobStatusFailed JobStatus = "FAILED"

	// JobStatusCancelled indicates the job was cancelled by a user.
	JobStatusCancelled JobStatus = "CANCELLED"
)

// String returns the string representation of the JobStatus.
func (s JobStatus) String() string { return string(s) }

// IsTerminal reports whether the status permits no further transitions.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// ParseJobStatus converts a string to a JobStatus. An unrecognized value
// yields the empty (unspecified) status.
func ParseJobStatus(s string) JobStatus {
	switch s {
	case "INITIATED":
		return JobStatusInitiated
	case "RUNNING":
		return JobStatusRunning
	case "COMPLETED":
		return JobStatusCompleted
	case "FAILED":
		return JobStatusFailed
	case "CANCELLED":
		return JobStatusCancelled
	default:
		return ""
	}
}

// validateTransition returns an error if the status cannot move to target.
func (s JobStatus) validateTransition(target JobStatus) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("invalid job status transition from %s to %s", s, target)
	}
	return nil
}

// isValidTransition checks if the current status can transition to the target
// status. Terminal states are sticky: once reached, nothing moves them.
func (s JobStatus) isValidTransition(target JobStatus) bool {
	switch s {
	case JobStatusInitiated:
		// A job can start running, be cancelled before placement, or fail
		// during dispatch.
		return target == JobStatusRunning || target == JobStatusCancelled || target == JobStatusFailed
	case JobStatusRunning:
		return target == JobStatusCompleted || target == JobStatusFailed || target == JobStatusCancelled
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return false
	default:
		return false
	}
}
