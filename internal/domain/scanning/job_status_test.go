package scanning

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobStatusValidateTransition_ValidTransitions(t *testing.T) {
	tests := []struct {
		name    string
		current JobStatus
		target  JobStatus
	}{
		{
			name:    "Initiated to Running is valid",
			current: JobStatusInitiated,
			target:  JobStatusRunning,
		},
		{
			name:    "Initiated to Cancelled is valid",
			current: JobStatusInitiated,
			target:  JobStatusCancelled,
		},
		{
			name:    "Initiated to Failed is valid",
			current: JobStatusInitiated,
			target:  JobStatusFailed,
		},
		{
			name:    "Running to Completed is valid",
			current: JobStatusRunning,
			target:  JobStatusCompleted,
		},
		{
			name:    "Running to Failed is valid",
			current: JobStatusRunning,
			target:  JobStatusFailed,
		},
		{
			name:    "Running to Cancelled is valid",
			current: JobStatusRunning,
			target:  JobStatusCancelled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.current.validateTransition(tt.target)
			assert.NoError(t, err, "expected valid transition from %s to %s", tt.current, tt.target)
		})
	}
}

func TestJobStatusValidateTransition_InvalidTransitions(t *testing.T) {
	tests := []struct {
		name    string
		current JobStatus
		target  JobStatus
	}{
		{
			name:    "Initiated to Completed is invalid",
			current: JobStatusInitiated,
			target:  JobStatusCompleted,
		},
		{
			name:    "Initiated to Initiated is invalid",
			current: JobStatusInitiated,
			target:  JobStatusInitiated,
		},
		{
			name:    "Running to Initiated is invalid",
			current: JobStatusRunning,
			target:  JobStatusInitiated,
		},
		{
			name:    "Running to Running is invalid",
			current: JobStatusRunning,
			target:  JobStatusRunning,
		},
		{
			name:    "Completed to any state is invalid",
			current: JobStatusCompleted,
			target:  JobStatusRunning,
		},
		{
			name:    "Failed to any state is invalid",
			current: JobStatusFailed,
			target:  JobStatusCompleted,
		},
		{
			name:    "Cancelled to any state is invalid",
			current: JobStatusCancelled,
			target:  JobStatusRunning,
		},
		{
			name:    "Empty status to a valid target is invalid",
			current: "",
			target:  JobStatusRunning,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.current.validateTransition(tt.target)
			assert.Error(t, err, "expected invalid transition from %s to %s", tt.current, tt.target)
		})
	}
}

func TestJobStatusIsTerminal(t *testing.T) {
	assert.False(t, JobStatusInitiated.IsTerminal())
	assert.False(t, JobStatusRunning.IsTerminal())
	assert.True(t, JobStatusCompleted.IsTerminal())
	assert.True(t, JobStatusFailed.IsTerminal())
	assert.True(t, JobStatusCancelled.IsTerminal())
}

func TestParseJobStatus(t *testing.T) {
	tests := []struct {
		input    string
		expected JobStatus
	}{
		{input: "INITIATED", expected: JobStatusInitiated},
		{input: "RUNNING", expected: JobStatusRunning},
		{input: "COMPLETED", expected: JobStatusCompleted},
		{input: "FAILED", expected: JobStatusFailed},
		{input: "CANCELLED", expected: JobStatusCancelled},
		{input: "bogus", expected: ""},
		{input: "", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseJobStatus(tt.input))
		})
	}
}
