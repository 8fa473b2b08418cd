package scanning

import (
	"time"

	"github.com/reconwave/reconwave/pkg/common/uuid"
)

// Job is one execution of a scan pipeline against one target. It owns the
// lifecycle state machine, the per-stage progress map, the list of remote
// process handles started on its behalf, and the cached result statistics.
type Job struct {
	jobID    uuid.UUID
	target   Target
	engineID uuid.UUID

	status       JobStatus
	errorMessage string

	workerName   string
	containerIDs []string

	progress      int
	currentStage  string
	stageProgress StageProgressMap

	stats    ResultStats
	timeline *Timeline

	deletedAt *time.Time
}

// NewJob creates a job in the initiated state for the given target and
// engine configuration.
func NewJob(jobID uuid.UUID, target Target, engineID uuid.UUID) *Job {
	return &Job{
		jobID:         jobID,
		target:        target,
		engineID:      engineID,
		status:        JobStatusInitiated,
		stageProgress: make(StageProgressMap),
		stats:         NewResultStats(),
		timeline:      NewTimeline(new(realTimeProvider)),
	}
}

// ReconstructJob rebuilds a Job from stored fields, bypassing creation
// invariants. Only repositories should use this.
func ReconstructJob(
	jobID uuid.UUID,
	target Target,
	engineID uuid.UUID,
	status JobStatus,
	errorMessage string,
	workerName string,
	containerIDs []string,
	progress int,
	currentStage string,
	stageProgress StageProgressMap,
	stats ResultStats,
	timeline *Timeline,
	deletedAt *time.Time,
) *Job {
	if stageProgress == nil {
		stageProgress = make(StageProgressMap)
	}
	return &Job{
		jobID:         jobID,
		target:        target,
		engineID:      engineID,
		status:        status,
		errorMessage:  errorMessage,
		workerName:    workerName,
		containerIDs:  containerIDs,
		progress:      progress,
		currentStage:  currentStage,
		stageProgress: stageProgress,
		stats:         stats,
		timeline:      timeline,
		deletedAt:     deletedAt,
	}
}

// JobID returns the unique identifier for this scan job.
func (j *Job) JobID() uuid.UUID { return j.jobID }

// Target returns the identity this job scans.
func (j *Job) Target() Target { return j.target }

// EngineID returns the engine configuration the job runs with.
func (j *Job) EngineID() uuid.UUID { return j.engineID }

// Status returns the current lifecycle status.
func (j *Job) Status() JobStatus { return j.status }

// ErrorMessage returns the last recorded job-level error, if any.
func (j *Job) ErrorMessage() string { return j.errorMessage }

// WorkerName returns the worker the job was placed on, empty if local or
// not yet dispatched.
func (j *Job) WorkerName() string { return j.workerName }

// ContainerIDs returns the remote process handles tracked for cancellation.
func (j *Job) ContainerIDs() []string { return j.containerIDs }

// Progress returns the job-level completion percentage.
func (j *Job) Progress() int { return j.progress }

// CurrentStage returns the label of the most recently started stage.
func (j *Job) CurrentStage() string { return j.currentStage }

// StageProgress returns the per-stage progress map.
func (j *Job) StageProgress() StageProgressMap { return j.stageProgress }

// Stats returns the cached aggregate result counts.
func (j *Job) Stats() ResultStats { return j.stats }

// Timeline provides access to the job's temporal information.
func (j *Job) Timeline() *Timeline { return j.timeline }

// DeletedAt returns the soft-delete tombstone, nil while the job is live.
func (j *Job) DeletedAt() *time.Time { return j.deletedAt }

// StoppedAt returns when the job reached a terminal state.
func (j *Job) StoppedAt() (time.Time, bool) {
	if j.status.IsTerminal() {
		return j.timeline.StoppedAt(), true
	}
	return time.Time{}, false
}

// TransitionTo moves the job to the target status. It returns false without
// error when the job is already terminal: terminal states are sticky and a
// late transition attempt is a no-op, not a failure. An invalid transition
// from a non-terminal state returns an error.
func (j *Job) TransitionTo(target JobStatus) (bool, error) {
	if j.status.IsTerminal() {
		return false, nil
	}
	if err := j.status.validateTransition(target); err != nil {
		return false, err
	}
	j.status = target
	if target.IsTerminal() {
		j.timeline.MarkStopped()
	} else {
		j.timeline.Touch()
	}
	return true, nil
}

// AssignWorker records the worker the job was placed on.
func (j *Job) AssignWorker(name string) {
	j.workerName = name
	j.timeline.Touch()
}

// RecordError stores a job-level error message for the detail view.
func (j *Job) RecordError(msg string) {
	j.errorMessage = msg
	j.timeline.Touch()
}

// TrackContainerID appends a started process/container handle.
func (j *Job) TrackContainerID(id string) {
	j.containerIDs = append(j.containerIDs, id)
	j.timeline.Touch()
}

// InitStagePlan seeds the stage-progress map with pending entries in plan
// order. Called once when the pipeline plan is derived.
func (j *Job) InitStagePlan(stageNames []string) {
	for i, name := range stageNames {
		j.stageProgress[name] = NewStageProgress(name, i)
	}
}

// ApplyStageTransition applies a stage status change through the terminal
// stickiness rules and recomputes the job-level progress. It returns false
// when the change was not applied.
func (j *Job) ApplyStageTransition(stage string, target StageStatus) bool {
	entry, ok := j.stageProgress[stage]
	if !ok {
		entry = NewStageProgress(stage, len(j.stageProgress))
	}
	updated, applied := entry.ApplyTransition(target)
	if !applied {
		return false
	}
	j.stageProgress[stage] = updated
	if target == StageStatusRunning {
		j.currentStage = stage
	}
	j.progress = j.stageProgress.Progress()
	j.timeline.Touch()
	return true
}

// CancelStages transitions every non-terminal stage to cancelled.
func (j *Job) CancelStages() {
	j.stageProgress = j.stageProgress.CancelRemaining()
	j.progress = j.stageProgress.Progress()
	j.timeline.Touch()
}

// UpdateStats replaces the cached aggregate counts.
func (j *Job) UpdateStats(stats ResultStats) {
	j.stats = stats
	j.timeline.Touch()
}
