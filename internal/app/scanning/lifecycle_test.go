package scanning

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/reconwave/reconwave/internal/domain/events"
	"github.com/reconwave/reconwave/internal/domain/scanning"
	"github.com/reconwave/reconwave/pkg/common/logger"
	"github.com/reconwave/reconwave/pkg/common/uuid"
)

type mockJobRepo struct{ mock.Mock }

func (m *mockJobRepo) CreateJob(ctx context.Context, job *scanning.Job) error {
	return m.Called(ctx, job).Error(0)
}

func (m *mockJobRepo) GetJob(ctx context.Context, jobID uuid.UUID) (*scanning.Job, error) {
	args := m.Called(ctx, jobID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*scanning.Job), args.Error(1)
}

func (m *mockJobRepo) UpdateJob(ctx context.Context, job *scanning.Job) error {
	return m.Called(ctx, job).Error(0)
}

func (m *mockJobRepo) UpdateStatusIfCurrent(ctx context.Context, jobID uuid.UUID, expected, next scanning.JobStatus) (bool, error) {
	args := m.Called(ctx, jobID, expected, next)
	return args.Bool(0), args.Error(1)
}

func (m *mockJobRepo) AppendContainerID(ctx context.Context, jobID uuid.UUID, containerID string) error {
	return m.Called(ctx, jobID, containerID).Error(0)
}

func (m *mockJobRepo) MergeStageProgress(ctx context.Context, jobID uuid.UUID, entries scanning.StageProgressMap, currentStage string, progress int) error {
	return m.Called(ctx, jobID, entries, currentStage, progress).Error(0)
}

func (m *mockJobRepo) CancelJobCascade(ctx context.Context, jobID uuid.UUID) (bool, error) {
	args := m.Called(ctx, jobID)
	return args.Bool(0), args.Error(1)
}

func (m *mockJobRepo) IsCancelled(ctx context.Context, jobID uuid.UUID) (bool, error) {
	args := m.Called(ctx, jobID)
	return args.Bool(0), args.Error(1)
}

func (m *mockJobRepo) UpdateStats(ctx context.Context, jobID uuid.UUID, stats scanning.ResultStats) error {
	return m.Called(ctx, jobID, stats).Error(0)
}

func (m *mockJobRepo) SoftDelete(ctx context.Context, jobIDs []uuid.UUID) (int64, error) {
	args := m.Called(ctx, jobIDs)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockJobRepo) HardDeleteCascade(ctx context.Context, jobIDs []uuid.UUID) error {
	return m.Called(ctx, jobIDs).Error(0)
}

type mockSnapshotRepo struct{ mock.Mock }

func (m *mockSnapshotRepo) BulkInsertIgnoreConflicts(ctx context.Context, jobID, targetID uuid.UUID, records []scanning.Record) error {
	return m.Called(ctx, jobID, targetID, records).Error(0)
}

func (m *mockSnapshotRepo) ComputeStats(ctx context.Context, jobID uuid.UUID) (scanning.ResultStats, error) {
	args := m.Called(ctx, jobID)
	return args.Get(0).(scanning.ResultStats), args.Error(1)
}

func (m *mockSnapshotRepo) CountByKind(ctx context.Context, jobID uuid.UUID, kind scanning.RecordKind) (int64, error) {
	args := m.Called(ctx, jobID, kind)
	return args.Get(0).(int64), args.Error(1)
}

type mockTargetRepo struct{ mock.Mock }

func (m *mockTargetRepo) GetTarget(ctx context.Context, targetID uuid.UUID) (scanning.Target, error) {
	args := m.Called(ctx, targetID)
	return args.Get(0).(scanning.Target), args.Error(1)
}

func (m *mockTargetRepo) GetOrCreateByName(ctx context.Context, name string, organizationID uuid.UUID) (scanning.Target, error) {
	args := m.Called(ctx, name, organizationID)
	return args.Get(0).(scanning.Target), args.Error(1)
}

func (m *mockTargetRepo) ListByOrganization(ctx context.Context, organizationID uuid.UUID) ([]scanning.Target, error) {
	args := m.Called(ctx, organizationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]scanning.Target), args.Error(1)
}

type mockEngineRepo struct{ mock.Mock }

func (m *mockEngineRepo) GetEngine(ctx context.Context, engineID uuid.UUID) (*scanning.Engine, error) {
	args := m.Called(ctx, engineID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*scanning.Engine), args.Error(1)
}

type fakeTerminator struct {
	mu        sync.Mutex
	calls     int
	jobs      []uuid.UUID
	signalled int
	err       error
	done      chan struct{}
}

func (t *fakeTerminator) TerminateJob(_ context.Context, job *scanning.Job) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	t.jobs = append(t.jobs, job.JobID())
	if t.done != nil {
		close(t.done)
		t.done = nil
	}
	return t.signalled, t.err
}

type capturePublisher struct {
	mu     sync.Mutex
	events []events.DomainEvent
	err    error
}

func (p *capturePublisher) PublishDomainEvent(_ context.Context, event events.DomainEvent, _ ...events.PublishOption) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *capturePublisher) types() []events.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]events.EventType, len(p.events))
	for i, e := range p.events {
		types[i] = e.EventType()
	}
	return types
}

type lifecycleFixture struct {
	jobs       *mockJobRepo
	snapshots  *mockSnapshotRepo
	targets    *mockTargetRepo
	engines    *mockEngineRepo
	terminator *fakeTerminator
	publisher  *capturePublisher
	svc        *JobLifecycle
}

func newLifecycleFixture() *lifecycleFixture {
	f := &lifecycleFixture{
		jobs:       &mockJobRepo{},
		snapshots:  &mockSnapshotRepo{},
		targets:    &mockTargetRepo{},
		engines:    &mockEngineRepo{},
		terminator: &fakeTerminator{},
		publisher:  &capturePublisher{},
	}
	tracer := noop.NewTracerProvider().Tracer("test")
	f.svc = NewJobLifecycle(f.jobs, f.snapshots, f.targets, f.engines, f.terminator, f.publisher, logger.Noop(), tracer)
	return f
}

func fixtureJob(t *testing.T) *scanning.Job {
	t.Helper()
	target, err := scanning.NewTarget(uuid.New(), "example.com", uuid.New())
	require.NoError(t, err)
	return scanning.NewJob(uuid.New(), target, uuid.New())
}

func TestCreateJob(t *testing.T) {
	t.Run("persists and publishes the scheduled event", func(t *testing.T) {
		f := newLifecycleFixture()
		orgID := uuid.New()
		engineID := uuid.New()
		target, err := scanning.NewTarget(uuid.New(), "example.com", orgID)
		require.NoError(t, err)

		f.targets.On("GetOrCreateByName", mock.Anything, "example.com", orgID).Return(target, nil)
		f.engines.On("GetEngine", mock.Anything, engineID).
			Return(scanning.NewEngine(engineID, "full-recon", []byte("stages: []")), nil)
		f.jobs.On("CreateJob", mock.Anything, mock.AnythingOfType("*scanning.Job")).Return(nil)

		job, err := f.svc.CreateJob(context.Background(), CreateJobCommand{
			TargetName:     "example.com",
			OrganizationID: orgID,
			EngineID:       engineID,
		})

		require.NoError(t, err)
		assert.Equal(t, scanning.JobStatusInitiated, job.Status())
		assert.Equal(t, []events.EventType{scanning.EventTypeJobScheduled}, f.publisher.types())
	})

	t.Run("unknown engine rejects the job before persistence", func(t *testing.T) {
		f := newLifecycleFixture()
		orgID := uuid.New()
		engineID := uuid.New()
		target, err := scanning.NewTarget(uuid.New(), "example.com", orgID)
		require.NoError(t, err)

		f.targets.On("GetOrCreateByName", mock.Anything, "example.com", orgID).Return(target, nil)
		f.engines.On("GetEngine", mock.Anything, engineID).Return(nil, scanning.ErrEngineNotFound)

		_, err = f.svc.CreateJob(context.Background(), CreateJobCommand{
			TargetName:     "example.com",
			OrganizationID: orgID,
			EngineID:       engineID,
		})

		assert.ErrorIs(t, err, scanning.ErrEngineNotFound)
		f.jobs.AssertNotCalled(t, "CreateJob", mock.Anything, mock.Anything)
		assert.Empty(t, f.publisher.types())
	})
}

func TestMarkRunning(t *testing.T) {
	t.Run("claims the initiated job", func(t *testing.T) {
		f := newLifecycleFixture()
		jobID := uuid.New()
		f.jobs.On("UpdateStatusIfCurrent", mock.Anything, jobID, scanning.JobStatusInitiated, scanning.JobStatusRunning).
			Return(true, nil)

		applied, err := f.svc.MarkRunning(context.Background(), jobID)
		require.NoError(t, err)
		assert.True(t, applied)
	})

	t.Run("lost claim is reported, not errored", func(t *testing.T) {
		f := newLifecycleFixture()
		jobID := uuid.New()
		f.jobs.On("UpdateStatusIfCurrent", mock.Anything, jobID, scanning.JobStatusInitiated, scanning.JobStatusRunning).
			Return(false, nil)

		applied, err := f.svc.MarkRunning(context.Background(), jobID)
		require.NoError(t, err)
		assert.False(t, applied, "a cancelled-before-start job must not begin work")
	})
}

func TestCancelJob(t *testing.T) {
	t.Run("cascade applies and processes are signalled", func(t *testing.T) {
		f := newLifecycleFixture()
		job := fixtureJob(t)
		job.TrackContainerID("abc123")
		f.terminator.signalled = 1

		f.jobs.On("GetJob", mock.Anything, job.JobID()).Return(job, nil)
		f.jobs.On("CancelJobCascade", mock.Anything, job.JobID()).Return(true, nil)

		applied, signalled, err := f.svc.CancelJob(context.Background(), job.JobID())
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, 1, signalled)
		assert.Equal(t, []uuid.UUID{job.JobID()}, f.terminator.jobs)
		assert.Equal(t, []events.EventType{scanning.EventTypeJobCancelled}, f.publisher.types())
	})

	t.Run("terminal job absorbs the cancel as a no-op", func(t *testing.T) {
		f := newLifecycleFixture()
		job := fixtureJob(t)

		f.jobs.On("GetJob", mock.Anything, job.JobID()).Return(job, nil)
		f.jobs.On("CancelJobCascade", mock.Anything, job.JobID()).Return(false, nil)

		applied, signalled, err := f.svc.CancelJob(context.Background(), job.JobID())
		require.NoError(t, err)
		assert.False(t, applied)
		assert.Zero(t, signalled)
		assert.Zero(t, f.terminator.calls, "no termination for an already-terminal job")
		assert.Empty(t, f.publisher.types())
	})

	t.Run("termination failure does not undo the cancellation", func(t *testing.T) {
		f := newLifecycleFixture()
		job := fixtureJob(t)
		f.terminator.err = errors.New("worker unreachable")

		f.jobs.On("GetJob", mock.Anything, job.JobID()).Return(job, nil)
		f.jobs.On("CancelJobCascade", mock.Anything, job.JobID()).Return(true, nil)

		applied, _, err := f.svc.CancelJob(context.Background(), job.JobID())
		require.NoError(t, err, "the cancel is durable; orphans exit via the cancel probe")
		assert.True(t, applied)
		assert.Equal(t, []events.EventType{scanning.EventTypeJobCancelled}, f.publisher.types())
	})
}

func TestFailJob(t *testing.T) {
	t.Run("fails a running job and records the reason", func(t *testing.T) {
		f := newLifecycleFixture()
		job := fixtureJob(t)

		f.jobs.On("UpdateStatusIfCurrent", mock.Anything, job.JobID(), scanning.JobStatusRunning, scanning.JobStatusFailed).
			Return(true, nil)
		f.jobs.On("GetJob", mock.Anything, job.JobID()).Return(job, nil)
		f.jobs.On("UpdateJob", mock.Anything, job).Return(nil)

		err := f.svc.FailJob(context.Background(), job.JobID(), "all stages failed")
		require.NoError(t, err)
		assert.Equal(t, "all stages failed", job.ErrorMessage())
		assert.Equal(t, []events.EventType{scanning.EventTypeJobFailed}, f.publisher.types())
	})

	t.Run("falls back to failing an initiated job", func(t *testing.T) {
		f := newLifecycleFixture()
		job := fixtureJob(t)

		f.jobs.On("UpdateStatusIfCurrent", mock.Anything, job.JobID(), scanning.JobStatusRunning, scanning.JobStatusFailed).
			Return(false, nil)
		f.jobs.On("UpdateStatusIfCurrent", mock.Anything, job.JobID(), scanning.JobStatusInitiated, scanning.JobStatusFailed).
			Return(true, nil)
		f.jobs.On("GetJob", mock.Anything, job.JobID()).Return(job, nil)
		f.jobs.On("UpdateJob", mock.Anything, job).Return(nil)

		err := f.svc.FailJob(context.Background(), job.JobID(), "no eligible worker available")
		require.NoError(t, err)
		assert.Equal(t, []events.EventType{scanning.EventTypeJobFailed}, f.publisher.types())
	})

	t.Run("terminal job absorbs the failure silently", func(t *testing.T) {
		f := newLifecycleFixture()
		jobID := uuid.New()

		f.jobs.On("UpdateStatusIfCurrent", mock.Anything, jobID, mock.Anything, scanning.JobStatusFailed).
			Return(false, nil)

		err := f.svc.FailJob(context.Background(), jobID, "late failure")
		require.NoError(t, err)
		assert.Empty(t, f.publisher.types())
	})
}

func TestCompleteJob_RacingCancelLosesQuietly(t *testing.T) {
	f := newLifecycleFixture()
	jobID := uuid.New()

	f.snapshots.On("ComputeStats", mock.Anything, jobID).Return(scanning.NewResultStats(), nil)
	f.jobs.On("UpdateStats", mock.Anything, jobID, mock.Anything).Return(nil)
	f.jobs.On("UpdateStatusIfCurrent", mock.Anything, jobID, scanning.JobStatusRunning, scanning.JobStatusCompleted).
		Return(false, nil)

	err := f.svc.CompleteJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Empty(t, f.publisher.types(), "no completion event when the job stayed cancelled")
}

func TestStageFinished(t *testing.T) {
	t.Run("persists the terminal entry with detail and duration", func(t *testing.T) {
		f := newLifecycleFixture()
		job := fixtureJob(t)
		job.InitStagePlan([]string{"subdomains", "ports"})
		require.True(t, job.ApplyStageTransition("subdomains", scanning.StageStatusRunning))

		// Backdate the start so the computed duration is visible.
		progress := job.StageProgress()
		entry := progress["subdomains"]
		entry.StartedAt = time.Now().Add(-time.Minute)
		progress["subdomains"] = entry

		var merged scanning.StageProgressMap
		f.jobs.On("GetJob", mock.Anything, job.JobID()).Return(job, nil)
		f.jobs.On("MergeStageProgress", mock.Anything, job.JobID(), mock.Anything, "subdomains", 50).
			Run(func(args mock.Arguments) {
				merged = args.Get(2).(scanning.StageProgressMap)
			}).Return(nil)
		f.snapshots.On("ComputeStats", mock.Anything, job.JobID()).Return(scanning.NewResultStats(), nil)
		f.jobs.On("UpdateStats", mock.Anything, job.JobID(), mock.Anything).Return(nil)

		err := f.svc.StageFinished(context.Background(), job.JobID(), "subdomains", scanning.StageStatusCompleted, "amass: exit status 1")
		require.NoError(t, err)

		require.Contains(t, merged, "subdomains")
		got := merged["subdomains"]
		assert.Equal(t, scanning.StageStatusCompleted, got.Status)
		assert.Equal(t, "amass: exit status 1", got.Detail)
		assert.Empty(t, got.Error, "a completed stage carries detail, not an error")
		assert.GreaterOrEqual(t, got.Duration, time.Minute)
		assert.Equal(t, []events.EventType{scanning.EventTypeStageFinished}, f.publisher.types())
	})

	t.Run("failed stage mirrors the detail into the error field", func(t *testing.T) {
		f := newLifecycleFixture()
		job := fixtureJob(t)
		job.InitStagePlan([]string{"ports"})
		require.True(t, job.ApplyStageTransition("ports", scanning.StageStatusRunning))

		var merged scanning.StageProgressMap
		f.jobs.On("GetJob", mock.Anything, job.JobID()).Return(job, nil)
		f.jobs.On("MergeStageProgress", mock.Anything, job.JobID(), mock.Anything, mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) {
				merged = args.Get(2).(scanning.StageProgressMap)
			}).Return(nil)
		f.snapshots.On("ComputeStats", mock.Anything, job.JobID()).Return(scanning.NewResultStats(), nil)
		f.jobs.On("UpdateStats", mock.Anything, job.JobID(), mock.Anything).Return(nil)

		err := f.svc.StageFinished(context.Background(), job.JobID(), "ports", scanning.StageStatusFailed, "naabu: exit status 2")
		require.NoError(t, err)
		assert.Equal(t, "naabu: exit status 2", merged["ports"].Error)
	})

	t.Run("terminal stage swallows a late transition", func(t *testing.T) {
		f := newLifecycleFixture()
		job := fixtureJob(t)
		job.InitStagePlan([]string{"subdomains"})
		require.True(t, job.ApplyStageTransition("subdomains", scanning.StageStatusCancelled))

		f.jobs.On("GetJob", mock.Anything, job.JobID()).Return(job, nil)

		err := f.svc.StageFinished(context.Background(), job.JobID(), "subdomains", scanning.StageStatusCompleted, "")
		require.NoError(t, err, "a late completion against a cancelled stage is silent")
		f.jobs.AssertNotCalled(t, "MergeStageProgress", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		assert.Empty(t, f.publisher.types())
	})
}

func TestInitStagePlan(t *testing.T) {
	f := newLifecycleFixture()
	job := fixtureJob(t)

	var merged scanning.StageProgressMap
	f.jobs.On("GetJob", mock.Anything, job.JobID()).Return(job, nil)
	f.jobs.On("MergeStageProgress", mock.Anything, job.JobID(), mock.Anything, "subdomains", 0).
		Run(func(args mock.Arguments) {
			merged = args.Get(2).(scanning.StageProgressMap)
		}).Return(nil)

	err := f.svc.InitStagePlan(context.Background(), job.JobID(), []string{"subdomains", "ports"})
	require.NoError(t, err)
	require.Len(t, merged, 2)
	assert.Equal(t, scanning.StageStatusPending, merged["ports"].Status)
}

func TestDeleteJobs(t *testing.T) {
	f := newLifecycleFixture()
	job := fixtureJob(t)
	job.TrackContainerID("abc123")
	jobIDs := []uuid.UUID{job.JobID()}

	terminated := make(chan struct{})
	f.terminator.done = terminated

	swept := make(chan struct{})
	f.jobs.On("GetJob", mock.Anything, job.JobID()).Return(job, nil)
	f.jobs.On("SoftDelete", mock.Anything, jobIDs).Return(int64(1), nil)
	f.jobs.On("HardDeleteCascade", mock.Anything, jobIDs).
		Run(func(mock.Arguments) { close(swept) }).Return(nil)

	marked, err := f.svc.DeleteJobs(context.Background(), jobIDs)
	require.NoError(t, err)
	assert.Equal(t, int64(1), marked)

	// The sweep runs detached from the request.
	select {
	case <-terminated:
	case <-time.After(2 * time.Second):
		t.Fatal("expected tracked processes to be stopped by the sweep")
	}
	select {
	case <-swept:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the hard delete cascade to run")
	}
}
