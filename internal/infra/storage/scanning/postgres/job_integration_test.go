package postgres

import (
	"context"
	"testing"

	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reconwave/reconwave/internal/domain/scanning"
	"github.com/reconwave/reconwave/internal/infra/storage"
	"github.com/reconwave/reconwave/pkg/common/uuid"
)

func setupJobTest(t *testing.T) (context.Context, *jobStore, *targetStore, func()) {
	t.Helper()

	pool, cleanup := storage.SetupTestContainer(t)
	tracer := storage.NoOpTracer()
	return context.Background(), NewJobStore(pool, tracer), NewTargetStore(pool, tracer), cleanup
}

// seedJob persists a target, an engine row and a fresh INITIATED job.
func seedJob(t *testing.T, ctx context.Context, jobs *jobStore, targets *targetStore) *scanning.Job {
	t.Helper()

	target, err := targets.GetOrCreateByName(ctx, "example.com", uuid.New())
	require.NoError(t, err)

	engineID := uuid.New()
	_, err = jobs.db.Exec(ctx,
		`INSERT INTO engines (id, name, config) VALUES ($1, $2, $3)`,
		pgUUID(engineID), "engine-"+engineID.String(), []byte("stages: []"))
	require.NoError(t, err)

	job := scanning.NewJob(uuid.New(), target, engineID)
	require.NoError(t, jobs.CreateJob(ctx, job))
	return job
}

func TestPGJobStore_CreateAndGet(t *testing.T) {
	t.Parallel()

	ctx, jobs, targets, cleanup := setupJobTest(t)
	defer cleanup()

	job := seedJob(t, ctx, jobs, targets)

	loaded, err := jobs.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	assert.Equal(t, job.JobID(), loaded.JobID())
	assert.Equal(t, scanning.JobStatusInitiated, loaded.Status())
	assert.Equal(t, "example.com", loaded.Target().Name())
	assert.Equal(t, scanning.TargetKindDomain, loaded.Target().Kind())
	assert.Zero(t, loaded.Progress())

	_, err = jobs.GetJob(ctx, uuid.New())
	assert.ErrorIs(t, err, scanning.ErrJobNotFound)
}

func TestPGJobStore_StatusCAS(t *testing.T) {
	t.Parallel()

	ctx, jobs, targets, cleanup := setupJobTest(t)
	defer cleanup()

	job := seedJob(t, ctx, jobs, targets)

	applied, err := jobs.UpdateStatusIfCurrent(ctx, job.JobID(), scanning.JobStatusInitiated, scanning.JobStatusRunning)
	require.NoError(t, err)
	assert.True(t, applied)

	// A second claim against the stale expected status loses quietly.
	applied, err = jobs.UpdateStatusIfCurrent(ctx, job.JobID(), scanning.JobStatusInitiated, scanning.JobStatusRunning)
	require.NoError(t, err)
	assert.False(t, applied)

	applied, err = jobs.UpdateStatusIfCurrent(ctx, job.JobID(), scanning.JobStatusRunning, scanning.JobStatusCompleted)
	require.NoError(t, err)
	assert.True(t, applied)

	loaded, err := jobs.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	assert.Equal(t, scanning.JobStatusCompleted, loaded.Status())
	_, stopped := loaded.StoppedAt()
	assert.True(t, stopped, "terminal transition records stopped_at")

	// A racing cancel-then-complete loses: RUNNING is gone.
	applied, err = jobs.UpdateStatusIfCurrent(ctx, job.JobID(), scanning.JobStatusRunning, scanning.JobStatusFailed)
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestPGJobStore_MergeStageProgressKeepsTerminalEntries(t *testing.T) {
	t.Parallel()

	ctx, jobs, targets, cleanup := setupJobTest(t)
	defer cleanup()

	job := seedJob(t, ctx, jobs, targets)
	job.InitStagePlan([]string{"subdomains", "ports"})
	require.NoError(t, jobs.MergeStageProgress(ctx, job.JobID(), job.StageProgress(), "subdomains", 0))

	cancelled := scanning.NewStageProgress("subdomains", 0)
	cancelled.Status = scanning.StageStatusCancelled
	require.NoError(t, jobs.MergeStageProgress(ctx, job.JobID(),
		scanning.StageProgressMap{"subdomains": cancelled}, "subdomains", 50))

	// A racing completion against the cancelled stage must not land.
	late := scanning.NewStageProgress("subdomains", 0)
	late.Status = scanning.StageStatusCompleted
	late.Detail = "late worker"
	require.NoError(t, jobs.MergeStageProgress(ctx, job.JobID(),
		scanning.StageProgressMap{"subdomains": late}, "ports", 50))

	loaded, err := jobs.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	assert.Equal(t, scanning.StageStatusCancelled, loaded.StageProgress()["subdomains"].Status)
	assert.Equal(t, scanning.StageStatusPending, loaded.StageProgress()["ports"].Status)
	assert.Equal(t, "ports", loaded.CurrentStage(), "non-stage columns still update")
}

func TestPGJobStore_CancelJobCascade(t *testing.T) {
	t.Parallel()

	ctx, jobs, targets, cleanup := setupJobTest(t)
	defer cleanup()

	job := seedJob(t, ctx, jobs, targets)
	job.InitStagePlan([]string{"subdomains", "ports", "probe"})
	require.NoError(t, jobs.MergeStageProgress(ctx, job.JobID(), job.StageProgress(), "subdomains", 0))

	done := scanning.NewStageProgress("subdomains", 0)
	done.Status = scanning.StageStatusCompleted
	running := scanning.NewStageProgress("ports", 1)
	running.Status = scanning.StageStatusRunning
	require.NoError(t, jobs.MergeStageProgress(ctx, job.JobID(),
		scanning.StageProgressMap{"subdomains": done, "ports": running}, "ports", 33))

	applied, err := jobs.CancelJobCascade(ctx, job.JobID())
	require.NoError(t, err)
	require.True(t, applied)

	loaded, err := jobs.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	assert.Equal(t, scanning.JobStatusCancelled, loaded.Status())
	assert.Equal(t, scanning.StageStatusCompleted, loaded.StageProgress()["subdomains"].Status)
	assert.Equal(t, scanning.StageStatusCancelled, loaded.StageProgress()["ports"].Status)
	assert.Equal(t, scanning.StageStatusCancelled, loaded.StageProgress()["probe"].Status)
	assert.Equal(t, 100, loaded.Progress())

	cancelled, err := jobs.IsCancelled(ctx, job.JobID())
	require.NoError(t, err)
	assert.True(t, cancelled)

	// Cancelling an already-cancelled job is a no-op, not an error.
	applied, err = jobs.CancelJobCascade(ctx, job.JobID())
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestPGJobStore_ContainerAndWorkerBookkeeping(t *testing.T) {
	t.Parallel()

	ctx, jobs, targets, cleanup := setupJobTest(t)
	defer cleanup()

	job := seedJob(t, ctx, jobs, targets)

	require.NoError(t, jobs.AppendContainerID(ctx, job.JobID(), "c0ffee42"))
	require.NoError(t, jobs.AppendContainerID(ctx, job.JobID(), "deadbeef"))

	job.AssignWorker("edge-1")
	job.RecordError("tool crashed")
	require.NoError(t, jobs.UpdateJob(ctx, job))

	loaded, err := jobs.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	assert.Equal(t, []string{"c0ffee42", "deadbeef"}, loaded.ContainerIDs())
	assert.Equal(t, "edge-1", loaded.WorkerName())
	assert.Equal(t, "tool crashed", loaded.ErrorMessage())
}

func TestPGJobStore_SoftAndHardDelete(t *testing.T) {
	t.Parallel()

	ctx, jobs, targets, cleanup := setupJobTest(t)
	defer cleanup()

	job := seedJob(t, ctx, jobs, targets)

	marked, err := jobs.SoftDelete(ctx, []uuid.UUID{job.JobID(), uuid.New()})
	require.NoError(t, err)
	assert.Equal(t, int64(1), marked)

	_, err = jobs.GetJob(ctx, job.JobID())
	assert.ErrorIs(t, err, scanning.ErrJobNotFound, "tombstoned jobs disappear from reads")

	// Soft-deleted reads as cancelled so in-flight executions wind down.
	cancelled, err := jobs.IsCancelled(ctx, job.JobID())
	require.NoError(t, err)
	assert.True(t, cancelled)

	require.NoError(t, jobs.HardDeleteCascade(ctx, []uuid.UUID{job.JobID()}))

	_, err = jobs.IsCancelled(ctx, job.JobID())
	assert.ErrorIs(t, err, scanning.ErrJobNotFound)
}
