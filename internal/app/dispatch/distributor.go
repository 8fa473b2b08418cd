package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/reconwave/reconwave/internal/domain/scanning"
	"github.com/reconwave/reconwave/internal/domain/workers"
	"github.com/reconwave/reconwave/pkg/common"
	"github.com/reconwave/reconwave/pkg/common/logger"
	"github.com/reconwave/reconwave/pkg/common/timeutil"
)

// Config tunes the distributor.
type Config struct {
	// Image is the scan runtime container image launched on workers.
	Image string

	// OrchestratorURL is handed to launched containers so the worker runtime
	// can reach back for engine config and progress reporting.
	OrchestratorURL string

	// LaunchRatePerSec and LaunchBurst bound how fast containers are started
	// across the fleet.
	LaunchRatePerSec float64
	LaunchBurst      int

	// SampleMaxAge is how old a heartbeat load sample may be and still rank a
	// worker by load. Older samples demote the worker to the stale tier.
	SampleMaxAge time.Duration
}

func (c Config) withDefaults() Config {
	if c.LaunchRatePerSec <= 0 {
		c.LaunchRatePerSec = 5
	}
	if c.LaunchBurst <= 0 {
		c.LaunchBurst = 10
	}
	if c.SampleMaxAge <= 0 {
		c.SampleMaxAge = 90 * time.Second
	}
	return c
}

// Distributor places jobs on the least loaded online worker and launches the
// scan runtime there. It also implements best-effort process termination for
// cancellation and deletion flows.
type Distributor struct {
	cfg Config

	fleet    workers.WorkerRepository
	loads    workers.LoadCache
	executor workers.RemoteExecutor
	jobs     scanning.JobRepository

	limiter      *common.RateLimiter
	timeProvider timeutil.Provider
	logger       *logger.Logger
	tracer       trace.Tracer
}

// NewDistributor creates a task distributor.
func NewDistributor(
	cfg Config,
	fleet workers.WorkerRepository,
	loads workers.LoadCache,
	executor workers.RemoteExecutor,
	jobs scanning.JobRepository,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Distributor {
	cfg = cfg.withDefaults()
	return &Distributor{
		cfg:          cfg,
		fleet:        fleet,
		loads:        loads,
		executor:     executor,
		jobs:         jobs,
		limiter:      common.NewRateLimiter(cfg.LaunchRatePerSec, cfg.LaunchBurst),
		timeProvider: timeutil.Default(),
		logger:       logger.With("component", "task_distributor"),
		tracer:       tracer,
	}
}

// Dispatch places the job on a worker and launches its scan container. A
// placement or launch failure is returned to the caller, which fails the job;
// there is no automatic retry on another worker after a launch was attempted.
func (d *Distributor) Dispatch(ctx context.Context, job *scanning.Job) error {
	logger := d.logger.With("operation", "dispatch", "job_id", job.JobID())
	ctx, span := d.tracer.Start(ctx, "task_distributor.dispatch",
		trace.WithAttributes(attribute.String("job_id", job.JobID().String())))
	defer span.End()

	if err := d.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter interrupted: %w", err)
	}

	worker, session, err := d.connectLeastLoaded(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "no worker accepted the job")
		return err
	}
	defer session.Close()

	span.SetAttributes(attribute.String("worker", worker.Name()))
	logger.Info(ctx, "worker selected", "worker", worker.Name())

	containerID, err := d.launch(ctx, session, job)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "container launch failed")
		return fmt.Errorf("launching on worker %s: %w", worker.Name(), err)
	}

	if err := d.jobs.AppendContainerID(ctx, job.JobID(), containerID); err != nil {
		// The container is running but untracked. Record loudly so operators
		// can reap it by job label.
		logger.Error(ctx, "failed to track container id",
			"worker", worker.Name(), "container_id", containerID, "error", err)
	}

	job.AssignWorker(worker.Name())
	if err := d.jobs.UpdateJob(ctx, job); err != nil {
		logger.Error(ctx, "failed to record worker assignment",
			"worker", worker.Name(), "error", err)
	}

	span.AddEvent("container_launched", trace.WithAttributes(
		attribute.String("container_id", containerID)))
	logger.Info(ctx, "job dispatched", "worker", worker.Name(), "container_id", containerID)
	return nil
}

// connectLeastLoaded walks the ranked candidates and returns the first that
// accepts a session. An unreachable worker costs a connection attempt, not a
// failed job.
func (d *Distributor) connectLeastLoaded(ctx context.Context) (*workers.Worker, workers.Session, error) {
	fleet, err := d.fleet.ListWorkers(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("listing workers: %w", err)
	}

	ranked, err := rankWorkers(ctx, fleet, d.loads, d.cfg.SampleMaxAge, d.timeProvider.Now())
	if err != nil {
		return nil, nil, err
	}

	var lastErr error
	for _, w := range ranked {
		session, err := d.executor.Connect(ctx, w)
		if err != nil {
			d.logger.Warn(ctx, "worker unreachable, trying next candidate",
				"worker", w.Name(), "error", err)
			lastErr = err
			continue
		}
		return w, session, nil
	}
	return nil, nil, fmt.Errorf("all %d candidates unreachable: %w", len(ranked), lastErr)
}

func (d *Distributor) launch(ctx context.Context, session workers.Session, job *scanning.Job) (string, error) {
	cmd := fmt.Sprintf(
		"docker run -d --label reconwave.job=%s -e RECONWAVE_JOB_ID=%s -e RECONWAVE_ENGINE_ID=%s -e RECONWAVE_TARGET=%s -e RECONWAVE_SERVER=%s %s",
		job.JobID(), job.JobID(), job.EngineID(), job.Target().Name(), d.cfg.OrchestratorURL, d.cfg.Image,
	)
	stdout, stderr, exitCode, err := session.Exec(ctx, cmd)
	if err != nil {
		return "", err
	}
	if exitCode != 0 {
		return "", fmt.Errorf("docker run exited %d: %s", exitCode, strings.TrimSpace(stderr))
	}
	containerID := strings.TrimSpace(stdout)
	if containerID == "" {
		return "", fmt.Errorf("docker run produced no container id")
	}
	return containerID, nil
}

// TerminateJob force-removes the job's tracked containers on its worker. It
// returns how many containers were signalled; partial failure is reported
// through the error while the count still reflects successes.
func (d *Distributor) TerminateJob(ctx context.Context, job *scanning.Job) (int, error) {
	ctx, span := d.tracer.Start(ctx, "task_distributor.terminate_job",
		trace.WithAttributes(
			attribute.String("job_id", job.JobID().String()),
			attribute.Int("container_count", len(job.ContainerIDs())),
		),
	)
	defer span.End()

	if len(job.ContainerIDs()) == 0 {
		return 0, nil
	}
	if job.WorkerName() == "" {
		return 0, fmt.Errorf("job %s tracks containers but has no worker", job.JobID())
	}

	worker, err := d.fleet.GetWorkerByName(ctx, job.WorkerName())
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("resolving worker %s: %w", job.WorkerName(), err)
	}

	session, err := d.executor.Connect(ctx, worker)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("connecting to worker %s: %w", worker.Name(), err)
	}
	defer session.Close()

	var signalled int
	var failures []string
	for _, id := range job.ContainerIDs() {
		_, stderr, exitCode, err := session.Exec(ctx, "docker rm -f "+id)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", id, err))
			continue
		}
		if exitCode != 0 {
			failures = append(failures, fmt.Sprintf("%s: exit %d %s", id, exitCode, strings.TrimSpace(stderr)))
			continue
		}
		signalled++
	}

	span.SetAttributes(attribute.Int("signalled", signalled))
	if len(failures) > 0 {
		return signalled, fmt.Errorf("failed to remove %d containers: %s", len(failures), strings.Join(failures, "; "))
	}
	return signalled, nil
}
