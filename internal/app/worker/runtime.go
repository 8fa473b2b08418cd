// Package worker drives a single job from claim to terminal status inside a
// launched job container: it claims the job, derives the stage plan from the
// engine configuration and runs the pipeline to completion.
package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/reconwave/reconwave/internal/app/pipeline"
	appscanning "github.com/reconwave/reconwave/internal/app/scanning"
	"github.com/reconwave/reconwave/internal/domain/scanning"
	"github.com/reconwave/reconwave/pkg/common/logger"
	"github.com/reconwave/reconwave/pkg/common/uuid"
)

// Config carries the per-process identity handed to the container at launch.
type Config struct {
	JobID       uuid.UUID
	ServerURL   string
	WorkdirRoot string
}

// Runtime executes exactly one job and exits.
type Runtime struct {
	cfg          Config
	lifecycle    *appscanning.JobLifecycle
	engines      scanning.EngineRepository
	orchestrator *pipeline.Orchestrator
	catalog      *pipeline.Catalog
	logger       *logger.Logger
	tracer       trace.Tracer
}

// NewRuntime assembles the job runtime.
func NewRuntime(
	cfg Config,
	lifecycle *appscanning.JobLifecycle,
	engines scanning.EngineRepository,
	orchestrator *pipeline.Orchestrator,
	catalog *pipeline.Catalog,
	log *logger.Logger,
	tracer trace.Tracer,
) *Runtime {
	return &Runtime{
		cfg:          cfg,
		lifecycle:    lifecycle,
		engines:      engines,
		orchestrator: orchestrator,
		catalog:      catalog,
		logger:       log.With("component", "worker_runtime", "job_id", cfg.JobID),
		tracer:       tracer,
	}
}

// Run claims the job and drives its pipeline. A claim that does not apply
// (job already running, cancelled before start, or deleted) is a quiet exit,
// not an error.
func (r *Runtime) Run(ctx context.Context) error {
	ctx, span := r.tracer.Start(ctx, "worker_runtime.run",
		trace.WithAttributes(attribute.String("job_id", r.cfg.JobID.String())))
	defer span.End()

	job, err := r.lifecycle.GetJob(ctx, r.cfg.JobID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("loading job: %w", err)
	}

	claimed, err := r.lifecycle.MarkRunning(ctx, r.cfg.JobID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("claiming job: %w", err)
	}
	if !claimed {
		r.logger.Info(ctx, "job not claimable, exiting", "status", job.Status())
		span.AddEvent("claim_lost")
		return nil
	}

	plan, err := r.derivePlan(ctx, job)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "plan derivation failed")
		return r.lifecycle.FailJob(ctx, r.cfg.JobID, err.Error())
	}

	if err := r.lifecycle.InitStagePlan(ctx, r.cfg.JobID, plan.StageNames()); err != nil {
		span.RecordError(err)
		return r.lifecycle.FailJob(ctx, r.cfg.JobID, fmt.Sprintf("initializing stage plan: %v", err))
	}

	workdir, err := r.prepareWorkdir()
	if err != nil {
		span.RecordError(err)
		return r.lifecycle.FailJob(ctx, r.cfg.JobID, err.Error())
	}

	summary, err := r.orchestrator.Execute(ctx, pipeline.JobContext{
		JobID:      job.JobID(),
		TargetID:   job.Target().ID(),
		TargetName: job.Target().Name(),
		WorkDir:    workdir,
		ServerURL:  r.cfg.ServerURL,
	}, plan)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pipeline aborted")
		return r.lifecycle.FailJob(ctx, r.cfg.JobID, err.Error())
	}

	return r.finish(ctx, summary)
}

// finish maps the pipeline summary to the job's terminal transition. A
// cancelled pipeline needs no transition: the cancel cascade already wrote
// the terminal state.
func (r *Runtime) finish(ctx context.Context, summary pipeline.Summary) error {
	switch {
	case summary.Cancelled:
		r.logger.Info(ctx, "pipeline cancelled, terminal state already recorded")
		return nil
	case summary.FailedStages > 0 && summary.CompletedStages == 0:
		return r.lifecycle.FailJob(ctx, r.cfg.JobID, "all stages failed")
	default:
		r.logger.Info(ctx, "pipeline finished",
			"completed_stages", summary.CompletedStages,
			"failed_stages", summary.FailedStages,
			"skipped_stages", summary.SkippedStages)
		return r.lifecycle.CompleteJob(ctx, r.cfg.JobID)
	}
}

func (r *Runtime) derivePlan(ctx context.Context, job *scanning.Job) (*pipeline.Plan, error) {
	engine, err := r.engines.GetEngine(ctx, job.EngineID())
	if err != nil {
		return nil, fmt.Errorf("loading engine %s: %w", job.EngineID(), err)
	}
	cfg, err := pipeline.ParseEngineConfig(engine.Config())
	if err != nil {
		return nil, fmt.Errorf("parsing engine config: %w", err)
	}
	return pipeline.DerivePlan(cfg, r.catalog)
}

func (r *Runtime) prepareWorkdir() (string, error) {
	workdir := filepath.Join(r.cfg.WorkdirRoot, r.cfg.JobID.String())
	if err := os.MkdirAll(filepath.Join(workdir, "logs"), 0o755); err != nil {
		return "", fmt.Errorf("preparing workdir: %w", err)
	}
	return workdir, nil
}
