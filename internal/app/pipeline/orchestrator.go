package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/reconwave/reconwave/internal/app/results"
	"github.com/reconwave/reconwave/internal/domain/scanning"
	"github.com/reconwave/reconwave/pkg/common/logger"
	"github.com/reconwave/reconwave/pkg/common/uuid"
)

// StageNotifier receives lifecycle callbacks as stages start and finish.
// The lifecycle manager is the production implementation; the worker runtime
// wires an event-publishing adapter when it runs remotely.
type StageNotifier interface {
	StageStarted(ctx context.Context, jobID uuid.UUID, stage string) error
	StageFinished(ctx context.Context, jobID uuid.UUID, stage string, status scanning.StageStatus, detail string) error
}

// ToolRunner executes one tool invocation. Implemented by the streaming
// result processor.
type ToolRunner interface {
	Run(ctx context.Context, inv results.Invocation) (results.Result, error)
}

// JobContext carries the identity of the job being executed.
type JobContext struct {
	JobID      uuid.UUID
	TargetID   uuid.UUID
	TargetName string
	WorkDir    string

	// ServerURL is the orchestrator base URL, exposed to tool templates
	// that report back over HTTP.
	ServerURL string
}

// Summary reports how the pipeline ended.
type Summary struct {
	// Cancelled is set when a cooperative cancellation unwound the pipeline.
	Cancelled bool
	// FailedStages counts stages where every tool failed.
	FailedStages int
	// CompletedStages counts stages that produced usable output.
	CompletedStages int
	// SkippedStages counts stages bypassed for lack of input.
	SkippedStages int
}

// Orchestrator executes a multi-stage pipeline for one job. Tool failures
// are isolated: a stage succeeds when at least one tool produced output,
// and fails only when every tool in it failed.
type Orchestrator struct {
	runner    ToolRunner
	snapshots scanning.SnapshotRepository
	notifier  StageNotifier

	logger *logger.Logger
	tracer trace.Tracer
}

// NewOrchestrator creates a stage orchestrator.
func NewOrchestrator(
	runner ToolRunner,
	snapshots scanning.SnapshotRepository,
	notifier StageNotifier,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Orchestrator {
	return &Orchestrator{
		runner:    runner,
		snapshots: snapshots,
		notifier:  notifier,
		logger:    logger.With("component", "stage_orchestrator"),
		tracer:    tracer,
	}
}

// Execute runs the plan's stages in order. Consecutive stages marked
// parallel run concurrently as one group; a later sequential stage never
// starts before all parallel siblings finish.
func (o *Orchestrator) Execute(ctx context.Context, job JobContext, plan *Plan) (Summary, error) {
	logger := o.logger.With("operation", "execute", "job_id", job.JobID)
	ctx, span := o.tracer.Start(ctx, "stage_orchestrator.execute",
		trace.WithAttributes(
			attribute.String("job_id", job.JobID.String()),
			attribute.String("target", job.TargetName),
			attribute.Int("stage_count", len(plan.Stages)),
		),
	)
	defer span.End()

	var summary Summary

	for i := 0; i < len(plan.Stages); {
		group := []PlannedStage{plan.Stages[i]}
		if plan.Stages[i].Parallel {
			for i+len(group) < len(plan.Stages) && plan.Stages[i+len(group)].Parallel {
				group = append(group, plan.Stages[i+len(group)])
			}
		}
		i += len(group)

		if len(group) == 1 {
			outcome := o.runStage(ctx, job, group[0])
			summary.apply(outcome)
		} else {
			var mu sync.Mutex
			g, gctx := errgroup.WithContext(ctx)
			for _, st := range group {
				g.Go(func() error {
					outcome := o.runStage(gctx, job, st)
					mu.Lock()
					summary.apply(outcome)
					mu.Unlock()
					return nil
				})
			}
			// Stage failures are isolated, so the group never returns an error.
			_ = g.Wait()
		}

		if summary.Cancelled {
			logger.Info(ctx, "pipeline unwound by cancellation",
				"completed_stages", summary.CompletedStages)
			span.AddEvent("pipeline_cancelled")
			return summary, nil
		}
	}

	span.SetStatus(codes.Ok, "pipeline finished")
	logger.Info(ctx, "pipeline finished",
		"completed_stages", summary.CompletedStages,
		"failed_stages", summary.FailedStages,
		"skipped_stages", summary.SkippedStages)
	return summary, nil
}

func (s *Summary) apply(status scanning.StageStatus) {
	switch status {
	case scanning.StageStatusCompleted:
		s.CompletedStages++
	case scanning.StageStatusFailed:
		s.FailedStages++
	case scanning.StageStatusSkipped:
		s.SkippedStages++
	case scanning.StageStatusCancelled:
		s.Cancelled = true
	}
}

// runStage executes one stage's tools and reports the stage outcome through
// the notifier. It always returns the terminal stage status it reported.
func (o *Orchestrator) runStage(ctx context.Context, job JobContext, stage PlannedStage) scanning.StageStatus {
	logger := o.logger.With("job_id", job.JobID, "stage", stage.Name)
	ctx, span := o.tracer.Start(ctx, "stage_orchestrator.run_stage",
		trace.WithAttributes(
			attribute.String("job_id", job.JobID.String()),
			attribute.String("stage", stage.Name),
			attribute.Bool("parallel", stage.Parallel),
			attribute.Int("tool_count", len(stage.Tools)),
		),
	)
	defer span.End()

	if stage.Requires != "" {
		count, err := o.snapshots.CountByKind(ctx, job.JobID, stage.Requires)
		if err != nil {
			logger.Warn(ctx, "prerequisite check failed, running stage anyway", "error", err)
		} else if count == 0 {
			span.AddEvent("stage_skipped_no_input")
			detail := fmt.Sprintf("no %s records from earlier stages", strings.ToLower(string(stage.Requires)))
			o.notify(ctx, job, stage.Name, scanning.StageStatusSkipped, detail)
			return scanning.StageStatusSkipped
		}
	}

	if err := o.notifier.StageStarted(ctx, job.JobID, stage.Name); err != nil {
		logger.Warn(ctx, "stage start notification failed", "error", err)
	}

	outcomes := o.runTools(ctx, job, stage)

	status, detail := stageVerdict(outcomes)
	span.SetAttributes(attribute.String("stage_status", string(status)))
	o.notify(ctx, job, stage.Name, status, detail)
	return status
}

type toolOutcome struct {
	tool   string
	result results.Result
	err    error
}

func (o *Orchestrator) runTools(ctx context.Context, job JobContext, stage PlannedStage) []toolOutcome {
	outcomes := make([]toolOutcome, len(stage.Tools))

	run := func(ctx context.Context, idx int, tool PlannedTool) {
		res, err := o.runTool(ctx, job, stage.Name, tool)
		outcomes[idx] = toolOutcome{tool: tool.Name, result: res, err: err}
	}

	if stage.Parallel {
		g, gctx := errgroup.WithContext(ctx)
		for idx, tool := range stage.Tools {
			g.Go(func() error {
				run(gctx, idx, tool)
				return nil
			})
		}
		_ = g.Wait()
		return outcomes
	}

	for idx, tool := range stage.Tools {
		run(ctx, idx, tool)
	}
	return outcomes
}

func (o *Orchestrator) runTool(ctx context.Context, job JobContext, stage string, tool PlannedTool) (results.Result, error) {
	params := builtinParams(job, tool)
	command, err := BuildCommand(tool.Name, tool.Template, params)
	if err != nil {
		return results.Result{Outcome: results.OutcomeFailed, FailureDetail: err.Error()}, err
	}
	if tool.Setting.Output != "" {
		command += " | tee " + filepath.Join(job.WorkDir, tool.Setting.Output)
	}

	timeout, err := ResolveTimeout(tool, job.WorkDir)
	if err != nil {
		return results.Result{Outcome: results.OutcomeFailed, FailureDetail: err.Error()}, err
	}

	return o.runner.Run(ctx, results.Invocation{
		JobID:    job.JobID,
		TargetID: job.TargetID,
		Tool:     tool.Name,
		Family:   tool.Family,
		Command:  command,
		WorkDir:  job.WorkDir,
		LogPath:  filepath.Join(job.WorkDir, "logs", stage+"_"+tool.Name+".log"),
		Timeout:  timeout,
	})
}

func builtinParams(job JobContext, tool PlannedTool) map[string]string {
	params := map[string]string{
		"target":     job.TargetName,
		"target_url": "https://" + job.TargetName,
		"job_id":     job.JobID.String(),
		"workdir":    job.WorkDir,
		"server_url": job.ServerURL,
	}
	if tool.Setting.Input != "" {
		params["input"] = filepath.Join(job.WorkDir, tool.Setting.Input)
	}
	if tool.Setting.Output != "" {
		params["output"] = filepath.Join(job.WorkDir, tool.Setting.Output)
	}
	for k, v := range tool.Setting.Params {
		params[k] = v
	}
	return params
}

// stageVerdict applies the best-effort stage policy: cancelled dominates,
// then success if any tool produced output, otherwise failure with every
// tool's reason preserved for the job detail view.
func stageVerdict(outcomes []toolOutcome) (scanning.StageStatus, string) {
	var produced bool
	var failures []string

	for _, oc := range outcomes {
		if oc.result.Outcome == results.OutcomeCancelled {
			return scanning.StageStatusCancelled, "cancelled by user"
		}
		if oc.result.Processed > 0 || oc.result.Outcome == results.OutcomeSucceeded {
			produced = true
		}
		if oc.result.Outcome != results.OutcomeSucceeded {
			failures = append(failures, fmt.Sprintf("%s: %s", oc.tool, oc.result.FailureDetail))
		}
	}
	sort.Strings(failures)

	detail := strings.Join(failures, "; ")
	if produced {
		return scanning.StageStatusCompleted, detail
	}
	return scanning.StageStatusFailed, detail
}

func (o *Orchestrator) notify(ctx context.Context, job JobContext, stage string, status scanning.StageStatus, detail string) {
	if err := o.notifier.StageFinished(ctx, job.JobID, stage, status, detail); err != nil {
		o.logger.Error(ctx, "stage finish notification failed",
			"job_id", job.JobID, "stage", stage, "status", status, "error", err)
	}
}
