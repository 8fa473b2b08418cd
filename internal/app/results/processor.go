package results

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/reconwave/reconwave/internal/domain/scanning"
	"github.com/reconwave/reconwave/pkg/common/logger"
	"github.com/reconwave/reconwave/pkg/common/uuid"
)

const (
	// defaultBatchSize bounds how many records accumulate before a flush.
	defaultBatchSize = 2000

	// defaultCancelCheckEvery bounds how many records are consumed between
	// cooperative cancellation checks.
	defaultCancelCheckEvery = 500

	// maxFlushAttempts bounds the retries of one transient batch failure.
	maxFlushAttempts = 5
)

// Outcome classifies how a tool invocation ended. The stage orchestrator
// treats timeouts and cancellations differently from hard failures.
type Outcome string

const (
	OutcomeSucceeded Outcome = "SUCCEEDED"
	OutcomeFailed    Outcome = "FAILED"
	OutcomeTimeout   Outcome = "TIMEOUT"
	OutcomeCancelled Outcome = "CANCELLED"
)

// Invocation describes one tool execution: a fully built command plus the
// identifiers persistence needs.
type Invocation struct {
	JobID    uuid.UUID
	TargetID uuid.UUID
	Tool     string
	Family   Family
	Command  string
	WorkDir  string
	LogPath  string
	// Timeout is the hard limit for the invocation; zero means none.
	Timeout time.Duration
}

// Result summarizes one invocation. Processed counts valid records consumed
// from the stream, which is why a retried batch can never double-count.
type Result struct {
	Outcome       Outcome
	Processed     int
	Skipped       int
	Flushed       int
	FailureDetail string
}

// CancelProbe reports whether the owning job has been marked cancelled.
type CancelProbe interface {
	IsCancelled(ctx context.Context, jobID uuid.UUID) (bool, error)
}

// Processor runs one external tool command, consumes its stdout as a lazy
// line sequence, and persists normalized records in bounded batches without
// ever buffering the full output.
type Processor struct {
	runner    ProcessRunner
	snapshots scanning.SnapshotRepository
	assets    scanning.AssetRepository
	probe     CancelProbe

	batchSize        int
	cancelCheckEvery int
	flushPolicy      func(ctx context.Context) backoff.BackOff

	logger *logger.Logger
	tracer trace.Tracer
}

// NewProcessor creates a result processor with default batch sizing.
func NewProcessor(
	runner ProcessRunner,
	snapshots scanning.SnapshotRepository,
	assets scanning.AssetRepository,
	probe CancelProbe,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Processor {
	return &Processor{
		runner:           runner,
		snapshots:        snapshots,
		assets:           assets,
		probe:            probe,
		batchSize:        defaultBatchSize,
		cancelCheckEvery: defaultCancelCheckEvery,
		flushPolicy: func(ctx context.Context) backoff.BackOff {
			return backoff.WithContext(
				backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxFlushAttempts),
				ctx,
			)
		},
		logger:           logger.With("component", "result_processor"),
		tracer:           tracer,
	}
}

// Run executes the invocation to completion, timeout or cancellation. The
// returned Result is valid even when err is non-nil: everything flushed
// before the failure stays persisted.
func (p *Processor) Run(ctx context.Context, inv Invocation) (Result, error) {
	logger := p.logger.With("operation", "run", "job_id", inv.JobID, "tool", inv.Tool)
	ctx, span := p.tracer.Start(ctx, "result_processor.run",
		trace.WithAttributes(
			attribute.String("job_id", inv.JobID.String()),
			attribute.String("tool", inv.Tool),
			attribute.String("family", string(inv.Family)),
		),
	)
	defer span.End()

	parse, err := ParserFor(inv.Family)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "no parser for family")
		return Result{Outcome: OutcomeFailed, FailureDetail: err.Error()}, err
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if inv.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, inv.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	proc, err := p.runner.Start(runCtx, inv.Command, inv.WorkDir)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to start tool")
		return Result{Outcome: OutcomeFailed, FailureDetail: err.Error()},
			fmt.Errorf("starting tool %s: %w", inv.Tool, err)
	}

	sink, err := p.openLogSink(inv)
	if err != nil {
		logger.Warn(ctx, "log sink unavailable, continuing without", "error", err)
	}
	if sink != nil {
		defer sink.Close()
	}

	var res Result
	batch := make([]scanning.Record, 0, p.batchSize)
	cancelled := false

	for line := range proc.Lines() {
		if sink != nil {
			fmt.Fprintln(sink, line)
		}

		rec, ok := parse(line)
		if !ok {
			res.Skipped++
			continue
		}
		res.Processed++
		batch = append(batch, rec)

		if len(batch) >= p.batchSize {
			if err := p.flush(ctx, inv, batch); err != nil {
				// The tool may be blocked on a full stdout pipe and the
				// reader on an undrained channel; kill the process group
				// first or Wait never returns.
				cancel()
				waitErr := proc.Wait()
				span.RecordError(err)
				span.SetStatus(codes.Error, "batch flush failed")
				res.Outcome = OutcomeFailed
				res.FailureDetail = err.Error()
				logger.Error(ctx, "aborting stream after flush failure", "error", err, "wait_error", waitErr)
				return res, err
			}
			res.Flushed += len(batch)
			batch = batch[:0]
		}

		if res.Processed%p.cancelCheckEvery == 0 {
			if ok, probeErr := p.probe.IsCancelled(ctx, inv.JobID); probeErr == nil && ok {
				cancelled = true
				cancel()
				break
			}
		}
	}

	waitErr := proc.Wait()

	switch {
	case cancelled:
		// Batches already flushed stay persisted; the in-progress batch is
		// discarded as part of the clean unwind.
		span.AddEvent("invocation_cancelled")
		res.Outcome = OutcomeCancelled
		res.FailureDetail = "cancelled by user"
		return res, nil

	case runCtx.Err() == context.DeadlineExceeded:
		// Everything parsed before the deadline is still flushed so the
		// stage can report partial success.
		if len(batch) > 0 {
			if err := p.flush(ctx, inv, batch); err != nil {
				logger.Error(ctx, "flushing final batch after timeout", "error", err)
			} else {
				res.Flushed += len(batch)
			}
		}
		span.AddEvent("invocation_timed_out")
		res.Outcome = OutcomeTimeout
		res.FailureDetail = fmt.Sprintf("timed out after %s", inv.Timeout)
		return res, nil

	default:
		if len(batch) > 0 {
			if err := p.flush(ctx, inv, batch); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "final batch flush failed")
				res.Outcome = OutcomeFailed
				res.FailureDetail = err.Error()
				return res, err
			}
			res.Flushed += len(batch)
		}
		if waitErr != nil {
			// A non-zero exit with usable output is a partial success call
			// the orchestrator makes. Report it as a failure with counts.
			res.Outcome = OutcomeFailed
			res.FailureDetail = waitErr.Error()
			logger.Warn(ctx, "tool exited non-zero", "error", waitErr,
				"processed", res.Processed, "skipped", res.Skipped)
			return res, nil
		}
	}

	res.Outcome = OutcomeSucceeded
	span.SetStatus(codes.Ok, "invocation completed")
	logger.Debug(ctx, "invocation completed",
		"processed", res.Processed, "skipped", res.Skipped, "flushed", res.Flushed)
	return res, nil
}

// flush performs the dual write: snapshots first (source of truth for what
// this job found), then the projection into the current-state asset tables.
// Both writes ignore natural-key conflicts, so a retried batch is a no-op
// for rows that already landed.
func (p *Processor) flush(ctx context.Context, inv Invocation, batch []scanning.Record) error {
	op := func() error {
		if err := p.snapshots.BulkInsertIgnoreConflicts(ctx, inv.JobID, inv.TargetID, batch); err != nil {
			return err
		}
		return p.assets.BulkInsertIgnoreConflicts(ctx, inv.TargetID, batch)
	}

	err := backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, scanning.ErrDataIntegrity) {
			return backoff.Permanent(err)
		}
		return err
	}, p.flushPolicy(ctx))

	if errors.Is(err, scanning.ErrDataIntegrity) {
		// Integrity failures are batch-local: drop it, keep the stream alive.
		p.logger.Error(ctx, "dropping batch with integrity violation",
			"job_id", inv.JobID, "tool", inv.Tool, "batch_size", len(batch), "error", err)
		return nil
	}
	return err
}

func (p *Processor) openLogSink(inv Invocation) (*os.File, error) {
	if inv.LogPath == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(inv.LogPath), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(inv.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}
