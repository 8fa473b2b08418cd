// The worker binary runs inside a job container: it claims the job named by
// RECONWAVE_JOB_ID, derives the stage plan from the job's engine and drives
// the pipeline to a terminal status, then exits.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/reconwave/reconwave/internal/app/pipeline"
	"github.com/reconwave/reconwave/internal/app/results"
	appscanning "github.com/reconwave/reconwave/internal/app/scanning"
	"github.com/reconwave/reconwave/internal/app/worker"
	"github.com/reconwave/reconwave/internal/domain/scanning"
	"github.com/reconwave/reconwave/internal/infra/eventbus"
	"github.com/reconwave/reconwave/internal/infra/eventbus/kafka"
	scanningStore "github.com/reconwave/reconwave/internal/infra/storage/scanning/postgres"
	"github.com/reconwave/reconwave/pkg/common/logger"
	"github.com/reconwave/reconwave/pkg/common/otel"
	"github.com/reconwave/reconwave/pkg/common/uuid"
)

const serviceType = "worker"

// noTerminator satisfies the lifecycle's terminator port. Container teardown
// belongs to the orchestrator; a worker never kills its own siblings.
type noTerminator struct{}

func (noTerminator) TerminateJob(context.Context, *scanning.Job) (int, error) { return 0, nil }

func main() {
	_, _ = maxprocs.Set()

	jobID, err := uuid.Parse(os.Getenv("RECONWAVE_JOB_ID"))
	if err != nil {
		stdlog.Fatalf("RECONWAVE_JOB_ID must be a valid UUID: %v", err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		stdlog.Fatalf("failed to get hostname: %v", err)
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}
			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string { return otel.GetTraceID(ctx) }

	svcName := fmt.Sprintf("WORKER-%s", hostname)
	metadata := map[string]string{
		"service":  svcName,
		"hostname": hostname,
		"job_id":   jobID.String(),
		"app":      serviceType,
	}

	log := logger.NewWithMetadata(os.Stdout, logger.LevelDebug, svcName, traceIDFn, logEvents, metadata)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info(ctx, "received shutdown signal", "signal", sig)
		cancel()
	}()

	tp, telemetryTeardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      os.Getenv("OTEL_SERVICE_NAME"),
		ExporterEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Probability:      1.0,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"job.id":           jobID.String(),
		},
		InsecureExporter: true,
	})
	if err != nil {
		log.Error(ctx, "failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer telemetryTeardown(ctx)

	tracer := tp.Tracer(os.Getenv("OTEL_SERVICE_NAME"))

	poolCfg, err := pgxpool.ParseConfig(os.Getenv("DATABASE_URL"))
	if err != nil {
		log.Error(ctx, "failed to parse db config", "error", err)
		os.Exit(1)
	}
	poolCfg.MaxConns = 5
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		log.Error(ctx, "failed to open db", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	jobStore := scanningStore.NewJobStore(pool, tracer)
	snapshotStore := scanningStore.NewSnapshotStore(pool, tracer)
	assetStore := scanningStore.NewAssetStore(pool, tracer)
	targetStore := scanningStore.NewTargetStore(pool, tracer)
	engineStore := scanningStore.NewEngineStore(pool, tracer)

	publisher, busClose, err := newPublisher(svcName, log, tracer)
	if err != nil {
		log.Error(ctx, "failed to connect event bus", "error", err)
		os.Exit(1)
	}
	defer busClose()

	catalogData, err := os.ReadFile(envOr("CATALOG_PATH", "/app/config/catalog.yaml"))
	if err != nil {
		log.Error(ctx, "failed to read tool catalog", "error", err)
		os.Exit(1)
	}
	catalog, err := pipeline.LoadCatalog(catalogData)
	if err != nil {
		log.Error(ctx, "failed to parse tool catalog", "error", err)
		os.Exit(1)
	}

	lifecycle := appscanning.NewJobLifecycle(
		jobStore, snapshotStore, targetStore, engineStore, noTerminator{}, publisher, log, tracer)

	processor := results.NewProcessor(
		results.NewExecRunner(), snapshotStore, assetStore, lifecycle, log, tracer)
	orchestrator := pipeline.NewOrchestrator(processor, snapshotStore, lifecycle, log, tracer)

	runtime := worker.NewRuntime(worker.Config{
		JobID:       jobID,
		ServerURL:   os.Getenv("RECONWAVE_SERVER"),
		WorkdirRoot: envOr("WORKDIR_ROOT", "/opt/reconwave/workdirs"),
	}, lifecycle, engineStore, orchestrator, catalog, log, tracer)

	if err := runtime.Run(ctx); err != nil {
		log.Error(ctx, "job run failed", "error", err)
		os.Exit(1)
	}
	log.Info(ctx, "job run finished")
}

func newPublisher(clientID string, log *logger.Logger, tracer trace.Tracer) (*eventbus.DomainEventPublisher, func(), error) {
	cfg := &kafka.Config{
		Brokers:           strings.Split(os.Getenv("KAFKA_BROKERS"), ","),
		JobLifecycleTopic: os.Getenv("KAFKA_JOB_LIFECYCLE_TOPIC"),
		StageTopic:        os.Getenv("KAFKA_STAGE_TOPIC"),
		GroupID:           fmt.Sprintf("worker-%s", clientID),
		ClientID:          clientID,
		ServiceType:       serviceType,
	}
	bus, err := kafka.ConnectWithRetry(cfg, log, tracer)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if err := bus.Close(); err != nil {
			log.Error(context.Background(), "failed to close event bus", "error", err)
		}
	}
	return eventbus.NewDomainEventPublisher(bus), closeFn, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
