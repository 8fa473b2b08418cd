package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/reconwave/reconwave/internal/api"
	"github.com/reconwave/reconwave/internal/app/cluster"
	"github.com/reconwave/reconwave/internal/app/cron"
	"github.com/reconwave/reconwave/internal/app/dispatch"
	appscanning "github.com/reconwave/reconwave/internal/app/scanning"
	"github.com/reconwave/reconwave/internal/infra/cluster/kubernetes"
	"github.com/reconwave/reconwave/internal/infra/eventbus"
	"github.com/reconwave/reconwave/internal/infra/eventbus/kafka"
	redisCache "github.com/reconwave/reconwave/internal/infra/loadcache/redis"
	"github.com/reconwave/reconwave/internal/infra/remote"
	"github.com/reconwave/reconwave/internal/infra/remote/local"
	"github.com/reconwave/reconwave/internal/infra/remote/ssh"
	scanningStore "github.com/reconwave/reconwave/internal/infra/storage/scanning/postgres"
	workersStore "github.com/reconwave/reconwave/internal/infra/storage/workers/postgres"
	"github.com/reconwave/reconwave/pkg/common"
	"github.com/reconwave/reconwave/pkg/common/logger"
	"github.com/reconwave/reconwave/pkg/common/otel"
)

const serviceType = "orchestrator"

func main() {
	_, _ = maxprocs.Set()

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

	svcName := fmt.Sprintf("ORCHESTRATOR-%s", hostname)
	metadata := map[string]string{
		"service":   svcName,
		"hostname":  hostname,
		"pod":       os.Getenv("POD_NAME"),
		"namespace": os.Getenv("POD_NAMESPACE"),
		"app":       serviceType,
	}

	log := logger.NewWithMetadata(os.Stdout, logger.LevelDebug, svcName, traceIDFn, logEvents, metadata)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prob, err := strconv.ParseFloat(os.Getenv("OTEL_SAMPLING_RATIO"), 64)
	if err != nil {
		prob = 1.0
	}
	tp, telemetryTeardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      os.Getenv("OTEL_SERVICE_NAME"),
		ExporterEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ExcludedRoutes: map[string]struct{}{
			"/health":    {},
			"/readiness": {},
		},
		Probability: prob,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"k8s.pod.name":     os.Getenv("POD_NAME"),
			"k8s.namespace":    os.Getenv("POD_NAMESPACE"),
			"k8s.container.id": hostname,
		},
		InsecureExporter: true,
	})
	if err != nil {
		log.Error(ctx, "failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer telemetryTeardown(ctx)

	tracer := tp.Tracer(os.Getenv("OTEL_SERVICE_NAME"))

	ready := &atomic.Bool{}
	healthServer := common.NewHealthServer(ready)
	defer func() {
		if err := healthServer.Server().Shutdown(ctx); err != nil {
			log.Error(ctx, "error shutting down health server", "error", err)
		}
	}()

	pool, err := openDB(ctx)
	if err != nil {
		log.Error(ctx, "failed to open db", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := runMigrations(ctx, pool); err != nil {
		log.Error(ctx, "failed to run migrations", "error", err)
		os.Exit(1)
	}
	log.Info(ctx, "migrations applied")

	jobStore := scanningStore.NewJobStore(pool, tracer)
	snapshotStore := scanningStore.NewSnapshotStore(pool, tracer)
	targetStore := scanningStore.NewTargetStore(pool, tracer)
	engineStore := scanningStore.NewEngineStore(pool, tracer)
	scheduleStore := scanningStore.NewScheduleStore(pool, tracer)
	workerStore := workersStore.NewWorkerStore(pool, tracer)

	kafkaCfg := &kafka.Config{
		Brokers:           strings.Split(os.Getenv("KAFKA_BROKERS"), ","),
		JobLifecycleTopic: os.Getenv("KAFKA_JOB_LIFECYCLE_TOPIC"),
		StageTopic:        os.Getenv("KAFKA_STAGE_TOPIC"),
		GroupID:           os.Getenv("KAFKA_GROUP_ID"),
		ClientID:          svcName,
		ServiceType:       serviceType,
	}
	eventBus, err := kafka.ConnectWithRetry(kafkaCfg, log, tracer)
	if err != nil {
		log.Error(ctx, "failed to connect event bus", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := eventBus.Close(); err != nil {
			log.Error(ctx, "failed to close event bus", "error", err)
		}
	}()
	publisher := eventbus.NewDomainEventPublisher(eventBus)

	redisClient := goredis.NewClient(&goredis.Options{Addr: redisAddr()})
	defer redisClient.Close()
	loadCache := redisCache.NewLoadCache(redisClient, redisCache.DefaultTTL, tracer)

	executor := remote.NewRouter(local.NewExecutor(log, tracer), ssh.NewExecutor(log, tracer))

	distributor := dispatch.NewDistributor(dispatch.Config{
		Image:           os.Getenv("WORKER_IMAGE"),
		OrchestratorURL: os.Getenv("PUBLIC_URL"),
	}, workerStore, loadCache, executor, jobStore, log, tracer)

	lifecycle := appscanning.NewJobLifecycle(
		jobStore, snapshotStore, targetStore, engineStore, distributor, publisher, log, tracer)

	consumer := dispatch.NewConsumer(distributor, jobStore, eventBus, lifecycle.FailJob, log, tracer)
	if err := consumer.Start(ctx); err != nil {
		log.Error(ctx, "failed to start dispatch consumer", "error", err)
		os.Exit(1)
	}

	trigger := cron.NewTrigger(scheduleStore, targetStore, lifecycle, log, tracer)

	// The cron trigger runs only on the leader so a scaled-out control plane
	// fires each schedule once. Outside Kubernetes a standalone coordinator
	// grants leadership immediately.
	coord, err := newCoordinator(log, tracer)
	if err != nil {
		log.Error(ctx, "failed to create coordinator", "error", err)
		os.Exit(1)
	}
	defer coord.Stop()

	var triggerCancel context.CancelFunc
	coord.OnLeadershipChange(func(isLeader bool) {
		if isLeader {
			triggerCtx, cancelTrigger := context.WithCancel(ctx)
			triggerCancel = cancelTrigger
			go func() {
				if err := trigger.Run(triggerCtx); err != nil && !errors.Is(err, context.Canceled) {
					log.Error(triggerCtx, "schedule trigger stopped", "error", err)
				}
			}()
			return
		}
		if triggerCancel != nil {
			triggerCancel()
			triggerCancel = nil
		}
	})
	go func() {
		if err := coord.Start(ctx); err != nil {
			log.Error(ctx, "coordinator stopped", "error", err)
		}
	}()

	server := api.NewServer(apiAddr(), lifecycle, distributor, workerStore, trigger, log, tracer)

	ready.Store(true)
	log.Info(ctx, "orchestrator initialized")

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(ctx); err != nil {
			errCh <- err
		}
	}()

	select {
	case sig := <-sigCh:
		log.Info(ctx, "received shutdown signal", "signal", sig)
		cancel()
	case err := <-errCh:
		log.Error(ctx, "api server error", "error", err)
		os.Exit(1)
	}
}

func newCoordinator(log *logger.Logger, tracer trace.Tracer) (cluster.Coordinator, error) {
	podName := os.Getenv("POD_NAME")
	if podName == "" {
		return cluster.NewStandaloneCoordinator(), nil
	}
	return kubernetes.NewCoordinator(podName, &kubernetes.Config{
		Namespace:    envOr("POD_NAMESPACE", "default"),
		LeaderLockID: "reconwave-orchestrator-lock",
		Identity:     podName,
	}, log, tracer)
}

func openDB(ctx context.Context) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseDSN())
	if err != nil {
		return nil, fmt.Errorf("parsing db config: %w", err)
	}
	poolCfg.MinConns = 5
	poolCfg.MaxConns = 20
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	return pgxpool.NewWithConfig(ctx, poolCfg)
}

func databaseDSN() string {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}
	user := envOr("POSTGRES_USER", "postgres")
	password := envOr("POSTGRES_PASSWORD", "postgres")
	host := envOr("POSTGRES_HOST", "postgres")
	dbname := envOr("POSTGRES_DB", "reconwave")
	return fmt.Sprintf("postgres://%s:%s@%s:5432/%s?sslmode=disable", user, password, host, dbname)
}

func redisAddr() string { return envOr("REDIS_ADDR", "redis:6379") }

func apiAddr() string { return envOr("API_ADDR", ":8080") }

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// runMigrations applies all up migrations from db/migrations using a single
// connection borrowed from the pool.
func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("could not acquire connection: %w", err)
	}
	defer conn.Release()

	db := stdlib.OpenDBFromPool(pool)
	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("could not create pgx driver: %w", err)
	}

	migrationsPath := envOr("MIGRATIONS_PATH", "file:///app/db/migrations")
	m, err := migrate.NewWithDatabaseInstance(migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}
