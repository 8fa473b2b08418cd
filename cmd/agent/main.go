// The agent binary runs on every worker machine and publishes CPU/memory
// load samples to the shared cache so the distributor can rank workers.
package main

import (
	"context"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/reconwave/reconwave/internal/infra/agent"
	redisCache "github.com/reconwave/reconwave/internal/infra/loadcache/redis"
	"github.com/reconwave/reconwave/pkg/common/logger"
	"github.com/reconwave/reconwave/pkg/common/otel"
)

func main() {
	_, _ = maxprocs.Set()

	workerName := os.Getenv("RECONWAVE_WORKER_NAME")
	if workerName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			stdlog.Fatalf("failed to get hostname: %v", err)
		}
		workerName = hostname
	}

	traceIDFn := func(ctx context.Context) string { return otel.GetTraceID(ctx) }
	log := logger.New(os.Stdout, logger.LevelInfo, "AGENT-"+workerName, traceIDFn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info(ctx, "received shutdown signal", "signal", sig)
		cancel()
	}()

	redisClient := goredis.NewClient(&goredis.Options{Addr: redisAddr()})
	defer redisClient.Close()

	cache := redisCache.NewLoadCache(redisClient, redisCache.DefaultTTL, noop.NewTracerProvider().Tracer("agent"))

	interval := 30 * time.Second
	if v := os.Getenv("HEARTBEAT_INTERVAL"); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			stdlog.Fatalf("invalid HEARTBEAT_INTERVAL: %v", err)
		}
		interval = parsed
	}

	hb := agent.NewHeartbeat(workerName, cache, interval, log)
	log.Info(ctx, "heartbeat agent starting", "worker", workerName, "interval", interval)
	if err := hb.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error(ctx, "heartbeat stopped", "error", err)
		os.Exit(1)
	}
}

func redisAddr() string {
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		return v
	}
	return "localhost:6379"
}
