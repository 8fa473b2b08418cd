// Package agent implements the worker-host heartbeat: a small loop that
// samples CPU and memory utilization and publishes it to the shared load
// cache for the distributor's ranking.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/reconwave/reconwave/internal/domain/workers"
	"github.com/reconwave/reconwave/pkg/common/logger"
	"github.com/reconwave/reconwave/pkg/common/timeutil"
)

const (
	defaultInterval = 30 * time.Second
	cpuSampleWindow = 3 * time.Second
)

// Heartbeat periodically reports this host's load under its worker name.
type Heartbeat struct {
	workerName string
	cache      workers.LoadCache
	interval   time.Duration

	timeProvider timeutil.Provider
	logger       *logger.Logger
}

// NewHeartbeat creates a heartbeat for the named worker. A non-positive
// interval falls back to the default.
func NewHeartbeat(workerName string, cache workers.LoadCache, interval time.Duration, logger *logger.Logger) *Heartbeat {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Heartbeat{
		workerName:   workerName,
		cache:        cache,
		interval:     interval,
		timeProvider: timeutil.Default(),
		logger:       logger.With("component", "heartbeat", "worker", workerName),
	}
}

// Run publishes a sample immediately and then on every interval until the
// context is cancelled. Failed publishes are logged and retried at the next
// tick; a worker with a stale sample degrades to the unranked tier rather
// than going offline.
func (h *Heartbeat) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.publish(ctx)
	for {
		select {
		case <-ctx.Done():
			h.logger.Info(ctx, "heartbeat stopped")
			return ctx.Err()
		case <-ticker.C:
			h.publish(ctx)
		}
	}
}

func (h *Heartbeat) publish(ctx context.Context) {
	sample, err := h.sample(ctx)
	if err != nil {
		h.logger.Warn(ctx, "failed to read host load", "error", err)
		return
	}
	if err := h.cache.SetSample(ctx, sample); err != nil {
		h.logger.Warn(ctx, "failed to publish load sample", "error", err)
		return
	}
	h.logger.Debug(ctx, "load sample published",
		"cpu_percent", sample.CPUPercent, "mem_percent", sample.MemPercent)
}

func (h *Heartbeat) sample(ctx context.Context) (workers.LoadSample, error) {
	cpuPercents, err := cpu.PercentWithContext(ctx, cpuSampleWindow, false)
	if err != nil {
		return workers.LoadSample{}, fmt.Errorf("sampling cpu: %w", err)
	}
	var cpuPercent float64
	if len(cpuPercents) > 0 {
		cpuPercent = cpuPercents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return workers.LoadSample{}, fmt.Errorf("sampling memory: %w", err)
	}

	return workers.LoadSample{
		WorkerName: h.workerName,
		CPUPercent: cpuPercent,
		MemPercent: vm.UsedPercent,
		SampledAt:  h.timeProvider.Now(),
	}, nil
}
