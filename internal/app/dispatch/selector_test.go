package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reconwave/reconwave/internal/domain/workers"
	"github.com/reconwave/reconwave/pkg/common/uuid"
)

type fakeLoadCache struct {
	samples map[string]workers.LoadSample
	err     error
}

func (c *fakeLoadCache) SetSample(context.Context, workers.LoadSample) error { return nil }

func (c *fakeLoadCache) GetSample(_ context.Context, workerName string) (workers.LoadSample, error) {
	if c.err != nil {
		return workers.LoadSample{}, c.err
	}
	sample, ok := c.samples[workerName]
	if !ok {
		return workers.LoadSample{}, workers.ErrNoFreshSample
	}
	return sample, nil
}

func onlineWorker(t *testing.T, name string) *workers.Worker {
	t.Helper()
	return workers.ReconstructWorker(uuid.New(), name, "10.0.0.1", 22, workers.Credentials{}, false, workers.WorkerStatusOnline)
}

func TestRankWorkers(t *testing.T) {
	now := time.Now()
	maxAge := 90 * time.Second

	t.Run("fresh workers rank by load, least loaded first", func(t *testing.T) {
		fleet := []*workers.Worker{
			onlineWorker(t, "busy"),
			onlineWorker(t, "idle"),
			onlineWorker(t, "medium"),
		}
		cache := &fakeLoadCache{samples: map[string]workers.LoadSample{
			"busy":   {WorkerName: "busy", CPUPercent: 90, MemPercent: 80, SampledAt: now},
			"idle":   {WorkerName: "idle", CPUPercent: 5, MemPercent: 10, SampledAt: now},
			"medium": {WorkerName: "medium", CPUPercent: 50, MemPercent: 40, SampledAt: now},
		}}

		ranked, err := rankWorkers(context.Background(), fleet, cache, maxAge, now)
		require.NoError(t, err)
		assert.Equal(t, []string{"idle", "medium", "busy"}, workerNames(ranked))
	})

	t.Run("equal load ties break by name", func(t *testing.T) {
		fleet := []*workers.Worker{onlineWorker(t, "beta"), onlineWorker(t, "alpha")}
		cache := &fakeLoadCache{samples: map[string]workers.LoadSample{
			"alpha": {WorkerName: "alpha", CPUPercent: 40, MemPercent: 40, SampledAt: now},
			"beta":  {WorkerName: "beta", CPUPercent: 40, MemPercent: 40, SampledAt: now},
		}}

		ranked, err := rankWorkers(context.Background(), fleet, cache, maxAge, now)
		require.NoError(t, err)
		assert.Equal(t, []string{"alpha", "beta"}, workerNames(ranked))
	})

	t.Run("workers without a fresh sample trail in name order", func(t *testing.T) {
		fleet := []*workers.Worker{
			onlineWorker(t, "unknown-b"),
			onlineWorker(t, "loaded"),
			onlineWorker(t, "unknown-a"),
			onlineWorker(t, "expired"),
		}
		cache := &fakeLoadCache{samples: map[string]workers.LoadSample{
			"loaded":  {WorkerName: "loaded", CPUPercent: 95, MemPercent: 95, SampledAt: now},
			"expired": {WorkerName: "expired", CPUPercent: 1, MemPercent: 1, SampledAt: now.Add(-10 * time.Minute)},
		}}

		ranked, err := rankWorkers(context.Background(), fleet, cache, maxAge, now)
		require.NoError(t, err)
		// A heavily loaded worker with a fresh sample still beats workers
		// whose load is unknown.
		assert.Equal(t, []string{"loaded", "expired", "unknown-a", "unknown-b"}, workerNames(ranked))
	})

	t.Run("only online workers are candidates", func(t *testing.T) {
		fleet := []*workers.Worker{
			workers.ReconstructWorker(uuid.New(), "pending", "10.0.0.2", 22, workers.Credentials{}, false, workers.WorkerStatusPending),
			workers.ReconstructWorker(uuid.New(), "deploying", "10.0.0.3", 22, workers.Credentials{}, false, workers.WorkerStatusDeploying),
			workers.ReconstructWorker(uuid.New(), "offline", "10.0.0.4", 22, workers.Credentials{}, false, workers.WorkerStatusOffline),
			onlineWorker(t, "ready"),
		}

		ranked, err := rankWorkers(context.Background(), fleet, &fakeLoadCache{}, maxAge, now)
		require.NoError(t, err)
		assert.Equal(t, []string{"ready"}, workerNames(ranked))
	})

	t.Run("no eligible worker", func(t *testing.T) {
		fleet := []*workers.Worker{
			workers.ReconstructWorker(uuid.New(), "offline", "10.0.0.4", 22, workers.Credentials{}, false, workers.WorkerStatusOffline),
		}
		_, err := rankWorkers(context.Background(), fleet, &fakeLoadCache{}, maxAge, now)
		assert.ErrorIs(t, err, workers.ErrNoEligibleWorker)
	})

	t.Run("cache failure propagates", func(t *testing.T) {
		fleet := []*workers.Worker{onlineWorker(t, "ready")}
		cache := &fakeLoadCache{err: errors.New("redis: connection refused")}
		_, err := rankWorkers(context.Background(), fleet, cache, maxAge, now)
		assert.Error(t, err)
	})
}

func workerNames(fleet []*workers.Worker) []string {
	names := make([]string, len(fleet))
	for i, w := range fleet {
		names[i] = w.Name()
	}
	return names
}
