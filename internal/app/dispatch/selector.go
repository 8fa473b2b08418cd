// Package dispatch implements the load-aware task distributor: it ranks the
// worker fleet by recent load samples, places jobs on the least loaded host,
// and handles remote process termination and fleet administration.
package dispatch

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/reconwave/reconwave/internal/domain/workers"
)

// candidate pairs a worker with its freshness-qualified load score.
type candidate struct {
	worker *workers.Worker
	score  float64
	fresh  bool
}

// rankWorkers orders online workers for placement. Workers with a fresh load
// sample come first, least loaded leading; online workers whose sample is
// missing or expired follow in name order. Pending, deploying and offline
// workers are never candidates.
func rankWorkers(ctx context.Context, fleet []*workers.Worker, cache workers.LoadCache, maxAge time.Duration, now time.Time) ([]*workers.Worker, error) {
	var fresh, stale []candidate

	for _, w := range fleet {
		if w.Status() != workers.WorkerStatusOnline {
			continue
		}
		sample, err := cache.GetSample(ctx, w.Name())
		switch {
		case err == nil && now.Sub(sample.SampledAt) <= maxAge:
			fresh = append(fresh, candidate{worker: w, score: sample.Combined(), fresh: true})
		case err == nil || errors.Is(err, workers.ErrNoFreshSample):
			stale = append(stale, candidate{worker: w})
		default:
			return nil, err
		}
	}

	sort.SliceStable(fresh, func(i, j int) bool {
		if fresh[i].score != fresh[j].score {
			return fresh[i].score < fresh[j].score
		}
		return fresh[i].worker.Name() < fresh[j].worker.Name()
	})
	sort.SliceStable(stale, func(i, j int) bool {
		return stale[i].worker.Name() < stale[j].worker.Name()
	})

	ranked := make([]*workers.Worker, 0, len(fresh)+len(stale))
	for _, c := range fresh {
		ranked = append(ranked, c.worker)
	}
	for _, c := range stale {
		ranked = append(ranked, c.worker)
	}
	if len(ranked) == 0 {
		return nil, workers.ErrNoEligibleWorker
	}
	return ranked, nil
}
