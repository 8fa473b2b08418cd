// Package redis implements the worker load cache on Redis. Samples carry a
// TTL so a worker that stops heartbeating fades out of load-aware ranking on
// its own, without a reaper.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/reconwave/reconwave/internal/domain/workers"
)

// DefaultTTL keeps a sample rankable for a few heartbeat periods.
const DefaultTTL = 90 * time.Second

var _ workers.LoadCache = (*LoadCache)(nil)

// LoadCache stores one JSON-encoded load sample per worker name.
type LoadCache struct {
	client *redis.Client
	ttl    time.Duration
	tracer trace.Tracer
}

// NewLoadCache creates a Redis-backed load cache. A non-positive ttl falls
// back to DefaultTTL.
func NewLoadCache(client *redis.Client, ttl time.Duration, tracer trace.Tracer) *LoadCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &LoadCache{client: client, ttl: ttl, tracer: tracer}
}

func sampleKey(workerName string) string {
	return "reconwave:load:" + workerName
}

// SetSample stores the sample under the worker's name with the cache TTL.
func (c *LoadCache) SetSample(ctx context.Context, sample workers.LoadSample) error {
	ctx, span := c.tracer.Start(ctx, "redis_load_cache.set_sample",
		trace.WithAttributes(attribute.String("worker", sample.WorkerName)))
	defer span.End()

	payload, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("marshal load sample: %w", err)
	}
	if err := c.client.Set(ctx, sampleKey(sample.WorkerName), payload, c.ttl).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("storing load sample for %s: %w", sample.WorkerName, err)
	}
	return nil
}

// GetSample returns the worker's sample, or ErrNoFreshSample when the key is
// missing or expired.
func (c *LoadCache) GetSample(ctx context.Context, workerName string) (workers.LoadSample, error) {
	ctx, span := c.tracer.Start(ctx, "redis_load_cache.get_sample",
		trace.WithAttributes(attribute.String("worker", workerName)))
	defer span.End()

	payload, err := c.client.Get(ctx, sampleKey(workerName)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return workers.LoadSample{}, workers.ErrNoFreshSample
		}
		span.RecordError(err)
		return workers.LoadSample{}, fmt.Errorf("loading sample for %s: %w", workerName, err)
	}

	var sample workers.LoadSample
	if err := json.Unmarshal(payload, &sample); err != nil {
		return workers.LoadSample{}, fmt.Errorf("unmarshal load sample: %w", err)
	}
	return sample, nil
}
