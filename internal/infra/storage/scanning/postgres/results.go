package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/reconwave/reconwave/internal/domain/scanning"
	"github.com/reconwave/reconwave/internal/infra/storage"
	"github.com/reconwave/reconwave/pkg/common/uuid"
)

var _ scanning.SnapshotRepository = (*snapshotStore)(nil)

// snapshotStore persists per-job result snapshots. Inserts ignore natural-key
// conflicts so a retried batch after a partial failure is idempotent.
type snapshotStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewSnapshotStore creates a new PostgreSQL-backed snapshot repository.
func NewSnapshotStore(pool *pgxpool.Pool, tracer trace.Tracer) *snapshotStore {
	return &snapshotStore{db: pool, tracer: tracer}
}

// BulkInsertIgnoreConflicts writes one batch of snapshot rows inside a single
// transaction using pgx's batch pipeline.
func (r *snapshotStore) BulkInsertIgnoreConflicts(ctx context.Context, jobID, targetID uuid.UUID, records []scanning.Record) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("job_id", jobID.String()),
		attribute.Int("record_count", len(records)),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.bulk_insert_snapshots", dbAttrs, func(ctx context.Context) error {
		if len(records) == 0 {
			return nil
		}

		batch := new(pgx.Batch)
		for _, rec := range records {
			payload, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("%w: marshal %s record: %v", scanning.ErrDataIntegrity, rec.Kind(), err)
			}
			batch.Queue(`
				INSERT INTO job_snapshots (job_id, target_id, kind, natural_key, severity, payload)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (job_id, kind, natural_key) DO NOTHING`,
				pgUUID(jobID), pgUUID(targetID), string(rec.Kind()), rec.NaturalKey(),
				recordSeverity(rec), payload,
			)
		}

		results := r.db.SendBatch(ctx, batch)
		defer results.Close()
		for range records {
			if _, err := results.Exec(); err != nil {
				return fmt.Errorf("snapshot batch insert error: %w", storage.ClassifyError(err))
			}
		}
		return nil
	})
}

// ComputeStats aggregates the job's snapshot rows into the dashboard counts.
func (r *snapshotStore) ComputeStats(ctx context.Context, jobID uuid.UUID) (scanning.ResultStats, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("job_id", jobID.String()))

	stats := scanning.NewResultStats()
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.compute_stats", dbAttrs, func(ctx context.Context) error {
		row := r.db.QueryRow(ctx, `
			SELECT
				COUNT(*) FILTER (WHERE kind = 'HOST_PORT' AND (payload->>'Port')::int = 0),
				COUNT(DISTINCT payload->>'IP') FILTER (WHERE kind = 'HOST_PORT' AND payload->>'IP' <> ''),
				COUNT(*) FILTER (WHERE kind = 'HTTP_PROBE'),
				COUNT(*) FILTER (WHERE kind = 'URL'),
				COUNT(*) FILTER (WHERE kind = 'DIRECTORY_HIT')
			FROM job_snapshots WHERE job_id = $1`,
			pgUUID(jobID),
		)
		if err := row.Scan(&stats.Subdomains, &stats.IPs, &stats.Websites, &stats.Endpoints, &stats.Directories); err != nil {
			return fmt.Errorf("compute stats error: %w", err)
		}

		rows, err := r.db.Query(ctx, `
			SELECT severity, COUNT(*)
			FROM job_snapshots
			WHERE job_id = $1 AND kind = 'VULNERABILITY'
			GROUP BY severity`,
			pgUUID(jobID),
		)
		if err != nil {
			return fmt.Errorf("vulnerability stats error: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var severity string
			var count int
			if err := rows.Scan(&severity, &count); err != nil {
				return fmt.Errorf("vulnerability stats scan error: %w", err)
			}
			stats.Vulnerabilities[scanning.Severity(severity)] = count
		}
		return rows.Err()
	})
	return stats, err
}

// CountByKind counts a job's snapshot rows of one kind.
func (r *snapshotStore) CountByKind(ctx context.Context, jobID uuid.UUID, kind scanning.RecordKind) (int64, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("job_id", jobID.String()),
		attribute.String("kind", string(kind)),
	)

	var count int64
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.count_by_kind", dbAttrs, func(ctx context.Context) error {
		return r.db.QueryRow(ctx,
			`SELECT COUNT(*) FROM job_snapshots WHERE job_id = $1 AND kind = $2`,
			pgUUID(jobID), string(kind),
		).Scan(&count)
	})
	return count, err
}

var _ scanning.AssetRepository = (*assetStore)(nil)

// assetStore projects records into the per-target current-state tables.
type assetStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewAssetStore creates a new PostgreSQL-backed asset repository.
func NewAssetStore(pool *pgxpool.Pool, tracer trace.Tracer) *assetStore {
	return &assetStore{db: pool, tracer: tracer}
}

// BulkInsertIgnoreConflicts upserts asset rows. Existing assets only refresh
// their last-seen timestamp; the first sighting wins the payload.
func (r *assetStore) BulkInsertIgnoreConflicts(ctx context.Context, targetID uuid.UUID, records []scanning.Record) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("target_id", targetID.String()),
		attribute.Int("record_count", len(records)),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.bulk_insert_assets", dbAttrs, func(ctx context.Context) error {
		if len(records) == 0 {
			return nil
		}

		batch := new(pgx.Batch)
		for _, rec := range records {
			payload, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("%w: marshal %s record: %v", scanning.ErrDataIntegrity, rec.Kind(), err)
			}
			batch.Queue(`
				INSERT INTO assets (target_id, kind, natural_key, severity, payload)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (target_id, kind, natural_key)
				DO UPDATE SET last_seen_at = now()`,
				pgUUID(targetID), string(rec.Kind()), rec.NaturalKey(), recordSeverity(rec), payload,
			)
		}

		results := r.db.SendBatch(ctx, batch)
		defer results.Close()
		for range records {
			if _, err := results.Exec(); err != nil {
				return fmt.Errorf("asset batch insert error: %w", storage.ClassifyError(err))
			}
		}
		return nil
	})
}

func recordSeverity(rec scanning.Record) string {
	if vuln, ok := rec.(scanning.VulnerabilityRecord); ok {
		return string(vuln.Severity)
	}
	return ""
}
