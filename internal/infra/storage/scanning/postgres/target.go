package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/reconwave/reconwave/internal/domain/scanning"
	"github.com/reconwave/reconwave/internal/infra/storage"
	"github.com/reconwave/reconwave/pkg/common/uuid"
)

var _ scanning.TargetRepository = (*targetStore)(nil)

// targetStore implements scanning.TargetRepository using PostgreSQL.
type targetStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewTargetStore creates a new PostgreSQL-backed target repository.
func NewTargetStore(pool *pgxpool.Pool, tracer trace.Tracer) *targetStore {
	return &targetStore{db: pool, tracer: tracer}
}

// GetTarget loads one target by id.
func (r *targetStore) GetTarget(ctx context.Context, targetID uuid.UUID) (scanning.Target, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("target_id", targetID.String()))

	var target scanning.Target
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.get_target", dbAttrs, func(ctx context.Context) error {
		row := r.db.QueryRow(ctx,
			`SELECT id, name, kind, organization_id FROM targets WHERE id = $1`,
			pgUUID(targetID),
		)
		loaded, err := scanTargetRow(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return scanning.ErrTargetNotFound
			}
			return fmt.Errorf("GetTarget query error: %w", err)
		}
		target = loaded
		return nil
	})
	return target, err
}

// GetOrCreateByName returns the organization's target with the given name,
// creating it on first use. The insert races safely: a concurrent creator
// wins via the unique constraint and we read their row back.
func (r *targetStore) GetOrCreateByName(ctx context.Context, name string, organizationID uuid.UUID) (scanning.Target, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("target_name", name))

	var target scanning.Target
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.get_or_create_target", dbAttrs, func(ctx context.Context) error {
		candidate, err := scanning.NewTarget(uuid.New(), name, organizationID)
		if err != nil {
			return err
		}

		row := r.db.QueryRow(ctx, `
			INSERT INTO targets (id, name, kind, organization_id)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (organization_id, name) DO UPDATE SET name = EXCLUDED.name
			RETURNING id, name, kind, organization_id`,
			pgUUID(candidate.ID()), candidate.Name(), string(candidate.Kind()), pgUUID(organizationID),
		)
		loaded, err := scanTargetRow(row)
		if err != nil {
			return fmt.Errorf("GetOrCreateByName error: %w", storage.ClassifyError(err))
		}
		target = loaded
		return nil
	})
	return target, err
}

// ListByOrganization returns every target the organization owns, name order.
func (r *targetStore) ListByOrganization(ctx context.Context, organizationID uuid.UUID) ([]scanning.Target, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("organization_id", organizationID.String()))

	var targets []scanning.Target
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.list_targets", dbAttrs, func(ctx context.Context) error {
		rows, err := r.db.Query(ctx,
			`SELECT id, name, kind, organization_id FROM targets WHERE organization_id = $1 ORDER BY name`,
			pgUUID(organizationID),
		)
		if err != nil {
			return fmt.Errorf("ListByOrganization query error: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			target, err := scanTargetRow(rows)
			if err != nil {
				return fmt.Errorf("ListByOrganization scan error: %w", err)
			}
			targets = append(targets, target)
		}
		return rows.Err()
	})
	return targets, err
}

func scanTargetRow(row pgx.Row) (scanning.Target, error) {
	var (
		id, orgID  pgtype.UUID
		name, kind string
	)
	if err := row.Scan(&id, &name, &kind, &orgID); err != nil {
		return scanning.Target{}, err
	}
	return scanning.ReconstructTarget(
		uuid.UUID(id.Bytes), name, scanning.TargetKind(kind), uuid.UUID(orgID.Bytes)), nil
}
