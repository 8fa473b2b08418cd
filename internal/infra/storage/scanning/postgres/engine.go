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

var _ scanning.EngineRepository = (*engineStore)(nil)

// engineStore implements scanning.EngineRepository using PostgreSQL.
type engineStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewEngineStore creates a new PostgreSQL-backed engine repository.
func NewEngineStore(pool *pgxpool.Pool, tracer trace.Tracer) *engineStore {
	return &engineStore{db: pool, tracer: tracer}
}

// GetEngine loads an engine configuration by id.
func (r *engineStore) GetEngine(ctx context.Context, engineID uuid.UUID) (*scanning.Engine, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("engine_id", engineID.String()))

	var engine *scanning.Engine
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.get_engine", dbAttrs, func(ctx context.Context) error {
		var (
			id     pgtype.UUID
			name   string
			config []byte
		)
		err := r.db.QueryRow(ctx,
			`SELECT id, name, config FROM engines WHERE id = $1`,
			pgUUID(engineID),
		).Scan(&id, &name, &config)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return scanning.ErrEngineNotFound
			}
			return fmt.Errorf("GetEngine query error: %w", err)
		}
		engine = scanning.NewEngine(uuid.UUID(id.Bytes), name, config)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return engine, nil
}
