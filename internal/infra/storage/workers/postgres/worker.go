// Package postgres provides the PostgreSQL-backed worker registry.
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

	"github.com/reconwave/reconwave/internal/domain/workers"
	"github.com/reconwave/reconwave/internal/infra/storage"
	"github.com/reconwave/reconwave/pkg/common/uuid"
)

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

func pgUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}

var _ workers.WorkerRepository = (*workerStore)(nil)

// workerStore implements workers.WorkerRepository using PostgreSQL.
type workerStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewWorkerStore creates a new PostgreSQL-backed worker repository.
func NewWorkerStore(pool *pgxpool.Pool, tracer trace.Tracer) *workerStore {
	return &workerStore{db: pool, tracer: tracer}
}

const workerColumns = `id, name, address, port, ssh_user, ssh_password, ssh_private_key, is_local, status`

// CreateWorker registers a worker node.
func (r *workerStore) CreateWorker(ctx context.Context, worker *workers.Worker) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("worker_id", worker.ID().String()),
		attribute.String("worker_name", worker.Name()),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.create_worker", dbAttrs, func(ctx context.Context) error {
		creds := worker.Credentials()
		_, err := r.db.Exec(ctx, `
			INSERT INTO workers (`+workerColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			pgUUID(worker.ID()), worker.Name(), worker.Address(), worker.Port(),
			creds.User, creds.Password, creds.PrivateKey, worker.IsLocal(), string(worker.Status()),
		)
		if err != nil {
			return fmt.Errorf("CreateWorker insert error: %w", storage.ClassifyError(err))
		}
		return nil
	})
}

// GetWorker loads one worker by id.
func (r *workerStore) GetWorker(ctx context.Context, id uuid.UUID) (*workers.Worker, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("worker_id", id.String()))
	return r.getWorker(ctx, "postgres.get_worker", dbAttrs,
		`SELECT `+workerColumns+` FROM workers WHERE id = $1`, pgUUID(id))
}

// GetWorkerByName loads one worker by its unique name.
func (r *workerStore) GetWorkerByName(ctx context.Context, name string) (*workers.Worker, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("worker_name", name))
	return r.getWorker(ctx, "postgres.get_worker_by_name", dbAttrs,
		`SELECT `+workerColumns+` FROM workers WHERE name = $1`, name)
}

func (r *workerStore) getWorker(ctx context.Context, spanName string, dbAttrs []attribute.KeyValue, query string, arg any) (*workers.Worker, error) {
	var worker *workers.Worker
	err := storage.ExecuteAndTrace(ctx, r.tracer, spanName, dbAttrs, func(ctx context.Context) error {
		loaded, err := scanWorkerRow(r.db.QueryRow(ctx, query, arg))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return workers.ErrWorkerNotFound
			}
			return fmt.Errorf("worker query error: %w", err)
		}
		worker = loaded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return worker, nil
}

// ListWorkers returns the whole fleet in name order.
func (r *workerStore) ListWorkers(ctx context.Context) ([]*workers.Worker, error) {
	var fleet []*workers.Worker
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.list_workers", defaultDBAttributes, func(ctx context.Context) error {
		rows, err := r.db.Query(ctx, `SELECT `+workerColumns+` FROM workers ORDER BY name`)
		if err != nil {
			return fmt.Errorf("ListWorkers query error: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			worker, err := scanWorkerRow(rows)
			if err != nil {
				return fmt.Errorf("ListWorkers scan error: %w", err)
			}
			fleet = append(fleet, worker)
		}
		return rows.Err()
	})
	return fleet, err
}

// UpdateStatus moves the worker to the given status.
func (r *workerStore) UpdateStatus(ctx context.Context, id uuid.UUID, status workers.WorkerStatus) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("worker_id", id.String()),
		attribute.String("status", string(status)),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.update_worker_status", dbAttrs, func(ctx context.Context) error {
		tag, err := r.db.Exec(ctx,
			`UPDATE workers SET status = $2, updated_at = now() WHERE id = $1`,
			pgUUID(id), string(status),
		)
		if err != nil {
			return fmt.Errorf("UpdateStatus error: %w", storage.ClassifyError(err))
		}
		if tag.RowsAffected() == 0 {
			return workers.ErrWorkerNotFound
		}
		return nil
	})
}

// DeleteWorker removes a worker from the registry.
func (r *workerStore) DeleteWorker(ctx context.Context, id uuid.UUID) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("worker_id", id.String()))

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.delete_worker", dbAttrs, func(ctx context.Context) error {
		tag, err := r.db.Exec(ctx, `DELETE FROM workers WHERE id = $1`, pgUUID(id))
		if err != nil {
			return fmt.Errorf("DeleteWorker error: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return workers.ErrWorkerNotFound
		}
		return nil
	})
}

func scanWorkerRow(row pgx.Row) (*workers.Worker, error) {
	var (
		id            pgtype.UUID
		name, address string
		port          int
		sshUser       string
		sshPassword   string
		sshPrivateKey []byte
		isLocal       bool
		status        string
	)
	if err := row.Scan(&id, &name, &address, &port, &sshUser, &sshPassword,
		&sshPrivateKey, &isLocal, &status); err != nil {
		return nil, err
	}
	return workers.ReconstructWorker(
		uuid.UUID(id.Bytes), name, address, port,
		workers.Credentials{User: sshUser, Password: sshPassword, PrivateKey: sshPrivateKey},
		isLocal, workers.WorkerStatus(status),
	), nil
}
