package workers

import (
	"context"
	"errors"

	"github.com/reconwave/reconwave/pkg/common/uuid"
)

// A set of sentinel errors surfaced by worker infrastructure.
var (
	// ErrWorkerNotFound is returned when a worker lookup misses.
	ErrWorkerNotFound = errors.New("worker not found")

	// ErrNoEligibleWorker is returned when no online worker exists to
	// receive a job.
	ErrNoEligibleWorker = errors.New("no eligible worker available")

	// ErrNoFreshSample is returned by the load cache when a worker has no
	// unexpired load sample.
	ErrNoFreshSample = errors.New("no fresh load sample")
)

// WorkerRepository manages the persistent worker registry.
type WorkerRepository interface {
	CreateWorker(ctx context.Context, worker *Worker) error
	GetWorker(ctx context.Context, id uuid.UUID) (*Worker, error)
	GetWorkerByName(ctx context.Context, name string) (*Worker, error)
	ListWorkers(ctx context.Context) ([]*Worker, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status WorkerStatus) error
	DeleteWorker(ctx context.Context, id uuid.UUID) error
}

// LoadCache is the shared, independently-TTL'd side store for heartbeat load
// samples. Readers tolerate staleness up to the TTL.
type LoadCache interface {
	// SetSample stores a sample under the worker's name with the cache TTL.
	SetSample(ctx context.Context, sample LoadSample) error

	// GetSample returns the worker's sample, or ErrNoFreshSample when none
	// is cached or the TTL elapsed.
	GetSample(ctx context.Context, workerName string) (LoadSample, error)
}

// Session is an established connection to a remote worker host.
type Session interface {
	// Exec runs a command on the remote host and returns its output.
	Exec(ctx context.Context, command string) (stdout, stderr string, exitCode int, err error)

	// Upload writes the given bytes to a path on the remote host.
	Upload(ctx context.Context, contents []byte, remotePath string) error

	// Close releases the session.
	Close() error
}

// RemoteExecutor is the remote execution port: it opens sessions to worker
// hosts for job dispatch, process termination and fleet administration.
type RemoteExecutor interface {
	// Connect establishes a secure session using the worker's stored
	// credentials.
	Connect(ctx context.Context, worker *Worker) (Session, error)
}
