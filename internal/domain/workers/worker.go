// Package workers provides domain types for the fleet of machines that
// execute scan jobs.
package workers

import (
	"fmt"

	"github.com/reconwave/reconwave/pkg/common/uuid"
)

// WorkerStatus represents a worker node's lifecycle state.
type WorkerStatus string

const (
	// WorkerStatusPending indicates a worker was registered but never
	// bootstrapped.
	WorkerStatusPending WorkerStatus = "PENDING"

	// WorkerStatusDeploying indicates the runtime install is in progress.
	WorkerStatusDeploying WorkerStatus = "DEPLOYING"

	// WorkerStatusOnline indicates the worker is accepting jobs.
	WorkerStatusOnline WorkerStatus = "ONLINE"

	// WorkerStatusOffline indicates the worker stopped heartbeating or was
	// torn down.
	WorkerStatusOffline WorkerStatus = "OFFLINE"
)

// String returns the string representation of the WorkerStatus.
func (s WorkerStatus) String() string { return string(s) }

// ParseWorkerStatus converts a string to a WorkerStatus.
func ParseWorkerStatus(s string) WorkerStatus {
	switch s {
	case "PENDING":
		return WorkerStatusPending
	case "DEPLOYING":
		return WorkerStatusDeploying
	case "ONLINE":
		return WorkerStatusOnline
	case "OFFLINE":
		return WorkerStatusOffline
	default:
		return ""
	}
}

// Credentials holds what the distributor needs to open a remote session.
// Exactly one of Password or PrivateKey is set.
type Credentials struct {
	User       string
	Password   string
	PrivateKey []byte
}

// Worker is a machine (local or remote) capable of executing job processes.
type Worker struct {
	id          uuid.UUID
	name        string
	address     string
	port        int
	credentials Credentials
	isLocal     bool
	status      WorkerStatus
}

// NewWorker registers a worker node in the pending state.
func NewWorker(id uuid.UUID, name, address string, port int, creds Credentials, isLocal bool) (*Worker, error) {
	if name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if !isLocal && address == "" {
		return nil, fmt.Errorf("remote worker %q requires an address", name)
	}
	return &Worker{
		id:          id,
		name:        name,
		address:     address,
		port:        port,
		credentials: creds,
		isLocal:     isLocal,
		status:      WorkerStatusPending,
	}, nil
}

// ReconstructWorker rebuilds a Worker from stored fields.
func ReconstructWorker(id uuid.UUID, name, address string, port int, creds Credentials, isLocal bool, status WorkerStatus) *Worker {
	return &Worker{
		id:          id,
		name:        name,
		address:     address,
		port:        port,
		credentials: creds,
		isLocal:     isLocal,
		status:      status,
	}
}

func (w *Worker) ID() uuid.UUID            { return w.id }
func (w *Worker) Name() string             { return w.name }
func (w *Worker) Address() string          { return w.address }
func (w *Worker) Port() int                { return w.port }
func (w *Worker) Credentials() Credentials { return w.credentials }
func (w *Worker) IsLocal() bool            { return w.isLocal }
func (w *Worker) Status() WorkerStatus     { return w.status }

// SetStatus moves the worker to the given status. Worker status is
// administratively driven; there is no sticky terminal state.
func (w *Worker) SetStatus(status WorkerStatus) { w.status = status }
