// Package remote routes executor sessions to the right transport for each
// worker: in-process execution for the local worker, SSH for remote hosts.
package remote

import (
	"context"

	"github.com/reconwave/reconwave/internal/domain/workers"
)

var _ workers.RemoteExecutor = (*Router)(nil)

// Router picks the transport by the worker's locality flag.
type Router struct {
	local  workers.RemoteExecutor
	remote workers.RemoteExecutor
}

// NewRouter creates an executor that delegates to local for workers flagged
// local and to remote for everything else.
func NewRouter(local, remote workers.RemoteExecutor) *Router {
	return &Router{local: local, remote: remote}
}

// Connect opens a session over the transport matching the worker.
func (r *Router) Connect(ctx context.Context, worker *workers.Worker) (workers.Session, error) {
	if worker.IsLocal() {
		return r.local.Connect(ctx, worker)
	}
	return r.remote.Connect(ctx, worker)
}
