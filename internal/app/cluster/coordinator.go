// Package cluster defines the coordination port for multi-replica
// deployments. The schedule trigger runs on the leader only; everything else
// is safe to run on every replica.
package cluster

import "context"

// Coordinator manages leader election so replicated components that should
// run once cluster-wide can gate on leadership.
type Coordinator interface {
	// Start initiates coordination and blocks until context cancellation or
	// error.
	Start(ctx context.Context) error
	// Stop gracefully terminates coordination.
	Stop() error
	// OnLeadershipChange registers a callback for leadership status changes.
	OnLeadershipChange(cb func(isLeader bool))
}

var _ Coordinator = (*StandaloneCoordinator)(nil)

// StandaloneCoordinator is the single-replica coordinator: it claims
// leadership immediately and holds it until stopped.
type StandaloneCoordinator struct {
	cb func(isLeader bool)
}

// NewStandaloneCoordinator creates a coordinator for single-node deployments.
func NewStandaloneCoordinator() *StandaloneCoordinator { return &StandaloneCoordinator{} }

// Start claims leadership and blocks until the context ends.
func (c *StandaloneCoordinator) Start(ctx context.Context) error {
	if c.cb != nil {
		c.cb(true)
	}
	<-ctx.Done()
	return nil
}

// Stop releases leadership.
func (c *StandaloneCoordinator) Stop() error {
	if c.cb != nil {
		c.cb(false)
	}
	return nil
}

// OnLeadershipChange registers the leadership callback.
func (c *StandaloneCoordinator) OnLeadershipChange(cb func(isLeader bool)) { c.cb = cb }
