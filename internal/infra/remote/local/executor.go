// Package local executes worker commands on the orchestrator's own host,
// serving single-node deployments and the built-in local worker.
package local

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/reconwave/reconwave/internal/domain/workers"
	"github.com/reconwave/reconwave/pkg/common/logger"
)

var _ workers.RemoteExecutor = (*Executor)(nil)

// Executor runs commands directly on the local host through the shell.
type Executor struct {
	logger *logger.Logger
	tracer trace.Tracer
}

// NewExecutor creates a local executor.
func NewExecutor(logger *logger.Logger, tracer trace.Tracer) *Executor {
	return &Executor{logger: logger.With("component", "local_executor"), tracer: tracer}
}

// Connect returns a session bound to the local host. Credentials are ignored.
func (e *Executor) Connect(ctx context.Context, worker *workers.Worker) (workers.Session, error) {
	return &session{tracer: e.tracer}, nil
}

var _ workers.Session = (*session)(nil)

type session struct {
	tracer trace.Tracer
}

// Exec runs a command through the local shell.
func (s *session) Exec(ctx context.Context, command string) (string, string, int, error) {
	ctx, span := s.tracer.Start(ctx, "local_session.exec")
	defer span.End()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				exitCode = status.ExitStatus()
			} else {
				exitCode = -1
			}
			err = nil
		} else {
			span.RecordError(err)
			return stdout.String(), stderr.String(), -1, err
		}
	}
	span.SetAttributes(attribute.Int("exit_code", exitCode))
	return stdout.String(), stderr.String(), exitCode, nil
}

// Upload writes the contents to a local path.
func (s *session) Upload(ctx context.Context, contents []byte, remotePath string) error {
	if err := os.MkdirAll(filepath.Dir(remotePath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(remotePath, contents, 0o755)
}

// Close is a no-op; there is no connection to release.
func (s *session) Close() error { return nil }
