package dispatch

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/reconwave/reconwave/internal/domain/workers"
	"github.com/reconwave/reconwave/pkg/common/uuid"
)

// installScript provisions the scan runtime on a worker host. It assumes a
// docker engine is already present; missing docker fails the deploy rather
// than installing one on someone's machine.
const installScript = `#!/bin/sh
set -e
command -v docker >/dev/null 2>&1 || { echo "docker not found" >&2; exit 1; }
mkdir -p /opt/reconwave/workdirs
docker pull "$1"
`

// uninstallScript tears the runtime down, stopping any scan containers first.
const uninstallScript = `#!/bin/sh
ids=$(docker ps -aq --filter label=reconwave.job)
[ -n "$ids" ] && docker rm -f $ids
rm -rf /opt/reconwave
exit 0
`

// DeployWorker provisions the scan runtime on a registered worker and brings
// it online. Failures leave the worker offline with the reason in the error.
func (d *Distributor) DeployWorker(ctx context.Context, workerID uuid.UUID) error {
	ctx, span := d.tracer.Start(ctx, "task_distributor.deploy_worker",
		trace.WithAttributes(attribute.String("worker_id", workerID.String())))
	defer span.End()

	worker, err := d.fleet.GetWorker(ctx, workerID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("loading worker: %w", err)
	}
	logger := d.logger.With("operation", "deploy_worker", "worker", worker.Name())

	if err := d.fleet.UpdateStatus(ctx, workerID, workers.WorkerStatusDeploying); err != nil {
		span.RecordError(err)
		return fmt.Errorf("marking worker deploying: %w", err)
	}

	if err := d.provision(ctx, worker); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "provisioning failed")
		if statusErr := d.fleet.UpdateStatus(ctx, workerID, workers.WorkerStatusOffline); statusErr != nil {
			logger.Error(ctx, "failed to mark worker offline after deploy failure", "error", statusErr)
		}
		return fmt.Errorf("provisioning worker %s: %w", worker.Name(), err)
	}

	if err := d.fleet.UpdateStatus(ctx, workerID, workers.WorkerStatusOnline); err != nil {
		span.RecordError(err)
		return fmt.Errorf("marking worker online: %w", err)
	}
	logger.Info(ctx, "worker deployed")
	return nil
}

func (d *Distributor) provision(ctx context.Context, worker *workers.Worker) error {
	session, err := d.executor.Connect(ctx, worker)
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer session.Close()

	const scriptPath = "/tmp/reconwave_install.sh"
	if err := session.Upload(ctx, []byte(installScript), scriptPath); err != nil {
		return fmt.Errorf("uploading install script: %w", err)
	}

	cmd := fmt.Sprintf("sh %s %s", scriptPath, d.cfg.Image)
	_, stderr, exitCode, err := session.Exec(ctx, cmd)
	if err != nil {
		return fmt.Errorf("running install script: %w", err)
	}
	if exitCode != 0 {
		return fmt.Errorf("install script exited %d: %s", exitCode, strings.TrimSpace(stderr))
	}
	return nil
}

// UninstallWorker stops any scan containers on the host, removes the runtime
// and marks the worker offline. The registry entry survives so the worker can
// be redeployed later.
func (d *Distributor) UninstallWorker(ctx context.Context, workerID uuid.UUID) error {
	ctx, span := d.tracer.Start(ctx, "task_distributor.uninstall_worker",
		trace.WithAttributes(attribute.String("worker_id", workerID.String())))
	defer span.End()

	worker, err := d.fleet.GetWorker(ctx, workerID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("loading worker: %w", err)
	}
	logger := d.logger.With("operation", "uninstall_worker", "worker", worker.Name())

	session, err := d.executor.Connect(ctx, worker)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("connecting to worker %s: %w", worker.Name(), err)
	}
	defer session.Close()

	const scriptPath = "/tmp/reconwave_uninstall.sh"
	if err := session.Upload(ctx, []byte(uninstallScript), scriptPath); err != nil {
		span.RecordError(err)
		return fmt.Errorf("uploading uninstall script: %w", err)
	}
	if _, stderr, exitCode, err := session.Exec(ctx, "sh "+scriptPath); err != nil {
		span.RecordError(err)
		return fmt.Errorf("running uninstall script: %w", err)
	} else if exitCode != 0 {
		return fmt.Errorf("uninstall script exited %d: %s", exitCode, strings.TrimSpace(stderr))
	}

	if err := d.fleet.UpdateStatus(ctx, workerID, workers.WorkerStatusOffline); err != nil {
		span.RecordError(err)
		return fmt.Errorf("marking worker offline: %w", err)
	}
	logger.Info(ctx, "worker uninstalled")
	return nil
}
