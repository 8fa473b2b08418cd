package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/reconwave/reconwave/internal/domain/workers"
	"github.com/reconwave/reconwave/pkg/common/uuid"
)

// provisionTimeout bounds a detached deploy or uninstall run. Image pulls
// over slow links dominate it.
const provisionTimeout = 10 * time.Minute

// WorkerProvisioner installs and removes the scan runtime on registered
// workers. The distributor implements it.
type WorkerProvisioner interface {
	DeployWorker(ctx context.Context, workerID uuid.UUID) error
	UninstallWorker(ctx context.Context, workerID uuid.UUID) error
}

type registerWorkerRequest struct {
	Name          string `json:"name"`
	Address       string `json:"address"`
	Port          int    `json:"port"`
	SSHUser       string `json:"ssh_user"`
	SSHPassword   string `json:"ssh_password,omitempty"`
	SSHPrivateKey string `json:"ssh_private_key,omitempty"`
	Local         bool   `json:"local"`
}

type workerResponse struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
	Port    int    `json:"port"`
	Local   bool   `json:"local"`
	Status  string `json:"status"`
}

func toWorkerResponse(w *workers.Worker) workerResponse {
	return workerResponse{
		ID:      w.ID().String(),
		Name:    w.Name(),
		Address: w.Address(),
		Port:    w.Port(),
		Local:   w.IsLocal(),
		Status:  string(w.Status()),
	}
}

func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req registerWorkerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(ctx, w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	creds := workers.Credentials{
		User:     req.SSHUser,
		Password: req.SSHPassword,
	}
	if req.SSHPrivateKey != "" {
		creds.PrivateKey = []byte(req.SSHPrivateKey)
	}

	worker, err := workers.NewWorker(uuid.New(), req.Name, req.Address, req.Port, creds, req.Local)
	if err != nil {
		s.writeError(ctx, w, http.StatusBadRequest, err)
		return
	}

	if err := s.registry.CreateWorker(ctx, worker); err != nil {
		s.writeError(ctx, w, http.StatusInternalServerError, err)
		return
	}

	s.writeJSON(ctx, w, http.StatusCreated, toWorkerResponse(worker))
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	fleet, err := s.registry.ListWorkers(ctx)
	if err != nil {
		s.writeError(ctx, w, http.StatusInternalServerError, err)
		return
	}

	resp := make([]workerResponse, 0, len(fleet))
	for _, worker := range fleet {
		resp = append(resp, toWorkerResponse(worker))
	}
	s.writeJSON(ctx, w, http.StatusOK, resp)
}

func (s *Server) workerIDParam(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid worker id: %w", err)
	}
	return id, nil
}

func (s *Server) handleDeployWorker(w http.ResponseWriter, r *http.Request) {
	s.handleProvisionOp(w, r, "deploy", s.fleet.DeployWorker)
}

func (s *Server) handleUninstallWorker(w http.ResponseWriter, r *http.Request) {
	s.handleProvisionOp(w, r, "uninstall", s.fleet.UninstallWorker)
}

// handleProvisionOp validates the worker, then runs the provisioning op
// detached from the request: SSH connect plus an image pull can take minutes,
// far past the request's own deadline. The op owns status bookkeeping, so a
// detached failure still lands the worker in OFFLINE.
func (s *Server) handleProvisionOp(w http.ResponseWriter, r *http.Request, name string, op func(context.Context, uuid.UUID) error) {
	ctx := r.Context()

	id, err := s.workerIDParam(r)
	if err != nil {
		s.writeError(ctx, w, http.StatusBadRequest, err)
		return
	}

	if _, err := s.registry.GetWorker(ctx, id); err != nil {
		if errors.Is(err, workers.ErrWorkerNotFound) {
			s.writeError(ctx, w, http.StatusNotFound, err)
			return
		}
		s.writeError(ctx, w, http.StatusInternalServerError, err)
		return
	}

	go func() {
		opCtx, cancel := context.WithTimeout(context.Background(), provisionTimeout)
		defer cancel()
		if err := op(opCtx, id); err != nil {
			s.logger.Error(opCtx, "worker provisioning op failed",
				"op", name, "worker_id", id, "error", err)
		}
	}()

	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleDeleteWorker(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := s.workerIDParam(r)
	if err != nil {
		s.writeError(ctx, w, http.StatusBadRequest, err)
		return
	}

	if err := s.registry.DeleteWorker(ctx, id); err != nil {
		if errors.Is(err, workers.ErrWorkerNotFound) {
			s.writeError(ctx, w, http.StatusNotFound, err)
			return
		}
		s.writeError(ctx, w, http.StatusInternalServerError, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
