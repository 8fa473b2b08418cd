package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	appscanning "github.com/reconwave/reconwave/internal/app/scanning"
	"github.com/reconwave/reconwave/internal/domain/scanning"
	"github.com/reconwave/reconwave/pkg/common/uuid"
)

type createJobRequest struct {
	Target         string    `json:"target"`
	OrganizationID uuid.UUID `json:"organization_id"`
	EngineID       uuid.UUID `json:"engine_id"`
}

type jobResponse struct {
	ID            string                    `json:"id"`
	Target        string                    `json:"target"`
	EngineID      string                    `json:"engine_id"`
	Status        string                    `json:"status"`
	Progress      int                       `json:"progress"`
	CurrentStage  string                    `json:"current_stage,omitempty"`
	WorkerName    string                    `json:"worker_name,omitempty"`
	ErrorMessage  string                    `json:"error_message,omitempty"`
	Stats         scanning.ResultStats      `json:"stats"`
	StageProgress scanning.StageProgressMap `json:"stage_progress,omitempty"`
	CreatedAt     time.Time                 `json:"created_at"`
	StoppedAt     *time.Time                `json:"stopped_at,omitempty"`
}

func toJobResponse(job *scanning.Job) jobResponse {
	resp := jobResponse{
		ID:            job.JobID().String(),
		Target:        job.Target().Name(),
		EngineID:      job.EngineID().String(),
		Status:        string(job.Status()),
		Progress:      job.Progress(),
		CurrentStage:  job.CurrentStage(),
		WorkerName:    job.WorkerName(),
		ErrorMessage:  job.ErrorMessage(),
		Stats:         job.Stats(),
		StageProgress: job.StageProgress(),
		CreatedAt:     job.Timeline().CreatedAt(),
	}
	if stopped, ok := job.StoppedAt(); ok {
		resp.StoppedAt = &stopped
	}
	return resp
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(ctx, w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Target == "" {
		s.writeError(ctx, w, http.StatusBadRequest, errors.New("target is required"))
		return
	}
	if req.EngineID == uuid.Nil {
		s.writeError(ctx, w, http.StatusBadRequest, errors.New("engine_id is required"))
		return
	}

	job, err := s.jobs.CreateJob(ctx, appscanning.CreateJobCommand{
		TargetName:     req.Target,
		OrganizationID: req.OrganizationID,
		EngineID:       req.EngineID,
	})
	if err != nil {
		if errors.Is(err, scanning.ErrEngineNotFound) {
			s.writeError(ctx, w, http.StatusNotFound, err)
			return
		}
		s.writeError(ctx, w, http.StatusInternalServerError, err)
		return
	}

	s.writeJSON(ctx, w, http.StatusAccepted, toJobResponse(job))
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(ctx, w, http.StatusBadRequest, fmt.Errorf("invalid job id: %w", err))
		return
	}

	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, scanning.ErrJobNotFound) {
			s.writeError(ctx, w, http.StatusNotFound, err)
			return
		}
		s.writeError(ctx, w, http.StatusInternalServerError, err)
		return
	}

	s.writeJSON(ctx, w, http.StatusOK, toJobResponse(job))
}

type cancelJobResponse struct {
	Cancelled          bool `json:"cancelled"`
	ProcessesSignalled int  `json:"processes_signalled"`
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(ctx, w, http.StatusBadRequest, fmt.Errorf("invalid job id: %w", err))
		return
	}

	applied, signalled, err := s.jobs.CancelJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, scanning.ErrJobNotFound) {
			s.writeError(ctx, w, http.StatusNotFound, err)
			return
		}
		s.writeError(ctx, w, http.StatusInternalServerError, err)
		return
	}

	s.writeJSON(ctx, w, http.StatusOK, cancelJobResponse{
		Cancelled:          applied,
		ProcessesSignalled: signalled,
	})
}

type deleteJobsRequest struct {
	JobIDs []uuid.UUID `json:"job_ids"`
}

type deleteJobsResponse struct {
	Deleted int64 `json:"deleted"`
}

func (s *Server) handleDeleteJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req deleteJobsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(ctx, w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if len(req.JobIDs) == 0 {
		s.writeError(ctx, w, http.StatusBadRequest, errors.New("job_ids is required"))
		return
	}

	marked, err := s.jobs.DeleteJobs(ctx, req.JobIDs)
	if err != nil {
		s.writeError(ctx, w, http.StatusInternalServerError, err)
		return
	}

	s.writeJSON(ctx, w, http.StatusOK, deleteJobsResponse{Deleted: marked})
}
