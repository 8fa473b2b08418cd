package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/reconwave/reconwave/internal/domain/scanning"
	"github.com/reconwave/reconwave/pkg/common/uuid"
)

type createScheduleRequest struct {
	Name           string    `json:"name"`
	EngineID       uuid.UUID `json:"engine_id"`
	TargetID       uuid.UUID `json:"target_id,omitempty"`
	OrganizationID uuid.UUID `json:"organization_id"`
	CronExpr       string    `json:"cron_expr"`
}

type updateScheduleRequest struct {
	CronExpr string `json:"cron_expr"`
	Enabled  bool   `json:"enabled"`
}

type scheduleResponse struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	EngineID    string     `json:"engine_id"`
	TargetID    string     `json:"target_id,omitempty"`
	CronExpr    string     `json:"cron_expr"`
	Enabled     bool       `json:"enabled"`
	RunCount    int        `json:"run_count"`
	LastRunTime *time.Time `json:"last_run_time,omitempty"`
	NextRunTime time.Time  `json:"next_run_time"`
}

func toScheduleResponse(sched *scanning.ScheduledJob) scheduleResponse {
	resp := scheduleResponse{
		ID:          sched.ID().String(),
		Name:        sched.Name(),
		EngineID:    sched.EngineID().String(),
		CronExpr:    sched.CronExpr(),
		Enabled:     sched.Enabled(),
		RunCount:    sched.RunCount(),
		NextRunTime: sched.NextRunTime(),
	}
	if !sched.SelectsOrganization() {
		resp.TargetID = sched.TargetID().String()
	}
	if last := sched.LastRunTime(); !last.IsZero() {
		resp.LastRunTime = &last
	}
	return resp
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(ctx, w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Name == "" || req.CronExpr == "" {
		s.writeError(ctx, w, http.StatusBadRequest, errors.New("name and cron_expr are required"))
		return
	}
	if req.EngineID == uuid.Nil {
		s.writeError(ctx, w, http.StatusBadRequest, errors.New("engine_id is required"))
		return
	}

	sched, err := s.schedules.CreateSchedule(ctx, req.Name, req.EngineID, req.TargetID, req.OrganizationID, req.CronExpr)
	if err != nil {
		s.writeError(ctx, w, http.StatusBadRequest, err)
		return
	}

	s.writeJSON(ctx, w, http.StatusCreated, toScheduleResponse(sched))
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(ctx, w, http.StatusBadRequest, fmt.Errorf("invalid schedule id: %w", err))
		return
	}

	sched, err := s.schedules.GetSchedule(ctx, id)
	if err != nil {
		if errors.Is(err, scanning.ErrScheduleNotFound) {
			s.writeError(ctx, w, http.StatusNotFound, err)
			return
		}
		s.writeError(ctx, w, http.StatusInternalServerError, err)
		return
	}

	s.writeJSON(ctx, w, http.StatusOK, toScheduleResponse(sched))
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(ctx, w, http.StatusBadRequest, fmt.Errorf("invalid schedule id: %w", err))
		return
	}

	var req updateScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(ctx, w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	sched, err := s.schedules.UpdateSchedule(ctx, id, req.CronExpr, req.Enabled)
	if err != nil {
		if errors.Is(err, scanning.ErrScheduleNotFound) {
			s.writeError(ctx, w, http.StatusNotFound, err)
			return
		}
		s.writeError(ctx, w, http.StatusBadRequest, err)
		return
	}

	s.writeJSON(ctx, w, http.StatusOK, toScheduleResponse(sched))
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(ctx, w, http.StatusBadRequest, fmt.Errorf("invalid schedule id: %w", err))
		return
	}

	if err := s.schedules.DeleteSchedule(ctx, id); err != nil {
		if errors.Is(err, scanning.ErrScheduleNotFound) {
			s.writeError(ctx, w, http.StatusNotFound, err)
			return
		}
		s.writeError(ctx, w, http.StatusInternalServerError, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
