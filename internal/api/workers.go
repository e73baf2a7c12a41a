package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"

	"github.com/dennisdiepolder/monti/comms/internal/auth"
	"github.com/dennisdiepolder/monti/comms/internal/scheduler"
	"github.com/dennisdiepolder/monti/comms/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// WorkerControl is the write side of the scheduler for workers
type WorkerControl interface {
	Worker(id string) (types.Worker, error)
	UpsertWorker(w types.Worker) (types.Worker, error)
	SetWorkerStatus(workerID string, status types.WorkerStatus) (types.Worker, error)
}

// WorkerProfile is the writable part of a worker
type WorkerProfile struct {
	ID                 string             `json:"id,omitempty"`
	Name               string             `json:"name,omitempty"`
	Team               string             `json:"team,omitempty"`
	Skills             []string           `json:"skills"`
	MaxConcurrentTasks int                `json:"maxConcurrentTasks"`
	Status             types.WorkerStatus `json:"status,omitempty"`
}

func (p WorkerProfile) worker() types.Worker {
	return types.Worker{
		ID:                 p.ID,
		Name:               p.Name,
		Team:               p.Team,
		Skills:             p.Skills,
		MaxConcurrentTasks: p.MaxConcurrentTasks,
		Status:             p.Status,
	}
}

// WorkersHandler handles worker registration and presence
type WorkersHandler struct {
	workers WorkerControl
	logger  zerolog.Logger
}

// NewWorkersHandler creates a new WorkersHandler
func NewWorkersHandler(workers WorkerControl, logger zerolog.Logger) *WorkersHandler {
	return &WorkersHandler{
		workers: workers,
		logger:  logger.With().Str("component", "workers").Logger(),
	}
}

// Upsert handles PUT /api/workers/{workerId}. Supervisors manage the
// profile; an agent may only change their own presence through it.
func (h *WorkersHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "workerId")
	if !h.allowed(w, r, workerID) {
		return
	}

	var profile WorkerProfile
	if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	profile.ID = workerID

	if claims, _ := auth.GetUserFromContext(r.Context()); !claims.IsSupervisor() {
		h.selfUpdate(w, profile)
		return
	}

	// keep the current presence when only the profile changes
	if profile.Status == "" {
		if current, err := h.workers.Worker(workerID); err == nil {
			profile.Status = current.Status
		}
	}

	worker, err := h.workers.UpsertWorker(profile.worker())
	if err != nil {
		h.fail(w, err)
		return
	}

	h.logger.Info().
		Str("worker_id", worker.ID).
		Strs("skills", worker.Skills).
		Int("max_concurrent_tasks", worker.MaxConcurrentTasks).
		Msg("worker updated")
	writeJSON(w, http.StatusOK, worker)
}

func (h *WorkersHandler) selfUpdate(w http.ResponseWriter, profile WorkerProfile) {
	current, err := h.workers.Worker(profile.ID)
	if err != nil {
		h.fail(w, err)
		return
	}
	if profileChanged(current, profile) {
		writeError(w, http.StatusForbidden, "only supervisors change skills or capacity")
		return
	}
	if profile.Status == "" || profile.Status == current.Status {
		writeJSON(w, http.StatusOK, current)
		return
	}
	if !profile.Status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown worker status")
		return
	}

	worker, err := h.workers.SetWorkerStatus(profile.ID, profile.Status)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

// profileChanged reports whether p sets a profile field to a new value.
// Omitted fields leave the profile alone.
func profileChanged(current types.Worker, p WorkerProfile) bool {
	switch {
	case p.Name != "" && p.Name != current.Name:
		return true
	case p.Team != "" && p.Team != current.Team:
		return true
	case p.MaxConcurrentTasks != 0 && p.MaxConcurrentTasks != current.MaxConcurrentTasks:
		return true
	case p.Skills != nil && !slices.Equal(p.Skills, current.Skills):
		return true
	}
	return false
}

// SetStatus handles POST /api/workers/{workerId}/status
func (h *WorkersHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "workerId")
	if !h.allowed(w, r, workerID) {
		return
	}

	var req struct {
		Status types.WorkerStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !req.Status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown worker status")
		return
	}

	worker, err := h.workers.SetWorkerStatus(workerID, req.Status)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

// Roster handles POST /api/workers/roster
func (h *WorkersHandler) Roster(w http.ResponseWriter, r *http.Request) {
	var roster []WorkerProfile
	if err := json.NewDecoder(r.Body).Decode(&roster); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	registered := 0
	rejected := map[string]string{}
	for _, entry := range roster {
		if _, err := h.workers.UpsertWorker(entry.worker()); err != nil {
			rejected[entry.ID] = err.Error()
			continue
		}
		registered++
	}

	h.logger.Info().Int("registered", registered).Int("rejected", len(rejected)).Msg("roster received")

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"registered": registered,
		"rejected":   rejected,
	})
}

func (h *WorkersHandler) allowed(w http.ResponseWriter, r *http.Request, workerID string) bool {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return false
	}
	if !claims.CanActFor(workerID) {
		writeError(w, http.StatusForbidden, "cannot act for another worker")
		return false
	}
	return true
}

func (h *WorkersHandler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduler.ErrWorkerNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, scheduler.ErrInvalidWorker):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, scheduler.ErrCapacity):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error().Err(err).Msg("worker update failed")
		writeError(w, http.StatusInternalServerError, "worker update failed")
	}
}
