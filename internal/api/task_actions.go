package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/dennisdiepolder/monti/comms/internal/auth"
	"github.com/dennisdiepolder/monti/comms/internal/scheduler"
	"github.com/dennisdiepolder/monti/comms/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// TaskControl is the write side of the scheduler for tasks
type TaskControl interface {
	Task(id string) (types.Task, error)
	Accept(taskID, workerID string) (types.Task, error)
	Reject(taskID, workerID string) (types.Task, error)
	Complete(taskID, workerID string) (types.Task, error)
}

// TaskListener carries task outcomes back onto the interaction
type TaskListener interface {
	TaskAccepted(ctx context.Context, task types.Task) error
	TaskCompleted(ctx context.Context, task types.Task) error
}

// TaskActionsHandler provides REST endpoints for task control actions
type TaskActionsHandler struct {
	tasks    TaskControl
	listener TaskListener
	logger   zerolog.Logger
}

// NewTaskActionsHandler creates a new TaskActionsHandler
func NewTaskActionsHandler(tasks TaskControl, listener TaskListener, logger zerolog.Logger) *TaskActionsHandler {
	return &TaskActionsHandler{
		tasks:    tasks,
		listener: listener,
		logger:   logger.With().Str("component", "task_actions").Logger(),
	}
}

type taskActionRequest struct {
	WorkerID string `json:"workerId,omitempty"`
}

// Accept handles POST /api/tasks/{taskId}/accept
func (h *TaskActionsHandler) Accept(w http.ResponseWriter, r *http.Request) {
	task, workerID, ok := h.resolve(w, r, true)
	if !ok {
		return
	}

	task, err := h.tasks.Accept(task.ID, workerID)
	if err != nil {
		h.fail(w, err)
		return
	}
	if err := h.listener.TaskAccepted(r.Context(), task); err != nil {
		h.logger.Error().Err(err).Str("task_id", task.ID).Msg("failed to record assignment on interaction")
	}

	h.logger.Info().
		Str("task_id", task.ID).
		Str("interaction_id", task.InteractionID).
		Str("worker_id", workerID).
		Msg("task accepted via API")
	writeJSON(w, http.StatusOK, task)
}

// Reject handles POST /api/tasks/{taskId}/reject
func (h *TaskActionsHandler) Reject(w http.ResponseWriter, r *http.Request) {
	task, workerID, ok := h.resolve(w, r, true)
	if !ok {
		return
	}

	task, err := h.tasks.Reject(task.ID, workerID)
	if err != nil {
		h.fail(w, err)
		return
	}

	h.logger.Info().Str("task_id", task.ID).Str("worker_id", workerID).Msg("task rejected via API")
	writeJSON(w, http.StatusOK, task)
}

// Complete handles POST /api/tasks/{taskId}/complete
func (h *TaskActionsHandler) Complete(w http.ResponseWriter, r *http.Request) {
	task, workerID, ok := h.resolve(w, r, false)
	if !ok {
		return
	}

	task, err := h.tasks.Complete(task.ID, workerID)
	if err != nil {
		h.fail(w, err)
		return
	}
	if err := h.listener.TaskCompleted(r.Context(), task); err != nil {
		h.logger.Error().Err(err).Str("task_id", task.ID).Msg("failed to record completion on interaction")
	}

	h.logger.Info().
		Str("task_id", task.ID).
		Str("interaction_id", task.InteractionID).
		Str("worker_id", task.ReservedWorkerID).
		Msg("task completed via API")
	writeJSON(w, http.StatusOK, task)
}

// resolve loads the task and decides which worker the caller acts for.
// Agents act for themselves. Supervisors may name a worker and otherwise
// act for the worker holding the task; with holderOnly false an unnamed
// worker means any holder.
func (h *TaskActionsHandler) resolve(w http.ResponseWriter, r *http.Request, holderOnly bool) (types.Task, string, bool) {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return types.Task{}, "", false
	}

	var req taskActionRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return types.Task{}, "", false
	}

	task, err := h.tasks.Task(chi.URLParam(r, "taskId"))
	if err != nil {
		h.fail(w, err)
		return types.Task{}, "", false
	}

	workerID := req.WorkerID
	switch {
	case workerID == "" && claims.IsSupervisor():
		if holderOnly {
			workerID = task.ReservedWorkerID
		}
	case workerID == "":
		workerID = claims.WorkerID()
	}

	if workerID != "" && !claims.CanActFor(workerID) {
		writeError(w, http.StatusForbidden, "cannot act for another worker")
		return types.Task{}, "", false
	}
	if workerID == "" && !claims.IsSupervisor() {
		writeError(w, http.StatusForbidden, "no worker identity")
		return types.Task{}, "", false
	}
	return task, workerID, true
}

func (h *TaskActionsHandler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduler.ErrTaskNotFound), errors.Is(err, scheduler.ErrWorkerNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, scheduler.ErrNotReserved), errors.Is(err, scheduler.ErrNotAssigned), errors.Is(err, scheduler.ErrInvalidTaskState):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error().Err(err).Msg("task action failed")
		writeError(w, http.StatusInternalServerError, "task action failed")
	}
}
