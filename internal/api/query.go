package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/dennisdiepolder/monti/comms/internal/routing"
	"github.com/dennisdiepolder/monti/comms/internal/storage"
	"github.com/dennisdiepolder/monti/comms/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// SchedulerView is the read side of the scheduler
type SchedulerView interface {
	Tasks() []types.Task
	Workers() []types.Worker
	Snapshots() []types.QueueSnapshot
}

// StatusSource builds the current operator status
type StatusSource interface {
	Status(ctx context.Context) *types.OperatorStatus
}

// QueryHandler serves the read-only dashboard endpoints
type QueryHandler struct {
	store     storage.Store
	scheduler SchedulerView
	rules     *routing.Engine
	status    StatusSource
	logger    zerolog.Logger
}

// NewQueryHandler creates a new QueryHandler
func NewQueryHandler(store storage.Store, scheduler SchedulerView, rules *routing.Engine, status StatusSource, logger zerolog.Logger) *QueryHandler {
	return &QueryHandler{
		store:     store,
		scheduler: scheduler,
		rules:     rules,
		status:    status,
		logger:    logger.With().Str("component", "query_handler").Logger(),
	}
}

// ListInteractions handles GET /api/interactions?kind=&state=&limit=
func (h *QueryHandler) ListInteractions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.InteractionFilter{
		Kind:  types.InteractionKind(q.Get("kind")),
		State: types.InteractionState(q.Get("state")),
		Limit: 100,
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		filter.Limit = n
	}

	list, err := h.store.ListInteractions(r.Context(), filter)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list interactions")
		writeError(w, http.StatusInternalServerError, "failed to list interactions")
		return
	}
	if list == nil {
		list = []types.Interaction{}
	}
	writeJSON(w, http.StatusOK, list)
}

// GetInteraction handles GET /api/interactions/{id}
func (h *QueryHandler) GetInteraction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	in, err := h.store.GetInteraction(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "interaction not found")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("interaction_id", id).Msg("failed to get interaction")
		writeError(w, http.StatusInternalServerError, "failed to get interaction")
		return
	}
	writeJSON(w, http.StatusOK, in)
}

// ListTasks handles GET /api/tasks?state=&queue=
// Open tasks come from the scheduler, finished ones from the store.
func (h *QueryHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	state := types.TaskState(r.URL.Query().Get("state"))
	queue := types.QueueName(r.URL.Query().Get("queue"))

	if state.IsTerminal() {
		tasks, err := h.store.ListTasks(r.Context(), storage.TaskFilter{State: state, Queue: queue})
		if err != nil {
			h.logger.Error().Err(err).Msg("failed to list tasks")
			writeError(w, http.StatusInternalServerError, "failed to list tasks")
			return
		}
		if tasks == nil {
			tasks = []types.Task{}
		}
		writeJSON(w, http.StatusOK, tasks)
		return
	}

	tasks := []types.Task{}
	for _, t := range h.scheduler.Tasks() {
		if state != "" && t.State != state {
			continue
		}
		if queue != "" && t.Queue != queue {
			continue
		}
		tasks = append(tasks, t)
	}
	writeJSON(w, http.StatusOK, tasks)
}

// ListWorkers handles GET /api/workers
func (h *QueryHandler) ListWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.scheduler.Workers())
}

// ListQueues handles GET /api/queues
func (h *QueryHandler) ListQueues(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.scheduler.Snapshots())
}

// ListActivity handles GET /api/activity?state=
func (h *QueryHandler) ListActivity(w http.ResponseWriter, r *http.Request) {
	state := types.DeliveryState(r.URL.Query().Get("state"))
	switch state {
	case "", types.DeliveryPending, types.DeliveryDelivered, types.DeliveryFailed:
	default:
		writeError(w, http.StatusBadRequest, "unknown delivery state")
		return
	}

	entries, err := h.store.ListActivities(r.Context(), state)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list activity entries")
		writeError(w, http.StatusInternalServerError, "failed to list activity entries")
		return
	}
	if entries == nil {
		entries = []types.ActivityLogEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// GetStatus handles GET /api/status
func (h *QueryHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.status.Status(r.Context()))
}

// ListRules handles GET /api/rules
func (h *QueryHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.rules.Rules())
}
