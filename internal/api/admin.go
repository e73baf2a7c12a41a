package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dennisdiepolder/monti/comms/internal/activity"
	"github.com/dennisdiepolder/monti/comms/internal/routing"
	"github.com/dennisdiepolder/monti/comms/internal/storage"
	"github.com/dennisdiepolder/monti/comms/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// ActivityRetrier re-drives failed activity entries
type ActivityRetrier interface {
	Retry(ctx context.Context, key string) (*types.ActivityLogEntry, error)
}

// AdminHandler handles routing rule changes and activity re-drives
type AdminHandler struct {
	rules    *routing.Engine
	activity ActivityRetrier
	logger   zerolog.Logger
}

// NewAdminHandler creates a new AdminHandler
func NewAdminHandler(rules *routing.Engine, activity ActivityRetrier, logger zerolog.Logger) *AdminHandler {
	return &AdminHandler{
		rules:    rules,
		activity: activity,
		logger:   logger.With().Str("component", "admin").Logger(),
	}
}

// AddRule handles POST /api/rules
func (h *AdminHandler) AddRule(w http.ResponseWriter, r *http.Request) {
	var rule types.RoutingRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	added, err := h.rules.Add(rule)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.logger.Info().
		Str("rule_id", added.ID).
		Str("predicate", string(added.Predicate)).
		Int("priority", added.Priority).
		Str("target_queue", string(added.TargetQueue)).
		Msg("routing rule added")
	writeJSON(w, http.StatusCreated, added)
}

// ReplaceRules handles PUT /api/rules
func (h *AdminHandler) ReplaceRules(w http.ResponseWriter, r *http.Request) {
	var rules []types.RoutingRule
	if err := json.NewDecoder(r.Body).Decode(&rules); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.rules.Replace(rules); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.logger.Info().Int("rules", len(rules)).Msg("routing rules replaced")
	writeJSON(w, http.StatusOK, h.rules.Rules())
}

// DeleteRule handles DELETE /api/rules/{ruleId}
func (h *AdminHandler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "ruleId")
	if err := h.rules.Remove(id); err != nil {
		if errors.Is(err, routing.ErrRuleNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.logger.Info().Str("rule_id", id).Msg("routing rule removed")
	w.WriteHeader(http.StatusNoContent)
}

// RetryActivity handles POST /api/activity/{interactionId}/{kind}/retry
// Conversation segments are addressed with ?segment=<taskId>.
func (h *AdminHandler) RetryActivity(w http.ResponseWriter, r *http.Request) {
	kind := types.ActivityKind(chi.URLParam(r, "kind"))
	key := types.ActivityKey(chi.URLParam(r, "interactionId"), kind, r.URL.Query().Get("segment"))

	entry, err := h.activity.Retry(r.Context(), key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "activity entry not found")
		return
	case errors.Is(err, activity.ErrNotFailed):
		writeError(w, http.StatusConflict, "only failed entries can be retried")
		return
	case err != nil:
		h.logger.Error().Err(err).Str("key", key).Msg("failed to retry activity entry")
		writeError(w, http.StatusInternalServerError, "failed to retry activity entry")
		return
	}

	writeJSON(w, http.StatusAccepted, entry)
}
