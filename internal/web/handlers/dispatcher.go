package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/blockedby/scheduled-mailer/internal/dispatcher"
	"github.com/blockedby/scheduled-mailer/internal/logger"
	"github.com/blockedby/scheduled-mailer/internal/models"
	"github.com/blockedby/scheduled-mailer/internal/repository"
)

const (
	defaultReconcileLimit = 100
	maxReconcileLimit     = 1000
	recentRunsLimit       = 10
)

// DispatchHandler exposes manual triggers and dispatch status.
type DispatchHandler struct {
	service DispatchService
	stats   StatsRepository
	runs    RunsRepository
	log     *logger.Logger
}

// NewDispatchHandler creates a new DispatchHandler. stats and runs may be nil.
func NewDispatchHandler(service DispatchService, stats StatsRepository, runs RunsRepository, log *logger.Logger) *DispatchHandler {
	if log == nil {
		log = logger.Get()
	}
	return &DispatchHandler{
		service: service,
		stats:   stats,
		runs:    runs,
		log:     log.Component("web.dispatch"),
	}
}

// StatusResponse describes the queue and recent invocations.
type StatusResponse struct {
	Queue      *repository.QueueStats `json:"queue,omitempty"`
	RecentRuns []models.DispatchRun   `json:"recent_runs"`
}

// ReconcileResponse reports how many items were flipped to SENT.
type ReconcileResponse struct {
	Reconciled int    `json:"reconciled"`
	Error      string `json:"error,omitempty"`
}

// Trigger runs one dispatch invocation and returns its result.
// POST /api/v1/dispatch/trigger
func (h *DispatchHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.Trigger(r.Context(), dispatcher.TriggerHTTP)
	if err != nil {
		h.log.Error().Err(err).Msg("manual dispatch failed")
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// Reconcile flips ambiguous leftovers to SENT.
// POST /api/v1/dispatch/reconcile?limit=N
func (h *DispatchHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	limit := defaultReconcileLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxReconcileLimit)
	}

	n, err := h.service.Reconcile(r.Context(), limit)
	if err != nil {
		// partial progress is still reported
		h.log.Error().Err(err).Int("reconciled", n).Msg("reconcile failed")
		respondJSON(w, http.StatusInternalServerError, ReconcileResponse{Reconciled: n, Error: err.Error()})
		return
	}

	respondJSON(w, http.StatusOK, ReconcileResponse{Reconciled: n})
}

// Status returns queue statistics and the latest runs.
// GET /api/v1/dispatch/status
func (h *DispatchHandler) Status(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{RecentRuns: []models.DispatchRun{}}

	if h.stats != nil {
		stats, err := h.stats.GetStats(r.Context())
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp.Queue = stats
	}

	if h.runs != nil {
		runs, err := h.runs.ListRecent(r.Context(), recentRunsLimit)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if runs != nil {
			resp.RecentRuns = runs
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

// GetItem returns the user-visible state of one item.
// GET /api/v1/dispatch/items/{id}
func (h *DispatchHandler) GetItem(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid ID")
		return
	}

	status, err := h.service.ItemStatus(r.Context(), id)
	if err != nil {
		if errors.Is(err, dispatcher.ErrItemNotFound) {
			respondError(w, http.StatusNotFound, "item not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, status)
}
