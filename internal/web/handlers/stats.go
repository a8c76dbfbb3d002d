package handlers

import (
	"net/http"
)

// StatsHandler handles statistics-related HTTP requests.
type StatsHandler struct {
	repo StatsRepository
}

// NewStatsHandler creates a new StatsHandler.
func NewStatsHandler(repo StatsRepository) *StatsHandler {
	return &StatsHandler{repo: repo}
}

// GetStats returns queue statistics.
func (h *StatsHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.repo.GetStats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, stats)
}
