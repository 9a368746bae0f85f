package handlers

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/camden-git/photofacets/repository"
)

// CoverageReader reports enrichment coverage.
type CoverageReader interface {
	Coverage(ctx context.Context) (repository.Coverage, error)
	DateSources(ctx context.Context) ([]repository.CountRow, error)
}

type StatsHandler struct {
	Stats CoverageReader
	Log   logrus.FieldLogger
}

type statsResponse struct {
	repository.Coverage
	DateSources []repository.CountRow `json:"date_sources"`
}

// GetStats handles GET /api/stats.
func (h *StatsHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	cov, err := h.Stats.Coverage(r.Context())
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	sources, err := h.Stats.DateSources(r.Context())
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	if sources == nil {
		sources = []repository.CountRow{}
	}
	writeJSON(w, h.Log, http.StatusOK, statsResponse{Coverage: cov, DateSources: sources})
}
