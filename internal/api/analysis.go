package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/Harvey-AU/parcel-valuation/internal/analysis"
	"github.com/Harvey-AU/parcel-valuation/internal/parcel"
)

// AnalysisRequest is the body of POST /v1/analysis
type AnalysisRequest struct {
	GID          int64 `json:"gid"`
	ForceRefresh bool  `json:"force_refresh"`
	DryRun       bool  `json:"dry_run"`
}

// AnalysisHandler handles POST /v1/analysis
func (h *Handler) AnalysisHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}

	var req AnalysisRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		BadRequest(w, r, "Invalid JSON request body")
		return
	}
	if req.GID <= 0 {
		BadRequest(w, r, "gid must be a positive integer")
		return
	}

	doc, err := h.Analyzer.Analyze(r.Context(), req.GID, analysis.Options{
		ForceRefresh: req.ForceRefresh,
		DryRun:       req.DryRun,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	WriteSuccess(w, r, doc, "")
}

// ParcelsHandler handles GET /v1/parcels?q=...
func (h *Handler) ParcelsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		BadRequest(w, r, "q is required")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			BadRequest(w, r, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	results, err := h.Parcels.Search(r.Context(), query, limit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if results == nil {
		results = []parcel.Summary{}
	}

	WriteSuccess(w, r, map[string]any{
		"parcels": results,
		"count":   len(results),
	}, "")
}
