// Package api exposes the batch job engine and single-parcel analysis over HTTP.
package api

import (
	"context"
	"net/http"

	"github.com/Harvey-AU/parcel-valuation/internal/analysis"
	"github.com/Harvey-AU/parcel-valuation/internal/db"
	"github.com/Harvey-AU/parcel-valuation/internal/jobs"
	"github.com/Harvey-AU/parcel-valuation/internal/parcel"
)

// Version is the current API version (can be set via ldflags at build time)
var Version = "0.1.0"

const serviceName = "parcel-valuation"

// JobService is the part of the batch engine the API drives
type JobService interface {
	Submit(ctx context.Context, req jobs.SubmitRequest) (*jobs.Job, error)
	Get(ctx context.Context, jobID string) (*jobs.Job, error)
	List(ctx context.Context, opts jobs.ListOptions) ([]*jobs.Job, error)
	Cancel(ctx context.Context, jobID string) (*jobs.Job, error)
	Download(ctx context.Context, jobID string) (*jobs.Artifact, error)
}

// ParcelAnalyzer runs the analysis of one parcel
type ParcelAnalyzer interface {
	Analyze(ctx context.Context, gid int64, opts analysis.Options) (map[string]any, error)
}

// ParcelSearcher looks parcels up by id or owner
type ParcelSearcher interface {
	Search(ctx context.Context, query string, limit int) ([]parcel.Summary, error)
}

// HealthChecker reports database health
type HealthChecker interface {
	CheckHealth(ctx context.Context) db.HealthCheck
}

// Handler holds dependencies for API handlers
type Handler struct {
	Jobs     JobService
	Analyzer ParcelAnalyzer
	Parcels  ParcelSearcher
	DB       HealthChecker
}

// NewHandler creates a new API handler with dependencies. dbHealth may be nil.
func NewHandler(jobService JobService, analyzer ParcelAnalyzer, parcels ParcelSearcher, dbHealth HealthChecker) *Handler {
	return &Handler{
		Jobs:     jobService,
		Analyzer: analyzer,
		Parcels:  parcels,
		DB:       dbHealth,
	}
}

// SetupRoutes configures all API routes
func (h *Handler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.HealthCheck)
	mux.HandleFunc("/health/db", h.DatabaseHealthCheck)

	mux.HandleFunc("/v1/batch", h.BatchesHandler)
	mux.HandleFunc("/v1/batch/", h.BatchHandler) // /v1/batch/{id}[/cancel|/download]

	mux.HandleFunc("/v1/analysis", h.AnalysisHandler)
	mux.HandleFunc("/v1/parcels", h.ParcelsHandler)
}

// Routes returns the API mux wrapped in the standard middleware stack
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	h.SetupRoutes(mux)

	// Outermost last
	var handler http.Handler = mux
	handler = RecoveryMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = CORSMiddleware(handler)
	return handler
}

// HealthCheck handles basic liveness requests
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	WriteHealthy(w, r, serviceName, Version, nil)
}

// DatabaseHealthCheck reports whether the database is reachable with the schema in place
func (h *Handler) DatabaseHealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	if h.DB == nil {
		WriteUnhealthy(w, r, "postgresql", map[string]string{"error": "database connection not configured"})
		return
	}

	health := h.DB.CheckHealth(r.Context())
	if !health.Healthy() {
		WriteUnhealthy(w, r, "postgresql", health)
		return
	}

	WriteHealthy(w, r, "postgresql", "", health)
}
