package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/Harvey-AU/parcel-valuation/internal/jobs"
)

const (
	// maxUploadBytes caps a batch upload including multipart overhead
	maxUploadBytes = 50 << 20
	// multipartMemory is held in memory before the rest spills to temp files
	multipartMemory = 32 << 20
)

// BatchStatusResponse is a job together with the progress view derived from
// the same read
type BatchStatusResponse struct {
	Job *jobs.Job `json:"job"`
	jobs.ProgressView
}

func batchStatus(job *jobs.Job) BatchStatusResponse {
	return BatchStatusResponse{Job: job, ProgressView: job.Progress()}
}

// BatchesHandler handles requests to /v1/batch
func (h *Handler) BatchesHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listBatches(w, r)
	case http.MethodPost:
		h.submitBatch(w, r)
	default:
		MethodNotAllowed(w, r)
	}
}

// BatchHandler handles requests to /v1/batch/{id}, /v1/batch/{id}/cancel and
// /v1/batch/{id}/download
func (h *Handler) BatchHandler(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/batch/"), "/")
	if path == "" {
		BadRequest(w, r, "Job ID is required")
		return
	}

	parts := strings.Split(path, "/")
	jobID := parts[0]

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			MethodNotAllowed(w, r)
			return
		}
		h.getBatch(w, r, jobID)
	case len(parts) == 2 && parts[1] == "cancel":
		if r.Method != http.MethodPost {
			MethodNotAllowed(w, r)
			return
		}
		h.cancelBatch(w, r, jobID)
	case len(parts) == 2 && parts[1] == "download":
		if r.Method != http.MethodGet {
			MethodNotAllowed(w, r)
			return
		}
		h.downloadBatch(w, r, jobID)
	default:
		NotFound(w, r, "Endpoint not found")
	}
}

// submitBatch handles POST /v1/batch
func (h *Handler) submitBatch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteErrorMessage(w, r, fmt.Sprintf("Upload exceeds %d MB", maxUploadBytes>>20), http.StatusRequestEntityTooLarge, ErrCodeTooLarge)
			return
		}
		BadRequest(w, r, "Expected a multipart form with a file field")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		BadRequest(w, r, "file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		BadRequest(w, r, "Failed to read uploaded file")
		return
	}

	var mapping map[string]string
	if raw := strings.TrimSpace(r.FormValue("column_mapping")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &mapping); err != nil {
			BadRequest(w, r, "column_mapping must be a JSON object of uploaded to canonical column names")
			return
		}
	}

	priority, err := jobs.ParsePriority(r.FormValue("priority"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	dryRun, err := parseOptionalBool(r.FormValue("dry_run"))
	if err != nil {
		BadRequest(w, r, "dry_run must be true or false")
		return
	}

	job, err := h.Jobs.Submit(r.Context(), jobs.SubmitRequest{
		Filename:      header.Filename,
		Data:          data,
		ColumnMapping: mapping,
		Priority:      priority,
		DryRun:        dryRun,
		UserID:        strings.TrimSpace(r.FormValue("user_id")),
		Username:      strings.TrimSpace(r.FormValue("username")),
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	WriteAccepted(w, r, batchStatus(job), "Batch job queued")
}

// listBatches handles GET /v1/batch
func (h *Handler) listBatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := jobs.ListOptions{UserID: strings.TrimSpace(q.Get("user_id"))}

	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			BadRequest(w, r, "limit must be a positive integer")
			return
		}
		opts.Limit = limit
	}
	if v := q.Get("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil || offset < 0 {
			BadRequest(w, r, "offset must be a non-negative integer")
			return
		}
		opts.Offset = offset
	}

	list, err := h.Jobs.List(r.Context(), opts)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if list == nil {
		list = []*jobs.Job{}
	}

	WriteSuccess(w, r, map[string]any{
		"jobs":   list,
		"count":  len(list),
		"offset": opts.Offset,
	}, "")
}

// getBatch handles GET /v1/batch/{id}
func (h *Handler) getBatch(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := h.Jobs.Get(r.Context(), jobID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	WriteSuccess(w, r, batchStatus(job), "")
}

// cancelBatch handles POST /v1/batch/{id}/cancel
func (h *Handler) cancelBatch(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := h.Jobs.Cancel(r.Context(), jobID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	message := "Batch job cancelled"
	if job.Status != jobs.JobStatusCancelled {
		message = fmt.Sprintf("Batch job already %s", job.Status)
	}
	WriteSuccess(w, r, batchStatus(job), message)
}

// downloadBatch handles GET /v1/batch/{id}/download
func (h *Handler) downloadBatch(w http.ResponseWriter, r *http.Request, jobID string) {
	artifact, err := h.Jobs.Download(r.Context(), jobID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	defer artifact.Body.Close()

	w.Header().Set("Content-Type", artifact.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", artifact.Name))
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, artifact.Body); err != nil {
		logger := loggerWithRequest(r)
		logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to stream result artifact")
	}
}

func parseOptionalBool(s string) (bool, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return false, nil
	}
	return strconv.ParseBool(s)
}
