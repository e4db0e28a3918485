package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Harvey-AU/parcel-valuation/internal/jobs"
	"github.com/Harvey-AU/parcel-valuation/internal/parcel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/test", nil)

	WriteError(w, r, errors.New("invalid input"), http.StatusBadRequest, ErrCodeBadRequest)

	assert.Equal(t, http.StatusBadRequest, w.Code)

	var response ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "BAD_REQUEST", response.Code)
	assert.Equal(t, "invalid input", response.Message)
	assert.Equal(t, http.StatusBadRequest, response.Status)
}

func TestErrorHelpers(t *testing.T) {
	tests := []struct {
		name   string
		write  func(http.ResponseWriter, *http.Request)
		status int
		code   ErrorCode
	}{
		{"bad_request", func(w http.ResponseWriter, r *http.Request) { BadRequest(w, r, "x") }, http.StatusBadRequest, ErrCodeBadRequest},
		{"not_found", func(w http.ResponseWriter, r *http.Request) { NotFound(w, r, "x") }, http.StatusNotFound, ErrCodeNotFound},
		{"conflict", func(w http.ResponseWriter, r *http.Request) { Conflict(w, r, "x") }, http.StatusConflict, ErrCodeConflict},
		{"method", func(w http.ResponseWriter, r *http.Request) { MethodNotAllowed(w, r) }, http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed},
		{"internal", func(w http.ResponseWriter, r *http.Request) { InternalError(w, r, errors.New("x")) }, http.StatusInternalServerError, ErrCodeInternal},
		{"unavailable", func(w http.ResponseWriter, r *http.Request) { ServiceUnavailable(w, r, "x") }, http.StatusServiceUnavailable, ErrCodeServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.write(w, httptest.NewRequest(http.MethodGet, "/test", nil))

			assert.Equal(t, tt.status, w.Code)
			var response ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
			assert.Equal(t, string(tt.code), response.Code)
		})
	}
}

func TestTooManyRequests(t *testing.T) {
	w := httptest.NewRecorder()
	TooManyRequests(w, httptest.NewRequest(http.MethodGet, "/test", nil), "slow down", 1500*time.Millisecond)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))

	w = httptest.NewRecorder()
	TooManyRequests(w, httptest.NewRequest(http.MethodGet, "/test", nil), "slow down", 0)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestWriteDomainError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   ErrorCode
	}{
		{"job_not_found", jobs.ErrJobNotFound, http.StatusNotFound, ErrCodeNotFound},
		{"wrapped_job_not_found", fmt.Errorf("load: %w", jobs.ErrJobNotFound), http.StatusNotFound, ErrCodeNotFound},
		{"result_missing", jobs.ErrResultMissing, http.StatusNotFound, ErrCodeNotFound},
		{"not_ready", &jobs.ResultNotReadyError{Status: jobs.JobStatusQueued}, http.StatusConflict, ErrCodeConflict},
		{"parcel_not_found", parcel.ErrParcelNotFound, http.StatusNotFound, ErrCodeNotFound},
		{"empty_file", jobs.ErrEmptyFile, http.StatusBadRequest, ErrCodeValidation},
		{"invalid_priority", jobs.ErrInvalidPriority, http.StatusBadRequest, ErrCodeValidation},
		{"other", errors.New("disk on fire"), http.StatusInternalServerError, ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			writeDomainError(w, httptest.NewRequest(http.MethodGet, "/test", nil), tt.err)

			assert.Equal(t, tt.status, w.Code)
			var response ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
			assert.Equal(t, string(tt.code), response.Code)
		})
	}
}
