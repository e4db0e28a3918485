package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/Harvey-AU/parcel-valuation/internal/jobs"
	"github.com/Harvey-AU/parcel-valuation/internal/parcel"
	"github.com/rs/zerolog/log"
)

// ErrorResponse represents a standardised error response
type ErrorResponse struct {
	Status    int    `json:"status"`
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// ErrorCode represents standard error codes
type ErrorCode string

const (
	// Client errors (4xx)
	ErrCodeBadRequest       ErrorCode = "BAD_REQUEST"
	ErrCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrCodeMethodNotAllowed ErrorCode = "METHOD_NOT_ALLOWED"
	ErrCodeConflict         ErrorCode = "CONFLICT"
	ErrCodeValidation       ErrorCode = "VALIDATION_ERROR"
	ErrCodeTooLarge         ErrorCode = "PAYLOAD_TOO_LARGE"
	ErrCodeRateLimit        ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Server errors (5xx)
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// WriteError writes a standardised error response
func WriteError(w http.ResponseWriter, r *http.Request, err error, status int, code ErrorCode) {
	writeError(w, r, err, err.Error(), status, code)
}

// WriteErrorMessage writes a standardised error response with a custom message
func WriteErrorMessage(w http.ResponseWriter, r *http.Request, message string, status int, code ErrorCode) {
	writeError(w, r, nil, message, status, code)
}

func writeError(w http.ResponseWriter, r *http.Request, err error, message string, status int, code ErrorCode) {
	logger := loggerWithRequest(r)

	// Client mistakes are expected traffic
	event := logger.Warn()
	if status >= http.StatusInternalServerError {
		event = logger.Error()
	}
	if err != nil {
		event = event.Err(err)
	}
	event.
		Int("status", status).
		Str("code", string(code)).
		Str("message", message).
		Msg("API error response")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	errResp := ErrorResponse{
		Status:    status,
		Message:   message,
		Code:      string(code),
		RequestID: GetRequestID(r),
	}
	if err := json.NewEncoder(w).Encode(errResp); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// BadRequest responds with a 400 Bad Request error
func BadRequest(w http.ResponseWriter, r *http.Request, message string) {
	WriteErrorMessage(w, r, message, http.StatusBadRequest, ErrCodeBadRequest)
}

// NotFound responds with a 404 Not Found error
func NotFound(w http.ResponseWriter, r *http.Request, message string) {
	WriteErrorMessage(w, r, message, http.StatusNotFound, ErrCodeNotFound)
}

// Conflict responds with a 409 Conflict error
func Conflict(w http.ResponseWriter, r *http.Request, message string) {
	WriteErrorMessage(w, r, message, http.StatusConflict, ErrCodeConflict)
}

// MethodNotAllowed responds with a 405 Method Not Allowed error
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	WriteErrorMessage(w, r, "Method not allowed", http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed)
}

// InternalError responds with a 500 Internal Server Error
func InternalError(w http.ResponseWriter, r *http.Request, err error) {
	WriteError(w, r, err, http.StatusInternalServerError, ErrCodeInternal)
}

// ServiceUnavailable responds with a 503 Service Unavailable error
func ServiceUnavailable(w http.ResponseWriter, r *http.Request, message string) {
	WriteErrorMessage(w, r, message, http.StatusServiceUnavailable, ErrCodeServiceUnavailable)
}

// TooManyRequests responds with 429 and Retry-After header
func TooManyRequests(w http.ResponseWriter, r *http.Request, message string, retryAfter time.Duration) {
	seconds := int(math.Ceil(retryAfter.Seconds()))
	if seconds <= 0 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	WriteErrorMessage(w, r, message, http.StatusTooManyRequests, ErrCodeRateLimit)
}

// writeDomainError maps engine and lookup errors onto HTTP responses. Unknown
// errors are internal.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var notReady *jobs.ResultNotReadyError
	switch {
	case errors.As(err, &notReady):
		Conflict(w, r, notReady.Error())
	case errors.Is(err, jobs.ErrJobNotFound):
		NotFound(w, r, "Job not found")
	case errors.Is(err, jobs.ErrResultMissing):
		NotFound(w, r, jobs.ErrResultMissing.Error())
	case errors.Is(err, parcel.ErrParcelNotFound):
		NotFound(w, r, err.Error())
	case errors.Is(err, jobs.ErrUnsupportedFile),
		errors.Is(err, jobs.ErrEmptyFile),
		errors.Is(err, jobs.ErrInvalidPriority):
		WriteErrorMessage(w, r, err.Error(), http.StatusBadRequest, ErrCodeValidation)
	default:
		InternalError(w, r, err)
	}
}
