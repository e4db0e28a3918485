package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// SuccessResponse represents a standardised success response
type SuccessResponse struct {
	Status    string `json:"status"`
	Data      any    `json:"data,omitempty"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, r *http.Request, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().
			Err(err).
			Str("request_id", GetRequestID(r)).
			Msg("Failed to encode JSON response")
	}
}

// WriteSuccess writes a standardised success response
func WriteSuccess(w http.ResponseWriter, r *http.Request, data any, message string) {
	writeEnvelope(w, r, data, message, http.StatusOK)
}

// WriteAccepted writes a standardised response for work queued for later processing
func WriteAccepted(w http.ResponseWriter, r *http.Request, data any, message string) {
	writeEnvelope(w, r, data, message, http.StatusAccepted)
}

func writeEnvelope(w http.ResponseWriter, r *http.Request, data any, message string, status int) {
	WriteJSON(w, r, SuccessResponse{
		Status:    "success",
		Data:      data,
		Message:   message,
		RequestID: GetRequestID(r),
	}, status)
}

// HealthResponse represents a health check response
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Service   string `json:"service"`
	Version   string `json:"version,omitempty"`
	Details   any    `json:"details,omitempty"`
}

// WriteHealthy writes a standardised health check response
func WriteHealthy(w http.ResponseWriter, r *http.Request, service, version string, details any) {
	WriteJSON(w, r, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Service:   service,
		Version:   version,
		Details:   details,
	}, http.StatusOK)
}

// WriteUnhealthy writes a standardised unhealthy response
func WriteUnhealthy(w http.ResponseWriter, r *http.Request, service string, details any) {
	WriteJSON(w, r, HealthResponse{
		Status:    "unhealthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Service:   service,
		Details:   details,
	}, http.StatusServiceUnavailable)
}
