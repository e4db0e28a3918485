package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name              string
		existingRequestID string
		expectGenerated   bool
	}{
		{
			name:            "generates_new_request_id_when_none_exists",
			expectGenerated: true,
		},
		{
			name:              "uses_request_id_from_load_balancer",
			existingRequestID: "lb-generated-id-456",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = GetRequestID(r)
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodGet, "/v1/batch", nil)
			if tt.existingRequestID != "" {
				req.Header.Set("X-Request-ID", tt.existingRequestID)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))
			if tt.expectGenerated {
				_, err := uuid.Parse(seen)
				assert.NoError(t, err)
			} else {
				assert.Equal(t, tt.existingRequestID, seen)
			}
		})
	}
}

func TestGetRequestID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	assert.Empty(t, GetRequestID(req))

	req = req.WithContext(context.WithValue(req.Context(), requestIDKey, "test-request-123"))
	assert.Equal(t, "test-request-123", GetRequestID(req))

	assert.Empty(t, GetRequestID(nil))
	assert.Empty(t, GetRequestID(&http.Request{}))
}

func TestLoggingMiddleware(t *testing.T) {
	tests := []struct {
		name         string
		responseCode int
		method       string
		path         string
	}{
		{"logs_successful_request", http.StatusOK, http.MethodGet, "/v1/batch"},
		{"logs_error_response", http.StatusInternalServerError, http.MethodPost, "/v1/analysis"},
		{"skips_health_probe", http.StatusOK, http.MethodGet, "/health"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.responseCode)
			}))

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.responseCode, rec.Code)
		})
	}
}

func TestResponseWrapper(t *testing.T) {
	t.Run("captures_first_status", func(t *testing.T) {
		rec := httptest.NewRecorder()
		wrapper := &responseWrapper{ResponseWriter: rec, statusCode: http.StatusOK}

		wrapper.WriteHeader(http.StatusNotFound)
		wrapper.WriteHeader(http.StatusInternalServerError)

		assert.Equal(t, http.StatusNotFound, wrapper.statusCode)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("defaults_to_200_and_counts_bytes", func(t *testing.T) {
		rec := httptest.NewRecorder()
		wrapper := &responseWrapper{ResponseWriter: rec, statusCode: http.StatusOK}

		n, err := wrapper.Write([]byte("parcel_gid\n"))
		require.NoError(t, err)

		assert.Equal(t, 11, n)
		assert.Equal(t, http.StatusOK, wrapper.statusCode)
		assert.Equal(t, int64(11), wrapper.written)

		// Headers are already sent, so a late WriteHeader is not recorded
		wrapper.WriteHeader(http.StatusTeapot)
		assert.Equal(t, http.StatusOK, wrapper.statusCode)
	})
}

func TestRecoveryMiddleware(t *testing.T) {
	t.Run("converts_panic_to_500", func(t *testing.T) {
		handler := RequestIDMiddleware(RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("boom")
		})))

		rec := httptest.NewRecorder()
		assert.NotPanics(t, func() {
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/batch", nil))
		})
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Contains(t, rec.Body.String(), "handler panic: boom")
	})

	t.Run("rethrows_abort_handler", func(t *testing.T) {
		handler := RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic(http.ErrAbortHandler)
		}))

		assert.Panics(t, func() {
			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
		})
	})

	t.Run("passes_through", func(t *testing.T) {
		handler := RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		expectNext bool
	}{
		{"handles_get", http.MethodGet, true},
		{"handles_post", http.MethodPost, true},
		{"answers_preflight", http.MethodOptions, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			handler := CORSMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
				w.WriteHeader(http.StatusOK)
			}))

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(tt.method, "/v1/batch", nil))

			assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, "GET, POST, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
			assert.Equal(t, "X-Request-ID, Content-Disposition", rec.Header().Get("Access-Control-Expose-Headers"))
			assert.Equal(t, tt.expectNext, called)
			assert.Equal(t, http.StatusOK, rec.Code)
		})
	}
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	handler := SecurityHeadersMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Custom-Header", "custom-value")
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/batch", nil))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "default-src 'none'; frame-ancestors 'none'", rec.Header().Get("Content-Security-Policy"))
	assert.Equal(t, "max-age=63072000; includeSubDomains", rec.Header().Get("Strict-Transport-Security"))
	assert.Equal(t, "custom-value", rec.Header().Get("X-Custom-Header"))
}

func TestRequestIDMiddlewareConcurrency(t *testing.T) {
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	const n = 20
	ids := make(chan string, n)
	for i := 0; i < n; i++ {
		go func() {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", nil))
			ids <- rec.Header().Get("X-Request-ID")
		}()
	}

	seen := make(map[string]bool)
	for i := 0; i < n; i++ {
		id := <-ids
		require.NotEmpty(t, id)
		require.False(t, seen[id], "duplicate request id %s", id)
		seen[id] = true
	}
}

func BenchmarkMiddlewareChain(b *testing.B) {
	handler := RequestIDMiddleware(
		LoggingMiddleware(
			SecurityHeadersMiddleware(
				CORSMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					w.WriteHeader(http.StatusOK)
				})),
			),
		),
	)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/test", nil))
	}
}
