package api

import (
	"net/http"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// loggerWithRequest returns a logger carrying the request's correlation fields
func loggerWithRequest(r *http.Request) zerolog.Logger {
	if r == nil {
		return log.With().Logger()
	}

	ctx := log.With().
		Str("method", r.Method).
		Str("path", r.URL.Path)
	if id := GetRequestID(r); id != "" {
		ctx = ctx.Str("request_id", id)
	}
	return ctx.Logger()
}
