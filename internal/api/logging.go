package api

import (
	"net/http"

	"github.com/Harvey-AU/seo-pagegen/internal/auth"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// loggerWithRequest returns a logger carrying the request id, method, path
// and, once authenticated, the caller.
func loggerWithRequest(r *http.Request) zerolog.Logger {
	if r == nil {
		return log.With().Logger()
	}

	builder := log.With().
		Str("request_id", GetRequestID(r)).
		Str("method", r.Method).
		Str("path", r.URL.Path)

	if user, ok := auth.GetUserFromContext(r.Context()); ok {
		builder = builder.Str("user_id", user.UserID)
	} else if auth.IsWorker(r.Context()) {
		builder = builder.Bool("worker", true)
	}

	return builder.Logger()
}
