package middleware

import (
	"net/http"

	"github.com/rs/zerolog"
)

const (
	// MaxRequestSize limits request body size to 1MB. The largest payload
	// the JSON surface accepts is a 2000 character message.
	MaxRequestSize = 1 << 20
)

// RequestSizeLimit enforces maximum request body size.
func RequestSizeLimit(maxBytes int64, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				logger.Warn().
					Int64("content_length", r.ContentLength).
					Int64("max_size", maxBytes).
					Msg("request body too large")
				writeError(w, http.StatusRequestEntityTooLarge, "request_too_large", "request body too large")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
