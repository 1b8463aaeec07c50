// Package middleware provides HTTP middleware components for the capture API.
package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"
)

// Recovery creates a middleware that recovers from handler panics, logs
// them with the stack trace, and answers with a 500 problem response
// instead of dropping the connection.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					correlationID := GetCorrelationID(r.Context())

					logger.Error("HTTP request panic recovered",
						slog.String("method", r.Method),
						slog.String("path", r.URL.Path),
						slog.String("correlation_id", correlationID),
						slog.Any("panic", rec),
						slog.String("stack_trace", string(debug.Stack())),
					)

					detail := "An unexpected error occurred while processing the request"
					if err := writeProblem(w, r, http.StatusInternalServerError, detail, correlationID); err != nil {
						logger.Error("failed to write problem response",
							slog.Any("error", err),
							slog.String("correlation_id", correlationID),
						)
					}
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
