// Package middleware provides HTTP middleware components for the capture API.
package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// correlationIDKey is the context key for the request correlation id.
type correlationIDKey struct{}

// CorrelationID creates a middleware that attaches a correlation id to each
// request. A caller-supplied X-Correlation-ID header wins, so a capture
// client retrying the same submission keeps one id across attempts;
// otherwise a fresh id is minted.
//
// This id traces the HTTP exchange only. Pipeline runs mint their own
// correlation id when the captured event is built.
func CorrelationID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			correlationID := r.Header.Get("X-Correlation-ID")
			if correlationID == "" {
				correlationID = uuid.New().String()
			}

			w.Header().Set("X-Correlation-ID", correlationID)

			ctx := context.WithValue(r.Context(), correlationIDKey{}, correlationID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetCorrelationID extracts the correlation ID from the request context.
func GetCorrelationID(ctx context.Context) string {
	if correlationID, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return correlationID
	}

	return "unknown"
}
