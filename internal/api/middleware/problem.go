// Package middleware provides HTTP middleware components for the capture API.
package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
)

const contentTypeProblemJSON = "application/problem+json"

// writeProblem writes an RFC 7807 problem response from inside the middleware
// chain. The api package has richer problem helpers, but importing it here
// would create a cycle, so the chain carries its own minimal writer.
func writeProblem(
	w http.ResponseWriter,
	r *http.Request,
	statusCode int,
	detail string,
	correlationID string,
) error {
	var title string

	switch statusCode {
	case http.StatusUnauthorized:
		title = "Unauthorized"
	case http.StatusForbidden:
		title = "Forbidden"
	case http.StatusTooManyRequests:
		title = "Too Many Requests"
	case http.StatusInternalServerError:
		title = "Internal Server Error"
	default:
		title = http.StatusText(statusCode)
	}

	problem := map[string]any{
		"type":           fmt.Sprintf("https://lifestream.io/problems/%d", statusCode),
		"title":          title,
		"status":         statusCode,
		"detail":         detail,
		"instance":       r.URL.Path,
		"correlation_id": correlationID,
	}

	w.Header().Set("Content-Type", contentTypeProblemJSON)
	w.WriteHeader(statusCode)

	return json.NewEncoder(w).Encode(problem)
}
