package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/lifestream-io/lifestream/internal/api/middleware"
	"github.com/lifestream-io/lifestream/internal/event"
	"github.com/lifestream-io/lifestream/internal/identity"
)

// handleCaptureLink handles link capture from the browser extension and
// other clients.
// POST /api/v1/links - Capture a single link
//
// Request validation (returns 4xx):
//   - 405 Method Not Allowed: Only POST is allowed (handled by route pattern)
//   - 415 Unsupported Media Type: Content-Type must be application/json
//   - 413 Payload Too Large: Request body exceeds MaxRequestSize
//   - 400 Bad Request: Empty body, invalid JSON, or missing url
//
// URL normalization is total: any non-empty url is accepted, and strings
// that do not parse as URLs pass through normalization unchanged. The
// subject id is derived from the normalized form, so posting the same URL
// twice yields the same subject and the link row is simply upserted.
func (s *Server) handleCaptureLink(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	correlationID := middleware.GetCorrelationID(r.Context())

	var req CaptureLinkRequest
	if problem := s.decodeJSONBody(r, &req); problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	rawURL := strings.TrimSpace(req.URL)
	if rawURL == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("url is required"))

		return
	}

	source := strings.TrimSpace(req.Source)
	if source == "" {
		source = event.SourceChrome
	}

	subjectID := identity.LinkID(rawURL)
	urlNorm := identity.NormalizeURL(rawURL)

	evt, err := event.New(source, subjectID, event.TypeLinkAdded, event.LinkAdded{
		URL:     rawURL,
		URLNorm: urlNorm,
	})
	if err != nil {
		s.logger.Error("Failed to build link capture event",
			slog.String("correlation_id", correlationID),
			slog.String("subject_id", subjectID),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to build capture event"))

		return
	}

	stored, duplicate, err := s.capture.CaptureLink(r.Context(), evt)
	if err != nil {
		s.logger.Error("Failed to store captured link",
			slog.String("correlation_id", correlationID),
			slog.String("subject_id", subjectID),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to store captured link"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, CaptureLinkResponse{
		Success:   true,
		SubjectID: subjectID,
		URLNorm:   urlNorm,
	})

	s.logger.Info("Link capture processed",
		slog.String("correlation_id", correlationID),
		slog.String("subject_id", subjectID),
		slog.String("source", source),
		slog.Bool("stored", stored),
		slog.Bool("duplicate", duplicate),
		slog.Duration("duration", time.Since(startTime)),
	)
}
