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

// handleCaptureReading handles temperature readings posted by the Home
// Assistant bridge.
// POST /api/v1/readings - Capture a single sensor reading
//
// Request validation (returns 4xx):
//   - 405 Method Not Allowed: Only POST is allowed (handled by route pattern)
//   - 415 Unsupported Media Type: Content-Type must be application/json
//   - 413 Payload Too Large: Request body exceeds MaxRequestSize
//   - 400 Bad Request: Empty body, invalid JSON, missing sensor or celsius
//
// The sensor name is slugged into the subject id ("Living Room" becomes
// sensor:living-room) and kept verbatim as the subject display name.
// RecordedAt backdates the event when the bridge batches readings; omitted,
// it defaults to the capture time.
func (s *Server) handleCaptureReading(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	correlationID := middleware.GetCorrelationID(r.Context())

	var req CaptureReadingRequest
	if problem := s.decodeJSONBody(r, &req); problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	sensor := strings.TrimSpace(req.Sensor)
	if sensor == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("sensor is required"))

		return
	}

	if req.Celsius == nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("celsius is required"))

		return
	}

	subjectID := identity.SensorID(sensor)

	evt, err := event.New(event.SourceHomeAssistant, subjectID, event.TypeTempReadingRecorded, event.TempReadingRecorded{
		Celsius:  *req.Celsius,
		Humidity: req.Humidity,
		Battery:  req.Battery,
	})
	if err != nil {
		s.logger.Error("Failed to build reading capture event",
			slog.String("correlation_id", correlationID),
			slog.String("subject_id", subjectID),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to build capture event"))

		return
	}

	if req.RecordedAt != nil {
		evt = evt.WithOccurredAt(req.RecordedAt.UTC())
	}

	stored, duplicate, err := s.capture.CaptureReading(r.Context(), evt, sensor)
	if err != nil {
		s.logger.Error("Failed to store captured reading",
			slog.String("correlation_id", correlationID),
			slog.String("subject_id", subjectID),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to store captured reading"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, CaptureReadingResponse{
		Success:   true,
		SubjectID: subjectID,
	})

	s.logger.Info("Sensor reading processed",
		slog.String("correlation_id", correlationID),
		slog.String("subject_id", subjectID),
		slog.String("sensor", sensor),
		slog.Bool("stored", stored),
		slog.Bool("duplicate", duplicate),
		slog.Duration("duration", time.Since(startTime)),
	)
}
