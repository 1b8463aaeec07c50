package api

import (
	"net/http"

	"github.com/lifestream-io/lifestream/internal/api/middleware"
)

// handleLatestReadings handles GET /api/v1/readings/latest.
// Returns the most recent reading per sensor, newest first, for dashboard
// style "current temperature" views.
func (s *Server) handleLatestReadings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	readings, err := s.reads.LatestReadings(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to query latest readings",
			"correlation_id", correlationID,
			"error", err.Error(),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to query latest readings"))

		return
	}

	summaries := make([]ReadingSummary, 0, len(readings))
	for _, reading := range readings {
		summaries = append(summaries, ReadingSummary{
			SubjectID:   reading.SubjectID,
			DisplayName: reading.DisplayName,
			Celsius:     reading.Celsius,
			Humidity:    reading.Humidity,
			Battery:     reading.Battery,
			RecordedAt:  reading.RecordedAt,
		})
	}

	s.writeJSON(w, r, http.StatusOK, ReadingListResponse{Readings: summaries})
}
