package api

import (
	"net/http"

	"github.com/lifestream-io/lifestream/internal/api/middleware"
	"github.com/lifestream-io/lifestream/internal/readmodel"
)

// handleGetLink handles GET /api/v1/links/{id}.
// Returns the full projected view of one link: state, fetched content,
// enrichment output, publish progress and annotations.
//
// Path Parameters:
//   - id: Link subject id (e.g., "link:a1b2c3d4e5f6")
//
// Response: LinkDetailResponse. Content, Metadata and Publish sections are
// omitted while the pipeline has not produced them yet.
func (s *Server) handleGetLink(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	subjectID := r.PathValue("id")
	if subjectID == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("Missing link subject id"))

		return
	}

	detail, err := s.reads.GetLink(ctx, subjectID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to query link",
			"correlation_id", correlationID,
			"subject_id", subjectID,
			"error", err.Error(),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to query link"))

		return
	}

	if detail == nil {
		WriteErrorResponse(w, r, s.logger, NotFound("Link not found"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, mapLinkToDetail(detail))
}

// mapLinkToDetail converts a projected LinkDetail to the API response.
func mapLinkToDetail(detail *readmodel.LinkDetail) LinkDetailResponse {
	response := LinkDetailResponse{
		Link:        mapLinkToSummary(detail.Link),
		Annotations: mapAnnotations(detail.Annotations),
	}

	if detail.Content != nil {
		// The raw HTML storage key stays internal to the pipeline
		response.Content = &ContentDetail{
			Title:       detail.Content.Title,
			TextContent: detail.Content.TextContent,
			FinalURL:    detail.Content.FinalURL,
			FetchError:  detail.Content.FetchError,
			FetchedAt:   detail.Content.FetchedAt,
		}
	}

	if detail.Metadata != nil {
		tags := detail.Metadata.Tags
		if tags == nil {
			tags = []string{}
		}

		response.Metadata = &MetadataDetail{
			Tags:         tags,
			SummaryShort: detail.Metadata.SummaryShort,
			SummaryLong:  detail.Metadata.SummaryLong,
			Language:     detail.Metadata.Language,
			ModelVersion: detail.Metadata.ModelVersion,
			UpdatedAt:    detail.Metadata.UpdatedAt,
		}
	}

	if detail.Publish != nil {
		response.Publish = &PublishDetail{
			DesiredVersion:   detail.Publish.DesiredVersion,
			PublishedVersion: detail.Publish.PublishedVersion,
			Dirty:            detail.Publish.Dirty,
			LastPublishedAt:  detail.Publish.LastPublishedAt,
		}
	}

	return response
}

// mapAnnotations converts projected annotations to API response entries.
func mapAnnotations(annotations []readmodel.Annotation) []AnnotationDetail {
	if len(annotations) == 0 {
		return []AnnotationDetail{}
	}

	details := make([]AnnotationDetail, 0, len(annotations))
	for _, a := range annotations {
		details = append(details, AnnotationDetail{
			SubjectID:  a.SubjectID,
			Quote:      a.Quote,
			Note:       a.Note,
			Selector:   a.Selector,
			Visibility: a.Visibility,
			CreatedAt:  a.CreatedAt,
		})
	}

	return details
}
