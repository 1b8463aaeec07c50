package api

import (
	"net/http"
	"strconv"

	"github.com/lifestream-io/lifestream/internal/api/middleware"
	"github.com/lifestream-io/lifestream/internal/event"
	"github.com/lifestream-io/lifestream/internal/readmodel"
)

type (
	// linkListParams holds parsed query parameters for the link list.
	linkListParams struct {
		status     string
		visibility string
		tag        string
		pinnedOnly bool
		limit      int
		offset     int
	}

	// paramError represents a parameter validation error.
	paramError struct {
		param string
		msg   string
	}
)

const (
	// Pagination defaults and limits.
	defaultLimit = 20
	maxLimit     = 100
	minLimit     = 1
)

// validLinkStatuses holds the pipeline stages a link moves through.
var validLinkStatuses = map[string]bool{ //nolint:gochecknoglobals
	"new":       true,
	"fetched":   true,
	"enriched":  true,
	"published": true,
	"error":     true,
}

func (e *paramError) Error() string {
	return "Invalid parameter '" + e.param + "': " + e.msg
}

// handleListLinks handles GET /api/v1/links.
// Returns a paginated list of captured links with optional filtering.
//
// Query Parameters:
//   - status: "new" | "fetched" | "enriched" | "published" | "error"
//   - visibility: "public" | "private"
//   - tag: filter to links carrying this enrichment tag
//   - pinned: "true" restricts to pinned links
//   - limit: 1-100 (default: 20)
//   - offset: >= 0 (default: 0)
//
// Response: LinkListResponse with links sorted by created_at DESC.
func (s *Server) handleListLinks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	// Parse query parameters
	params, err := parseLinkListParams(r)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	// Build filter and pagination from query parameters
	filter := buildLinkFilter(params)
	pagination := &readmodel.Pagination{
		Limit:  params.limit,
		Offset: params.offset,
	}

	// Query links from store (with database-level pagination)
	result, err := s.reads.ListLinks(ctx, filter, pagination)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to query links",
			"correlation_id", correlationID,
			"error", err.Error(),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to query links"))

		return
	}

	summaries := make([]LinkSummary, 0, len(result.Links))
	for _, link := range result.Links {
		summaries = append(summaries, mapLinkToSummary(link))
	}

	s.writeJSON(w, r, http.StatusOK, LinkListResponse{
		Links:  summaries,
		Total:  result.Total,
		Limit:  params.limit,
		Offset: params.offset,
	})
}

// parseLinkListParams parses and validates query parameters.
func parseLinkListParams(r *http.Request) (*linkListParams, error) {
	q := r.URL.Query()

	params := &linkListParams{
		limit:  defaultLimit,
		offset: 0,
	}

	// Parse status
	if status := q.Get("status"); status != "" {
		if !validLinkStatuses[status] {
			return nil, &paramError{param: "status", msg: "must be one of new, fetched, enriched, published, error"}
		}

		params.status = status
	}

	// Parse visibility
	if visibility := q.Get("visibility"); visibility != "" {
		if visibility != event.VisibilityPublic && visibility != event.VisibilityPrivate {
			return nil, &paramError{param: "visibility", msg: "must be public or private"}
		}

		params.visibility = visibility
	}

	// Parse tag (free-form, matched against enrichment tags)
	params.tag = q.Get("tag")

	// Parse pinned
	if pinnedStr := q.Get("pinned"); pinnedStr != "" {
		pinned, err := strconv.ParseBool(pinnedStr)
		if err != nil {
			return nil, &paramError{param: "pinned", msg: "must be a boolean"}
		}

		params.pinnedOnly = pinned
	}

	// Parse limit
	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return nil, &paramError{param: "limit", msg: "must be a valid integer"}
		}

		if limit < minLimit || limit > maxLimit {
			return nil, &paramError{param: "limit", msg: "must be between 1 and 100"}
		}

		params.limit = limit
	}

	// Parse offset
	if offsetStr := q.Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil {
			return nil, &paramError{param: "offset", msg: "must be a valid integer"}
		}

		if offset < 0 {
			return nil, &paramError{param: "offset", msg: "must be >= 0"}
		}

		params.offset = offset
	}

	return params, nil
}

// buildLinkFilter creates a readmodel.LinkFilter from parsed parameters.
func buildLinkFilter(params *linkListParams) *readmodel.LinkFilter {
	if params.status == "" && params.visibility == "" && params.tag == "" && !params.pinnedOnly {
		return nil // No filter needed
	}

	return &readmodel.LinkFilter{
		Status:     params.status,
		Visibility: params.visibility,
		Tag:        params.tag,
		PinnedOnly: params.pinnedOnly,
	}
}

// mapLinkToSummary converts a projected link row to an API LinkSummary.
func mapLinkToSummary(link readmodel.Link) LinkSummary {
	tags := link.Tags
	if tags == nil {
		tags = []string{}
	}

	return LinkSummary{
		SubjectID:   link.SubjectID,
		URL:         link.URL,
		URLNorm:     link.URLNorm,
		Source:      link.Source,
		Status:      link.Status,
		Visibility:  link.Visibility,
		Pinned:      link.Pinned,
		RetryCount:  link.RetryCount,
		LastError:   link.LastError,
		LastErrorAt: link.LastErrorAt,
		Title:       link.Title,
		Tags:        tags,
		CreatedAt:   link.CreatedAt,
		UpdatedAt:   link.UpdatedAt,
	}
}
