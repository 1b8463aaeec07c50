// Package api provides the HTTP capture surface for the lifestream service.
package api

import "time"

// Capture request and response types.
type (
	// CaptureLinkRequest is the body of POST /api/v1/links. Source is
	// optional and defaults to the browser extension.
	CaptureLinkRequest struct {
		URL    string `json:"url"`
		Source string `json:"source,omitempty"`
	}

	// CaptureLinkResponse acknowledges a captured link. SubjectID is
	// deterministic: posting the same URL again returns the same id.
	CaptureLinkResponse struct {
		Success   bool   `json:"success"`
		SubjectID string `json:"subject_id"` //nolint:tagliatelle
		URLNorm   string `json:"url_norm"`   //nolint:tagliatelle
	}

	// CaptureReadingRequest is the body of POST /api/v1/readings. Celsius
	// is a pointer so a missing field is distinguishable from 0 degrees.
	// RecordedAt defaults to the capture time when omitted.
	CaptureReadingRequest struct {
		Sensor     string     `json:"sensor"`
		Celsius    *float64   `json:"celsius"`
		Humidity   *float64   `json:"humidity,omitempty"`
		Battery    *float64   `json:"battery,omitempty"`
		RecordedAt *time.Time `json:"recorded_at,omitempty"` //nolint:tagliatelle
	}

	// CaptureReadingResponse acknowledges a captured sensor reading.
	CaptureReadingResponse struct {
		Success   bool   `json:"success"`
		SubjectID string `json:"subject_id"` //nolint:tagliatelle
	}
)

// Read side response types.
type (
	// LinkListResponse is the body of GET /api/v1/links. Total counts all
	// links matching the filter, before pagination.
	LinkListResponse struct {
		Links  []LinkSummary `json:"links"`
		Total  int           `json:"total"`
		Limit  int           `json:"limit"`
		Offset int           `json:"offset"`
	}

	// LinkSummary is one row of the link list.
	LinkSummary struct {
		SubjectID   string     `json:"subject_id"` //nolint:tagliatelle
		URL         string     `json:"url"`
		URLNorm     string     `json:"url_norm"` //nolint:tagliatelle
		Source      string     `json:"source"`
		Status      string     `json:"status"`
		Visibility  string     `json:"visibility"`
		Pinned      bool       `json:"pinned"`
		RetryCount  int        `json:"retry_count"`             //nolint:tagliatelle
		LastError   string     `json:"last_error,omitempty"`    //nolint:tagliatelle
		LastErrorAt *time.Time `json:"last_error_at,omitempty"` //nolint:tagliatelle
		Title       string     `json:"title,omitempty"`
		Tags        []string   `json:"tags"`
		CreatedAt   time.Time  `json:"created_at"` //nolint:tagliatelle
		UpdatedAt   time.Time  `json:"updated_at"` //nolint:tagliatelle
	}

	// LinkDetailResponse is the body of GET /api/v1/links/{id}. Content,
	// Metadata and Publish are omitted while the pipeline has not produced
	// them yet.
	LinkDetailResponse struct {
		Link        LinkSummary        `json:"link"`
		Content     *ContentDetail     `json:"content,omitempty"`
		Metadata    *MetadataDetail    `json:"metadata,omitempty"`
		Publish     *PublishDetail     `json:"publish,omitempty"`
		Annotations []AnnotationDetail `json:"annotations"`
	}

	// ContentDetail is the fetched page content for one link. The raw HTML
	// storage key stays internal; clients get the extracted text.
	ContentDetail struct {
		Title       string     `json:"title,omitempty"`
		TextContent string     `json:"text_content,omitempty"` //nolint:tagliatelle
		FinalURL    string     `json:"final_url,omitempty"`    //nolint:tagliatelle
		FetchError  string     `json:"fetch_error,omitempty"`  //nolint:tagliatelle
		FetchedAt   *time.Time `json:"fetched_at,omitempty"`   //nolint:tagliatelle
	}

	// MetadataDetail is the enrichment output for one link.
	MetadataDetail struct {
		Tags         []string  `json:"tags"`
		SummaryShort string    `json:"summary_short,omitempty"` //nolint:tagliatelle
		SummaryLong  string    `json:"summary_long,omitempty"`  //nolint:tagliatelle
		Language     string    `json:"language,omitempty"`
		ModelVersion string    `json:"model_version,omitempty"` //nolint:tagliatelle
		UpdatedAt    time.Time `json:"updated_at"`              //nolint:tagliatelle
	}

	// PublishDetail tracks how far publishing has caught up with enrichment.
	PublishDetail struct {
		DesiredVersion   int        `json:"desired_version"`   //nolint:tagliatelle
		PublishedVersion int        `json:"published_version"` //nolint:tagliatelle
		Dirty            bool       `json:"dirty"`
		LastPublishedAt  *time.Time `json:"last_published_at,omitempty"` //nolint:tagliatelle
	}

	// AnnotationDetail is a highlight or note attached to a link.
	AnnotationDetail struct {
		SubjectID  string    `json:"subject_id"` //nolint:tagliatelle
		Quote      string    `json:"quote,omitempty"`
		Note       string    `json:"note,omitempty"`
		Selector   string    `json:"selector,omitempty"`
		Visibility string    `json:"visibility"`
		CreatedAt  time.Time `json:"created_at"` //nolint:tagliatelle
	}

	// ReadingListResponse is the body of GET /api/v1/readings/latest: the
	// most recent reading per sensor.
	ReadingListResponse struct {
		Readings []ReadingSummary `json:"readings"`
	}

	// ReadingSummary is the latest reading from one sensor.
	ReadingSummary struct {
		SubjectID   string    `json:"subject_id"`             //nolint:tagliatelle
		DisplayName string    `json:"display_name,omitempty"` //nolint:tagliatelle
		Celsius     float64   `json:"celsius"`
		Humidity    *float64  `json:"humidity,omitempty"`
		Battery     *float64  `json:"battery,omitempty"`
		RecordedAt  time.Time `json:"recorded_at"` //nolint:tagliatelle
	}
)
