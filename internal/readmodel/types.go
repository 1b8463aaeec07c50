// Package readmodel defines the read interface over the projected tables.
package readmodel

import "time"

type (
	// Link is one row of the link list projection: the link state joined
	// with the content title and the enrichment tags so list pages render
	// without per-row queries.
	//
	// Used by:
	//   - readmodel.Store.ListLinks() - Returns this type
	//   - API handlers - Convert to response types
	Link struct {
		SubjectID   string
		URL         string
		URLNorm     string
		Source      string
		Status      string
		Visibility  string
		Pinned      bool
		RetryCount  int
		LastError   string
		LastErrorAt *time.Time
		Title       string
		Tags        []string
		CreatedAt   time.Time
		UpdatedAt   time.Time
	}

	// Content is the fetched page content for one link.
	Content struct {
		Title          string
		TextContent    string
		FinalURL       string
		HTMLStorageKey string
		FetchError     string
		FetchedAt      *time.Time
	}

	// Metadata is the enrichment output for one link.
	Metadata struct {
		Tags         []string
		SummaryShort string
		SummaryLong  string
		Language     string
		ModelVersion string
		UpdatedAt    time.Time
	}

	// PublishState tracks how far publishing has caught up with enrichment
	// for one link. Dirty means a publish is still owed.
	PublishState struct {
		DesiredVersion   int
		PublishedVersion int
		Dirty            bool
		LastPublishedAt  *time.Time
	}

	// Annotation is a highlight or note attached to a link.
	Annotation struct {
		SubjectID     string
		LinkSubjectID string
		Quote         string
		Note          string
		Selector      string
		Visibility    string
		CreatedAt     time.Time
	}

	// LinkDetail is the full projected view of one link. Content, Metadata
	// and Publish are nil when the pipeline has not produced them yet.
	LinkDetail struct {
		Link        Link
		Content     *Content
		Metadata    *Metadata
		Publish     *PublishState
		Annotations []Annotation
	}

	// LinkFilter provides filtering options for listing links.
	// Zero values mean no filtering on that field.
	LinkFilter struct {
		Status     string
		Visibility string
		Tag        string
		PinnedOnly bool
	}

	// Pagination specifies pagination parameters for list queries.
	Pagination struct {
		Limit  int
		Offset int
	}

	// LinkQueryResult contains paginated link query results.
	// Total counts all rows matching the filter, before pagination.
	LinkQueryResult struct {
		Links []Link
		Total int
	}

	// Reading is one sensor reading joined with its subject display name.
	Reading struct {
		SubjectID   string
		DisplayName string
		Celsius     float64
		Humidity    *float64
		Battery     *float64
		RecordedAt  time.Time
	}
)
