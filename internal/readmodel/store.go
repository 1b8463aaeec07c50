package readmodel

import "context"

// Store defines the read interface over the projected tables.
//
// This interface is intentionally separate from the projection write path:
// API handlers depend only on Store, the materializer owns the writes, and
// the two never share methods.
//
// Implemented by: storage.ReadStore.
type Store interface {
	// ListLinks queries the link projection with optional filters and pagination.
	//
	// Parameters:
	//   - filter: Optional filter (nil = no filtering, returns all links)
	//   - pagination: Optional pagination (nil = no limit)
	//
	// Returns:
	//   - LinkQueryResult with the page of links and the total match count
	//   - Error if the query fails or context is cancelled
	//
	// Results are ordered newest first by created_at.
	ListLinks(ctx context.Context, filter *LinkFilter, pagination *Pagination) (*LinkQueryResult, error)

	// GetLink returns the full projected detail for one subject id.
	//
	// Returns:
	//   - Pointer to LinkDetail (nil if not found, no error)
	//   - Error if the query fails or context is cancelled
	GetLink(ctx context.Context, subjectID string) (*LinkDetail, error)

	// LatestReadings returns the newest reading per sensor, most recent first.
	LatestReadings(ctx context.Context) ([]Reading, error)
}
