package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/lifestream-io/lifestream/internal/config"
	"github.com/lifestream-io/lifestream/internal/readmodel"
)

// Sentinel errors for read view operations.
var (
	// ErrReadQueryFailed is returned when a read view query fails.
	ErrReadQueryFailed = errors.New("read view query failed")

	// ReadStore implements readmodel.Store (read interface for the API).
	_ readmodel.Store = (*ReadStore)(nil)
)

// ReadStore serves the projected tables to the API and the admin tools.
// It never writes; the materializer owns every table it reads.
type ReadStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewReadStore creates a PostgreSQL-backed read store.
// Returns ErrNoDatabaseConnection if connection is nil.
func NewReadStore(conn *Connection) (*ReadStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &ReadStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *ReadStore) HealthCheck(ctx context.Context) error {
	if s.conn == nil {
		return ErrNoDatabaseConnection
	}

	return s.conn.HealthCheck(ctx)
}

// linkColumns is the select list shared by every query returning
// readmodel.Link rows. Order must match scanLink.
const linkColumns = `
	l.subject_id, l.url, l.url_norm, COALESCE(l.source, ''),
	l.status, l.visibility, l.pinned, l.retry_count,
	COALESCE(l.last_error, ''), l.last_error_at,
	COALESCE(lc.title, ''), COALESCE(lm.tags, '{}'::text[]),
	l.created_at, l.updated_at
`

// scanLink reads one joined link row. The scan order must match linkColumns.
func scanLink(rows *sql.Rows, extra ...any) (readmodel.Link, error) {
	var link readmodel.Link

	dest := []any{
		&link.SubjectID, &link.URL, &link.URLNorm, &link.Source,
		&link.Status, &link.Visibility, &link.Pinned, &link.RetryCount,
		&link.LastError, &link.LastErrorAt,
		&link.Title, pq.Array(&link.Tags),
		&link.CreatedAt, &link.UpdatedAt,
	}
	dest = append(dest, extra...)

	if err := rows.Scan(dest...); err != nil {
		return link, fmt.Errorf("failed to scan link row: %w", err)
	}

	return link, nil
}

// ListLinks implements readmodel.Store.
// Queries the link projection with optional filters and pagination.
func (s *ReadStore) ListLinks(
	ctx context.Context,
	filter *readmodel.LinkFilter,
	pagination *readmodel.Pagination,
) (*readmodel.LinkQueryResult, error) {
	start := time.Now()

	query, args := buildLinkListQuery(filter, pagination)

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReadQueryFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var links []readmodel.Link

	var total int

	for rows.Next() {
		link, err := scanLink(rows, &total)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrReadQueryFailed, err)
		}

		links = append(links, link)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: row iteration error: %w", ErrReadQueryFailed, err)
	}

	s.logger.Debug("listed links",
		slog.Duration("duration", time.Since(start)),
		slog.Int("result_count", len(links)),
		slog.Int("total", total),
		slog.Bool("filtered", filter != nil),
	)

	return &readmodel.LinkQueryResult{
		Links: links,
		Total: total,
	}, nil
}

// buildLinkListQuery assembles the filtered list query.
// Uses COUNT(*) OVER() to get the total count in the same query.
func buildLinkListQuery(filter *readmodel.LinkFilter, pagination *readmodel.Pagination) (string, []any) {
	baseQuery := `
		SELECT ` + linkColumns + `,
			COUNT(*) OVER() AS total_count
		FROM links l
		LEFT JOIN link_content lc ON lc.subject_id = l.subject_id
		LEFT JOIN link_metadata lm ON lm.subject_id = l.subject_id
	`

	conditions, args, paramIndex := buildLinkFilterConditions(filter)

	if len(conditions) > 0 {
		baseQuery += " WHERE " + strings.Join(conditions, " AND ")
	}

	baseQuery += " ORDER BY l.created_at DESC, l.subject_id DESC"

	if pagination != nil {
		baseQuery += fmt.Sprintf(" LIMIT $%d OFFSET $%d", paramIndex, paramIndex+1)

		args = append(args, pagination.Limit, pagination.Offset)
	}

	return baseQuery, args
}

// buildLinkFilterConditions extracts filter conditions from LinkFilter.
// Returns (conditions, args, nextParamIndex).
func buildLinkFilterConditions(filter *readmodel.LinkFilter) ([]string, []any, int) {
	if filter == nil {
		return nil, nil, 1
	}

	var conditions []string

	var args []any

	paramIndex := 1

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("l.status = $%d", paramIndex))
		args = append(args, filter.Status)
		paramIndex++
	}

	if filter.Visibility != "" {
		conditions = append(conditions, fmt.Sprintf("l.visibility = $%d", paramIndex))
		args = append(args, filter.Visibility)
		paramIndex++
	}

	if filter.Tag != "" {
		conditions = append(conditions, fmt.Sprintf("$%d = ANY(lm.tags)", paramIndex))
		args = append(args, filter.Tag)
		paramIndex++
	}

	if filter.PinnedOnly {
		conditions = append(conditions, "l.pinned")
	}

	return conditions, args, paramIndex
}

// GetLink implements readmodel.Store.
// Returns nil without error when the subject id has no link row.
func (s *ReadStore) GetLink(ctx context.Context, subjectID string) (*readmodel.LinkDetail, error) {
	query := `
		SELECT ` + linkColumns + `
		FROM links l
		LEFT JOIN link_content lc ON lc.subject_id = l.subject_id
		LEFT JOIN link_metadata lm ON lm.subject_id = l.subject_id
		WHERE l.subject_id = $1
	`

	rows, err := s.conn.QueryContext(ctx, query, subjectID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReadQueryFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrReadQueryFailed, err)
		}

		return nil, nil //nolint:nilnil // not found is not an error for detail lookups
	}

	link, err := scanLink(rows)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReadQueryFailed, err)
	}

	_ = rows.Close()

	detail := &readmodel.LinkDetail{Link: link}

	if detail.Content, err = s.getContent(ctx, subjectID); err != nil {
		return nil, err
	}

	if detail.Metadata, err = s.GetMetadata(ctx, subjectID); err != nil {
		return nil, err
	}

	if detail.Publish, err = s.getPublishState(ctx, subjectID); err != nil {
		return nil, err
	}

	if detail.Annotations, err = s.getAnnotations(ctx, subjectID); err != nil {
		return nil, err
	}

	return detail, nil
}

// getContent loads the fetched content row, nil when absent.
func (s *ReadStore) getContent(ctx context.Context, subjectID string) (*readmodel.Content, error) {
	query := `
		SELECT
			COALESCE(title, ''), COALESCE(text_content, ''), COALESCE(final_url, ''),
			COALESCE(html_storage_key, ''), COALESCE(fetch_error, ''), fetched_at
		FROM link_content
		WHERE subject_id = $1
	`

	var content readmodel.Content

	err := s.conn.QueryRowContext(ctx, query, subjectID).Scan(
		&content.Title, &content.TextContent, &content.FinalURL,
		&content.HTMLStorageKey, &content.FetchError, &content.FetchedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // absent content is a normal pipeline state
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReadQueryFailed, err)
	}

	return &content, nil
}

// GetMetadata loads the enrichment output row, nil when absent.
// Exported because the stuck-link recovery tool rebuilds its synthetic
// enrichment event from this row.
func (s *ReadStore) GetMetadata(ctx context.Context, subjectID string) (*readmodel.Metadata, error) {
	query := `
		SELECT
			tags, COALESCE(summary_short, ''), COALESCE(summary_long, ''),
			COALESCE(language, ''), COALESCE(model_version, ''), updated_at
		FROM link_metadata
		WHERE subject_id = $1
	`

	var metadata readmodel.Metadata

	err := s.conn.QueryRowContext(ctx, query, subjectID).Scan(
		pq.Array(&metadata.Tags), &metadata.SummaryShort, &metadata.SummaryLong,
		&metadata.Language, &metadata.ModelVersion, &metadata.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // absent metadata is a normal pipeline state
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReadQueryFailed, err)
	}

	return &metadata, nil
}

// getPublishState loads the publish bookkeeping row, nil when absent.
func (s *ReadStore) getPublishState(ctx context.Context, subjectID string) (*readmodel.PublishState, error) {
	query := `
		SELECT desired_version, published_version, dirty, last_published_at
		FROM publish_state
		WHERE subject_id = $1
	`

	var state readmodel.PublishState

	err := s.conn.QueryRowContext(ctx, query, subjectID).Scan(
		&state.DesiredVersion, &state.PublishedVersion, &state.Dirty, &state.LastPublishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // absent publish state means nothing published yet
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReadQueryFailed, err)
	}

	return &state, nil
}

// getAnnotations loads the annotations attached to a link, oldest first.
func (s *ReadStore) getAnnotations(ctx context.Context, linkSubjectID string) ([]readmodel.Annotation, error) {
	query := `
		SELECT
			subject_id, link_subject_id, COALESCE(quote, ''), COALESCE(note, ''),
			COALESCE(selector, ''), visibility, created_at
		FROM annotations
		WHERE link_subject_id = $1
		ORDER BY created_at ASC
	`

	rows, err := s.conn.QueryContext(ctx, query, linkSubjectID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReadQueryFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var annotations []readmodel.Annotation

	for rows.Next() {
		var a readmodel.Annotation

		if err := rows.Scan(
			&a.SubjectID, &a.LinkSubjectID, &a.Quote, &a.Note,
			&a.Selector, &a.Visibility, &a.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("%w: failed to scan annotation: %w", ErrReadQueryFailed, err)
		}

		annotations = append(annotations, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: row iteration error: %w", ErrReadQueryFailed, err)
	}

	return annotations, nil
}

// LatestReadings implements readmodel.Store.
// Returns the newest reading per sensor, most recent first.
func (s *ReadStore) LatestReadings(ctx context.Context) ([]readmodel.Reading, error) {
	query := `
		SELECT
			tl.subject_id, COALESCE(sub.display_name, tl.subject_id),
			tl.celsius, tl.humidity, tl.battery, tl.recorded_at
		FROM temp_latest tl
		LEFT JOIN subjects sub ON sub.kind = 'sensor' AND sub.id = tl.subject_id
		ORDER BY tl.recorded_at DESC
	`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReadQueryFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var readings []readmodel.Reading

	for rows.Next() {
		var r readmodel.Reading

		if err := rows.Scan(
			&r.SubjectID, &r.DisplayName, &r.Celsius, &r.Humidity, &r.Battery, &r.RecordedAt,
		); err != nil {
			return nil, fmt.Errorf("%w: failed to scan reading: %w", ErrReadQueryFailed, err)
		}

		readings = append(readings, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: row iteration error: %w", ErrReadQueryFailed, err)
	}

	return readings, nil
}

// ErrorLinks returns links in error status whose retry budget is spent,
// oldest failure first. The exhausted-retry tool uses this selection.
func (s *ReadStore) ErrorLinks(ctx context.Context, subjectID string, minRetries, limit int) ([]readmodel.Link, error) {
	query := `
		SELECT ` + linkColumns + `
		FROM links l
		LEFT JOIN link_content lc ON lc.subject_id = l.subject_id
		LEFT JOIN link_metadata lm ON lm.subject_id = l.subject_id
		WHERE l.status = 'error' AND l.retry_count >= $1
	`

	args := []any{minRetries}

	if subjectID != "" {
		query += " AND l.subject_id = $2"

		args = append(args, subjectID)
	}

	query += fmt.Sprintf(" ORDER BY l.last_error_at ASC NULLS LAST LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReadQueryFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var links []readmodel.Link

	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrReadQueryFailed, err)
		}

		links = append(links, link)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: row iteration error: %w", ErrReadQueryFailed, err)
	}

	return links, nil
}

// StuckLinks returns subject ids holding usable enrichment metadata whose
// publish state never settled. Links in error status are excluded; those
// belong to the exhausted-retry tool. The stuck-link recovery tool uses this
// selection to re-drive publishing.
func (s *ReadStore) StuckLinks(ctx context.Context, subjectID string) ([]string, error) {
	query := `
		SELECT l.subject_id
		FROM links l
		JOIN link_metadata lm ON lm.subject_id = l.subject_id
		LEFT JOIN publish_state ps ON ps.subject_id = l.subject_id
		WHERE (cardinality(lm.tags) > 0 OR COALESCE(lm.summary_short, '') <> '')
		  AND (ps.subject_id IS NULL OR ps.dirty OR ps.published_version < ps.desired_version)
		  AND l.status NOT IN ('published', 'error')
	`

	var args []any

	if subjectID != "" {
		query += " AND l.subject_id = $1"

		args = append(args, subjectID)
	}

	query += " ORDER BY l.subject_id ASC"

	return s.querySubjectIDs(ctx, query, args...)
}

// VisibilityTargets returns the link subject ids selected by the visibility
// tool, optionally restricted to one pipeline status.
func (s *ReadStore) VisibilityTargets(ctx context.Context, status string) ([]string, error) {
	query := `SELECT subject_id FROM links`

	var args []any

	if status != "" {
		query += " WHERE status = $1"

		args = append(args, status)
	}

	query += " ORDER BY subject_id ASC"

	return s.querySubjectIDs(ctx, query, args...)
}

func (s *ReadStore) querySubjectIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReadQueryFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var ids []string

	for rows.Next() {
		var id string

		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: failed to scan subject id: %w", ErrReadQueryFailed, err)
		}

		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: row iteration error: %w", ErrReadQueryFailed, err)
	}

	return ids, nil
}
