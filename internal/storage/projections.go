package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lib/pq"

	"github.com/lifestream-io/lifestream/internal/config"
	"github.com/lifestream-io/lifestream/internal/event"
	"github.com/lifestream-io/lifestream/internal/identity"
)

// Sentinel errors for projection operations.
var (
	// ErrProjectionFailed is returned when applying an event to the read tables fails.
	ErrProjectionFailed = errors.New("projection apply failed")

	// ErrBookkeepingFailed is returned when idempotency or progress bookkeeping fails.
	ErrBookkeepingFailed = errors.New("projection bookkeeping failed")

	// ErrCaptureFailed is returned when a capture transaction fails.
	ErrCaptureFailed = errors.New("capture failed")
)

// defaultConsumerRole names the materializer in the consumer_offsets table.
const defaultConsumerRole = "materializer"

type (
	// ProjectionStore folds events into the queryable tables: subjects, links,
	// link content and metadata, publish state, sensor readings, todos and
	// annotations.
	//
	// Every Apply call is one transaction covering the projection writes, the
	// processed_messages idempotency row and the consumer_offsets progress row.
	// A message is therefore either fully applied and recorded, or not at all.
	// Replays and redeliveries hit the idempotency ledger or the conditional
	// upserts and change nothing.
	ProjectionStore struct {
		conn   *Connection
		logger *slog.Logger
		role   string
	}

	// ProjectionStoreOption configures optional ProjectionStore behavior.
	ProjectionStoreOption func(*ProjectionStore)

	// MessagePosition identifies one bus message for idempotency bookkeeping.
	MessagePosition struct {
		Topic     string
		Partition int
		Offset    int64
	}
)

// WithConsumerRole overrides the role recorded in consumer_offsets.
// Defaults to "materializer".
func WithConsumerRole(role string) ProjectionStoreOption {
	return func(s *ProjectionStore) {
		s.role = role
	}
}

// NewProjectionStore creates a PostgreSQL-backed projection store.
// Returns ErrNoDatabaseConnection if connection is nil.
func NewProjectionStore(conn *Connection, opts ...ProjectionStoreOption) (*ProjectionStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	store := &ProjectionStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		role: defaultConsumerRole,
	}

	for _, opt := range opts {
		opt(store)
	}

	return store, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *ProjectionStore) HealthCheck(ctx context.Context) error {
	if s.conn == nil {
		return ErrNoDatabaseConnection
	}

	return s.conn.HealthCheck(ctx)
}

// Apply projects one bus message into the read tables.
//
// Returns three values: (applied, duplicate, error)
//   - (true, false, nil)  → event applied, position recorded
//   - (false, true, nil)  → position already in the idempotency ledger, nothing written
//   - (false, false, nil) → unknown event type, dropped but position recorded
//   - (false, false, err) → handler or bookkeeping failure, nothing recorded
//
// The idempotency key is the message position (topic, partition, offset), not
// the event id: the same ledger event republished by the outbox arrives at a
// new offset and is deliberately let through, because every handler write is
// idempotent on content. Only exact bus redeliveries are absorbed here.
func (s *ProjectionStore) Apply(ctx context.Context, evt event.Event, pos MessagePosition) (bool, bool, error) {
	// 1. Check the idempotency ledger (redelivery detection)
	processed, err := s.Processed(ctx, pos)
	if err != nil {
		return false, false, fmt.Errorf("%w: %w", ErrBookkeepingFailed, err)
	}

	if processed {
		s.logger.Debug("skipping already processed message",
			slog.String("topic", pos.Topic),
			slog.Int("partition", pos.Partition),
			slog.Int64("offset", pos.Offset),
		)

		return false, true, nil
	}

	// 2. One transaction per message: projection writes + bookkeeping
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, false, fmt.Errorf("%w: failed to begin transaction: %w", ErrProjectionFailed, err)
	}

	defer func() {
		_ = tx.Rollback() // Safe to call even after commit
	}()

	// 3. Dispatch to the handler for this event type
	applied, err := s.dispatch(ctx, tx, evt, pos)
	if err != nil {
		return false, false, fmt.Errorf("%w: %w", ErrProjectionFailed, err)
	}

	// 4. Record the position in the idempotency ledger
	if err := recordProcessed(ctx, tx, pos); err != nil {
		return false, false, fmt.Errorf("%w: %w", ErrBookkeepingFailed, err)
	}

	// 5. Record consumer progress
	if err := s.recordProgress(ctx, tx, pos); err != nil {
		return false, false, fmt.Errorf("%w: %w", ErrBookkeepingFailed, err)
	}

	// 6. Commit
	if err := tx.Commit(); err != nil {
		return false, false, fmt.Errorf("%w: failed to commit: %w", ErrProjectionFailed, err)
	}

	return applied, false, nil
}

// SkipPoisoned records a message position as processed without applying the
// event. Called after per-message retries are exhausted so the partition can
// advance past a message that cannot be handled.
func (s *ProjectionStore) SkipPoisoned(ctx context.Context, evt event.Event, pos MessagePosition, cause error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %w", ErrBookkeepingFailed, err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	if err := recordProcessed(ctx, tx, pos); err != nil {
		return fmt.Errorf("%w: %w", ErrBookkeepingFailed, err)
	}

	if err := s.recordProgress(ctx, tx, pos); err != nil {
		return fmt.Errorf("%w: %w", ErrBookkeepingFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit: %w", ErrBookkeepingFailed, err)
	}

	s.logger.Error("poisoned message skipped, manual replay needed",
		slog.String("topic", pos.Topic),
		slog.Int("partition", pos.Partition),
		slog.Int64("offset", pos.Offset),
		slog.String("event_id", evt.EventID),
		slog.String("event_type", string(evt.EventType)),
		slog.String("cause", cause.Error()),
	)

	return nil
}

// dispatch routes an event to its projection handler.
// Unknown event types are dropped with a warning: new producers may ship
// before this consumer learns their types, and the ledger keeps the events
// for replay once it does.
func (s *ProjectionStore) dispatch(ctx context.Context, tx *sql.Tx, evt event.Event, pos MessagePosition) (bool, error) {
	switch evt.EventType {
	case event.TypeLinkAdded:
		return true, s.applyLinkAdded(ctx, tx, evt)
	case event.TypeContentFetched:
		return true, s.applyContentFetched(ctx, tx, evt)
	case event.TypeEnrichmentCompleted:
		return true, s.applyEnrichmentCompleted(ctx, tx, evt)
	case event.TypePublishCompleted:
		return true, s.applyPublishCompleted(ctx, tx, evt)
	case event.TypeLinkVisibilityChanged:
		return true, s.applyVisibilityChanged(ctx, tx, evt)
	case event.TypeTempReadingRecorded:
		return true, s.applyTempReading(ctx, tx, evt)
	case event.TypeTodoCreated:
		return true, s.applyTodoCreated(ctx, tx, evt)
	case event.TypeTodoCompleted:
		return true, s.applyTodoCompleted(ctx, tx, evt)
	case event.TypeAnnotationAdded:
		return true, s.applyAnnotationAdded(ctx, tx, evt)
	case event.TypeWorkFailed:
		return true, s.applyWorkFailed(ctx, tx, evt)
	default:
		s.logger.Warn("dropping event with unknown type",
			slog.String("event_type", string(evt.EventType)),
			slog.String("event_id", evt.EventID),
			slog.String("topic", pos.Topic),
			slog.Int64("offset", pos.Offset),
		)

		return false, nil
	}
}

// applyLinkAdded upserts the subject and link rows for a captured URL.
//
// A re-added link keeps its current pipeline status, visibility and pin: the
// upsert only refreshes the raw URL and source. The one exception is a link
// in error status, which is reset to new with a cleared error counter. That
// reset is what lets the exhausted-retry tool re-emit link.added and have the
// subject walk the pipeline again.
func (s *ProjectionStore) applyLinkAdded(ctx context.Context, tx *sql.Tx, evt event.Event) error {
	payload, err := event.DecodeLinkAdded(evt)
	if err != nil {
		return err
	}

	urlNorm := payload.URLNorm
	if urlNorm == "" {
		urlNorm = identity.NormalizeURL(payload.URL)
	}

	if err := upsertSubject(ctx, tx, evt.SubjectKind, evt.SubjectID, "", event.VisibilityPublic); err != nil {
		return err
	}

	return upsertLinkFromAdd(ctx, tx, evt.SubjectID, payload.URL, urlNorm, evt.Source)
}

// upsertLinkFromAdd is shared by the link.added handler and the capture
// transaction in CaptureLink.
func upsertLinkFromAdd(ctx context.Context, tx *sql.Tx, subjectID, url, urlNorm, source string) error {
	query := `
		INSERT INTO links (
			subject_id,
			url,
			url_norm,
			source,
			status,
			visibility,
			pinned,
			retry_count,
			created_at,
			updated_at
		) VALUES ($1, $2, $3, $4, 'new', 'public', FALSE, 0, NOW(), NOW())
		ON CONFLICT (subject_id) DO UPDATE
		SET
			url = EXCLUDED.url,
			source = COALESCE(NULLIF(EXCLUDED.source, ''), links.source),
			status = CASE WHEN links.status = 'error' THEN 'new' ELSE links.status END,
			retry_count = CASE WHEN links.status = 'error' THEN 0 ELSE links.retry_count END,
			last_error = CASE WHEN links.status = 'error' THEN NULL ELSE links.last_error END,
			last_error_at = CASE WHEN links.status = 'error' THEN NULL ELSE links.last_error_at END,
			updated_at = NOW()
	`

	if _, err := tx.ExecContext(ctx, query, subjectID, url, urlNorm, source); err != nil {
		return fmt.Errorf("failed to upsert link: %w", err)
	}

	return nil
}

// applyContentFetched upserts the fetched content and folds the fetch outcome
// into the link status.
//
// A failed fetch moves the link to error and bumps retry_count; the bump is
// guarded by last_error_at so replaying the same event does not double count.
// A clean fetch promotes new to fetched and clears the error fields, but
// never demotes a link that already moved past fetched.
func (s *ProjectionStore) applyContentFetched(ctx context.Context, tx *sql.Tx, evt event.Event) error {
	payload, err := event.DecodeContentFetched(evt)
	if err != nil {
		return err
	}

	contentQuery := `
		INSERT INTO link_content (
			subject_id,
			title,
			text_content,
			final_url,
			html_storage_key,
			fetch_error,
			fetched_at,
			updated_at
		) VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, NOW())
		ON CONFLICT (subject_id) DO UPDATE
		SET
			title = EXCLUDED.title,
			text_content = EXCLUDED.text_content,
			final_url = EXCLUDED.final_url,
			html_storage_key = EXCLUDED.html_storage_key,
			fetch_error = EXCLUDED.fetch_error,
			fetched_at = EXCLUDED.fetched_at,
			updated_at = NOW()
	`

	if _, err := tx.ExecContext(
		ctx,
		contentQuery,
		evt.SubjectID,
		payload.Title,
		payload.TextContent,
		payload.FinalURL,
		payload.HTMLStorageKey,
		payload.FetchError,
		evt.OccurredAt,
	); err != nil {
		return fmt.Errorf("failed to upsert link content: %w", err)
	}

	statusQuery := `
		UPDATE links
		SET
			status = CASE
				WHEN $2 <> '' THEN 'error'
				WHEN links.status = 'new' THEN 'fetched'
				ELSE links.status
			END,
			retry_count = CASE
				WHEN $2 <> '' AND (links.last_error_at IS NULL OR $3 > links.last_error_at)
					THEN links.retry_count + 1
				ELSE links.retry_count
			END,
			last_error = CASE
				WHEN $2 <> '' THEN $2
				WHEN links.status = 'new' THEN NULL
				ELSE links.last_error
			END,
			last_error_at = CASE
				WHEN $2 <> '' THEN $3
				WHEN links.status = 'new' THEN NULL
				ELSE links.last_error_at
			END,
			updated_at = NOW()
		WHERE subject_id = $1
	`

	if _, err := tx.ExecContext(ctx, statusQuery, evt.SubjectID, payload.FetchError, evt.OccurredAt); err != nil {
		return fmt.Errorf("failed to update link status: %w", err)
	}

	return nil
}

// applyEnrichmentCompleted upserts link metadata, promotes the link status
// and bumps the publish version.
//
// Tags prefer a non-empty set: an event with empty tags never wipes tags a
// previous enrichment produced. The desired_version bump is keyed on the
// enrichment event id, so the same event replayed through the outbox bumps
// exactly once while a genuinely new enrichment always bumps.
func (s *ProjectionStore) applyEnrichmentCompleted(ctx context.Context, tx *sql.Tx, evt event.Event) error {
	payload, err := event.DecodeEnrichmentCompleted(evt)
	if err != nil {
		return err
	}

	tags := payload.Tags
	if tags == nil {
		tags = []string{}
	}

	metadataQuery := `
		INSERT INTO link_metadata (
			subject_id,
			tags,
			summary_short,
			summary_long,
			language,
			model_version,
			updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (subject_id) DO UPDATE
		SET
			tags = CASE
				WHEN cardinality(EXCLUDED.tags) > 0 THEN EXCLUDED.tags
				ELSE link_metadata.tags
			END,
			summary_short = COALESCE(NULLIF(EXCLUDED.summary_short, ''), link_metadata.summary_short),
			summary_long = COALESCE(NULLIF(EXCLUDED.summary_long, ''), link_metadata.summary_long),
			language = COALESCE(NULLIF(EXCLUDED.language, ''), link_metadata.language),
			model_version = COALESCE(NULLIF(EXCLUDED.model_version, ''), link_metadata.model_version),
			updated_at = NOW()
	`

	if _, err := tx.ExecContext(
		ctx,
		metadataQuery,
		evt.SubjectID,
		pq.Array(tags),
		payload.SummaryShort,
		payload.SummaryLong,
		payload.Language,
		payload.ModelVersion,
	); err != nil {
		return fmt.Errorf("failed to upsert link metadata: %w", err)
	}

	statusQuery := `
		UPDATE links
		SET
			status = CASE
				WHEN links.status IN ('new', 'fetched') THEN 'enriched'
				ELSE links.status
			END,
			updated_at = NOW()
		WHERE subject_id = $1
	`

	if _, err := tx.ExecContext(ctx, statusQuery, evt.SubjectID); err != nil {
		return fmt.Errorf("failed to promote link status: %w", err)
	}

	publishQuery := `
		INSERT INTO publish_state (
			subject_id,
			desired_version,
			published_version,
			dirty,
			last_enrich_event_id,
			updated_at
		) VALUES ($1, 1, 0, TRUE, $2, NOW())
		ON CONFLICT (subject_id) DO UPDATE
		SET
			desired_version = publish_state.desired_version + 1,
			dirty = TRUE,
			last_enrich_event_id = EXCLUDED.last_enrich_event_id,
			updated_at = NOW()
		WHERE publish_state.last_enrich_event_id IS DISTINCT FROM EXCLUDED.last_enrich_event_id
	`

	if _, err := tx.ExecContext(ctx, publishQuery, evt.SubjectID, evt.EventID); err != nil {
		return fmt.Errorf("failed to bump publish state: %w", err)
	}

	return nil
}

// applyPublishCompleted settles the publish state: published catches up to
// desired and the dirty flag clears. If another enrichment bumped desired
// after this publish was commanded, desired moves ahead again on that event
// and the router issues a fresh publish; settling to the current desired is
// what makes republish loops converge.
func (s *ProjectionStore) applyPublishCompleted(ctx context.Context, tx *sql.Tx, evt event.Event) error {
	payload, err := event.DecodePublishCompleted(evt)
	if err != nil {
		return err
	}

	publishedAt := evt.OccurredAt
	if payload.PublishedAt != nil {
		publishedAt = *payload.PublishedAt
	}

	publishQuery := `
		INSERT INTO publish_state (
			subject_id,
			desired_version,
			published_version,
			dirty,
			last_published_at,
			updated_at
		) VALUES ($1, 0, 0, FALSE, $2, NOW())
		ON CONFLICT (subject_id) DO UPDATE
		SET
			published_version = publish_state.desired_version,
			dirty = FALSE,
			last_published_at = EXCLUDED.last_published_at,
			updated_at = NOW()
	`

	if _, err := tx.ExecContext(ctx, publishQuery, evt.SubjectID, publishedAt); err != nil {
		return fmt.Errorf("failed to settle publish state: %w", err)
	}

	statusQuery := `
		UPDATE links
		SET status = 'published', updated_at = NOW()
		WHERE subject_id = $1
	`

	if _, err := tx.ExecContext(ctx, statusQuery, evt.SubjectID); err != nil {
		return fmt.Errorf("failed to mark link published: %w", err)
	}

	return nil
}

// applyVisibilityChanged updates visibility on both the link row and the
// subject row.
func (s *ProjectionStore) applyVisibilityChanged(ctx context.Context, tx *sql.Tx, evt event.Event) error {
	payload, err := event.DecodeVisibilityChanged(evt)
	if err != nil {
		return err
	}

	if payload.Visibility != event.VisibilityPublic && payload.Visibility != event.VisibilityPrivate {
		return fmt.Errorf("%w: visibility %q", event.ErrMalformedPayload, payload.Visibility)
	}

	linkQuery := `
		UPDATE links
		SET visibility = $2, updated_at = NOW()
		WHERE subject_id = $1
	`

	if _, err := tx.ExecContext(ctx, linkQuery, evt.SubjectID, payload.Visibility); err != nil {
		return fmt.Errorf("failed to update link visibility: %w", err)
	}

	subjectQuery := `
		UPDATE subjects
		SET visibility = $3, updated_at = NOW()
		WHERE kind = $1 AND id = $2
	`

	if _, err := tx.ExecContext(ctx, subjectQuery, evt.SubjectKind, evt.SubjectID, payload.Visibility); err != nil {
		return fmt.Errorf("failed to update subject visibility: %w", err)
	}

	return nil
}

// applyTempReading appends one reading to the sensor time series and advances
// the latest snapshot when the reading is strictly newer. Out-of-order
// backfills land in the series without disturbing the snapshot.
func (s *ProjectionStore) applyTempReading(ctx context.Context, tx *sql.Tx, evt event.Event) error {
	payload, err := event.DecodeTempReadingRecorded(evt)
	if err != nil {
		return err
	}

	if err := upsertSubject(ctx, tx, evt.SubjectKind, evt.SubjectID, "", event.VisibilityPublic); err != nil {
		return err
	}

	seriesQuery := `
		INSERT INTO temp_readings (subject_id, recorded_at, celsius, humidity, battery)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (subject_id, recorded_at) DO NOTHING
	`

	if _, err := tx.ExecContext(
		ctx,
		seriesQuery,
		evt.SubjectID,
		evt.OccurredAt,
		payload.Celsius,
		payload.Humidity,
		payload.Battery,
	); err != nil {
		return fmt.Errorf("failed to insert reading: %w", err)
	}

	latestQuery := `
		INSERT INTO temp_latest (subject_id, celsius, humidity, battery, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (subject_id) DO UPDATE
		SET
			celsius = EXCLUDED.celsius,
			humidity = EXCLUDED.humidity,
			battery = EXCLUDED.battery,
			recorded_at = EXCLUDED.recorded_at
		WHERE EXCLUDED.recorded_at > temp_latest.recorded_at
	`

	if _, err := tx.ExecContext(
		ctx,
		latestQuery,
		evt.SubjectID,
		payload.Celsius,
		payload.Humidity,
		payload.Battery,
		evt.OccurredAt,
	); err != nil {
		return fmt.Errorf("failed to upsert latest reading: %w", err)
	}

	return nil
}

// applyTodoCreated upserts the todo row. Completion fields are never touched
// here, so a replayed creation cannot reopen a finished todo.
func (s *ProjectionStore) applyTodoCreated(ctx context.Context, tx *sql.Tx, evt event.Event) error {
	payload, err := event.DecodeTodoCreated(evt)
	if err != nil {
		return err
	}

	labels := payload.Labels
	if labels == nil {
		labels = []string{}
	}

	if err := upsertSubject(ctx, tx, evt.SubjectKind, evt.SubjectID, payload.Title, event.VisibilityPublic); err != nil {
		return err
	}

	query := `
		INSERT INTO todos (
			subject_id,
			title,
			project,
			labels,
			due_at,
			status,
			created_at
		) VALUES ($1, $2, $3, $4, $5, 'open', $6)
		ON CONFLICT (subject_id) DO UPDATE
		SET
			title = COALESCE(NULLIF(EXCLUDED.title, ''), todos.title),
			project = COALESCE(NULLIF(EXCLUDED.project, ''), todos.project),
			labels = CASE
				WHEN cardinality(EXCLUDED.labels) > 0 THEN EXCLUDED.labels
				ELSE todos.labels
			END,
			due_at = COALESCE(EXCLUDED.due_at, todos.due_at)
	`

	if _, err := tx.ExecContext(
		ctx,
		query,
		evt.SubjectID,
		payload.Title,
		payload.Project,
		pq.Array(labels),
		payload.DueAt,
		evt.OccurredAt,
	); err != nil {
		return fmt.Errorf("failed to upsert todo: %w", err)
	}

	return nil
}

// applyTodoCompleted marks the todo done. The first completion time wins, so
// duplicate completions keep the original timestamp.
func (s *ProjectionStore) applyTodoCompleted(ctx context.Context, tx *sql.Tx, evt event.Event) error {
	if err := upsertSubject(ctx, tx, evt.SubjectKind, evt.SubjectID, "", event.VisibilityPublic); err != nil {
		return err
	}

	query := `
		INSERT INTO todos (subject_id, title, status, created_at, completed_at)
		VALUES ($1, '', 'done', $2, $2)
		ON CONFLICT (subject_id) DO UPDATE
		SET
			status = 'done',
			completed_at = COALESCE(todos.completed_at, EXCLUDED.completed_at)
	`

	if _, err := tx.ExecContext(ctx, query, evt.SubjectID, evt.OccurredAt); err != nil {
		return fmt.Errorf("failed to complete todo: %w", err)
	}

	return nil
}

// applyAnnotationAdded upserts the annotation and its subject row. The
// annotation points at the link it quotes via link_subject_id; the link row
// itself is not required to exist yet.
func (s *ProjectionStore) applyAnnotationAdded(ctx context.Context, tx *sql.Tx, evt event.Event) error {
	payload, err := event.DecodeAnnotationAdded(evt)
	if err != nil {
		return err
	}

	visibility := payload.Visibility
	if visibility == "" {
		visibility = event.VisibilityPrivate
	}

	if err := upsertSubject(ctx, tx, evt.SubjectKind, evt.SubjectID, "", visibility); err != nil {
		return err
	}

	query := `
		INSERT INTO annotations (
			subject_id,
			link_subject_id,
			quote,
			note,
			selector,
			visibility,
			created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (subject_id) DO UPDATE
		SET
			link_subject_id = EXCLUDED.link_subject_id,
			quote = COALESCE(NULLIF(EXCLUDED.quote, ''), annotations.quote),
			note = COALESCE(NULLIF(EXCLUDED.note, ''), annotations.note),
			selector = COALESCE(NULLIF(EXCLUDED.selector, ''), annotations.selector),
			visibility = EXCLUDED.visibility
	`

	if _, err := tx.ExecContext(
		ctx,
		query,
		evt.SubjectID,
		payload.LinkSubjectID,
		payload.Quote,
		payload.Note,
		payload.Selector,
		visibility,
		evt.OccurredAt,
	); err != nil {
		return fmt.Errorf("failed to upsert annotation: %w", err)
	}

	return nil
}

// applyWorkFailed folds a terminal work failure into the link projection so
// operators can query stuck subjects without reading the dead letter topic.
// Non-link subjects have no failure projection and the event is a no-op.
func (s *ProjectionStore) applyWorkFailed(ctx context.Context, tx *sql.Tx, evt event.Event) error {
	if evt.SubjectKind != identity.KindLink {
		return nil
	}

	payload, err := event.DecodeWorkFailed(evt)
	if err != nil {
		return err
	}

	query := `
		UPDATE links
		SET
			status = 'error',
			retry_count = CASE
				WHEN links.last_error_at IS NULL OR $3 > links.last_error_at
					THEN links.retry_count + 1
				ELSE links.retry_count
			END,
			last_error = $2,
			last_error_at = $3,
			updated_at = NOW()
		WHERE subject_id = $1
	`

	if _, err := tx.ExecContext(ctx, query, evt.SubjectID, payload.Error, evt.OccurredAt); err != nil {
		return fmt.Errorf("failed to record work failure: %w", err)
	}

	return nil
}

// upsertSubject registers a subject row. Existing rows keep their visibility
// and only gain a display name when they had none.
func upsertSubject(ctx context.Context, tx *sql.Tx, kind, id, displayName, visibility string) error {
	query := `
		INSERT INTO subjects (kind, id, display_name, visibility, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, NOW(), NOW())
		ON CONFLICT (kind, id) DO UPDATE
		SET
			display_name = COALESCE(subjects.display_name, EXCLUDED.display_name),
			updated_at = NOW()
	`

	if _, err := tx.ExecContext(ctx, query, kind, id, displayName, visibility); err != nil {
		return fmt.Errorf("failed to upsert subject: %w", err)
	}

	return nil
}

// Processed reports whether a message position is already in the idempotency ledger.
func (s *ProjectionStore) Processed(ctx context.Context, pos MessagePosition) (bool, error) {
	query := `
		SELECT 1 FROM processed_messages
		WHERE topic = $1 AND partition = $2 AND msg_offset = $3
		LIMIT 1
	`

	var exists int

	err := s.conn.QueryRowContext(ctx, query, pos.Topic, pos.Partition, pos.Offset).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("failed to query processed messages: %w", err)
	}

	return true, nil
}

// recordProcessed inserts the idempotency row inside the apply transaction.
func recordProcessed(ctx context.Context, tx *sql.Tx, pos MessagePosition) error {
	query := `
		INSERT INTO processed_messages (topic, partition, msg_offset, processed_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (topic, partition, msg_offset) DO NOTHING
	`

	if _, err := tx.ExecContext(ctx, query, pos.Topic, pos.Partition, pos.Offset); err != nil {
		return fmt.Errorf("failed to record processed message: %w", err)
	}

	return nil
}

// recordProgress upserts the consumer offset row inside the apply transaction.
// Progress may move backward: replay after a bus reset starts over at zero.
func (s *ProjectionStore) recordProgress(ctx context.Context, tx *sql.Tx, pos MessagePosition) error {
	query := `
		INSERT INTO consumer_offsets (consumer_role, topic, partition, last_offset, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (consumer_role, topic, partition) DO UPDATE
		SET last_offset = EXCLUDED.last_offset, updated_at = NOW()
	`

	if _, err := tx.ExecContext(ctx, query, s.role, pos.Topic, pos.Partition, pos.Offset); err != nil {
		return fmt.Errorf("failed to record consumer progress: %w", err)
	}

	return nil
}

// HighestProcessed returns the highest offset recorded in the idempotency
// ledger for a topic partition. The second return value is false when no
// message from that partition was ever processed.
func (s *ProjectionStore) HighestProcessed(ctx context.Context, topic string, partition int) (int64, bool, error) {
	query := `
		SELECT MAX(msg_offset)
		FROM processed_messages
		WHERE topic = $1 AND partition = $2
	`

	var highest sql.NullInt64

	if err := s.conn.QueryRowContext(ctx, query, topic, partition).Scan(&highest); err != nil {
		return 0, false, fmt.Errorf("%w: %w", ErrBookkeepingFailed, err)
	}

	if !highest.Valid {
		return 0, false, nil
	}

	return highest.Int64, true, nil
}

// TruncateProcessed deletes the idempotency rows for one topic partition.
// Called when offset reconciliation detects a recreated bus, where old
// recorded offsets no longer describe the data at those positions.
func (s *ProjectionStore) TruncateProcessed(ctx context.Context, topic string, partition int) (int64, error) {
	query := `
		DELETE FROM processed_messages
		WHERE topic = $1 AND partition = $2
	`

	result, err := s.conn.ExecContext(ctx, query, topic, partition)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrBookkeepingFailed, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: failed to read rows affected: %w", ErrBookkeepingFailed, err)
	}

	return rowsAffected, nil
}

// ResetBookkeeping clears the idempotency ledger and all consumer progress.
// Part of the bus reset flow; projections themselves are left in place and
// converge again during replay because every handler write is idempotent.
func (s *ProjectionStore) ResetBookkeeping(ctx context.Context) error {
	if _, err := s.conn.ExecContext(ctx, `TRUNCATE processed_messages, consumer_offsets`); err != nil {
		return fmt.Errorf("%w: %w", ErrBookkeepingFailed, err)
	}

	s.logger.Info("pipeline bookkeeping reset for replay")

	return nil
}

// HasLinkContent reports whether any fetched content row exists for the
// subject, regardless of fetch outcome. The router uses this to decide
// whether a link.added event still needs fetch work.
func (s *ProjectionStore) HasLinkContent(ctx context.Context, subjectID string) (bool, error) {
	query := `SELECT 1 FROM link_content WHERE subject_id = $1 LIMIT 1`

	var exists int

	err := s.conn.QueryRowContext(ctx, query, subjectID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("failed to query link content: %w", err)
	}

	return true, nil
}

// MetadataFilled reports whether the subject already carries usable
// enrichment output: a non-empty tag set or a short summary.
func (s *ProjectionStore) MetadataFilled(ctx context.Context, subjectID string) (bool, error) {
	query := `
		SELECT 1 FROM link_metadata
		WHERE subject_id = $1
		  AND (cardinality(tags) > 0 OR COALESCE(summary_short, '') <> '')
		LIMIT 1
	`

	var exists int

	err := s.conn.QueryRowContext(ctx, query, subjectID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("failed to query link metadata: %w", err)
	}

	return true, nil
}

// PublishClean reports whether the subject's publish state is settled:
// not dirty and published has caught up with desired. A missing row is not
// clean; the subject has never published anything.
func (s *ProjectionStore) PublishClean(ctx context.Context, subjectID string) (bool, error) {
	query := `
		SELECT dirty, published_version, desired_version
		FROM publish_state
		WHERE subject_id = $1
	`

	var (
		dirty              bool
		published, desired int
	)

	err := s.conn.QueryRowContext(ctx, query, subjectID).Scan(&dirty, &published, &desired)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("failed to query publish state: %w", err)
	}

	return !dirty && published >= desired, nil
}

// ClearLinkDerived deletes the fetched content and metadata rows for a
// subject. The exhausted-retry tool calls this before re-emitting link.added
// so the router sees the subject as unfetched and restarts the pipeline.
func (s *ProjectionStore) ClearLinkDerived(ctx context.Context, subjectID string) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %w", ErrProjectionFailed, err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM link_content WHERE subject_id = $1`, subjectID); err != nil {
		return fmt.Errorf("%w: failed to clear link content: %w", ErrProjectionFailed, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM link_metadata WHERE subject_id = $1`, subjectID); err != nil {
		return fmt.Errorf("%w: failed to clear link metadata: %w", ErrProjectionFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit: %w", ErrProjectionFailed, err)
	}

	return nil
}

// CaptureLink atomically registers a captured URL: subject row, link row and
// the link.added ledger event commit or roll back together. The materializer
// applies the same upserts again when the event comes back off the bus, and
// they converge on identical rows.
//
// Returns (stored, duplicate, error) with the same meaning as Ledger.Append.
func (s *ProjectionStore) CaptureLink(ctx context.Context, evt event.Event) (bool, bool, error) {
	if err := evt.Validate(); err != nil {
		return false, false, fmt.Errorf("%w: %w", ErrCaptureFailed, err)
	}

	payload, err := event.DecodeLinkAdded(evt)
	if err != nil {
		return false, false, fmt.Errorf("%w: %w", ErrCaptureFailed, err)
	}

	urlNorm := payload.URLNorm
	if urlNorm == "" {
		urlNorm = identity.NormalizeURL(payload.URL)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, false, fmt.Errorf("%w: failed to begin transaction: %w", ErrCaptureFailed, err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	if err := upsertSubject(ctx, tx, evt.SubjectKind, evt.SubjectID, "", event.VisibilityPublic); err != nil {
		return false, false, fmt.Errorf("%w: %w", ErrCaptureFailed, err)
	}

	if err := upsertLinkFromAdd(ctx, tx, evt.SubjectID, payload.URL, urlNorm, evt.Source); err != nil {
		return false, false, fmt.Errorf("%w: %w", ErrCaptureFailed, err)
	}

	stored, duplicate, err := appendEventTx(ctx, tx, evt)
	if err != nil {
		return false, false, fmt.Errorf("%w: %w", ErrCaptureFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return false, false, fmt.Errorf("%w: failed to commit: %w", ErrCaptureFailed, err)
	}

	s.logger.Info("link captured",
		slog.String("subject_id", evt.SubjectID),
		slog.String("url_norm", urlNorm),
		slog.String("source", evt.Source),
		slog.Bool("duplicate", duplicate),
	)

	return stored, duplicate, nil
}

// CaptureReading atomically registers a sensor reading: sensor subject row
// plus the temp.reading_recorded ledger event. The reading rows themselves
// are projected later by the materializer.
//
// displayName carries the human sensor location from the capture request,
// which the event payload does not repeat.
func (s *ProjectionStore) CaptureReading(ctx context.Context, evt event.Event, displayName string) (bool, bool, error) {
	if err := evt.Validate(); err != nil {
		return false, false, fmt.Errorf("%w: %w", ErrCaptureFailed, err)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, false, fmt.Errorf("%w: failed to begin transaction: %w", ErrCaptureFailed, err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	if err := upsertSubject(ctx, tx, evt.SubjectKind, evt.SubjectID, displayName, event.VisibilityPublic); err != nil {
		return false, false, fmt.Errorf("%w: %w", ErrCaptureFailed, err)
	}

	stored, duplicate, err := appendEventTx(ctx, tx, evt)
	if err != nil {
		return false, false, fmt.Errorf("%w: %w", ErrCaptureFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return false, false, fmt.Errorf("%w: failed to commit: %w", ErrCaptureFailed, err)
	}

	return stored, duplicate, nil
}

// appendEventTx inserts a ledger event inside a capture transaction.
func appendEventTx(ctx context.Context, tx *sql.Tx, evt event.Event) (bool, bool, error) {
	receivedAt := evt.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	result, err := insertEvent(ctx, tx, evt, receivedAt)
	if err != nil {
		return false, false, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return false, true, nil
	}

	return true, false, nil
}
