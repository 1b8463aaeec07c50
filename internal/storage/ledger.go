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
)

// Sentinel errors for event ledger operations.
var (
	// ErrLedgerAppendFailed is returned when an event cannot be appended.
	ErrLedgerAppendFailed = errors.New("event ledger append failed")

	// ErrLedgerReadFailed is returned when reading from the ledger fails.
	ErrLedgerReadFailed = errors.New("event ledger read failed")

	// ErrLedgerMarkFailed is returned when marking events forwarded fails.
	ErrLedgerMarkFailed = errors.New("event ledger mark failed")
)

// Ledger is the append-only event store backing the whole pipeline.
//
// Events are facts: the only column that ever changes after insert is the
// forwarded flag, owned by the outbox forwarder. Appends are idempotent on
// event_id so admin tools can re-emit deterministic events safely.
type Ledger struct {
	conn   *Connection
	logger *slog.Logger
}

// NewLedger creates a PostgreSQL-backed event ledger.
// Returns ErrNoDatabaseConnection if connection is nil.
func NewLedger(conn *Connection) (*Ledger, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &Ledger{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// HealthCheck verifies the database connection is healthy and ready to serve requests.
func (l *Ledger) HealthCheck(ctx context.Context) error {
	if l.conn == nil {
		return ErrNoDatabaseConnection
	}

	return l.conn.HealthCheck(ctx)
}

// Append stores a single event in the ledger.
//
// Returns three values: (stored, duplicate, error)
//   - (true, false, nil)  → event appended
//   - (false, true, nil)  → event_id already present, nothing written
//   - (false, false, err) → validation or storage failure
//
// Duplicates are success, not conflict: admin tools re-emit events with
// deterministic ids and rely on re-runs being no-ops. ReceivedAt defaults to
// the current time when the caller leaves it zero.
func (l *Ledger) Append(ctx context.Context, evt event.Event) (bool, bool, error) {
	if err := evt.Validate(); err != nil {
		return false, false, fmt.Errorf("%w: %w", ErrLedgerAppendFailed, err)
	}

	receivedAt := evt.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	result, err := insertEvent(ctx, l.conn.DB, evt, receivedAt)
	if err != nil {
		return false, false, fmt.Errorf("%w: %w", ErrLedgerAppendFailed, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, false, fmt.Errorf("%w: failed to read rows affected: %w", ErrLedgerAppendFailed, err)
	}

	if rowsAffected == 0 {
		// event_id already in the ledger
		l.logger.Debug("duplicate event append",
			slog.String("event_id", evt.EventID),
			slog.String("event_type", string(evt.EventType)),
			slog.String("subject_id", evt.SubjectID),
		)

		return false, true, nil
	}

	l.logger.Info("event appended",
		slog.String("event_id", evt.EventID),
		slog.String("event_type", string(evt.EventType)),
		slog.String("subject_id", evt.SubjectID),
		slog.String("source", evt.Source),
	)

	return true, false, nil
}

// execer abstracts *sql.DB and *sql.Tx so event inserts can run standalone
// or inside a capture transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// insertEvent writes one envelope row. Shared by Ledger.Append and the
// capture transactions in the projection store.
func insertEvent(ctx context.Context, db execer, evt event.Event, receivedAt time.Time) (sql.Result, error) {
	query := `
		INSERT INTO events (
			event_id,
			occurred_at,
			received_at,
			source,
			subject_kind,
			subject_id,
			event_type,
			schema_version,
			payload,
			correlation_id,
			causation_id,
			forwarded
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), NULLIF($11, ''), FALSE)
		ON CONFLICT (event_id) DO NOTHING
	`

	result, err := db.ExecContext(
		ctx,
		query,
		evt.EventID,
		evt.OccurredAt,
		receivedAt,
		evt.Source,
		evt.SubjectKind,
		evt.SubjectID,
		string(evt.EventType),
		evt.SchemaVersion,
		[]byte(evt.Payload),
		evt.CorrelationID,
		evt.CausationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert event: %w", err)
	}

	return result, nil
}

// ReadUnforwarded returns the oldest events not yet forwarded to the bus,
// ordered by received_at with event_id as tiebreaker. The order is the
// publish order, so it must be stable across calls.
func (l *Ledger) ReadUnforwarded(ctx context.Context, limit int) ([]event.Event, error) {
	query := `
		SELECT
			event_id,
			occurred_at,
			received_at,
			source,
			subject_kind,
			subject_id,
			event_type,
			schema_version,
			payload,
			COALESCE(correlation_id, ''),
			COALESCE(causation_id, '')
		FROM events
		WHERE NOT forwarded
		ORDER BY received_at ASC, event_id ASC
		LIMIT $1
	`

	rows, err := l.conn.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLedgerReadFailed, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var events []event.Event

	for rows.Next() {
		var (
			evt       event.Event
			eventType string
			payload   []byte
		)

		if err := rows.Scan(
			&evt.EventID,
			&evt.OccurredAt,
			&evt.ReceivedAt,
			&evt.Source,
			&evt.SubjectKind,
			&evt.SubjectID,
			&eventType,
			&evt.SchemaVersion,
			&payload,
			&evt.CorrelationID,
			&evt.CausationID,
		); err != nil {
			return nil, fmt.Errorf("%w: failed to scan event: %w", ErrLedgerReadFailed, err)
		}

		evt.EventType = event.Type(eventType)
		evt.Payload = payload

		events = append(events, evt)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLedgerReadFailed, err)
	}

	return events, nil
}

// MarkForwarded flips the forwarded flag for the given event ids.
// Already-forwarded rows are left untouched, so repeated marks after a
// partial failure are harmless. Returns the number of rows updated.
func (l *Ledger) MarkForwarded(ctx context.Context, eventIDs []string) (int64, error) {
	if len(eventIDs) == 0 {
		return 0, nil
	}

	query := `
		UPDATE events
		SET forwarded = TRUE
		WHERE event_id = ANY($1) AND NOT forwarded
	`

	result, err := l.conn.ExecContext(ctx, query, pq.Array(eventIDs))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrLedgerMarkFailed, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: failed to read rows affected: %w", ErrLedgerMarkFailed, err)
	}

	return rowsAffected, nil
}

// ResetForwarded clears the forwarded flag on every event so the outbox
// republishes the full ledger. Used by the bus reset tool before replay.
func (l *Ledger) ResetForwarded(ctx context.Context) (int64, error) {
	result, err := l.conn.ExecContext(ctx, `UPDATE events SET forwarded = FALSE WHERE forwarded`)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrLedgerMarkFailed, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: failed to read rows affected: %w", ErrLedgerMarkFailed, err)
	}

	l.logger.Info("forwarded flags reset for replay", slog.Int64("events", rowsAffected))

	return rowsAffected, nil
}
