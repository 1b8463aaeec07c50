// Package router turns ledger facts into retryable work commands.
//
// The router is stateless beyond its consumer group offset. Before emitting
// work it asks the projections whether the work's effect already exists, so
// replays and outbox duplicates do not fan out into duplicate pipelines. A
// message is committed only after its routing decision has fully taken
// effect on the bus.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/lifestream-io/lifestream/internal/config"
	"github.com/lifestream-io/lifestream/internal/event"
	"github.com/lifestream-io/lifestream/internal/policy"
)

// GroupID is the consumer group the router reads the events topic with.
const GroupID = "lifestream-router"

const (
	transientAttempts  = 5
	defaultBackoffBase = 500 * time.Millisecond
	defaultBackoffCap  = 8 * time.Second
)

// Sentinel errors for router construction.
var (
	// ErrNoReader is returned when a router is constructed without a bus reader.
	ErrNoReader = errors.New("no bus reader")

	// ErrNoChecks is returned when a router is constructed without projection
	// checks.
	ErrNoChecks = errors.New("no projection checks")

	// ErrNoPublisher is returned when a router is constructed without a
	// publisher.
	ErrNoPublisher = errors.New("no bus publisher")
)

// Reader is the consumer surface the router drives. Satisfied by
// *kafka.Reader; the reader's lifecycle stays with the caller.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Checks answers whether a work effect already exists in the projections.
// Satisfied by *storage.ProjectionStore.
type Checks interface {
	HasLinkContent(ctx context.Context, subjectID string) (bool, error)
	MetadataFilled(ctx context.Context, subjectID string) (bool, error)
	PublishClean(ctx context.Context, subjectID string) (bool, error)
}

// Publisher emits work commands and dead letters. Satisfied by *bus.Publisher.
type Publisher interface {
	PublishWork(ctx context.Context, work event.WorkCommand) error
	PublishDeadLetter(ctx context.Context, letter event.DeadLetter) error
}

// Router consumes the events topic and dispatches work per event type.
type Router struct {
	reader    Reader
	checks    Checks
	publisher Publisher
	policy    *policy.Config
	logger    *slog.Logger

	backoffBase time.Duration
	backoffCap  time.Duration
}

// NewRouter creates a router over a group reader, projection checks, and a
// bus publisher. A nil policy falls back to defaults.
func NewRouter(reader Reader, checks Checks, publisher Publisher, policyCfg *policy.Config) (*Router, error) {
	if reader == nil {
		return nil, ErrNoReader
	}

	if checks == nil {
		return nil, ErrNoChecks
	}

	if publisher == nil {
		return nil, ErrNoPublisher
	}

	if policyCfg == nil {
		policyCfg = policy.DefaultConfig()
	}

	return &Router{
		reader:    reader,
		checks:    checks,
		publisher: publisher,
		policy:    policyCfg,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		backoffBase: defaultBackoffBase,
		backoffCap:  defaultBackoffCap,
	}, nil
}

// Run consumes the events topic until ctx is cancelled. It returns nil on
// cancellation. Any other return is fatal: infrastructure kept failing past
// its retry budget and the process should restart, after which the
// uncommitted message is redelivered.
func (r *Router) Run(ctx context.Context) error {
	for {
		msg, err := r.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return fmt.Errorf("failed to fetch from events topic: %w", err)
		}

		if err := r.handleMessage(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return err
		}
	}
}

// handleMessage routes one bus message and commits it. Undecodable messages
// are committed and skipped: the ledger still holds the fact, and blocking
// the partition on a poison message would stall every subject behind it.
func (r *Router) handleMessage(ctx context.Context, msg kafka.Message) error {
	evt, err := event.Decode(msg.Value)
	if err != nil {
		r.logger.Error("dropping undecodable event message",
			slog.Int("partition", msg.Partition),
			slog.Int64("offset", msg.Offset),
			slog.String("error", err.Error()),
		)

		return r.commit(ctx, msg)
	}

	if err := r.retryTransient(ctx, func() error {
		return r.route(ctx, evt)
	}); err != nil {
		return fmt.Errorf("failed to route %s event %s: %w", evt.EventType, evt.EventID, err)
	}

	return r.commit(ctx, msg)
}

func (r *Router) commit(ctx context.Context, msg kafka.Message) error {
	if err := r.retryTransient(ctx, func() error {
		return r.reader.CommitMessages(ctx, msg)
	}); err != nil {
		return fmt.Errorf("failed to commit offset %d: %w", msg.Offset, err)
	}

	return nil
}

// retryTransient retries an operation with exponential backoff. Projection
// checks and bus emits fail for infrastructure reasons, not business ones,
// so the budget is generous but finite.
func (r *Router) retryTransient(ctx context.Context, op func() error) error {
	backoff := r.backoffBase

	var lastErr error

	for attempt := range transientAttempts {
		if attempt > 0 {
			r.logger.Warn("retrying after transient failure",
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
				slog.String("error", lastErr.Error()),
			)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}

			backoff *= 2
			if backoff > r.backoffCap {
				backoff = r.backoffCap
			}
		}

		if lastErr = op(); lastErr == nil {
			return nil
		}
	}

	return lastErr
}

// route dispatches one decoded event. A nil return means the event either
// produced its work or legitimately needs none; errors are transient
// infrastructure failures for retryTransient to absorb.
func (r *Router) route(ctx context.Context, evt event.Event) error {
	switch evt.EventType {
	case event.TypeLinkAdded:
		return r.routeLinkAdded(ctx, evt)
	case event.TypeContentFetched:
		return r.routeContentFetched(ctx, evt)
	case event.TypeEnrichmentCompleted:
		return r.routeEnrichmentCompleted(ctx, evt)
	case event.TypeWorkFailed:
		return r.routeWorkFailed(ctx, evt)
	default:
		r.logger.Debug("event needs no routing",
			slog.String("event_type", string(evt.EventType)),
			slog.String("subject_id", evt.SubjectID),
		)

		return nil
	}
}

func (r *Router) routeLinkAdded(ctx context.Context, evt event.Event) error {
	payload, err := event.DecodeLinkAdded(evt)
	if err != nil {
		r.skipMalformed(evt, err)

		return nil
	}

	if payload.URL == "" {
		r.skipMalformed(evt, errors.New("link.added payload has no url"))

		return nil
	}

	fetched, err := r.checks.HasLinkContent(ctx, evt.SubjectID)
	if err != nil {
		return fmt.Errorf("failed to check link content: %w", err)
	}

	if fetched {
		r.skipSatisfied(evt, event.WorkFetchLink)

		return nil
	}

	return r.emitWork(ctx, evt, event.WorkFetchLink, event.FetchPayload{URL: payload.URL})
}

func (r *Router) routeContentFetched(ctx context.Context, evt event.Event) error {
	payload, err := event.DecodeContentFetched(evt)
	if err != nil {
		r.skipMalformed(evt, err)

		return nil
	}

	if !payload.Enrichable() {
		// Partial fetches stop the pipeline here on purpose; retrying the
		// fetch is the router's job only when a work.failed says so.
		r.logger.Debug("fetched content not enrichable",
			slog.String("subject_id", evt.SubjectID),
			slog.String("fetch_error", payload.FetchError),
		)

		return nil
	}

	filled, err := r.checks.MetadataFilled(ctx, evt.SubjectID)
	if err != nil {
		return fmt.Errorf("failed to check link metadata: %w", err)
	}

	if filled {
		r.skipSatisfied(evt, event.WorkEnrichLink)

		return nil
	}

	return r.emitWork(ctx, evt, event.WorkEnrichLink, event.EnrichPayload{
		Title: payload.Title,
		Text:  payload.TextContent,
	})
}

func (r *Router) routeEnrichmentCompleted(ctx context.Context, evt event.Event) error {
	clean, err := r.checks.PublishClean(ctx, evt.SubjectID)
	if err != nil {
		return fmt.Errorf("failed to check publish state: %w", err)
	}

	if clean {
		r.skipSatisfied(evt, event.WorkPublishLink)

		return nil
	}

	return r.emitWork(ctx, evt, event.WorkPublishLink, nil)
}

// routeWorkFailed rebuilds the failed command from the event payload and
// either re-emits it with a bumped attempt or dead-letters it. The retry
// budget comes from the command itself: it was stamped at creation and a
// config change mid-flight must not move the goalposts of a running retry
// chain.
func (r *Router) routeWorkFailed(ctx context.Context, evt event.Event) error {
	payload, err := event.DecodeWorkFailed(evt)
	if err != nil {
		r.skipMalformed(evt, err)

		return nil
	}

	work := payload.WorkMessage
	if err := work.Validate(); err != nil {
		r.skipMalformed(evt, fmt.Errorf("embedded work command: %w", err))

		return nil
	}

	if work.Exhausted() {
		r.logger.Warn("work exhausted its attempts, dead lettering",
			slog.String("subject_id", work.SubjectID),
			slog.String("work_type", string(work.WorkType)),
			slog.Int("attempt", work.Attempt),
			slog.String("agent", payload.Agent),
		)

		if err := r.publisher.PublishDeadLetter(ctx, event.NewDeadLetter(work, payload.Error, payload.Agent)); err != nil {
			return fmt.Errorf("failed to dead letter %s work: %w", work.WorkType, err)
		}

		return nil
	}

	retry := work.Retry(payload.Error)

	r.logger.Info("re-emitting failed work",
		slog.String("subject_id", retry.SubjectID),
		slog.String("work_type", string(retry.WorkType)),
		slog.Int("attempt", retry.Attempt),
		slog.Int("max_attempts", retry.MaxAttempts),
	)

	if err := r.publisher.PublishWork(ctx, retry); err != nil {
		return fmt.Errorf("failed to re-emit %s work: %w", retry.WorkType, err)
	}

	return nil
}

// emitWork builds a first-attempt command for the triggering event and
// publishes it.
func (r *Router) emitWork(ctx context.Context, evt event.Event, workType event.WorkType, payload any) error {
	work, err := event.NewWorkCommand(
		workType,
		evt.SubjectID,
		correlationFor(evt),
		evt.EventID,
		r.policy.MaxAttemptsFor(string(workType)),
		payload,
	)
	if err != nil {
		return fmt.Errorf("failed to build %s work: %w", workType, err)
	}

	if err := r.publisher.PublishWork(ctx, work); err != nil {
		return fmt.Errorf("failed to emit %s work: %w", workType, err)
	}

	r.logger.Info("work emitted",
		slog.String("subject_id", work.SubjectID),
		slog.String("work_type", string(work.WorkType)),
		slog.String("correlation_id", work.CorrelationID),
		slog.String("triggered_by", work.TriggeredByEventID),
	)

	return nil
}

// correlationFor propagates the event's correlation id, minting a fresh one
// only when the event arrived without any.
func correlationFor(evt event.Event) string {
	if evt.CorrelationID != "" {
		return evt.CorrelationID
	}

	return event.NewID()
}

func (r *Router) skipMalformed(evt event.Event, err error) {
	r.logger.Error("skipping event with malformed payload",
		slog.String("event_id", evt.EventID),
		slog.String("event_type", string(evt.EventType)),
		slog.String("subject_id", evt.SubjectID),
		slog.String("error", err.Error()),
	)
}

func (r *Router) skipSatisfied(evt event.Event, workType event.WorkType) {
	r.logger.Debug("work effect already exists, skipping",
		slog.String("subject_id", evt.SubjectID),
		slog.String("work_type", string(workType)),
		slog.String("event_id", evt.EventID),
	)
}
