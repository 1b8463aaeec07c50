// Package worker runs the pipeline stages: fetch, enrich, publish.
//
// Every stage shares one runner. The runner consumes a stage's work topic,
// executes the stage handler under a timeout, and appends the outcome to the
// ledger: the stage's completion event on success, a work.failed fact on
// handler failure. The bus offset is committed only after the append lands,
// so a crash between append and commit redelivers the command and the
// ledger's id dedupe absorbs the repeat. Retry and dead-letter decisions
// belong to the router; a worker only ever reports.
package worker

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
)

// Agent names, bare. Event sources are derived with event.AgentSource.
const (
	AgentFetcher   = "fetcher"
	AgentEnricher  = "enricher"
	AgentPublisher = "publisher"
)

const (
	transientAttempts   = 5
	defaultBackoffBase  = 500 * time.Millisecond
	defaultBackoffCap   = 8 * time.Second
	defaultStageTimeout = 30 * time.Second
)

// Sentinel errors for runner construction.
var (
	// ErrNoReader is returned when a runner is constructed without a bus
	// reader.
	ErrNoReader = errors.New("no bus reader")

	// ErrNoLedger is returned when a runner is constructed without a ledger.
	ErrNoLedger = errors.New("no event ledger")

	// ErrNoHandler is returned when a stage carries no handler.
	ErrNoHandler = errors.New("stage has no handler")

	// ErrNoAgent is returned when a stage carries no agent name.
	ErrNoAgent = errors.New("stage has no agent name")
)

// GroupID returns the consumer group for a stage's work topic. All workers
// of one stage share the group, so the topic's partitions spread across
// them.
func GroupID(workType event.WorkType) string {
	return "lifestream-worker-" + workType.String()
}

// Handler executes one work command and returns the payload of the stage's
// completion event. A nil error means the stage completed, possibly
// partially (the fetcher reports unreachable pages as completions with a
// fetch_error); a non-nil error means the attempt failed and the router
// decides whether it runs again.
type Handler interface {
	Handle(ctx context.Context, work event.WorkCommand) (any, error)
}

// Stage binds a work type to the agent that serves it: the completion event
// it appends, the handler that does the work, and the per-command timeout.
type Stage struct {
	WorkType   event.WorkType
	Agent      string
	Completion event.Type
	Timeout    time.Duration
	Handler    Handler
}

// Reader is the consumer surface the runner drives. Satisfied by
// *kafka.Reader; the reader's lifecycle stays with the caller.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Ledger is the append surface the runner reports outcomes to. Satisfied by
// *storage.Ledger.
type Ledger interface {
	Append(ctx context.Context, evt event.Event) (bool, bool, error)
}

// Runner drives one stage over its work topic.
type Runner struct {
	stage  Stage
	reader Reader
	ledger Ledger
	logger *slog.Logger

	backoffBase time.Duration
	backoffCap  time.Duration
}

// NewRunner creates a runner for one stage. A non-positive stage timeout
// falls back to 30 seconds.
func NewRunner(stage Stage, reader Reader, ledger Ledger) (*Runner, error) {
	if stage.Handler == nil {
		return nil, ErrNoHandler
	}

	if stage.Agent == "" {
		return nil, ErrNoAgent
	}

	if reader == nil {
		return nil, ErrNoReader
	}

	if ledger == nil {
		return nil, ErrNoLedger
	}

	if stage.Timeout <= 0 {
		stage.Timeout = defaultStageTimeout
	}

	return &Runner{
		stage:  stage,
		reader: reader,
		ledger: ledger,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		backoffBase: defaultBackoffBase,
		backoffCap:  defaultBackoffCap,
	}, nil
}

// Run consumes the stage's work topic until ctx is cancelled. It returns
// nil on cancellation. Any other return means the ledger or bus kept
// failing past the retry budget; the uncommitted command is redelivered
// after restart.
func (r *Runner) Run(ctx context.Context) error {
	for {
		msg, err := r.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return fmt.Errorf("failed to fetch %s work: %w", r.stage.WorkType, err)
		}

		if err := r.handleMessage(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return err
		}
	}
}

// handleMessage runs one work command end to end. Undecodable commands and
// commands for the wrong stage are logged and committed; they can never
// succeed, and the partition must not stall on them.
func (r *Runner) handleMessage(ctx context.Context, msg kafka.Message) error {
	work, err := event.DecodeWorkCommand(msg.Value)
	if err != nil {
		r.logger.Error("dropping undecodable work message",
			slog.String("work_type", r.stage.WorkType.String()),
			slog.Int("partition", msg.Partition),
			slog.Int64("offset", msg.Offset),
			slog.String("error", err.Error()),
		)

		return r.commit(ctx, msg)
	}

	if work.WorkType != r.stage.WorkType {
		r.logger.Error("dropping work for another stage",
			slog.String("work_type", work.WorkType.String()),
			slog.String("stage", r.stage.WorkType.String()),
			slog.String("subject_id", work.SubjectID),
		)

		return r.commit(ctx, msg)
	}

	outcome, err := r.outcomeEvent(ctx, work)
	if err != nil {
		return err
	}

	if err := r.appendOutcome(ctx, outcome); err != nil {
		return err
	}

	return r.commit(ctx, msg)
}

// outcomeEvent runs the stage handler under its timeout and wraps the result
// in the event the ledger should hold: the completion on success, work.failed
// otherwise. Both carry the command's correlation id and are caused by the
// event that triggered the command, so a pipeline run stays one traceable
// chain.
func (r *Runner) outcomeEvent(ctx context.Context, work event.WorkCommand) (event.Event, error) {
	stageCtx, cancel := context.WithTimeout(ctx, r.stage.Timeout)
	defer cancel()

	started := time.Now()
	payload, handleErr := r.stage.Handler.Handle(stageCtx, work)
	elapsed := time.Since(started)

	if handleErr != nil {
		r.logger.Warn("work attempt failed",
			slog.String("work_type", work.WorkType.String()),
			slog.String("subject_id", work.SubjectID),
			slog.Int("attempt", work.Attempt),
			slog.Int("max_attempts", work.MaxAttempts),
			slog.Duration("elapsed", elapsed),
			slog.String("error", handleErr.Error()),
		)

		return r.failureEvent(work, handleErr)
	}

	evt, err := event.New(event.AgentSource(r.stage.Agent), work.SubjectID, r.stage.Completion, payload)
	if err != nil {
		// An unencodable completion payload is deterministic, so report a
		// failed attempt the router can eventually dead letter instead of
		// crash looping on redelivery.
		return r.failureEvent(work, fmt.Errorf("completion payload: %w", err))
	}

	r.logger.Info("work completed",
		slog.String("work_type", work.WorkType.String()),
		slog.String("subject_id", work.SubjectID),
		slog.Int("attempt", work.Attempt),
		slog.Duration("elapsed", elapsed),
	)

	return evt.WithCorrelation(work.CorrelationID, work.TriggeredByEventID), nil
}

func (r *Runner) failureEvent(work event.WorkCommand, cause error) (event.Event, error) {
	evt, err := event.New(event.AgentSource(r.stage.Agent), work.SubjectID, event.TypeWorkFailed, event.WorkFailed{
		WorkMessage: work,
		Error:       cause.Error(),
		Agent:       r.stage.Agent,
	})
	if err != nil {
		return event.Event{}, fmt.Errorf("failed to build work.failed for %s: %w", work.SubjectID, err)
	}

	return evt.WithCorrelation(work.CorrelationID, work.TriggeredByEventID), nil
}

// appendOutcome writes the outcome event to the ledger with a bounded retry.
// The ledger is the system of record; losing an outcome would strand the
// subject, so persistent failure here is fatal and redelivery re-runs the
// command.
func (r *Runner) appendOutcome(ctx context.Context, evt event.Event) error {
	if err := r.retryTransient(ctx, func() error {
		_, duplicate, err := r.ledger.Append(ctx, evt)
		if err != nil {
			return err
		}

		if duplicate {
			r.logger.Debug("outcome already in ledger",
				slog.String("event_id", evt.EventID),
				slog.String("event_type", string(evt.EventType)),
			)
		}

		return nil
	}); err != nil {
		return fmt.Errorf("failed to append %s for %s: %w", evt.EventType, evt.SubjectID, err)
	}

	return nil
}

func (r *Runner) commit(ctx context.Context, msg kafka.Message) error {
	if err := r.retryTransient(ctx, func() error {
		return r.reader.CommitMessages(ctx, msg)
	}); err != nil {
		return fmt.Errorf("failed to commit offset %d: %w", msg.Offset, err)
	}

	return nil
}

func (r *Runner) retryTransient(ctx context.Context, op func() error) error {
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
