// Package outbox forwards newly appended ledger events to the bus.
//
// The forwarder is the only bridge between the durable ledger and the events
// topic: nothing reaches the bus except through it, and an event is marked
// forwarded only after the brokers acknowledged it. Crashing between publish
// and mark republishes the batch, which downstream deduplication absorbs.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lifestream-io/lifestream/internal/config"
	"github.com/lifestream-io/lifestream/internal/event"
)

// Sentinel errors for forwarder operation.
var (
	// ErrNoLedger is returned when a forwarder is constructed without a ledger.
	ErrNoLedger = errors.New("no event ledger")

	// ErrNoPublisher is returned when a forwarder is constructed without a
	// publisher.
	ErrNoPublisher = errors.New("no bus publisher")

	// ErrTooManyFailures is returned by Run when consecutive cycles keep
	// failing. The process should exit and let the supervisor restart it.
	ErrTooManyFailures = errors.New("too many consecutive forward failures")
)

// Ledger is the slice of the event ledger the forwarder drives.
type Ledger interface {
	ReadUnforwarded(ctx context.Context, limit int) ([]event.Event, error)
	MarkForwarded(ctx context.Context, eventIDs []string) (int64, error)
}

// Publisher publishes event batches to the bus in order.
type Publisher interface {
	PublishEvents(ctx context.Context, events []event.Event) error
}

// Forwarder polls the ledger for unforwarded events and pushes them to the
// events topic in arrival order.
type Forwarder struct {
	cfg       *Config
	ledger    Ledger
	publisher Publisher
	logger    *slog.Logger

	backoffBase time.Duration
	backoffCap  time.Duration
}

// NewForwarder creates a forwarder over a ledger and a bus publisher.
func NewForwarder(cfg *Config, ledger Ledger, publisher Publisher) (*Forwarder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if ledger == nil {
		return nil, ErrNoLedger
	}

	if publisher == nil {
		return nil, ErrNoPublisher
	}

	forwarder := &Forwarder{
		cfg:       cfg,
		ledger:    ledger,
		publisher: publisher,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		backoffBase: cfg.backoffBase,
		backoffCap:  cfg.backoffCap,
	}

	if forwarder.backoffBase <= 0 {
		forwarder.backoffBase = defaultBackoffBase
	}

	if forwarder.backoffCap <= 0 {
		forwarder.backoffCap = defaultBackoffCap
	}

	return forwarder, nil
}

// Run drives forward cycles until ctx is cancelled. It returns nil on
// cancellation and ErrTooManyFailures after MaxFailures consecutive failed
// cycles. Failed cycles back off exponentially; a full batch triggers an
// immediate next cycle so backlogs drain faster than the poll interval.
func (f *Forwarder) Run(ctx context.Context) error {
	failures := 0
	backoff := f.backoffBase

	for {
		forwarded, err := f.ForwardOnce(ctx)

		var wait time.Duration

		switch {
		case err != nil && ctx.Err() != nil:
			// Shutdown interrupted the cycle; nothing was marked, the next
			// run republishes.
			return nil

		case err != nil:
			failures++
			if failures >= f.cfg.MaxFailures {
				return fmt.Errorf("%w: %d cycles, last error: %v", ErrTooManyFailures, failures, err)
			}

			f.logger.Error("forward cycle failed",
				slog.Int("consecutive_failures", failures),
				slog.Duration("backoff", backoff),
				slog.String("error", err.Error()),
			)

			wait = backoff

			backoff *= 2
			if backoff > f.backoffCap {
				backoff = f.backoffCap
			}

		case forwarded == f.cfg.BatchSize:
			failures = 0
			backoff = f.backoffBase

			continue

		default:
			failures = 0
			backoff = f.backoffBase
			wait = f.cfg.PollInterval
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// ForwardOnce runs a single cycle: read a batch, publish it, mark it.
// Returns the number of events forwarded.
//
// Nothing is marked unless the whole batch was acknowledged. Republishing a
// partially delivered batch keeps per-subject order intact because the batch
// is re-read in the same received_at order.
func (f *Forwarder) ForwardOnce(ctx context.Context) (int, error) {
	events, err := f.ledger.ReadUnforwarded(ctx, f.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to read unforwarded events: %w", err)
	}

	if len(events) == 0 {
		return 0, nil
	}

	if err := f.publisher.PublishEvents(ctx, events); err != nil {
		return 0, fmt.Errorf("failed to publish batch of %d: %w", len(events), err)
	}

	eventIDs := make([]string, 0, len(events))
	for _, evt := range events {
		eventIDs = append(eventIDs, evt.EventID)
	}

	marked, err := f.ledger.MarkForwarded(ctx, eventIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to mark %d events forwarded: %w", len(eventIDs), err)
	}

	f.logger.Info("batch forwarded",
		slog.Int("events", len(eventIDs)),
		slog.Int64("marked", marked),
	)

	return len(events), nil
}
