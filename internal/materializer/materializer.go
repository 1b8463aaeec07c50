// Package materializer folds the event ledger's bus topic into the
// queryable projection tables.
//
// Unlike the router and the workers, the materializer does not use a
// consumer group. It pins one reader to each partition and keeps its
// progress in the database, inside the same transaction as the projection
// writes themselves. Offsets on the brokers are never committed; after a
// restart the start position is reconciled from the processed_messages
// ledger against what the partition actually holds, so a truncated or
// recreated bus is detected and replayed instead of silently skipped.
package materializer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/lifestream-io/lifestream/internal/bus"
	"github.com/lifestream-io/lifestream/internal/config"
	"github.com/lifestream-io/lifestream/internal/event"
	"github.com/lifestream-io/lifestream/internal/storage"
)

const (
	// applyAttempts bounds how often one message is offered to the
	// projection store before it is judged poisoned or fatal.
	applyAttempts = 3

	defaultRetryDelay = 250 * time.Millisecond
)

// Sentinel errors for materializer construction and startup.
var (
	// ErrNoStore is returned when a materializer is constructed without a
	// projection store.
	ErrNoStore = errors.New("no projection store")

	// ErrNoBroker is returned when a materializer is constructed without a
	// broker admin client.
	ErrNoBroker = errors.New("no broker client")

	// ErrNoReaderFactory is returned when a materializer is constructed
	// without a partition reader factory.
	ErrNoReaderFactory = errors.New("no reader factory")

	// ErrNoPartitions is returned when the topic reports no partitions to
	// consume.
	ErrNoPartitions = errors.New("no partitions to consume")
)

type (
	// Store is the projection surface the materializer drives. Satisfied by
	// *storage.ProjectionStore.
	Store interface {
		Apply(ctx context.Context, evt event.Event, pos storage.MessagePosition) (bool, bool, error)
		SkipPoisoned(ctx context.Context, evt event.Event, pos storage.MessagePosition, cause error) error
		HighestProcessed(ctx context.Context, topic string, partition int) (int64, bool, error)
		TruncateProcessed(ctx context.Context, topic string, partition int) (int64, error)
		HealthCheck(ctx context.Context) error
	}

	// Broker answers partition and offset questions. Satisfied by *bus.Admin.
	Broker interface {
		Partitions(ctx context.Context, topic string) ([]int, error)
		OffsetRange(ctx context.Context, topic string, partition int) (bus.OffsetRange, error)
	}

	// Reader is one partition-pinned consumer. Satisfied by *kafka.Reader
	// created without a consumer group.
	Reader interface {
		SetOffset(offset int64) error
		FetchMessage(ctx context.Context) (kafka.Message, error)
		Close() error
	}

	// ReaderFactory opens a reader for one partition of the consumed topic.
	ReaderFactory func(partition int) Reader

	// Options configures a Materializer beyond its required dependencies.
	Options struct {
		// Topic to consume. Defaults to the ledger events topic.
		Topic string

		// Partitions binds this instance to specific partitions. Empty
		// means all partitions of the topic, discovered at startup.
		Partitions []int
	}

	// Materializer runs one projection loop per bound partition.
	Materializer struct {
		store   Store
		broker  Broker
		readers ReaderFactory
		topic   string
		only    []int
		logger  *slog.Logger

		retryDelay time.Duration
	}
)

// NewMaterializer creates a materializer over the given projection store,
// broker client, and reader factory.
func NewMaterializer(store Store, broker Broker, readers ReaderFactory, opts Options) (*Materializer, error) {
	if store == nil {
		return nil, ErrNoStore
	}

	if broker == nil {
		return nil, ErrNoBroker
	}

	if readers == nil {
		return nil, ErrNoReaderFactory
	}

	topic := opts.Topic
	if topic == "" {
		topic = bus.TopicEvents
	}

	return &Materializer{
		store:   store,
		broker:  broker,
		readers: readers,
		topic:   topic,
		only:    opts.Partitions,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		retryDelay: defaultRetryDelay,
	}, nil
}

// Run consumes the bound partitions until ctx is cancelled or one partition
// loop fails fatally, in which case the remaining loops are stopped and the
// first failure is returned.
func (m *Materializer) Run(ctx context.Context) error {
	partitions := m.only
	if len(partitions) == 0 {
		var err error

		partitions, err = m.broker.Partitions(ctx, m.topic)
		if err != nil {
			return fmt.Errorf("failed to discover partitions of %s: %w", m.topic, err)
		}
	}

	if len(partitions) == 0 {
		return fmt.Errorf("%w: %s", ErrNoPartitions, m.topic)
	}

	m.logger.Info("materializer starting",
		slog.String("topic", m.topic),
		slog.Any("partitions", partitions),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(partitions))

	var wg sync.WaitGroup

	for _, partition := range partitions {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if err := m.runPartition(ctx, partition); err != nil {
				errCh <- err

				cancel()
			}
		}()
	}

	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

func (m *Materializer) runPartition(ctx context.Context, partition int) error {
	start, err := m.reconcile(ctx, partition)
	if err != nil {
		return err
	}

	reader := m.readers(partition)

	defer func() {
		_ = reader.Close()
	}()

	if err := reader.SetOffset(start); err != nil {
		return fmt.Errorf("failed to seek %s[%d] to %d: %w", m.topic, partition, start, err)
	}

	m.logger.Info("partition loop starting",
		slog.String("topic", m.topic),
		slog.Int("partition", partition),
		slog.Int64("start_offset", start),
	)

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return fmt.Errorf("failed to fetch from %s[%d]: %w", m.topic, partition, err)
		}

		if err := m.handleMessage(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return err
		}
	}
}

// reconcile derives the partition's start offset from database-recorded
// progress and checks it against the offsets the partition actually holds.
//
// The desired offset is one past the highest processed message, or the very
// start when nothing was processed yet. A desired offset beyond the end of
// the partition means the bus was recreated since the progress was recorded,
// so the stale idempotency rows are dropped and the partition replays from
// its earliest offset. A desired offset before the earliest available one
// means retention already removed messages this instance never processed;
// nothing can recover those, so the loop skips ahead under a warning.
func (m *Materializer) reconcile(ctx context.Context, partition int) (int64, error) {
	recorded, found, err := m.store.HighestProcessed(ctx, m.topic, partition)
	if err != nil {
		return 0, fmt.Errorf("failed to read recorded progress for %s[%d]: %w", m.topic, partition, err)
	}

	var desired int64
	if found {
		desired = recorded + 1
	}

	offsets, err := m.broker.OffsetRange(ctx, m.topic, partition)
	if err != nil {
		return 0, fmt.Errorf("failed to read offset range of %s[%d]: %w", m.topic, partition, err)
	}

	switch {
	case desired > offsets.Latest:
		removed, err := m.store.TruncateProcessed(ctx, m.topic, partition)
		if err != nil {
			return 0, fmt.Errorf("failed to drop stale progress for %s[%d]: %w", m.topic, partition, err)
		}

		m.logger.Warn("recorded progress is beyond the partition end, replaying from the start",
			slog.String("topic", m.topic),
			slog.Int("partition", partition),
			slog.Int64("desired_offset", desired),
			slog.Int64("latest_offset", offsets.Latest),
			slog.Int64("dropped_rows", removed),
		)

		return offsets.Earliest, nil

	case desired < offsets.Earliest:
		m.logger.Warn("retention outran recorded progress, skipping to the earliest offset",
			slog.String("topic", m.topic),
			slog.Int("partition", partition),
			slog.Int64("desired_offset", desired),
			slog.Int64("earliest_offset", offsets.Earliest),
		)

		return offsets.Earliest, nil

	default:
		return desired, nil
	}
}

func (m *Materializer) handleMessage(ctx context.Context, msg kafka.Message) error {
	pos := storage.MessagePosition{Topic: msg.Topic, Partition: msg.Partition, Offset: msg.Offset}

	evt, err := event.Decode(msg.Value)
	if err != nil {
		m.logger.Error("skipping undecodable event",
			slog.String("topic", pos.Topic),
			slog.Int("partition", pos.Partition),
			slog.Int64("offset", pos.Offset),
			slog.String("error", err.Error()),
		)

		return m.skipPoisoned(ctx, event.Event{}, pos, err)
	}

	return m.applyWithRecovery(ctx, evt, pos)
}

// applyWithRecovery offers the message to the projection store a few times,
// then decides what a persistent failure means. A database that no longer
// answers health checks is an infrastructure outage worth crashing on; a
// healthy database that still rejects the event marks the event itself as
// poisoned, and the partition records it as processed and moves on.
func (m *Materializer) applyWithRecovery(ctx context.Context, evt event.Event, pos storage.MessagePosition) error {
	var lastErr error

	for attempt := range applyAttempts {
		if attempt > 0 {
			m.logger.Warn("retrying projection apply",
				slog.String("event_id", evt.EventID),
				slog.Int64("offset", pos.Offset),
				slog.Int("attempt", attempt+1),
				slog.String("error", lastErr.Error()),
			)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.retryDelay):
			}
		}

		_, _, err := m.store.Apply(ctx, evt, pos)
		if err == nil {
			return nil
		}

		lastErr = err
	}

	if healthErr := m.store.HealthCheck(ctx); healthErr != nil {
		return fmt.Errorf("projection store unavailable at %s[%d] offset %d: %w",
			pos.Topic, pos.Partition, pos.Offset, lastErr)
	}

	return m.skipPoisoned(ctx, evt, pos, lastErr)
}

func (m *Materializer) skipPoisoned(ctx context.Context, evt event.Event, pos storage.MessagePosition, cause error) error {
	var lastErr error

	for attempt := range applyAttempts {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.retryDelay):
			}
		}

		err := m.store.SkipPoisoned(ctx, evt, pos, cause)
		if err == nil {
			return nil
		}

		lastErr = err
	}

	return fmt.Errorf("failed to record poisoned message at %s[%d] offset %d: %w",
		pos.Topic, pos.Partition, pos.Offset, lastErr)
}
