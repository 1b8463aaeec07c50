package bus

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

// ErrPublishFailed is returned when the brokers do not acknowledge a write.
// Callers treat it as transient infrastructure failure and back off.
var ErrPublishFailed = errors.New("bus publish failed")

// tagSnapshotKey is the single key every tag catalog snapshot is published
// under.
const tagSnapshotKey = "catalog"

// Batches are flushed quickly: the outbox hands the writer a full cycle of
// messages at once, so there is nothing to gain from waiting for more.
const writerBatchTimeout = 100 * time.Millisecond

// Publisher wraps one long-lived kafka.Writer shared by a whole process.
// Messages are keyed by subject id and hashed onto partitions, which is what
// preserves per-subject ordering across the pipeline.
type Publisher struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewPublisher creates the process-wide publisher. The caller owns Close.
func NewPublisher(cfg *Config) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: writerBatchTimeout,
		Transport:    cfg.Transport(),
		// Topics are provisioned by Admin.EnsureTopics with explicit
		// partition counts; auto-creation would hand out broker defaults.
		AllowAutoTopicCreation: false,
	}

	return &Publisher{
		writer: writer,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// PublishEvents publishes ledger events to the events topic in the order
// given. It returns only after the brokers acknowledge every message, so a
// nil error means the whole batch is durable on the bus.
func (p *Publisher) PublishEvents(ctx context.Context, events []event.Event) error {
	if len(events) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(events))

	for _, evt := range events {
		value, err := evt.Encode()
		if err != nil {
			return fmt.Errorf("%w: failed to encode event %s: %w", ErrPublishFailed, evt.EventID, err)
		}

		msgs = append(msgs, kafka.Message{
			Topic: TopicEvents,
			Key:   []byte(evt.SubjectID),
			Value: value,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(evt.EventType)},
				{Key: "source", Value: []byte(evt.Source)},
			},
		})
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	p.logger.Debug("events published", slog.Int("count", len(msgs)))

	return nil
}

// PublishEvent publishes a single ledger event to the events topic.
func (p *Publisher) PublishEvent(ctx context.Context, evt event.Event) error {
	return p.PublishEvents(ctx, []event.Event{evt})
}

// PublishWork publishes a work command to its stage topic, keyed by subject
// id so retries land on the partition that carried the original attempt.
func (p *Publisher) PublishWork(ctx context.Context, work event.WorkCommand) error {
	value, err := work.Encode()
	if err != nil {
		return fmt.Errorf("%w: failed to encode work command: %w", ErrPublishFailed, err)
	}

	msg := kafka.Message{
		Topic: WorkTopic(work.WorkType),
		Key:   []byte(work.SubjectID),
		Value: value,
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("%w: %s work for %s: %w", ErrPublishFailed, work.WorkType, work.SubjectID, err)
	}

	return nil
}

// PublishDeadLetter records an exhausted work command on the dead letter
// topic for operator inspection.
func (p *Publisher) PublishDeadLetter(ctx context.Context, letter event.DeadLetter) error {
	value, err := letter.Encode()
	if err != nil {
		return fmt.Errorf("%w: failed to encode dead letter: %w", ErrPublishFailed, err)
	}

	msg := kafka.Message{
		Topic: TopicDeadLetter,
		Key:   []byte(letter.OriginalWork.SubjectID),
		Value: value,
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("%w: dead letter for %s: %w", ErrPublishFailed, letter.OriginalWork.SubjectID, err)
	}

	p.logger.Warn("work command dead lettered",
		slog.String("subject_id", letter.OriginalWork.SubjectID),
		slog.String("work_type", string(letter.OriginalWork.WorkType)),
		slog.String("agent", letter.Agent),
	)

	return nil
}

// PublishTagSnapshot publishes the full tag vocabulary as one message under
// the constant catalog key. A fresh consumer reads exactly one live record
// to catch up.
func (p *Publisher) PublishTagSnapshot(ctx context.Context, tags []string) error {
	value, err := event.EncodeTagSnapshot(tags)
	if err != nil {
		return fmt.Errorf("%w: failed to encode tag snapshot: %w", ErrPublishFailed, err)
	}

	msg := kafka.Message{
		Topic: TopicTagCatalog,
		Key:   []byte(tagSnapshotKey),
		Value: value,
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("%w: tag snapshot: %w", ErrPublishFailed, err)
	}

	return nil
}

// Close flushes buffered messages and releases the writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
