package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/lifestream-io/lifestream/internal/config"
)

// ErrTopicNotFound is returned when a topic is absent from broker metadata.
var ErrTopicNotFound = errors.New("topic not found")

const (
	adminTimeout = 30 * time.Second

	// Topic deletion is asynchronous on the broker: a recreate attempt can
	// fail until the name is released, so Reset polls.
	recreateAttempts = 20
	recreateDelay    = 500 * time.Millisecond
)

// OffsetRange describes one partition's available offsets. Latest is the
// next offset to be written, so an empty partition reports Earliest equal
// to Latest.
type OffsetRange struct {
	Earliest int64
	Latest   int64
}

// Admin performs topic management against the brokers: provisioning at
// startup, partition and offset discovery for the materializer, and the
// destructive reset behind lifectl reset-bus.
type Admin struct {
	client *kafka.Client
	cfg    *Config
	logger *slog.Logger
}

// NewAdmin creates an admin client from the shared bus configuration.
func NewAdmin(cfg *Config) (*Admin, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Admin{
		client: &kafka.Client{
			Addr:      kafka.TCP(cfg.Brokers...),
			Timeout:   adminTimeout,
			Transport: cfg.Transport(),
		},
		cfg: cfg,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// EnsureTopics creates every topic in Topics() that does not already exist.
// Safe to run from multiple starting processes at once.
func (a *Admin) EnsureTopics(ctx context.Context) error {
	if err := a.createTopics(ctx, true); err != nil {
		return err
	}

	a.logger.Info("topics ensured", slog.Int("count", len(Topics())))

	return nil
}

// Reset deletes and recreates the full topic set, discarding every record on
// the bus. Callers are expected to clear database-side consumer bookkeeping
// alongside, or downstream consumers will skip the replayed offsets.
func (a *Admin) Reset(ctx context.Context) error {
	names := make([]string, 0, len(Topics()))
	for _, spec := range Topics() {
		names = append(names, spec.Name)
	}

	resp, err := a.client.DeleteTopics(ctx, &kafka.DeleteTopicsRequest{Topics: names})
	if err != nil {
		return fmt.Errorf("failed to delete topics: %w", err)
	}

	for topic, topicErr := range resp.Errors {
		if topicErr != nil && !errors.Is(topicErr, kafka.UnknownTopicOrPartition) {
			return fmt.Errorf("failed to delete topic %s: %w", topic, topicErr)
		}
	}

	// An "already exists" response here means the deletion has not finished
	// yet, so tolerate nothing and retry the whole batch.
	var lastErr error
	for range recreateAttempts {
		if lastErr = a.createTopics(ctx, false); lastErr == nil {
			a.logger.Info("bus reset", slog.Int("topics", len(names)))

			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(recreateDelay):
		}
	}

	return fmt.Errorf("failed to recreate topics after reset: %w", lastErr)
}

func (a *Admin) createTopics(ctx context.Context, tolerateExisting bool) error {
	specs := Topics()

	configs := make([]kafka.TopicConfig, 0, len(specs))
	for _, spec := range specs {
		configs = append(configs, spec.topicConfig(a.cfg.ReplicationFactor))
	}

	resp, err := a.client.CreateTopics(ctx, &kafka.CreateTopicsRequest{Topics: configs})
	if err != nil {
		return fmt.Errorf("failed to create topics: %w", err)
	}

	for topic, topicErr := range resp.Errors {
		if topicErr == nil {
			continue
		}

		if tolerateExisting && errors.Is(topicErr, kafka.TopicAlreadyExists) {
			continue
		}

		return fmt.Errorf("failed to create topic %s: %w", topic, topicErr)
	}

	return nil
}

// Partitions returns the sorted partition ids of a topic.
func (a *Admin) Partitions(ctx context.Context, topic string) ([]int, error) {
	resp, err := a.client.Metadata(ctx, &kafka.MetadataRequest{Topics: []string{topic}})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch metadata for %s: %w", topic, err)
	}

	for _, t := range resp.Topics {
		if t.Name != topic {
			continue
		}

		if t.Error != nil {
			return nil, fmt.Errorf("failed to fetch metadata for %s: %w", topic, t.Error)
		}

		ids := make([]int, 0, len(t.Partitions))
		for _, p := range t.Partitions {
			ids = append(ids, p.ID)
		}

		sort.Ints(ids)

		return ids, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrTopicNotFound, topic)
}

// OffsetRange returns the earliest and latest available offsets of one
// partition. The materializer compares these against its database-recorded
// progress to detect bus truncation and recreation at startup.
func (a *Admin) OffsetRange(ctx context.Context, topic string, partition int) (OffsetRange, error) {
	resp, err := a.client.ListOffsets(ctx, &kafka.ListOffsetsRequest{
		Topics: map[string][]kafka.OffsetRequest{
			topic: {kafka.FirstOffsetOf(partition), kafka.LastOffsetOf(partition)},
		},
	})
	if err != nil {
		return OffsetRange{}, fmt.Errorf("failed to list offsets for %s[%d]: %w", topic, partition, err)
	}

	for _, offsets := range resp.Topics[topic] {
		if offsets.Partition != partition {
			continue
		}

		if offsets.Error != nil {
			return OffsetRange{}, fmt.Errorf("failed to list offsets for %s[%d]: %w", topic, partition, offsets.Error)
		}

		return OffsetRange{Earliest: offsets.FirstOffset, Latest: offsets.LastOffset}, nil
	}

	return OffsetRange{}, fmt.Errorf("%w: %s[%d]", ErrTopicNotFound, topic, partition)
}
