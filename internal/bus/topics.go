package bus

import (
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/lifestream-io/lifestream/internal/event"
)

// Topic names. Work topics derive from the work type so the router, the
// workers, and the admin tooling cannot drift apart.
const (
	// TopicEvents carries every ledger event, keyed by subject id.
	TopicEvents = "events.raw"

	// TopicTagCatalog is the compacted tag vocabulary topic. Snapshots are
	// published under one constant key, so compaction retains exactly the
	// newest snapshot.
	TopicTagCatalog = "tags.catalog"

	// TopicDeadLetter records work commands that exhausted their attempts.
	TopicDeadLetter = "work.dead_letter"

	workTopicPrefix = "work."
)

// WorkTopic returns the topic carrying commands of the given work type.
func WorkTopic(workType event.WorkType) string {
	return workTopicPrefix + workType.String()
}

const (
	defaultPartitions   = 3
	defaultRetention    = 7 * 24 * time.Hour
	deadLetterRetention = 30 * 24 * time.Hour
)

// TopicSpec describes one topic the pipeline depends on.
type TopicSpec struct {
	Name       string
	Partitions int
	Retention  time.Duration
	Compacted  bool
}

// Topics returns the full topic set. The events and work topics are
// partitioned so instances can split subjects between them; tags.catalog and
// the dead letter topic are single-partition because neither carries enough
// volume to shard.
func Topics() []TopicSpec {
	specs := []TopicSpec{
		{Name: TopicEvents, Partitions: defaultPartitions, Retention: defaultRetention},
		{Name: TopicTagCatalog, Partitions: 1, Compacted: true},
	}

	for _, workType := range event.ValidWorkTypes() {
		specs = append(specs, TopicSpec{
			Name:       WorkTopic(workType),
			Partitions: defaultPartitions,
			Retention:  defaultRetention,
		})
	}

	return append(specs, TopicSpec{Name: TopicDeadLetter, Partitions: 1, Retention: deadLetterRetention})
}

// topicConfig converts a TopicSpec into the wire-level topic configuration.
func (s TopicSpec) topicConfig(replicationFactor int) kafka.TopicConfig {
	topicCfg := kafka.TopicConfig{
		Topic:             s.Name,
		NumPartitions:     s.Partitions,
		ReplicationFactor: replicationFactor,
	}

	if s.Compacted {
		topicCfg.ConfigEntries = append(topicCfg.ConfigEntries, kafka.ConfigEntry{
			ConfigName:  "cleanup.policy",
			ConfigValue: "compact",
		})
	}

	if s.Retention > 0 {
		topicCfg.ConfigEntries = append(topicCfg.ConfigEntries, kafka.ConfigEntry{
			ConfigName:  "retention.ms",
			ConfigValue: strconv.FormatInt(s.Retention.Milliseconds(), 10),
		})
	}

	return topicCfg
}
