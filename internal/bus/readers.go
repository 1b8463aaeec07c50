package bus

import (
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	readerMinBytes = 1
	readerMaxBytes = 10 << 20 // must hold the largest fetched article
	readerMaxWait  = 500 * time.Millisecond
)

// NewGroupReader creates a consumer-group reader. The group balances the
// topic's partitions across live instances; the router and the workers
// consume this way. Offset commits are synchronous, so a message counts as
// consumed only once the caller has committed it explicitly.
func NewGroupReader(cfg *Config, groupID, topic string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     groupID,
		Topic:       topic,
		Dialer:      cfg.Dialer(),
		MinBytes:    readerMinBytes,
		MaxBytes:    readerMaxBytes,
		MaxWait:     readerMaxWait,
		StartOffset: kafka.FirstOffset,
	})
}

// NewPartitionReader creates a reader pinned to one partition with no
// consumer group. The caller owns positioning through SetOffset; the
// materializer and the tag catalog seed read this way because their
// progress lives outside the brokers.
func NewPartitionReader(cfg *Config, topic string, partition int) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:   cfg.Brokers,
		Topic:     topic,
		Partition: partition,
		Dialer:    cfg.Dialer(),
		MinBytes:  readerMinBytes,
		MaxBytes:  readerMaxBytes,
		MaxWait:   readerMaxWait,
	})
}
