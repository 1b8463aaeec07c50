package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/segmentio/kafka-go"

	"github.com/lifestream-io/lifestream/internal/config"
	"github.com/lifestream-io/lifestream/internal/event"
)

// SnapshotReader is the bus surface the catalog seeds from. Satisfied by a
// partition reader over the compacted catalog topic; no offsets are
// committed, every start replays from the beginning.
type SnapshotReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
}

// TagCatalog is the enricher's in-process mirror of the tag vocabulary.
//
// The compacted catalog topic is the store; this is only a cache of its
// latest snapshot, replaced wholesale on every message, plus the tags this
// process has discovered since. Losing it costs nothing but vocabulary
// hints on the next model call.
type TagCatalog struct {
	mu     sync.RWMutex
	tags   map[string]struct{}
	logger *slog.Logger
}

// NewTagCatalog creates an empty catalog.
func NewTagCatalog() *TagCatalog {
	return &TagCatalog{
		tags: make(map[string]struct{}),
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// Seed consumes catalog snapshots until ctx is cancelled, replacing the
// vocabulary on every message. Meant to run as a background goroutine next
// to the enricher; it returns nil on cancellation.
func (c *TagCatalog) Seed(ctx context.Context, reader SnapshotReader) error {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return fmt.Errorf("failed to read tag snapshot: %w", err)
		}

		tags, err := event.DecodeTagSnapshot(msg.Value)
		if err != nil {
			c.logger.Warn("skipping malformed tag snapshot",
				slog.Int64("offset", msg.Offset),
				slog.String("error", err.Error()),
			)

			continue
		}

		c.Replace(tags)

		c.logger.Debug("tag vocabulary replaced",
			slog.Int("tags", len(tags)),
			slog.Int64("offset", msg.Offset),
		)
	}
}

// Replace swaps the whole vocabulary for the given set.
func (c *TagCatalog) Replace(tags []string) {
	next := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		next[tag] = struct{}{}
	}

	c.mu.Lock()
	c.tags = next
	c.mu.Unlock()
}

// Merge adds tags to the vocabulary and returns the ones that were new.
func (c *TagCatalog) Merge(tags []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var added []string

	for _, tag := range tags {
		if _, ok := c.tags[tag]; ok {
			continue
		}

		c.tags[tag] = struct{}{}
		added = append(added, tag)
	}

	return added
}

// All returns the full vocabulary, sorted.
func (c *TagCatalog) All() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	all := make([]string, 0, len(c.tags))
	for tag := range c.tags {
		all = append(all, tag)
	}

	sort.Strings(all)

	return all
}

// Known returns up to limit tags, sorted, to offer the model as vocabulary.
// A non-positive limit returns nothing.
func (c *TagCatalog) Known(limit int) []string {
	if limit <= 0 {
		return nil
	}

	all := c.All()
	if len(all) > limit {
		all = all[:limit]
	}

	return all
}
