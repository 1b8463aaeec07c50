package worker

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/lifestream-io/lifestream/internal/event"
)

type fakeSnapshotSource struct {
	mu       sync.Mutex
	messages chan kafka.Message
	err      error
}

func newFakeSnapshotSource(msgs ...kafka.Message) *fakeSnapshotSource {
	ch := make(chan kafka.Message, len(msgs))
	for _, msg := range msgs {
		ch <- msg
	}

	return &fakeSnapshotSource{messages: ch}
}

func (f *fakeSnapshotSource) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	err := f.err
	f.mu.Unlock()

	if err != nil {
		return kafka.Message{}, err
	}

	select {
	case msg := <-f.messages:
		return msg, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func snapshotMessage(t *testing.T, tags []string) kafka.Message {
	t.Helper()

	data, err := event.EncodeTagSnapshot(tags)
	if err != nil {
		t.Fatalf("EncodeTagSnapshot() error = %v", err)
	}

	return kafka.Message{Value: data}
}

func TestTagCatalogMerge(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tc := NewTagCatalog()

	added := tc.Merge([]string{"go", "unix"})
	if !slices.Equal(added, []string{"go", "unix"}) {
		t.Errorf("first Merge() added = %v, want [go unix]", added)
	}

	added = tc.Merge([]string{"unix", "plan9"})
	if !slices.Equal(added, []string{"plan9"}) {
		t.Errorf("second Merge() added = %v, want [plan9]", added)
	}

	if added = tc.Merge([]string{"go", "plan9"}); len(added) != 0 {
		t.Errorf("Merge() of known tags added = %v, want none", added)
	}

	if got := tc.All(); !slices.Equal(got, []string{"go", "plan9", "unix"}) {
		t.Errorf("All() = %v, want sorted [go plan9 unix]", got)
	}
}

func TestTagCatalogReplace(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tc := NewTagCatalog()
	tc.Merge([]string{"old", "stale"})
	tc.Replace([]string{"fresh"})

	if got := tc.All(); !slices.Equal(got, []string{"fresh"}) {
		t.Errorf("All() after Replace = %v, want [fresh]", got)
	}
}

func TestTagCatalogKnown(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tc := NewTagCatalog()
	tc.Merge([]string{"databases", "concurrency", "networking", "allocators"})

	if got := tc.Known(2); !slices.Equal(got, []string{"allocators", "concurrency"}) {
		t.Errorf("Known(2) = %v, want first two sorted", got)
	}

	if got := tc.Known(10); len(got) != 4 {
		t.Errorf("Known(10) returned %d tags, want all 4", len(got))
	}

	if got := tc.Known(0); got != nil {
		t.Errorf("Known(0) = %v, want nil", got)
	}
}

func TestTagCatalogSeed(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	source := newFakeSnapshotSource(
		snapshotMessage(t, []string{"go", "unix"}),
		kafka.Message{Value: []byte("not a snapshot")},
		snapshotMessage(t, []string{"go", "unix", "plan9"}),
	)

	tc := NewTagCatalog()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)

	go func() { done <- tc.Seed(ctx, source) }()

	want := []string{"go", "plan9", "unix"}
	deadline := time.After(2 * time.Second)

	for !slices.Equal(tc.All(), want) {
		select {
		case <-deadline:
			t.Fatalf("catalog = %v, want %v", tc.All(), want)
		case <-time.After(time.Millisecond):
		}
	}

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Seed() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Seed() did not stop after cancellation")
	}
}

func TestTagCatalogSeedReaderFailure(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	source := newFakeSnapshotSource()
	source.err = errors.New("broker gone")

	tc := NewTagCatalog()

	if err := tc.Seed(context.Background(), source); err == nil {
		t.Fatal("Seed() error = nil, want reader failure")
	}
}
