package storage

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"

	"github.com/lifestream-io/lifestream/internal/config"
	"github.com/lifestream-io/lifestream/internal/event"
	"github.com/lifestream-io/lifestream/internal/identity"
)

// TestLedgerIntegration runs all integration tests for the event ledger.
func TestLedgerIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	testDB := config.SetupTestDatabase(ctx, t)

	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	conn := &Connection{DB: testDB.Connection}

	ledger, err := NewLedger(conn)
	if err != nil {
		t.Fatalf("NewLedger() error = %v", err)
	}

	t.Run("Append_SingleSuccess", testAppendSingleSuccess(ctx, ledger, conn))
	t.Run("Append_Duplicate", testAppendDuplicate(ctx, ledger, conn))
	t.Run("Append_Invalid", testAppendInvalid(ctx, ledger))
	t.Run("ReadUnforwarded_Order", testReadUnforwardedOrder(ctx, ledger))
	t.Run("MarkForwarded_Idempotent", testMarkForwardedIdempotent(ctx, ledger))
	t.Run("ResetForwarded_Replay", testResetForwardedReplay(ctx, ledger))
}

// newTestLinkEvent builds a valid link.added event for a URL.
func newTestLinkEvent(t *testing.T, url string) event.Event {
	t.Helper()

	evt, err := event.New(event.SourceChrome, identity.LinkID(url), event.TypeLinkAdded, event.LinkAdded{
		URL:     url,
		URLNorm: identity.NormalizeURL(url),
	})
	if err != nil {
		t.Fatalf("event.New() error = %v", err)
	}

	return evt
}

func testAppendSingleSuccess(ctx context.Context, ledger *Ledger, conn *Connection) func(*testing.T) {
	return func(t *testing.T) {
		evt := newTestLinkEvent(t, "https://example.com/ledger/single")

		stored, duplicate, err := ledger.Append(ctx, evt)
		if err != nil {
			t.Fatalf("Append() error = %v", err)
		}

		if !stored {
			t.Errorf("Append() stored = false, want true")
		}

		if duplicate {
			t.Errorf("Append() duplicate = true, want false")
		}

		// Verify the row landed with forwarded = false
		var forwarded bool

		err = conn.QueryRowContext(ctx,
			`SELECT forwarded FROM events WHERE event_id = $1`, evt.EventID,
		).Scan(&forwarded)
		if err != nil {
			t.Fatalf("failed to query appended event: %v", err)
		}

		if forwarded {
			t.Errorf("appended event forwarded = true, want false")
		}
	}
}

func testAppendDuplicate(ctx context.Context, ledger *Ledger, conn *Connection) func(*testing.T) {
	return func(t *testing.T) {
		evt := newTestLinkEvent(t, "https://example.com/ledger/duplicate")

		stored1, duplicate1, err1 := ledger.Append(ctx, evt)
		if err1 != nil {
			t.Fatalf("First Append() error = %v", err1)
		}

		if !stored1 || duplicate1 {
			t.Errorf("First Append() = (%v, %v), want (true, false)", stored1, duplicate1)
		}

		stored2, duplicate2, err2 := ledger.Append(ctx, evt)
		if err2 != nil {
			t.Errorf("Second Append() error = %v, want nil (duplicates are success)", err2)
		}

		if stored2 {
			t.Errorf("Second Append() stored = true, want false")
		}

		if !duplicate2 {
			t.Errorf("Second Append() duplicate = false, want true")
		}

		var count int

		err := conn.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM events WHERE event_id = $1`, evt.EventID,
		).Scan(&count)
		if err != nil {
			t.Fatalf("failed to count events: %v", err)
		}

		if count != 1 {
			t.Errorf("event count = %d, want 1 (duplicate should not create new row)", count)
		}
	}
}

func testAppendInvalid(ctx context.Context, ledger *Ledger) func(*testing.T) {
	return func(t *testing.T) {
		evt := newTestLinkEvent(t, "https://example.com/ledger/invalid")
		evt.Source = ""

		stored, duplicate, err := ledger.Append(ctx, evt)
		if err == nil {
			t.Fatal("Append() with empty source expected error, got nil")
		}

		if stored || duplicate {
			t.Errorf("Append() = (%v, %v), want (false, false) on error", stored, duplicate)
		}
	}
}

func testReadUnforwardedOrder(ctx context.Context, ledger *Ledger) func(*testing.T) {
	return func(t *testing.T) {
		base := time.Now().UTC().Add(-time.Hour)

		// Append out of received order; reads must come back oldest first.
		urls := []string{
			"https://example.com/ledger/order/second",
			"https://example.com/ledger/order/first",
			"https://example.com/ledger/order/third",
		}
		offsets := []time.Duration{time.Minute, 0, 2 * time.Minute}

		ids := make(map[string]time.Time, len(urls))

		for i, url := range urls {
			evt := newTestLinkEvent(t, url)
			evt.ReceivedAt = base.Add(offsets[i])
			ids[evt.EventID] = evt.ReceivedAt

			if _, _, err := ledger.Append(ctx, evt); err != nil {
				t.Fatalf("Append(%s) error = %v", url, err)
			}
		}

		events, err := ledger.ReadUnforwarded(ctx, 100)
		if err != nil {
			t.Fatalf("ReadUnforwarded() error = %v", err)
		}

		// Other subtests leave unforwarded events around; check relative
		// order of ours only.
		var got []time.Time

		for _, evt := range events {
			if at, ok := ids[evt.EventID]; ok {
				got = append(got, at)
			}
		}

		if len(got) != len(urls) {
			t.Fatalf("found %d of %d appended events in unforwarded read", len(got), len(urls))
		}

		for i := 1; i < len(got); i++ {
			if got[i].Before(got[i-1]) {
				t.Errorf("unforwarded events out of received_at order: %v before %v", got[i], got[i-1])
			}
		}
	}
}

func testMarkForwardedIdempotent(ctx context.Context, ledger *Ledger) func(*testing.T) {
	return func(t *testing.T) {
		evt := newTestLinkEvent(t, "https://example.com/ledger/mark")

		if _, _, err := ledger.Append(ctx, evt); err != nil {
			t.Fatalf("Append() error = %v", err)
		}

		marked, err := ledger.MarkForwarded(ctx, []string{evt.EventID})
		if err != nil {
			t.Fatalf("MarkForwarded() error = %v", err)
		}

		if marked != 1 {
			t.Errorf("MarkForwarded() = %d, want 1", marked)
		}

		// Second mark is a no-op, not an error
		marked2, err := ledger.MarkForwarded(ctx, []string{evt.EventID})
		if err != nil {
			t.Fatalf("Second MarkForwarded() error = %v", err)
		}

		if marked2 != 0 {
			t.Errorf("Second MarkForwarded() = %d, want 0", marked2)
		}

		// Marked events no longer show up in unforwarded reads
		events, err := ledger.ReadUnforwarded(ctx, 1000)
		if err != nil {
			t.Fatalf("ReadUnforwarded() error = %v", err)
		}

		for _, got := range events {
			if got.EventID == evt.EventID {
				t.Errorf("marked event %s still returned by ReadUnforwarded", evt.EventID)
			}
		}

		// Empty id list short-circuits
		marked3, err := ledger.MarkForwarded(ctx, nil)
		if err != nil {
			t.Fatalf("MarkForwarded(nil) error = %v", err)
		}

		if marked3 != 0 {
			t.Errorf("MarkForwarded(nil) = %d, want 0", marked3)
		}
	}
}

func testResetForwardedReplay(ctx context.Context, ledger *Ledger) func(*testing.T) {
	return func(t *testing.T) {
		evt := newTestLinkEvent(t, "https://example.com/ledger/reset")

		if _, _, err := ledger.Append(ctx, evt); err != nil {
			t.Fatalf("Append() error = %v", err)
		}

		if _, err := ledger.MarkForwarded(ctx, []string{evt.EventID}); err != nil {
			t.Fatalf("MarkForwarded() error = %v", err)
		}

		reset, err := ledger.ResetForwarded(ctx)
		if err != nil {
			t.Fatalf("ResetForwarded() error = %v", err)
		}

		if reset < 1 {
			t.Errorf("ResetForwarded() = %d, want at least 1", reset)
		}

		events, err := ledger.ReadUnforwarded(ctx, 1000)
		if err != nil {
			t.Fatalf("ReadUnforwarded() error = %v", err)
		}

		found := false

		for _, got := range events {
			if got.EventID == evt.EventID {
				found = true

				break
			}
		}

		if !found {
			t.Errorf("reset event %s not returned by ReadUnforwarded", evt.EventID)
		}
	}
}
