package storage

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"

	"github.com/lifestream-io/lifestream/internal/config"
	"github.com/lifestream-io/lifestream/internal/event"
	"github.com/lifestream-io/lifestream/internal/identity"
	"github.com/lifestream-io/lifestream/internal/readmodel"
)

// seededViews holds the subject ids created by seedReadViews.
type seededViews struct {
	published string // fetched, enriched, published, annotated, public
	failed    string // three work failures, status error
	stuck     string // enriched but never published, private
	pinned    string // freshly added, pinned
	office    string // sensor with display name
	attic     string // sensor without display name
}

// seedReadViews drives a small projected world through the event handlers.
func seedReadViews(ctx context.Context, t *testing.T, store *ProjectionStore, conn *Connection) seededViews {
	t.Helper()

	seed := seededViews{
		published: identity.LinkID("https://example.com/views/alpha"),
		failed:    identity.LinkID("https://example.com/views/beta"),
		stuck:     identity.LinkID("https://example.com/views/gamma"),
		pinned:    identity.LinkID("https://example.com/views/delta"),
		office:    identity.SensorID("Office"),
		attic:     identity.SensorID("Attic"),
	}

	addLink := func(url string) string {
		subjectID := identity.LinkID(url)
		applyFresh(ctx, t, store, mustEvent(t, event.SourceChrome, subjectID, event.TypeLinkAdded, event.LinkAdded{
			URL: url, URLNorm: identity.NormalizeURL(url),
		}))

		return subjectID
	}

	// Published link: the full pipeline plus one annotation
	addLink("https://example.com/views/alpha")
	applyFresh(ctx, t, store, mustEvent(t, event.AgentSource("fetcher"), seed.published, event.TypeContentFetched, event.ContentFetched{
		FinalURL: "https://example.com/views/alpha", Title: "Alpha", TextContent: "alpha body",
	}))
	applyFresh(ctx, t, store, mustEvent(t, event.AgentSource("enricher"), seed.published, event.TypeEnrichmentCompleted, event.EnrichmentCompleted{
		Tags: []string{"go", "databases"}, SummaryShort: "about alpha",
	}))
	applyFresh(ctx, t, store, mustEvent(t, event.AgentSource("publisher"), seed.published, event.TypePublishCompleted, event.PublishCompleted{}))
	applyFresh(ctx, t, store, mustEvent(t, event.SourceChrome, identity.SubjectID(identity.KindAnnotation, "views-ann-1"), event.TypeAnnotationAdded, event.AnnotationAdded{
		AnnotationID: "views-ann-1", LinkSubjectID: seed.published, Quote: "key passage",
	}))

	// Failed link: three fetch failures with strictly increasing clocks so
	// each one counts as a distinct retry.
	addLink("https://example.com/views/beta")

	failBase := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	for attempt := range 3 {
		evt := mustEvent(t, event.AgentSource("fetcher"), seed.failed, event.TypeWorkFailed, event.WorkFailed{
			WorkMessage: event.WorkCommand{
				SubjectID: seed.failed,
				WorkType:  event.WorkFetchLink,
				Attempt:   attempt + 1,
			},
			Error: "dial tcp: connection refused",
			Agent: "fetcher",
		}).WithOccurredAt(failBase.Add(time.Duration(attempt) * time.Minute))
		applyFresh(ctx, t, store, evt)
	}

	// Stuck link: enrichment landed but publishing never caught up
	addLink("https://example.com/views/gamma")
	applyFresh(ctx, t, store, mustEvent(t, event.AgentSource("fetcher"), seed.stuck, event.TypeContentFetched, event.ContentFetched{
		FinalURL: "https://example.com/views/gamma", TextContent: "gamma body",
	}))
	applyFresh(ctx, t, store, mustEvent(t, event.AgentSource("enricher"), seed.stuck, event.TypeEnrichmentCompleted, event.EnrichmentCompleted{
		Tags: []string{"homelab"},
	}))
	applyFresh(ctx, t, store, mustEvent(t, event.AdminSource("set-visibility"), seed.stuck, event.TypeLinkVisibilityChanged, event.VisibilityChanged{
		Visibility: event.VisibilityPrivate,
	}))

	// Pinned link: captured and pinned, nothing else
	addLink("https://example.com/views/delta")

	if _, err := conn.ExecContext(ctx, `UPDATE links SET pinned = TRUE WHERE subject_id = $1`, seed.pinned); err != nil {
		t.Fatalf("failed to pin link: %v", err)
	}

	// Sensors: capture stamps the display name, projection fills the series
	readingBase := time.Date(2026, 4, 2, 7, 0, 0, 0, time.UTC)

	officeEvt := mustEvent(t, event.SourceHomeAssistant, seed.office, event.TypeTempReadingRecorded, event.TempReadingRecorded{
		Celsius: 21.5,
	}).WithOccurredAt(readingBase)

	if _, _, err := store.CaptureReading(ctx, officeEvt, "Office"); err != nil {
		t.Fatalf("CaptureReading(office) error = %v", err)
	}

	applyFresh(ctx, t, store, officeEvt)

	atticEvt := mustEvent(t, event.SourceHomeAssistant, seed.attic, event.TypeTempReadingRecorded, event.TempReadingRecorded{
		Celsius: 18.2,
	}).WithOccurredAt(readingBase.Add(time.Hour))

	if _, _, err := store.CaptureReading(ctx, atticEvt, ""); err != nil {
		t.Fatalf("CaptureReading(attic) error = %v", err)
	}

	applyFresh(ctx, t, store, atticEvt)

	return seed
}

// TestReadStoreIntegration runs all integration tests for the projected read
// views.
func TestReadStoreIntegration(t *testing.T) {
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

	projections, err := NewProjectionStore(conn)
	if err != nil {
		t.Fatalf("NewProjectionStore() error = %v", err)
	}

	store, err := NewReadStore(conn)
	if err != nil {
		t.Fatalf("NewReadStore() error = %v", err)
	}

	seed := seedReadViews(ctx, t, projections, conn)

	t.Run("ListLinks_All", testListLinksAll(ctx, store))
	t.Run("ListLinks_Filters", testListLinksFilters(ctx, store, seed))
	t.Run("ListLinks_Pagination", testListLinksPagination(ctx, store))
	t.Run("GetLink_FullDetail", testGetLinkFullDetail(ctx, store, seed))
	t.Run("GetLink_NotFound", testGetLinkNotFound(ctx, store))
	t.Run("LatestReadings", testLatestReadings(ctx, store, seed))
	t.Run("ErrorLinks", testErrorLinks(ctx, store, seed))
	t.Run("StuckLinks", testStuckLinks(ctx, store, seed))
	t.Run("VisibilityTargets", testVisibilityTargets(ctx, store, seed))
}

func testListLinksAll(ctx context.Context, store *ReadStore) func(*testing.T) {
	return func(t *testing.T) {
		result, err := store.ListLinks(ctx, nil, nil)
		if err != nil {
			t.Fatalf("ListLinks() error = %v", err)
		}

		if result.Total != 4 {
			t.Errorf("ListLinks() total = %d, want 4", result.Total)
		}

		if len(result.Links) != 4 {
			t.Fatalf("ListLinks() returned %d links, want 4", len(result.Links))
		}

		for i := 1; i < len(result.Links); i++ {
			if result.Links[i].CreatedAt.After(result.Links[i-1].CreatedAt) {
				t.Errorf("links not ordered newest first: index %d is newer than index %d", i, i-1)
			}
		}
	}
}

func testListLinksFilters(ctx context.Context, store *ReadStore, seed seededViews) func(*testing.T) {
	return func(t *testing.T) {
		tests := []struct {
			name        string
			filter      readmodel.LinkFilter
			wantSubject string
		}{
			{
				name:        "by status",
				filter:      readmodel.LinkFilter{Status: "published"},
				wantSubject: seed.published,
			},
			{
				name:        "by visibility",
				filter:      readmodel.LinkFilter{Visibility: event.VisibilityPrivate},
				wantSubject: seed.stuck,
			},
			{
				name:        "by tag",
				filter:      readmodel.LinkFilter{Tag: "databases"},
				wantSubject: seed.published,
			},
			{
				name:        "pinned only",
				filter:      readmodel.LinkFilter{PinnedOnly: true},
				wantSubject: seed.pinned,
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				result, err := store.ListLinks(ctx, &tt.filter, nil)
				if err != nil {
					t.Fatalf("ListLinks() error = %v", err)
				}

				if result.Total != 1 || len(result.Links) != 1 {
					t.Fatalf("ListLinks() = %d links (total %d), want exactly 1", len(result.Links), result.Total)
				}

				if result.Links[0].SubjectID != tt.wantSubject {
					t.Errorf("ListLinks() subject = %s, want %s", result.Links[0].SubjectID, tt.wantSubject)
				}
			})
		}
	}
}

func testListLinksPagination(ctx context.Context, store *ReadStore) func(*testing.T) {
	return func(t *testing.T) {
		page1, err := store.ListLinks(ctx, nil, &readmodel.Pagination{Limit: 3, Offset: 0})
		if err != nil {
			t.Fatalf("ListLinks() page 1 error = %v", err)
		}

		if len(page1.Links) != 3 {
			t.Errorf("page 1 size = %d, want 3", len(page1.Links))
		}

		if page1.Total != 4 {
			t.Errorf("page 1 total = %d, want 4 (count before pagination)", page1.Total)
		}

		page2, err := store.ListLinks(ctx, nil, &readmodel.Pagination{Limit: 3, Offset: 3})
		if err != nil {
			t.Fatalf("ListLinks() page 2 error = %v", err)
		}

		if len(page2.Links) != 1 {
			t.Errorf("page 2 size = %d, want 1", len(page2.Links))
		}

		seen := map[string]bool{}
		for _, link := range page1.Links {
			seen[link.SubjectID] = true
		}

		for _, link := range page2.Links {
			if seen[link.SubjectID] {
				t.Errorf("subject %s appeared on both pages", link.SubjectID)
			}
		}
	}
}

func testGetLinkFullDetail(ctx context.Context, store *ReadStore, seed seededViews) func(*testing.T) {
	return func(t *testing.T) {
		detail, err := store.GetLink(ctx, seed.published)
		if err != nil {
			t.Fatalf("GetLink() error = %v", err)
		}

		if detail == nil {
			t.Fatal("GetLink() returned nil for existing link")
		}

		if detail.Link.Status != "published" {
			t.Errorf("detail status = %q, want %q", detail.Link.Status, "published")
		}

		if detail.Content == nil || detail.Content.Title != "Alpha" {
			t.Errorf("detail content = %+v, want title Alpha", detail.Content)
		}

		if detail.Metadata == nil || len(detail.Metadata.Tags) != 2 {
			t.Errorf("detail metadata = %+v, want 2 tags", detail.Metadata)
		}

		if detail.Publish == nil || detail.Publish.Dirty {
			t.Errorf("detail publish = %+v, want settled", detail.Publish)
		}

		if len(detail.Annotations) != 1 || detail.Annotations[0].Quote != "key passage" {
			t.Errorf("detail annotations = %+v, want the seeded quote", detail.Annotations)
		}

		// A link the pipeline has not touched yet has nil sub-views
		fresh, err := store.GetLink(ctx, seed.pinned)
		if err != nil {
			t.Fatalf("GetLink() fresh link error = %v", err)
		}

		if fresh == nil {
			t.Fatal("GetLink() returned nil for fresh link")
		}

		if fresh.Content != nil || fresh.Metadata != nil || fresh.Publish != nil {
			t.Errorf("fresh link detail has derived views: %+v", fresh)
		}
	}
}

func testGetLinkNotFound(ctx context.Context, store *ReadStore) func(*testing.T) {
	return func(t *testing.T) {
		detail, err := store.GetLink(ctx, identity.LinkID("https://example.com/views/never-captured"))
		if err != nil {
			t.Fatalf("GetLink() error = %v", err)
		}

		if detail != nil {
			t.Errorf("GetLink() for missing link = %+v, want nil", detail)
		}
	}
}

func testLatestReadings(ctx context.Context, store *ReadStore, seed seededViews) func(*testing.T) {
	return func(t *testing.T) {
		readings, err := store.LatestReadings(ctx)
		if err != nil {
			t.Fatalf("LatestReadings() error = %v", err)
		}

		if len(readings) != 2 {
			t.Fatalf("LatestReadings() returned %d readings, want 2", len(readings))
		}

		// Newest reading first
		if readings[0].SubjectID != seed.attic || readings[1].SubjectID != seed.office {
			t.Errorf("LatestReadings() order = [%s, %s], want [%s, %s]",
				readings[0].SubjectID, readings[1].SubjectID, seed.attic, seed.office)
		}

		if readings[1].DisplayName != "Office" {
			t.Errorf("office display name = %q, want %q", readings[1].DisplayName, "Office")
		}

		// A sensor captured without a display name falls back to its id
		if readings[0].DisplayName != seed.attic {
			t.Errorf("attic display name = %q, want subject id %q", readings[0].DisplayName, seed.attic)
		}

		if readings[1].Celsius != 21.5 {
			t.Errorf("office celsius = %v, want 21.5", readings[1].Celsius)
		}
	}
}

func testErrorLinks(ctx context.Context, store *ReadStore, seed seededViews) func(*testing.T) {
	return func(t *testing.T) {
		// Default selection: errored links that exhausted their retries
		links, err := store.ErrorLinks(ctx, "", 3, 50)
		if err != nil {
			t.Fatalf("ErrorLinks() error = %v", err)
		}

		if len(links) != 1 {
			t.Fatalf("ErrorLinks(minRetries=3) returned %d links, want 1", len(links))
		}

		if links[0].SubjectID != seed.failed {
			t.Errorf("ErrorLinks() subject = %s, want %s", links[0].SubjectID, seed.failed)
		}

		if links[0].RetryCount != 3 {
			t.Errorf("ErrorLinks() retry_count = %d, want 3", links[0].RetryCount)
		}

		// A higher threshold excludes it
		links, err = store.ErrorLinks(ctx, "", 4, 50)
		if err != nil {
			t.Fatalf("ErrorLinks() error = %v", err)
		}

		if len(links) != 0 {
			t.Errorf("ErrorLinks(minRetries=4) returned %d links, want 0", len(links))
		}

		// Targeting a healthy subject finds nothing
		links, err = store.ErrorLinks(ctx, seed.published, 0, 50)
		if err != nil {
			t.Fatalf("ErrorLinks() error = %v", err)
		}

		if len(links) != 0 {
			t.Errorf("ErrorLinks(published subject) returned %d links, want 0", len(links))
		}
	}
}

func testStuckLinks(ctx context.Context, store *ReadStore, seed seededViews) func(*testing.T) {
	return func(t *testing.T) {
		stuck, err := store.StuckLinks(ctx, "")
		if err != nil {
			t.Fatalf("StuckLinks() error = %v", err)
		}

		if len(stuck) != 1 || stuck[0] != seed.stuck {
			t.Errorf("StuckLinks() = %v, want [%s]", stuck, seed.stuck)
		}

		// A published link is settled, not stuck
		stuck, err = store.StuckLinks(ctx, seed.published)
		if err != nil {
			t.Fatalf("StuckLinks() error = %v", err)
		}

		if len(stuck) != 0 {
			t.Errorf("StuckLinks(published subject) = %v, want empty", stuck)
		}
	}
}

func testVisibilityTargets(ctx context.Context, store *ReadStore, seed seededViews) func(*testing.T) {
	return func(t *testing.T) {
		targets, err := store.VisibilityTargets(ctx, "published")
		if err != nil {
			t.Fatalf("VisibilityTargets() error = %v", err)
		}

		if len(targets) != 1 || targets[0] != seed.published {
			t.Errorf("VisibilityTargets(published) = %v, want [%s]", targets, seed.published)
		}

		targets, err = store.VisibilityTargets(ctx, "")
		if err != nil {
			t.Fatalf("VisibilityTargets() error = %v", err)
		}

		if len(targets) != 4 {
			t.Errorf("VisibilityTargets(all) returned %d subjects, want 4", len(targets))
		}
	}
}
