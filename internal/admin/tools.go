// Package admin implements the operational tools behind lifectl.
//
// Every tool expresses its effect as appended events; the only direct writes
// are the derived-row clears before a retry and the infrastructure reset.
// The event log stays the total description of state, so a projection
// database rebuilt from scratch converges to the same world the tools
// produced.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/lifestream-io/lifestream/internal/config"
	"github.com/lifestream-io/lifestream/internal/event"
	"github.com/lifestream-io/lifestream/internal/identity"
	"github.com/lifestream-io/lifestream/internal/readmodel"
)

const (
	// DefaultRetryLimit bounds how many links one retry-failed run touches.
	DefaultRetryLimit = 50

	// DefaultMaxRetries is the retry budget a link must have spent before
	// retry-failed selects it. Matches the router's dead-letter threshold.
	DefaultMaxRetries = 3
)

// Sentinel errors for tool construction and invocation.
var (
	// ErrNoSelector is returned when tools are constructed without read views.
	ErrNoSelector = errors.New("no read selector")

	// ErrNoLedger is returned when tools are constructed without a ledger.
	ErrNoLedger = errors.New("no event ledger")

	// ErrNoProjections is returned when tools are constructed without a
	// projection store.
	ErrNoProjections = errors.New("no projection store")

	// ErrNoBroker is returned by ResetBus when no bus admin was wired.
	ErrNoBroker = errors.New("no bus admin")

	// ErrUsage marks an invalid invocation. lifectl maps it to exit code 1;
	// every other failure is infrastructure and exits 2.
	ErrUsage = errors.New("invalid invocation")
)

// validStatuses are the pipeline statuses a selection may name.
//
//nolint:gochecknoglobals
var validStatuses = map[string]bool{
	"new":       true,
	"fetched":   true,
	"enriched":  true,
	"published": true,
	"error":     true,
}

// Selector is the slice of the read views the tools plan from.
type Selector interface {
	VisibilityTargets(ctx context.Context, status string) ([]string, error)
	ErrorLinks(ctx context.Context, subjectID string, minRetries, limit int) ([]readmodel.Link, error)
	StuckLinks(ctx context.Context, subjectID string) ([]string, error)
	GetLink(ctx context.Context, subjectID string) (*readmodel.LinkDetail, error)
}

// Ledger appends tool events and rewinds the forwarded flag on reset.
type Ledger interface {
	Append(ctx context.Context, evt event.Event) (bool, bool, error)
	ResetForwarded(ctx context.Context) (int64, error)
}

// Projections is the slice of the projection store the tools write directly.
type Projections interface {
	ClearLinkDerived(ctx context.Context, subjectID string) error
	ResetBookkeeping(ctx context.Context) error
}

// Broker deletes and recreates the topic set.
type Broker interface {
	Reset(ctx context.Context) error
}

// VisibilityParams select the links whose visibility changes.
type VisibilityParams struct {
	SubjectID  string
	All        bool
	Status     string
	Visibility string
	DryRun     bool
}

// RetryParams select exhausted error links to push through the pipeline
// again.
type RetryParams struct {
	SubjectID  string
	Limit      int
	MaxRetries int
	DryRun     bool
}

// RecoverParams select stuck links whose enrichment gets re-emitted.
type RecoverParams struct {
	SubjectID string
	All       bool
	DryRun    bool
}

// Emission describes one event a tool planned or appended.
type Emission struct {
	SubjectID string
	EventID   string
	EventType event.Type
	Stored    bool
	Duplicate bool
}

// Report summarizes one tool run. In dry-run mode Appended and Duplicates
// stay zero and Emissions carries the plan.
type Report struct {
	Tool       string
	DryRun     bool
	Planned    int
	Appended   int
	Duplicates int
	Emissions  []Emission
}

// ResetReport summarizes a bus reset.
type ResetReport struct {
	EventsUnmarked int64
}

// Tools bundles the stores the operational commands run against.
type Tools struct {
	selector    Selector
	ledger      Ledger
	projections Projections
	broker      Broker
	logger      *slog.Logger
}

// NewTools creates the tool set. The broker may be nil when only event tools
// run; ResetBus requires it.
func NewTools(selector Selector, ledger Ledger, projections Projections, broker Broker) (*Tools, error) {
	if selector == nil {
		return nil, ErrNoSelector
	}

	if ledger == nil {
		return nil, ErrNoLedger
	}

	if projections == nil {
		return nil, ErrNoProjections
	}

	return &Tools{
		selector:    selector,
		ledger:      ledger,
		projections: projections,
		broker:      broker,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// SetVisibility appends link.visibility_changed for every selected link.
//
// Event ids stay random: visibility toggles back and forth, and a
// deterministic id would collide with the first change of the same kind and
// silently drop the toggle.
func (t *Tools) SetVisibility(ctx context.Context, params VisibilityParams) (*Report, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	targets, err := t.visibilityTargets(ctx, params)
	if err != nil {
		return nil, err
	}

	report := &Report{Tool: "set-visibility", DryRun: params.DryRun, Planned: len(targets)}

	for _, subjectID := range targets {
		if params.DryRun {
			// The real run mints fresh ids, so the plan carries none.
			report.Emissions = append(report.Emissions, Emission{
				SubjectID: subjectID,
				EventType: event.TypeLinkVisibilityChanged,
			})

			continue
		}

		evt, err := event.New(
			event.AdminSource("set-visibility"),
			subjectID,
			event.TypeLinkVisibilityChanged,
			event.VisibilityChanged{Visibility: params.Visibility},
		)
		if err != nil {
			return nil, fmt.Errorf("failed to build visibility event for %s: %w", subjectID, err)
		}

		if err := t.append(ctx, report, evt); err != nil {
			return nil, err
		}
	}

	t.logSummary(report)

	return report, nil
}

func (p VisibilityParams) validate() error {
	if p.All == (p.SubjectID != "") {
		return fmt.Errorf("%w: exactly one of --subject-id and --all is required", ErrUsage)
	}

	if p.Visibility != event.VisibilityPublic && p.Visibility != event.VisibilityPrivate {
		return fmt.Errorf("%w: visibility must be public or private", ErrUsage)
	}

	if p.Status != "" && !p.All {
		return fmt.Errorf("%w: --status only applies with --all", ErrUsage)
	}

	if p.Status != "" && !validStatuses[p.Status] {
		return fmt.Errorf("%w: unknown status %q", ErrUsage, p.Status)
	}

	return nil
}

func (t *Tools) visibilityTargets(ctx context.Context, params VisibilityParams) ([]string, error) {
	if params.All {
		targets, err := t.selector.VisibilityTargets(ctx, params.Status)
		if err != nil {
			return nil, fmt.Errorf("failed to select links: %w", err)
		}

		return targets, nil
	}

	detail, err := t.selector.GetLink(ctx, params.SubjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up %s: %w", params.SubjectID, err)
	}

	if detail == nil {
		return nil, fmt.Errorf("%w: unknown subject %s", ErrUsage, params.SubjectID)
	}

	return []string{params.SubjectID}, nil
}

// RetryFailed restarts the pipeline for error links whose retry budget is
// spent: it clears the derived content and metadata rows, then re-appends
// link.added so the router sees an unfetched subject.
func (t *Tools) RetryFailed(ctx context.Context, params RetryParams) (*Report, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	links, err := t.selector.ErrorLinks(ctx, params.SubjectID, params.MaxRetries, params.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select error links: %w", err)
	}

	report := &Report{Tool: "retry-failed", DryRun: params.DryRun, Planned: len(links)}

	for _, link := range links {
		evt, err := event.New(
			event.AdminSource("retry-failed"),
			link.SubjectID,
			event.TypeLinkAdded,
			event.LinkAdded{URL: link.URL, URLNorm: link.URLNorm},
		)
		if err != nil {
			return nil, fmt.Errorf("failed to build retry event for %s: %w", link.SubjectID, err)
		}

		evt = evt.WithEventID(retryEventID(link))

		if params.DryRun {
			report.Emissions = append(report.Emissions, Emission{
				SubjectID: link.SubjectID,
				EventID:   evt.EventID,
				EventType: evt.EventType,
			})

			continue
		}

		// Clear first: the router routes the re-emitted link.added to the
		// fetch stage only while no content row exists.
		if err := t.projections.ClearLinkDerived(ctx, link.SubjectID); err != nil {
			return nil, fmt.Errorf("failed to clear derived rows for %s: %w", link.SubjectID, err)
		}

		if err := t.append(ctx, report, evt); err != nil {
			return nil, err
		}
	}

	t.logSummary(report)

	return report, nil
}

func (p RetryParams) validate() error {
	if p.Limit < 1 {
		return fmt.Errorf("%w: --limit must be at least 1", ErrUsage)
	}

	if p.MaxRetries < 0 {
		return fmt.Errorf("%w: --max-retries must be >= 0", ErrUsage)
	}

	return nil
}

// retryEventID derives a stable id from the failure state: re-running the
// tool before the pipeline reacts appends nothing new, while a later failure
// with a higher retry count or newer error time mints a fresh id.
func retryEventID(link readmodel.Link) string {
	lastError := int64(0)
	if link.LastErrorAt != nil {
		lastError = link.LastErrorAt.UTC().UnixNano()
	}

	key := fmt.Sprintf("retry|%s|%d|%d", link.SubjectID, link.RetryCount, lastError)

	return "evt_" + identity.HashPrefix(key)
}

// RecoverStuck re-emits a synthetic enrichment.completed for links that hold
// usable metadata but whose publish state never settled. The payload is
// rebuilt from the projected metadata, so the event log regains the fact a
// lost bus message deprived it of.
func (t *Tools) RecoverStuck(ctx context.Context, params RecoverParams) (*Report, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	ids, err := t.selector.StuckLinks(ctx, params.SubjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to select stuck links: %w", err)
	}

	report := &Report{Tool: "recover-stuck", DryRun: params.DryRun, Planned: len(ids)}

	for _, subjectID := range ids {
		detail, err := t.selector.GetLink(ctx, subjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to look up %s: %w", subjectID, err)
		}

		if detail == nil || detail.Metadata == nil {
			// The selection raced a concurrent change; nothing to rebuild.
			t.logger.Warn("stuck link lost its metadata, skipping",
				slog.String("subject_id", subjectID),
			)

			continue
		}

		metadata := detail.Metadata

		evt, err := event.New(
			event.AdminSource("recover-stuck"),
			subjectID,
			event.TypeEnrichmentCompleted,
			event.EnrichmentCompleted{
				Tags:         metadata.Tags,
				SummaryShort: metadata.SummaryShort,
				SummaryLong:  metadata.SummaryLong,
				Language:     metadata.Language,
				ModelVersion: metadata.ModelVersion,
			},
		)
		if err != nil {
			return nil, fmt.Errorf("failed to build recovery event for %s: %w", subjectID, err)
		}

		evt = evt.WithEventID(recoverEventID(subjectID, metadata))

		if params.DryRun {
			report.Emissions = append(report.Emissions, Emission{
				SubjectID: subjectID,
				EventID:   evt.EventID,
				EventType: evt.EventType,
			})

			continue
		}

		if err := t.append(ctx, report, evt); err != nil {
			return nil, err
		}
	}

	t.logSummary(report)

	return report, nil
}

func (p RecoverParams) validate() error {
	if p.All == (p.SubjectID != "") {
		return fmt.Errorf("%w: exactly one of --subject-id and --all is required", ErrUsage)
	}

	return nil
}

// recoverEventID derives a stable id from the metadata fingerprint: the same
// projected metadata re-emits the same fact, so re-runs dedupe in the ledger.
func recoverEventID(subjectID string, metadata *readmodel.Metadata) string {
	key := strings.Join([]string{
		"recover",
		subjectID,
		strings.Join(metadata.Tags, ","),
		metadata.SummaryShort,
		metadata.SummaryLong,
		metadata.Language,
		metadata.ModelVersion,
	}, "|")

	return "evt_" + identity.HashPrefix(key)
}

// ResetBus wipes and recreates the topic set, clears the idempotency ledger
// and consumer progress, and unmarks every forwarded event. The next outbox
// cycle republishes the full ledger and the materializer reprojects it.
//
// Topics go first: unmarking events while the old topics still exist would
// let a running forwarder republish into doomed partitions.
func (t *Tools) ResetBus(ctx context.Context, confirmed bool) (*ResetReport, error) {
	if !confirmed {
		return nil, fmt.Errorf("%w: refusing to reset the bus without --yes", ErrUsage)
	}

	if t.broker == nil {
		return nil, ErrNoBroker
	}

	if err := t.broker.Reset(ctx); err != nil {
		return nil, fmt.Errorf("failed to reset topics: %w", err)
	}

	if err := t.projections.ResetBookkeeping(ctx); err != nil {
		return nil, fmt.Errorf("failed to reset bookkeeping: %w", err)
	}

	unmarked, err := t.ledger.ResetForwarded(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to reset forwarded flags: %w", err)
	}

	t.logger.Info("bus reset complete",
		slog.Int64("events_unmarked", unmarked),
	)

	return &ResetReport{EventsUnmarked: unmarked}, nil
}

// append writes one tool event to the ledger and folds the outcome into the
// report. The ledger logs each append; the tools log only summaries.
func (t *Tools) append(ctx context.Context, report *Report, evt event.Event) error {
	stored, duplicate, err := t.ledger.Append(ctx, evt)
	if err != nil {
		return fmt.Errorf("failed to append %s for %s: %w", evt.EventType, evt.SubjectID, err)
	}

	if stored {
		report.Appended++
	}

	if duplicate {
		report.Duplicates++
	}

	report.Emissions = append(report.Emissions, Emission{
		SubjectID: evt.SubjectID,
		EventID:   evt.EventID,
		EventType: evt.EventType,
		Stored:    stored,
		Duplicate: duplicate,
	})

	return nil
}

func (t *Tools) logSummary(report *Report) {
	t.logger.Info("tool run complete",
		slog.String("tool", report.Tool),
		slog.Bool("dry_run", report.DryRun),
		slog.Int("planned", report.Planned),
		slog.Int("appended", report.Appended),
		slog.Int("duplicates", report.Duplicates),
	)
}
