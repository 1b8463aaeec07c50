package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/lifestream-io/lifestream/internal/config"
	"github.com/lifestream-io/lifestream/internal/event"
	"github.com/lifestream-io/lifestream/internal/policy"
)

// DefaultEnrichModel is the chat model used when none is configured.
const DefaultEnrichModel = openai.GPT4oMini

const (
	minTags              = 3
	maxTags              = 7
	maxShortSummaryRunes = 200
)

// Sentinel errors for enricher construction.
var (
	// ErrNoChatClient is returned when an enricher is constructed without a
	// chat client.
	ErrNoChatClient = errors.New("no chat client")

	// ErrNoTagCatalog is returned when an enricher is constructed without a
	// tag catalog.
	ErrNoTagCatalog = errors.New("no tag catalog")

	// ErrNoSnapshotPublisher is returned when an enricher is constructed
	// without a snapshot publisher.
	ErrNoSnapshotPublisher = errors.New("no snapshot publisher")
)

// ChatClient is the subset of the go-openai client the enricher calls.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// TagSnapshotPublisher pushes the grown vocabulary to the catalog topic.
// Satisfied by *bus.Publisher.
type TagSnapshotPublisher interface {
	PublishTagSnapshot(ctx context.Context, tags []string) error
}

// EnricherOptions configures an Enricher. Client, Catalog, and Snapshots are
// required; the rest falls back to defaults.
type EnricherOptions struct {
	Client         ChatClient
	Model          string
	TextBudget     int
	KnownTagsLimit int
	Catalog        *TagCatalog
	Snapshots      TagSnapshotPublisher
}

// Enricher asks a chat model for tags and summaries of fetched content.
//
// The model is held to a contract: a JSON object with 3 to 7 tags, a short
// summary, a long summary, and a language code. Output that breaks the
// contract is a failed attempt like a model timeout, because a second call
// usually produces conforming output.
type Enricher struct {
	chat       ChatClient
	model      string
	textBudget int
	tagsLimit  int
	catalog    *TagCatalog
	snapshots  TagSnapshotPublisher
	logger     *slog.Logger
}

// NewEnricher creates the enrich stage handler.
func NewEnricher(opts EnricherOptions) (*Enricher, error) {
	if opts.Client == nil {
		return nil, ErrNoChatClient
	}

	if opts.Catalog == nil {
		return nil, ErrNoTagCatalog
	}

	if opts.Snapshots == nil {
		return nil, ErrNoSnapshotPublisher
	}

	model := opts.Model
	if model == "" {
		model = DefaultEnrichModel
	}

	textBudget := opts.TextBudget
	if textBudget <= 0 {
		textBudget = policy.DefaultEnrichTextBudget
	}

	tagsLimit := opts.KnownTagsLimit
	if tagsLimit <= 0 {
		tagsLimit = policy.DefaultKnownTagsLimit
	}

	return &Enricher{
		chat:       opts.Client,
		model:      model,
		textBudget: textBudget,
		tagsLimit:  tagsLimit,
		catalog:    opts.Catalog,
		snapshots:  opts.Snapshots,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// enrichmentResult is the JSON document the model is asked to produce.
type enrichmentResult struct {
	Tags         []string `json:"tags"`
	SummaryShort string   `json:"summary_short"` //nolint:tagliatelle
	SummaryLong  string   `json:"summary_long"`  //nolint:tagliatelle
	Language     string   `json:"language"`
}

const enrichSystemPrompt = `You tag and summarize articles for a personal link archive. ` +
	`Reply with one JSON object of the form ` +
	`{"tags": [...], "summary_short": "...", "summary_long": "...", "language": "..."}. ` +
	`Give 3 to 7 short lowercase topic tags, preferring the known vocabulary when it fits. ` +
	`summary_short is a single sentence of at most 200 characters, summary_long a paragraph, ` +
	`language the ISO 639-1 code of the text.`

// Handle runs one chat completion and returns an EnrichmentCompleted payload.
func (e *Enricher) Handle(ctx context.Context, work event.WorkCommand) (any, error) {
	payload, err := event.DecodeEnrichPayload(work)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(payload.Text) == "" {
		return nil, errors.New("enrich payload has no text")
	}

	resp, err := e.chat.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.model,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: enrichSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: e.prompt(payload)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, errors.New("chat completion returned no choices")
	}

	result, err := parseEnrichment(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}

	e.publishNewTags(ctx, result.Tags)

	modelVersion := resp.Model
	if modelVersion == "" {
		modelVersion = e.model
	}

	return event.EnrichmentCompleted{
		Tags:         result.Tags,
		SummaryShort: result.SummaryShort,
		SummaryLong:  result.SummaryLong,
		Language:     result.Language,
		ModelVersion: modelVersion,
	}, nil
}

func (e *Enricher) prompt(payload event.EnrichPayload) string {
	var b strings.Builder

	if known := e.catalog.Known(e.tagsLimit); len(known) > 0 {
		b.WriteString("Known tags: ")
		b.WriteString(strings.Join(known, ", "))
		b.WriteString("\n\n")
	}

	if payload.Title != "" {
		b.WriteString("Title: ")
		b.WriteString(payload.Title)
		b.WriteString("\n\n")
	}

	b.WriteString("Text:\n")
	b.WriteString(truncateRunes(payload.Text, e.textBudget))

	return b.String()
}

// parseEnrichment validates the model output against the contract. The
// short summary is clamped rather than rejected; a missing one or a tag
// count outside the contract fails the attempt.
func parseEnrichment(content string) (enrichmentResult, error) {
	var result enrichmentResult

	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return enrichmentResult{}, fmt.Errorf("model output is not valid JSON: %v", err)
	}

	result.Tags = normalizeTags(result.Tags)

	if len(result.Tags) < minTags || len(result.Tags) > maxTags {
		return enrichmentResult{}, fmt.Errorf("model returned %d usable tags, want %d to %d",
			len(result.Tags), minTags, maxTags)
	}

	result.SummaryShort = truncateRunes(strings.TrimSpace(result.SummaryShort), maxShortSummaryRunes)
	if result.SummaryShort == "" {
		return enrichmentResult{}, errors.New("model returned no short summary")
	}

	result.SummaryLong = strings.TrimSpace(result.SummaryLong)
	result.Language = strings.TrimSpace(result.Language)

	return result, nil
}

// normalizeTags lowercases, trims, and deduplicates, keeping the model's
// order.
func normalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))

	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}

		if _, ok := seen[tag]; ok {
			continue
		}

		seen[tag] = struct{}{}

		out = append(out, tag)
	}

	return out
}

// publishNewTags merges into the in-process catalog and pushes a fresh
// snapshot when anything was new. Snapshot failures are logged, not
// returned: the vocabulary is advisory, and failing the work here would
// re-run a model call whose result is already in hand.
func (e *Enricher) publishNewTags(ctx context.Context, tags []string) {
	added := e.catalog.Merge(tags)
	if len(added) == 0 {
		return
	}

	all := e.catalog.All()

	if err := e.snapshots.PublishTagSnapshot(ctx, all); err != nil {
		e.logger.Warn("failed to publish tag snapshot",
			slog.Int("new_tags", len(added)),
			slog.String("error", err.Error()),
		)

		return
	}

	e.logger.Info("tag vocabulary grew",
		slog.Int("new_tags", len(added)),
		slog.Int("total", len(all)),
	)
}

// EnrichStage binds an enricher into the shared runner.
func EnrichStage(e *Enricher, timeout time.Duration) Stage {
	return Stage{
		WorkType:   event.WorkEnrichLink,
		Agent:      AgentEnricher,
		Completion: event.TypeEnrichmentCompleted,
		Timeout:    timeout,
		Handler:    e,
	}
}
