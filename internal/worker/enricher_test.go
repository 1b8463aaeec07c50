package worker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	openai "github.com/sashabaranov/go-openai"

	"github.com/lifestream-io/lifestream/internal/event"
	"github.com/lifestream-io/lifestream/internal/policy"
)

type fakeChat struct {
	mu   sync.Mutex
	resp openai.ChatCompletionResponse
	err  error
	reqs []openai.ChatCompletionRequest
}

func (f *fakeChat) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.reqs = append(f.reqs, req)

	if f.err != nil {
		return openai.ChatCompletionResponse{}, f.err
	}

	return f.resp, nil
}

func (f *fakeChat) lastRequest(t *testing.T) openai.ChatCompletionRequest {
	t.Helper()

	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.reqs) == 0 {
		t.Fatal("no chat completion requests recorded")
	}

	return f.reqs[len(f.reqs)-1]
}

type fakeSnapshots struct {
	mu        sync.Mutex
	snapshots [][]string
	err       error
}

func (f *fakeSnapshots) PublishTagSnapshot(_ context.Context, tags []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return f.err
	}

	f.snapshots = append(f.snapshots, append([]string(nil), tags...))

	return nil
}

func (f *fakeSnapshots) published() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([][]string(nil), f.snapshots...)
}

func chatResponse(model, content string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Model: model,
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content}},
		},
	}
}

const goodEnrichment = `{
	"tags": ["Go", " go ", "Concurrency", "channels"],
	"summary_short": "A tour of Go channel patterns.",
	"summary_long": " Covers fan-in, fan-out, and pipeline shutdown. ",
	"language": "en"
}`

func newEnrichWork(t *testing.T, title, text string) event.WorkCommand {
	t.Helper()

	work, err := event.NewWorkCommand(event.WorkEnrichLink, "link:abc123", event.NewID(), event.NewID(), 3,
		event.EnrichPayload{Title: title, Text: text})
	if err != nil {
		t.Fatalf("NewWorkCommand() error = %v", err)
	}

	return work
}

func newTestEnricher(t *testing.T, opts EnricherOptions) *Enricher {
	t.Helper()

	if opts.Catalog == nil {
		opts.Catalog = NewTagCatalog()
	}

	if opts.Snapshots == nil {
		opts.Snapshots = &fakeSnapshots{}
	}

	e, err := NewEnricher(opts)
	if err != nil {
		t.Fatalf("NewEnricher() error = %v", err)
	}

	return e
}

func TestNewEnricher(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	chat := &fakeChat{}
	catalog := NewTagCatalog()
	snaps := &fakeSnapshots{}

	tests := []struct {
		name    string
		opts    EnricherOptions
		wantErr error
	}{
		{"valid", EnricherOptions{Client: chat, Catalog: catalog, Snapshots: snaps}, nil},
		{"nil client", EnricherOptions{Catalog: catalog, Snapshots: snaps}, ErrNoChatClient},
		{"nil catalog", EnricherOptions{Client: chat, Snapshots: snaps}, ErrNoTagCatalog},
		{"nil snapshots", EnricherOptions{Client: chat, Catalog: catalog}, ErrNoSnapshotPublisher},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEnricher(tt.opts)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("NewEnricher() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	t.Run("defaults", func(t *testing.T) {
		e, err := NewEnricher(EnricherOptions{Client: chat, Catalog: catalog, Snapshots: snaps})
		if err != nil {
			t.Fatalf("NewEnricher() error = %v", err)
		}

		if e.model != DefaultEnrichModel {
			t.Errorf("model = %q, want %q", e.model, DefaultEnrichModel)
		}

		if e.textBudget != policy.DefaultEnrichTextBudget {
			t.Errorf("textBudget = %d, want %d", e.textBudget, policy.DefaultEnrichTextBudget)
		}

		if e.tagsLimit != policy.DefaultKnownTagsLimit {
			t.Errorf("tagsLimit = %d, want %d", e.tagsLimit, policy.DefaultKnownTagsLimit)
		}
	})
}

func TestEnricherHappyPath(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	chat := &fakeChat{resp: chatResponse("gpt-4o-mini-2024-07-18", goodEnrichment)}
	snaps := &fakeSnapshots{}
	e := newTestEnricher(t, EnricherOptions{Client: chat, Snapshots: snaps})

	out, err := e.Handle(context.Background(), newEnrichWork(t, "Channel Patterns", "some article text"))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	payload, ok := out.(event.EnrichmentCompleted)
	if !ok {
		t.Fatalf("Handle() returned %T, want event.EnrichmentCompleted", out)
	}

	if want := []string{"go", "concurrency", "channels"}; !slices.Equal(payload.Tags, want) {
		t.Errorf("Tags = %v, want normalized %v", payload.Tags, want)
	}

	if payload.SummaryShort != "A tour of Go channel patterns." {
		t.Errorf("SummaryShort = %q", payload.SummaryShort)
	}

	if payload.SummaryLong != "Covers fan-in, fan-out, and pipeline shutdown." {
		t.Errorf("SummaryLong = %q, want trimmed", payload.SummaryLong)
	}

	if payload.Language != "en" {
		t.Errorf("Language = %q, want en", payload.Language)
	}

	if payload.ModelVersion != "gpt-4o-mini-2024-07-18" {
		t.Errorf("ModelVersion = %q, want the version the API reported", payload.ModelVersion)
	}

	published := snaps.published()
	if len(published) != 1 {
		t.Fatalf("published %d snapshots, want 1", len(published))
	}

	if want := []string{"channels", "concurrency", "go"}; !slices.Equal(published[0], want) {
		t.Errorf("snapshot = %v, want sorted %v", published[0], want)
	}
}

func TestEnricherPromptCarriesVocabularyAndContent(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	catalog := NewTagCatalog()
	catalog.Merge([]string{"golang", "testing"})

	chat := &fakeChat{resp: chatResponse("", goodEnrichment)}
	e := newTestEnricher(t, EnricherOptions{Client: chat, Catalog: catalog})

	if _, err := e.Handle(context.Background(), newEnrichWork(t, "A Title", "Body text")); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	req := chat.lastRequest(t)

	if req.Model != DefaultEnrichModel {
		t.Errorf("request Model = %q, want %q", req.Model, DefaultEnrichModel)
	}

	if req.ResponseFormat == nil || req.ResponseFormat.Type != openai.ChatCompletionResponseFormatTypeJSONObject {
		t.Error("request does not force a JSON object response")
	}

	if len(req.Messages) != 2 {
		t.Fatalf("request has %d messages, want 2", len(req.Messages))
	}

	if req.Messages[0].Role != openai.ChatMessageRoleSystem {
		t.Errorf("first message role = %q, want system", req.Messages[0].Role)
	}

	user := req.Messages[1].Content

	for _, want := range []string{"Known tags: golang, testing", "Title: A Title", "Text:\nBody text"} {
		if !strings.Contains(user, want) {
			t.Errorf("user prompt missing %q, got:\n%s", want, user)
		}
	}
}

func TestEnricherTruncatesTextToBudget(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	chat := &fakeChat{resp: chatResponse("", goodEnrichment)}
	e := newTestEnricher(t, EnricherOptions{Client: chat, TextBudget: 10})

	text := "abcdefghij-the-rest-must-be-dropped"

	if _, err := e.Handle(context.Background(), newEnrichWork(t, "", text)); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	user := chat.lastRequest(t).Messages[1].Content

	if !strings.Contains(user, "abcdefghij") {
		t.Errorf("user prompt missing budgeted text, got:\n%s", user)
	}

	if strings.Contains(user, "must-be-dropped") {
		t.Errorf("user prompt carries text past the budget, got:\n%s", user)
	}
}

func TestEnricherLimitsKnownTags(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	catalog := NewTagCatalog()
	catalog.Merge([]string{"beta", "alpha", "gamma"})

	chat := &fakeChat{resp: chatResponse("", goodEnrichment)}
	e := newTestEnricher(t, EnricherOptions{Client: chat, Catalog: catalog, KnownTagsLimit: 1})

	if _, err := e.Handle(context.Background(), newEnrichWork(t, "", "text")); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	user := chat.lastRequest(t).Messages[1].Content

	if !strings.Contains(user, "Known tags: alpha\n") {
		t.Errorf("user prompt missing the limited vocabulary, got:\n%s", user)
	}

	if strings.Contains(user, "beta") {
		t.Errorf("user prompt carries tags past the limit, got:\n%s", user)
	}
}

func TestEnricherRejectsBadModelOutput(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name    string
		content string
	}{
		{"not json", "Here are your tags: go, unix"},
		{"too few tags", `{"tags": ["go", "unix"], "summary_short": "s", "summary_long": "l", "language": "en"}`},
		{"too many tags", `{"tags": ["a","b","c","d","e","f","g","h"], "summary_short": "s", "summary_long": "l", "language": "en"}`},
		{"duplicates collapse below minimum", `{"tags": ["go", "GO", " go "], "summary_short": "s", "summary_long": "l", "language": "en"}`},
		{"missing short summary", `{"tags": ["a","b","c"], "summary_short": "  ", "summary_long": "l", "language": "en"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chat := &fakeChat{resp: chatResponse("", tt.content)}
			snaps := &fakeSnapshots{}
			e := newTestEnricher(t, EnricherOptions{Client: chat, Snapshots: snaps})

			if _, err := e.Handle(context.Background(), newEnrichWork(t, "", "text")); err == nil {
				t.Fatal("Handle() error = nil, want contract failure")
			}

			if got := len(snaps.published()); got != 0 {
				t.Errorf("published %d snapshots for rejected output, want 0", got)
			}
		})
	}
}

func TestEnricherClampsShortSummary(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	long := strings.Repeat("s", 250)
	content := fmt.Sprintf(`{"tags": ["a","b","c"], "summary_short": %q, "summary_long": "l", "language": "en"}`, long)

	chat := &fakeChat{resp: chatResponse("", content)}
	e := newTestEnricher(t, EnricherOptions{Client: chat})

	out, err := e.Handle(context.Background(), newEnrichWork(t, "", "text"))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	payload := out.(event.EnrichmentCompleted)

	if got := utf8.RuneCountInString(payload.SummaryShort); got != maxShortSummaryRunes {
		t.Errorf("SummaryShort is %d runes, want clamped to %d", got, maxShortSummaryRunes)
	}
}

func TestEnricherModelFailure(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	chat := &fakeChat{err: errors.New("rate limited")}
	e := newTestEnricher(t, EnricherOptions{Client: chat})

	_, err := e.Handle(context.Background(), newEnrichWork(t, "", "text"))
	if err == nil {
		t.Fatal("Handle() error = nil, want model failure")
	}

	if !strings.Contains(err.Error(), "chat completion") {
		t.Errorf("Handle() error = %v", err)
	}
}

func TestEnricherNoChoices(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	chat := &fakeChat{resp: openai.ChatCompletionResponse{Model: "gpt-4o-mini"}}
	e := newTestEnricher(t, EnricherOptions{Client: chat})

	if _, err := e.Handle(context.Background(), newEnrichWork(t, "", "text")); err == nil {
		t.Fatal("Handle() error = nil for a response without choices")
	}
}

func TestEnricherSnapshotFailureDoesNotFailWork(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	chat := &fakeChat{resp: chatResponse("", goodEnrichment)}
	snaps := &fakeSnapshots{err: errors.New("catalog topic gone")}
	e := newTestEnricher(t, EnricherOptions{Client: chat, Snapshots: snaps})

	out, err := e.Handle(context.Background(), newEnrichWork(t, "", "text"))
	if err != nil {
		t.Fatalf("Handle() error = %v, want success despite snapshot failure", err)
	}

	if _, ok := out.(event.EnrichmentCompleted); !ok {
		t.Fatalf("Handle() returned %T, want event.EnrichmentCompleted", out)
	}
}

func TestEnricherSkipsSnapshotWhenNothingNew(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	catalog := NewTagCatalog()
	catalog.Merge([]string{"go", "concurrency", "channels"})

	chat := &fakeChat{resp: chatResponse("", goodEnrichment)}
	snaps := &fakeSnapshots{}
	e := newTestEnricher(t, EnricherOptions{Client: chat, Catalog: catalog, Snapshots: snaps})

	if _, err := e.Handle(context.Background(), newEnrichWork(t, "", "text")); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if got := len(snaps.published()); got != 0 {
		t.Errorf("published %d snapshots with nothing new, want 0", got)
	}
}

func TestEnricherModelVersionFallsBack(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	chat := &fakeChat{resp: chatResponse("", goodEnrichment)}
	e := newTestEnricher(t, EnricherOptions{Client: chat})

	out, err := e.Handle(context.Background(), newEnrichWork(t, "", "text"))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if got := out.(event.EnrichmentCompleted).ModelVersion; got != DefaultEnrichModel {
		t.Errorf("ModelVersion = %q, want configured model %q", got, DefaultEnrichModel)
	}
}

func TestEnricherRejectsEmptyText(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	e := newTestEnricher(t, EnricherOptions{Client: &fakeChat{}})

	if _, err := e.Handle(context.Background(), newEnrichWork(t, "Title only", "   ")); err == nil {
		t.Fatal("Handle() error = nil for a command without text")
	}
}

func TestEnrichStage(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	e := newTestEnricher(t, EnricherOptions{Client: &fakeChat{}})
	stage := EnrichStage(e, policy.DefaultEnrichTimeout)

	if stage.WorkType != event.WorkEnrichLink {
		t.Errorf("WorkType = %q", stage.WorkType)
	}

	if stage.Agent != AgentEnricher {
		t.Errorf("Agent = %q", stage.Agent)
	}

	if stage.Completion != event.TypeEnrichmentCompleted {
		t.Errorf("Completion = %q", stage.Completion)
	}
}
