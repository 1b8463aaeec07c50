package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/lifestream-io/lifestream/internal/event"
)

var errStageInfra = errors.New("ledger unavailable")

type fakeWorkReader struct {
	mu        sync.Mutex
	messages  chan kafka.Message
	committed []kafka.Message
}

func newFakeWorkReader(msgs ...kafka.Message) *fakeWorkReader {
	ch := make(chan kafka.Message, len(msgs))
	for _, msg := range msgs {
		ch <- msg
	}

	return &fakeWorkReader{messages: ch}
}

func (f *fakeWorkReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case msg := <-f.messages:
		return msg, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (f *fakeWorkReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.committed = append(f.committed, msgs...)

	return nil
}

func (f *fakeWorkReader) commitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.committed)
}

type fakeWorkLedger struct {
	mu       sync.Mutex
	events   []event.Event
	failNext int
	err      error
	calls    int
}

func (f *fakeWorkLedger) Append(_ context.Context, evt event.Event) (bool, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++

	if f.failNext > 0 {
		f.failNext--

		return false, false, errStageInfra
	}

	if f.err != nil {
		return false, false, f.err
	}

	f.events = append(f.events, evt)

	return true, false, nil
}

func (f *fakeWorkLedger) appended() []event.Event {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]event.Event(nil), f.events...)
}

func (f *fakeWorkLedger) appendCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls
}

// stubHandler returns a fixed payload or error and records what it was
// handed.
type stubHandler struct {
	mu          sync.Mutex
	payload     any
	err         error
	work        event.WorkCommand
	calls       int
	hadDeadline bool
}

func (h *stubHandler) Handle(ctx context.Context, work event.WorkCommand) (any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.calls++
	h.work = work
	_, h.hadDeadline = ctx.Deadline()

	return h.payload, h.err
}

func (h *stubHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.calls
}

func fetchStageFor(h Handler) Stage {
	return Stage{
		WorkType:   event.WorkFetchLink,
		Agent:      AgentFetcher,
		Completion: event.TypeContentFetched,
		Timeout:    time.Second,
		Handler:    h,
	}
}

func newTestRunner(t *testing.T, stage Stage, reader Reader, ledger Ledger) *Runner {
	t.Helper()

	r, err := NewRunner(stage, reader, ledger)
	if err != nil {
		t.Fatalf("NewRunner() error = %v", err)
	}

	// Keep unit tests fast; production backoff constants are much larger.
	r.backoffBase = time.Millisecond
	r.backoffCap = 4 * time.Millisecond

	return r
}

func newFetchWork(t *testing.T, url string) event.WorkCommand {
	t.Helper()

	work, err := event.NewWorkCommand(event.WorkFetchLink, "link:abc123", event.NewID(), event.NewID(), 3,
		event.FetchPayload{URL: url})
	if err != nil {
		t.Fatalf("NewWorkCommand() error = %v", err)
	}

	return work
}

func workMessage(t *testing.T, work event.WorkCommand) kafka.Message {
	t.Helper()

	data, err := work.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	return kafka.Message{Value: data}
}

func TestNewRunner(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	handler := &stubHandler{}
	reader := newFakeWorkReader()
	ledger := &fakeWorkLedger{}

	tests := []struct {
		name    string
		stage   Stage
		reader  Reader
		ledger  Ledger
		wantErr error
	}{
		{"valid", fetchStageFor(handler), reader, ledger, nil},
		{"nil handler", Stage{WorkType: event.WorkFetchLink, Agent: AgentFetcher}, reader, ledger, ErrNoHandler},
		{"no agent", Stage{WorkType: event.WorkFetchLink, Handler: handler}, reader, ledger, ErrNoAgent},
		{"nil reader", fetchStageFor(handler), nil, ledger, ErrNoReader},
		{"nil ledger", fetchStageFor(handler), reader, nil, ErrNoLedger},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRunner(tt.stage, tt.reader, tt.ledger)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("NewRunner() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	t.Run("zero timeout defaults", func(t *testing.T) {
		stage := fetchStageFor(handler)
		stage.Timeout = 0

		r, err := NewRunner(stage, reader, ledger)
		if err != nil {
			t.Fatalf("NewRunner() error = %v", err)
		}

		if r.stage.Timeout != defaultStageTimeout {
			t.Errorf("Timeout = %v, want %v", r.stage.Timeout, defaultStageTimeout)
		}
	})
}

func TestRunnerAppendsCompletionEvent(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	handler := &stubHandler{payload: event.ContentFetched{
		FinalURL:    "https://example.com/article",
		Title:       "An Article",
		TextContent: "body text",
	}}
	reader := newFakeWorkReader()
	ledger := &fakeWorkLedger{}
	r := newTestRunner(t, fetchStageFor(handler), reader, ledger)

	work := newFetchWork(t, "https://example.com/article")

	if err := r.handleMessage(context.Background(), workMessage(t, work)); err != nil {
		t.Fatalf("handleMessage() error = %v", err)
	}

	appended := ledger.appended()
	if len(appended) != 1 {
		t.Fatalf("appended %d events, want 1", len(appended))
	}

	evt := appended[0]

	if evt.EventType != event.TypeContentFetched {
		t.Errorf("EventType = %q, want %q", evt.EventType, event.TypeContentFetched)
	}

	if evt.Source != event.AgentSource(AgentFetcher) {
		t.Errorf("Source = %q, want %q", evt.Source, event.AgentSource(AgentFetcher))
	}

	if evt.SubjectID != work.SubjectID {
		t.Errorf("SubjectID = %q, want %q", evt.SubjectID, work.SubjectID)
	}

	if evt.CorrelationID != work.CorrelationID {
		t.Errorf("CorrelationID = %q, want %q", evt.CorrelationID, work.CorrelationID)
	}

	if evt.CausationID != work.TriggeredByEventID {
		t.Errorf("CausationID = %q, want %q", evt.CausationID, work.TriggeredByEventID)
	}

	payload, err := event.DecodeContentFetched(evt)
	if err != nil {
		t.Fatalf("DecodeContentFetched() error = %v", err)
	}

	if payload.Title != "An Article" {
		t.Errorf("payload Title = %q", payload.Title)
	}

	if got := reader.commitCount(); got != 1 {
		t.Errorf("committed %d messages, want 1", got)
	}
}

func TestRunnerAppendsWorkFailedOnHandlerError(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	handler := &stubHandler{err: errors.New("fetch https://example.com: connect timeout")}
	reader := newFakeWorkReader()
	ledger := &fakeWorkLedger{}
	r := newTestRunner(t, fetchStageFor(handler), reader, ledger)

	work := newFetchWork(t, "https://example.com")

	if err := r.handleMessage(context.Background(), workMessage(t, work)); err != nil {
		t.Fatalf("handleMessage() error = %v", err)
	}

	appended := ledger.appended()
	if len(appended) != 1 {
		t.Fatalf("appended %d events, want 1", len(appended))
	}

	evt := appended[0]

	if evt.EventType != event.TypeWorkFailed {
		t.Fatalf("EventType = %q, want %q", evt.EventType, event.TypeWorkFailed)
	}

	if evt.CorrelationID != work.CorrelationID {
		t.Errorf("CorrelationID = %q, want %q", evt.CorrelationID, work.CorrelationID)
	}

	payload, err := event.DecodeWorkFailed(evt)
	if err != nil {
		t.Fatalf("DecodeWorkFailed() error = %v", err)
	}

	if payload.Error != "fetch https://example.com: connect timeout" {
		t.Errorf("payload Error = %q", payload.Error)
	}

	if payload.Agent != AgentFetcher {
		t.Errorf("payload Agent = %q, want %q", payload.Agent, AgentFetcher)
	}

	if payload.WorkMessage.SubjectID != work.SubjectID {
		t.Errorf("WorkMessage.SubjectID = %q, want %q", payload.WorkMessage.SubjectID, work.SubjectID)
	}

	if payload.WorkMessage.Attempt != work.Attempt {
		t.Errorf("WorkMessage.Attempt = %d, want %d", payload.WorkMessage.Attempt, work.Attempt)
	}

	if got := reader.commitCount(); got != 1 {
		t.Errorf("committed %d messages, want 1", got)
	}
}

func TestRunnerDropsUndecodableCommand(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	handler := &stubHandler{}
	reader := newFakeWorkReader()
	ledger := &fakeWorkLedger{}
	r := newTestRunner(t, fetchStageFor(handler), reader, ledger)

	msg := kafka.Message{Value: []byte("not a command"), Partition: 2, Offset: 7}

	if err := r.handleMessage(context.Background(), msg); err != nil {
		t.Fatalf("handleMessage() error = %v", err)
	}

	if got := handler.callCount(); got != 0 {
		t.Errorf("handler calls = %d, want 0", got)
	}

	if got := ledger.appendCalls(); got != 0 {
		t.Errorf("ledger appends = %d, want 0", got)
	}

	if got := reader.commitCount(); got != 1 {
		t.Errorf("committed %d messages, want 1", got)
	}
}

func TestRunnerDropsWrongStageWork(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	handler := &stubHandler{}
	reader := newFakeWorkReader()
	ledger := &fakeWorkLedger{}
	r := newTestRunner(t, fetchStageFor(handler), reader, ledger)

	enrich, err := event.NewWorkCommand(event.WorkEnrichLink, "link:abc123", event.NewID(), event.NewID(), 3,
		event.EnrichPayload{Title: "t", Text: "x"})
	if err != nil {
		t.Fatalf("NewWorkCommand() error = %v", err)
	}

	if err := r.handleMessage(context.Background(), workMessage(t, enrich)); err != nil {
		t.Fatalf("handleMessage() error = %v", err)
	}

	if got := handler.callCount(); got != 0 {
		t.Errorf("handler calls = %d, want 0", got)
	}

	if got := reader.commitCount(); got != 1 {
		t.Errorf("committed %d messages, want 1", got)
	}
}

func TestRunnerHandlerRunsUnderDeadline(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	handler := &stubHandler{payload: event.ContentFetched{FinalURL: "https://example.com", TextContent: "x"}}
	reader := newFakeWorkReader()
	ledger := &fakeWorkLedger{}
	r := newTestRunner(t, fetchStageFor(handler), reader, ledger)

	if err := r.handleMessage(context.Background(), workMessage(t, newFetchWork(t, "https://example.com"))); err != nil {
		t.Fatalf("handleMessage() error = %v", err)
	}

	if !handler.hadDeadline {
		t.Error("handler context had no deadline")
	}
}

func TestRunnerRetriesTransientAppendFailure(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	handler := &stubHandler{payload: event.ContentFetched{FinalURL: "https://example.com", TextContent: "x"}}
	reader := newFakeWorkReader()
	ledger := &fakeWorkLedger{failNext: 2}
	r := newTestRunner(t, fetchStageFor(handler), reader, ledger)

	if err := r.handleMessage(context.Background(), workMessage(t, newFetchWork(t, "https://example.com"))); err != nil {
		t.Fatalf("handleMessage() error = %v", err)
	}

	if got := ledger.appendCalls(); got != 3 {
		t.Errorf("ledger appends = %d, want 3", got)
	}

	if got := reader.commitCount(); got != 1 {
		t.Errorf("committed %d messages, want 1", got)
	}
}

func TestRunnerFatalOnPersistentAppendFailure(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	handler := &stubHandler{payload: event.ContentFetched{FinalURL: "https://example.com", TextContent: "x"}}
	reader := newFakeWorkReader()
	ledger := &fakeWorkLedger{err: errStageInfra}
	r := newTestRunner(t, fetchStageFor(handler), reader, ledger)

	err := r.handleMessage(context.Background(), workMessage(t, newFetchWork(t, "https://example.com")))
	if !errors.Is(err, errStageInfra) {
		t.Fatalf("handleMessage() error = %v, want wrapped %v", err, errStageInfra)
	}

	if got := ledger.appendCalls(); got != transientAttempts {
		t.Errorf("ledger appends = %d, want %d", got, transientAttempts)
	}

	// Uncommitted: the command is redelivered after restart and the ledger
	// dedupe absorbs the repeat.
	if got := reader.commitCount(); got != 0 {
		t.Errorf("committed %d messages, want 0", got)
	}
}

func TestRunnerRunProcessesUntilCancel(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	msgs := []kafka.Message{
		workMessage(t, newFetchWork(t, "https://example.com/one")),
		workMessage(t, newFetchWork(t, "https://example.com/two")),
	}

	handler := &stubHandler{payload: event.ContentFetched{FinalURL: "https://example.com", TextContent: "x"}}
	reader := newFakeWorkReader(msgs...)
	ledger := &fakeWorkLedger{}
	r := newTestRunner(t, fetchStageFor(handler), reader, ledger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)

	go func() { done <- r.Run(ctx) }()

	deadline := time.After(2 * time.Second)

	for reader.commitCount() < len(msgs) {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for commits, got %d", reader.commitCount())
		case <-time.After(time.Millisecond):
		}
	}

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not stop after cancellation")
	}

	if got := len(ledger.appended()); got != len(msgs) {
		t.Errorf("appended %d events, want %d", got, len(msgs))
	}
}

func TestRunnerRunStopsOnContextCancel(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := newTestRunner(t, fetchStageFor(&stubHandler{}), newFakeWorkReader(), &fakeWorkLedger{})

	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestGroupID(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	if got := GroupID(event.WorkFetchLink); got != "lifestream-worker-fetch_link" {
		t.Errorf("GroupID = %q", got)
	}

	if got := GroupID(event.WorkPublishLink); got != "lifestream-worker-publish_link" {
		t.Errorf("GroupID = %q", got)
	}
}
