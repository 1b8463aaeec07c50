package event

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	evt, err := New(SourceChrome, "link:a1b2c3d4e5f60718", TypeLinkAdded, LinkAdded{URL: "https://example.com"})
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}

	if evt.EventID == "" {
		t.Error("expected generated event_id")
	}

	if evt.CorrelationID == "" {
		t.Error("expected generated correlation_id")
	}

	if evt.SubjectKind != "link" {
		t.Errorf("SubjectKind = %q, want %q", evt.SubjectKind, "link")
	}

	if evt.SchemaVersion != DefaultSchemaVersion {
		t.Errorf("SchemaVersion = %d, want %d", evt.SchemaVersion, DefaultSchemaVersion)
	}

	if evt.OccurredAt.IsZero() || evt.ReceivedAt.IsZero() {
		t.Error("expected occurred_at and received_at to be stamped")
	}

	if err := evt.Validate(); err != nil {
		t.Errorf("freshly built event failed validation: %v", err)
	}
}

func TestNewNilPayload(t *testing.T) {
	evt, err := New("phone", "todo:groceries", TypeTodoCompleted, nil)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}

	if len(evt.Payload) != 0 {
		t.Errorf("expected empty payload, got %s", evt.Payload)
	}
}

func TestNewUnencodablePayload(t *testing.T) {
	_, err := New("phone", "todo:groceries", TypeTodoCreated, map[string]any{"bad": func() {}})
	if !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("expected ErrMalformedPayload, got %v", err)
	}
}

func TestWithHelpers(t *testing.T) {
	evt, err := New(AgentSource("fetcher"), "link:a1b2c3d4e5f60718", TypeContentFetched, nil)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}

	occurred := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	derived := evt.
		WithCorrelation("corr-1", "cause-1").
		WithEventID("fixed-id").
		WithOccurredAt(occurred)

	if derived.CorrelationID != "corr-1" || derived.CausationID != "cause-1" {
		t.Errorf("WithCorrelation not applied: %+v", derived)
	}

	if derived.EventID != "fixed-id" {
		t.Errorf("WithEventID not applied: %q", derived.EventID)
	}

	if !derived.OccurredAt.Equal(occurred) {
		t.Errorf("WithOccurredAt not applied: %v", derived.OccurredAt)
	}

	// The original must be untouched; With* helpers copy.
	if evt.EventID == "fixed-id" || evt.CorrelationID == "corr-1" {
		t.Error("With* helpers mutated the original event")
	}
}

func TestEventValidate(t *testing.T) {
	valid := func() Event {
		return Event{
			EventID:     "evt-1",
			OccurredAt:  time.Now(),
			Source:      SourceChrome,
			SubjectKind: "link",
			SubjectID:   "link:a1b2c3d4e5f60718",
			EventType:   TypeLinkAdded,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Event)
		wantErr error
	}{
		{
			name:    "valid event",
			mutate:  func(*Event) {},
			wantErr: nil,
		},
		{
			name:    "missing event id",
			mutate:  func(e *Event) { e.EventID = "" },
			wantErr: ErrMissingEventID,
		},
		{
			name:    "whitespace event id",
			mutate:  func(e *Event) { e.EventID = "   " },
			wantErr: ErrMissingEventID,
		},
		{
			name:    "missing source",
			mutate:  func(e *Event) { e.Source = "" },
			wantErr: ErrMissingSource,
		},
		{
			name:    "missing subject id",
			mutate:  func(e *Event) { e.SubjectID = "" },
			wantErr: ErrMissingSubjectID,
		},
		{
			name:    "subject id without kind prefix",
			mutate:  func(e *Event) { e.SubjectID = "nocolon" },
			wantErr: ErrInvalidSubjectID,
		},
		{
			name: "kind mismatch",
			mutate: func(e *Event) {
				e.SubjectKind = "sensor"
			},
			wantErr: ErrKindMismatch,
		},
		{
			name:    "unknown event type",
			mutate:  func(e *Event) { e.EventType = "link.exploded" },
			wantErr: ErrInvalidEventType,
		},
		{
			name:    "zero occurred_at",
			mutate:  func(e *Event) { e.OccurredAt = time.Time{} },
			wantErr: ErrMissingOccurredAt,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt := valid()
			tt.mutate(&evt)

			err := evt.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}

				return
			}

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name      string
		subjectID string
		want      string
	}{
		{name: "link id", subjectID: "link:a1b2c3d4e5f60718", want: "link"},
		{name: "sensor id", subjectID: "sensor:living-room", want: "sensor"},
		{name: "extra colons keep first segment", subjectID: "todo:2026:01", want: "todo"},
		{name: "no separator", subjectID: "bare", want: ""},
		{name: "empty", subjectID: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.subjectID); got != tt.want {
				t.Errorf("KindOf(%q) = %q, want %q", tt.subjectID, got, tt.want)
			}
		})
	}
}

func TestTypeIsValid(t *testing.T) {
	for _, typ := range ValidTypes() {
		if !typ.IsValid() {
			t.Errorf("catalog type %q reported invalid", typ)
		}
	}

	if Type("link.exploded").IsValid() {
		t.Error("unknown type reported valid")
	}

	if Type("").IsValid() {
		t.Error("empty type reported valid")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	evt, err := New(SourceChrome, "link:a1b2c3d4e5f60718", TypeLinkAdded, LinkAdded{
		URL:     "https://Example.com/Page",
		URLNorm: "https://example.com/Page",
	})
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}

	evt.Forwarded = true

	data, err := evt.Encode()
	if err != nil {
		t.Fatalf("Encode() returned error: %v", err)
	}

	if strings.Contains(string(data), "forwarded") {
		t.Error("forwarded flag leaked onto the wire")
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() returned error: %v", err)
	}

	if decoded.Forwarded {
		t.Error("decoded event has forwarded set")
	}

	if decoded.EventID != evt.EventID {
		t.Errorf("event_id = %q, want %q", decoded.EventID, evt.EventID)
	}

	if decoded.EventType != TypeLinkAdded {
		t.Errorf("event_type = %q, want %q", decoded.EventType, TypeLinkAdded)
	}

	payload, err := DecodeLinkAdded(decoded)
	if err != nil {
		t.Fatalf("DecodeLinkAdded() returned error: %v", err)
	}

	if payload.URL != "https://Example.com/Page" {
		t.Errorf("payload url = %q, want original", payload.URL)
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "not json", data: []byte("{not json")},
		{name: "empty object", data: []byte("{}")},
		{name: "wrong shape", data: []byte(`{"event_id": 42}`)},
		{
			name: "invalid type",
			data: []byte(`{"event_id":"e","occurred_at":"2026-01-01T00:00:00Z","source":"chrome","subject_kind":"link","subject_id":"link:x","event_type":"nope"}`),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			if !errors.Is(err, ErrMalformedEnvelope) {
				t.Errorf("Decode() = %v, want ErrMalformedEnvelope", err)
			}
		})
	}
}

func TestDecodePayloadWrongType(t *testing.T) {
	evt, err := New(SourceChrome, "link:a1b2c3d4e5f60718", TypeLinkAdded, LinkAdded{URL: "https://example.com"})
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}

	_, err = DecodeContentFetched(evt)
	if !errors.Is(err, ErrWrongEventType) {
		t.Errorf("DecodeContentFetched on link.added = %v, want ErrWrongEventType", err)
	}
}

func TestDecodePayloadMalformed(t *testing.T) {
	evt := Event{
		EventID:     "evt-1",
		OccurredAt:  time.Now(),
		Source:      SourceChrome,
		SubjectKind: "link",
		SubjectID:   "link:a1b2c3d4e5f60718",
		EventType:   TypeContentFetched,
		Payload:     json.RawMessage(`{"final_url": 42}`),
	}

	_, err := DecodeContentFetched(evt)
	if !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("DecodeContentFetched = %v, want ErrMalformedPayload", err)
	}
}

func TestContentFetchedEnrichable(t *testing.T) {
	tests := []struct {
		name    string
		payload ContentFetched
		want    bool
	}{
		{
			name:    "clean fetch with text",
			payload: ContentFetched{FinalURL: "https://example.com", TextContent: "body"},
			want:    true,
		},
		{
			name:    "partial fetch with error",
			payload: ContentFetched{FinalURL: "https://example.com", FetchError: "no readable content"},
			want:    false,
		},
		{
			name:    "empty text without error",
			payload: ContentFetched{FinalURL: "https://example.com"},
			want:    false,
		},
		{
			name: "error and text together",
			payload: ContentFetched{
				FinalURL:    "https://example.com",
				TextContent: "body",
				FetchError:  "truncated",
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.payload.Enrichable(); got != tt.want {
				t.Errorf("Enrichable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAgentAndAdminSource(t *testing.T) {
	if got := AgentSource("fetcher"); got != "agent:fetcher" {
		t.Errorf("AgentSource = %q", got)
	}

	if got := AdminSource("retry-failed"); got != "admin:retry-failed" {
		t.Errorf("AdminSource = %q", got)
	}
}
