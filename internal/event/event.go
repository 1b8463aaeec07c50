// Package event defines the immutable fact model shared by every component:
// the event envelope appended to the ledger and published on the bus, the
// typed payloads for each event type, and the work command and dead letter
// records exchanged with workers.
//
// Events are facts, never commands: they describe something that happened
// (a URL was captured, content was fetched, enrichment finished) and are the
// only way state enters the system. Projections, retries, and administrative
// changes are all derived from them.
//
// The JSON tags on these types are the wire contract. Every message on the
// events topic is one Event serialized as JSON, so renaming a tag is a
// breaking change for consumers.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultSchemaVersion is stamped on events whose producer does not set an
// explicit schema version.
const DefaultSchemaVersion = 1

type (
	// Event is the append-only fact record. It is stored in the ledger,
	// serialized as the value of every message on the events topic, and
	// decoded by the router and the materializer.
	//
	// Forwarded is ledger bookkeeping only: it records whether the outbox
	// has published the event to the bus and never travels on the wire.
	Event struct {
		EventID       string          `json:"event_id"`       //nolint:tagliatelle
		OccurredAt    time.Time       `json:"occurred_at"`    //nolint:tagliatelle
		ReceivedAt    time.Time       `json:"received_at"`    //nolint:tagliatelle
		Source        string          `json:"source"`
		SubjectKind   string          `json:"subject_kind"`   //nolint:tagliatelle
		SubjectID     string          `json:"subject_id"`     //nolint:tagliatelle
		EventType     Type            `json:"event_type"`     //nolint:tagliatelle
		SchemaVersion int             `json:"schema_version"` //nolint:tagliatelle
		Payload       json.RawMessage `json:"payload,omitempty"`
		CorrelationID string          `json:"correlation_id"`          //nolint:tagliatelle
		CausationID   string          `json:"causation_id,omitempty"`  //nolint:tagliatelle
		Forwarded     bool            `json:"-"`
	}

	// Type enumerates the event catalog.
	Type string
)

// Event catalog.
const (
	// TypeLinkAdded records that a URL was captured. Payload: LinkAdded.
	TypeLinkAdded Type = "link.added"

	// TypeContentFetched records the outcome of a fetch, successful or
	// partial. Payload: ContentFetched.
	TypeContentFetched Type = "content.fetched"

	// TypeEnrichmentCompleted records model-produced tags and summaries.
	// Payload: EnrichmentCompleted.
	TypeEnrichmentCompleted Type = "enrichment.completed"

	// TypePublishCompleted records that a link reached its published state.
	// Payload: PublishCompleted.
	TypePublishCompleted Type = "publish.completed"

	// TypeLinkVisibilityChanged records a visibility change, usually from an
	// administrative tool. Payload: VisibilityChanged.
	TypeLinkVisibilityChanged Type = "link.visibility_changed"

	// TypeWorkFailed records that a worker could not complete a work
	// command. Payload: WorkFailed.
	TypeWorkFailed Type = "work.failed"

	// TypeTempReadingRecorded records a temperature sensor sample.
	// Payload: TempReadingRecorded.
	TypeTempReadingRecorded Type = "temp.reading_recorded"

	// TypeTodoCreated records a new todo item. Payload: TodoCreated.
	TypeTodoCreated Type = "todo.created"

	// TypeTodoCompleted records completion of a todo. Empty payload.
	TypeTodoCompleted Type = "todo.completed"

	// TypeAnnotationAdded records a highlight or note attached to a link.
	// Payload: AnnotationAdded.
	TypeAnnotationAdded Type = "annotation.added"
)

// Visibility values shared by links and annotations.
const (
	VisibilityPublic  = "public"
	VisibilityPrivate = "private"
)

// Well-known capture sources. Agents and admin tools construct theirs with
// AgentSource and AdminSource.
const (
	SourceChrome        = "chrome"
	SourcePhone         = "phone"
	SourceHomeAssistant = "homeassistant"
)

// Sentinel errors for envelope validation and decoding.
var (
	ErrMissingEventID    = errors.New("event_id is required")
	ErrMissingSource     = errors.New("source is required")
	ErrMissingSubjectID  = errors.New("subject_id is required")
	ErrInvalidSubjectID  = errors.New("subject_id must be '<kind>:<id>'")
	ErrKindMismatch      = errors.New("subject_kind does not match subject_id prefix")
	ErrInvalidEventType  = errors.New("invalid event_type")
	ErrMissingOccurredAt = errors.New("occurred_at is required")
	ErrMalformedEnvelope = errors.New("malformed event envelope")
	ErrMalformedPayload  = errors.New("malformed event payload")
	ErrWrongEventType    = errors.New("unexpected event type for payload")
)

// ValidTypes returns every event type in the catalog.
func ValidTypes() []Type {
	return []Type{
		TypeLinkAdded,
		TypeContentFetched,
		TypeEnrichmentCompleted,
		TypePublishCompleted,
		TypeLinkVisibilityChanged,
		TypeWorkFailed,
		TypeTempReadingRecorded,
		TypeTodoCreated,
		TypeTodoCompleted,
		TypeAnnotationAdded,
	}
}

// IsValid checks that the Type is part of the event catalog.
func (t Type) IsValid() bool {
	for _, valid := range ValidTypes() {
		if t == valid {
			return true
		}
	}

	return false
}

// String returns the string representation of the event type.
func (t Type) String() string {
	return string(t)
}

// AgentSource builds the source string for an autonomous agent,
// e.g. AgentSource("summarizer") → "agent:summarizer".
func AgentSource(name string) string {
	return "agent:" + name
}

// AdminSource builds the source string for an administrative tool,
// e.g. AdminSource("retry-failed") → "admin:retry-failed".
func AdminSource(tool string) string {
	return "admin:" + tool
}

// NewID mints a random event id.
func NewID() string {
	return uuid.New().String()
}

// KindOf extracts the subject kind from a subject id,
// e.g. "link:a1b2" → "link". Returns "" when the id has no kind prefix.
func KindOf(subjectID string) string {
	kind, _, found := strings.Cut(subjectID, ":")
	if !found {
		return ""
	}

	return kind
}

// New builds a fully populated event for a fresh fact: random event id, a
// fresh correlation id (this event starts a new pipeline run), occurred and
// received stamped with the current UTC time, and the subject kind derived
// from the subject id prefix.
//
// The payload is marshaled immediately so an unencodable payload surfaces at
// the call site rather than inside the ledger. A nil payload produces an
// event with no payload document.
//
// Derived events adjust the defaults with the With* helpers:
//
//	evt, err := event.New(event.SourceChrome, subjectID, event.TypeLinkAdded, payload)
//	evt = evt.WithCorrelation(work.CorrelationID, work.TriggeredByEventID)
func New(source, subjectID string, eventType Type, payload any) (Event, error) {
	var body json.RawMessage

	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}

		body = encoded
	}

	now := time.Now().UTC()

	return Event{
		EventID:       NewID(),
		OccurredAt:    now,
		ReceivedAt:    now,
		Source:        source,
		SubjectKind:   KindOf(subjectID),
		SubjectID:     subjectID,
		EventType:     eventType,
		SchemaVersion: DefaultSchemaVersion,
		Payload:       body,
		CorrelationID: NewID(),
	}, nil
}

// WithCorrelation ties the event into an existing pipeline run. Workers call
// this with the work command's correlation id and triggering event id so a
// whole run shares one correlation id.
func (e Event) WithCorrelation(correlationID, causationID string) Event {
	e.CorrelationID = correlationID
	e.CausationID = causationID

	return e
}

// WithEventID overrides the random event id. Administrative tools use this
// to emit deterministic ids so a re-run of the same tool produces the same
// facts instead of new ones.
func (e Event) WithEventID(id string) Event {
	e.EventID = id

	return e
}

// WithOccurredAt overrides the occurrence timestamp for facts that carry a
// source clock, such as sensor readings recorded before they reach the
// ledger.
func (e Event) WithOccurredAt(t time.Time) Event {
	e.OccurredAt = t

	return e
}

// Validate checks the envelope invariants that must hold before an event is
// appended to the ledger or accepted off the bus.
//
// Required fields: event_id, source, subject_id with a kind prefix matching
// subject_kind, a catalog event_type, and a non-zero occurred_at. Payload
// contents are validated by the typed Decode helpers, not here.
func (e *Event) Validate() error {
	if strings.TrimSpace(e.EventID) == "" {
		return ErrMissingEventID
	}

	if strings.TrimSpace(e.Source) == "" {
		return ErrMissingSource
	}

	if strings.TrimSpace(e.SubjectID) == "" {
		return ErrMissingSubjectID
	}

	kind := KindOf(e.SubjectID)
	if kind == "" {
		return fmt.Errorf("%w: got %q", ErrInvalidSubjectID, e.SubjectID)
	}

	if e.SubjectKind != kind {
		return fmt.Errorf("%w: kind %q, id %q", ErrKindMismatch, e.SubjectKind, e.SubjectID)
	}

	if !e.EventType.IsValid() {
		return fmt.Errorf("%w: got %q", ErrInvalidEventType, e.EventType)
	}

	if e.OccurredAt.IsZero() {
		return ErrMissingOccurredAt
	}

	return nil
}

// Encode serializes the event for the bus. The Forwarded flag is excluded;
// it is meaningful only inside the ledger.
func (e Event) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", e.EventID, err)
	}

	return data, nil
}

// Decode parses and validates an event envelope from a bus message value.
// A syntactically broken or invariant-violating envelope is a poison
// message: the error wraps ErrMalformedEnvelope so consumers can tell it
// apart from transient failures.
func Decode(data []byte) (Event, error) {
	var e Event

	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	if err := e.Validate(); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	return e, nil
}
