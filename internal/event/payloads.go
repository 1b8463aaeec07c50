package event

import (
	"encoding/json"
	"fmt"
	"time"
)

type (
	// LinkAdded is the payload of link.added. URLNorm is optional on the
	// wire; consumers that need it recompute it from URL.
	LinkAdded struct {
		URL     string `json:"url"`
		URLNorm string `json:"url_norm,omitempty"` //nolint:tagliatelle
	}

	// ContentFetched is the payload of content.fetched.
	//
	// A fetch can succeed partially: the response was valid but no readable
	// body text could be extracted. In that case FetchError is set and
	// TextContent is empty, and the pipeline stops at fetched rather than
	// retrying.
	ContentFetched struct {
		FinalURL       string `json:"final_url"` //nolint:tagliatelle
		Title          string `json:"title,omitempty"`
		TextContent    string `json:"text_content,omitempty"`     //nolint:tagliatelle
		HTMLStorageKey string `json:"html_storage_key,omitempty"` //nolint:tagliatelle
		FetchError     string `json:"fetch_error,omitempty"`      //nolint:tagliatelle
	}

	// EnrichmentCompleted is the payload of enrichment.completed.
	EnrichmentCompleted struct {
		Tags         []string `json:"tags"`
		SummaryShort string   `json:"summary_short,omitempty"` //nolint:tagliatelle
		SummaryLong  string   `json:"summary_long,omitempty"`  //nolint:tagliatelle
		Language     string   `json:"language,omitempty"`
		ModelVersion string   `json:"model_version,omitempty"` //nolint:tagliatelle
	}

	// PublishCompleted is the payload of publish.completed.
	PublishCompleted struct {
		PublishedAt *time.Time `json:"published_at,omitempty"` //nolint:tagliatelle
	}

	// VisibilityChanged is the payload of link.visibility_changed.
	VisibilityChanged struct {
		Visibility string `json:"visibility"`
	}

	// WorkFailed is the payload of work.failed. It carries the complete
	// failed work command so the router can rebuild the retry without any
	// state of its own.
	WorkFailed struct {
		WorkMessage WorkCommand `json:"work_message"` //nolint:tagliatelle
		Error       string      `json:"error"`
		Agent       string      `json:"agent"`
	}

	// TempReadingRecorded is the payload of temp.reading_recorded.
	TempReadingRecorded struct {
		Celsius  float64  `json:"celsius"`
		Humidity *float64 `json:"humidity,omitempty"`
		Battery  *float64 `json:"battery,omitempty"`
	}

	// TodoCreated is the payload of todo.created.
	TodoCreated struct {
		Title   string     `json:"title"`
		Project string     `json:"project,omitempty"`
		Labels  []string   `json:"labels,omitempty"`
		DueAt   *time.Time `json:"due_at,omitempty"` //nolint:tagliatelle
	}

	// AnnotationAdded is the payload of annotation.added. LinkSubjectID ties
	// the annotation to the link it was made on.
	AnnotationAdded struct {
		AnnotationID  string `json:"annotation_id"`   //nolint:tagliatelle
		LinkSubjectID string `json:"link_subject_id"` //nolint:tagliatelle
		Quote         string `json:"quote,omitempty"`
		Note          string `json:"note,omitempty"`
		Selector      string `json:"selector,omitempty"`
		Visibility    string `json:"visibility,omitempty"`
	}

	// FetchPayload is the work payload for fetch_link commands.
	FetchPayload struct {
		URL string `json:"url"`
	}

	// EnrichPayload is the work payload for enrich_link commands. Title and
	// Text come from the preceding content.fetched event so the enricher
	// never has to read projections.
	EnrichPayload struct {
		Title string `json:"title,omitempty"`
		Text  string `json:"text,omitempty"`
	}
)

// Enrichable reports whether a fetch produced content worth enriching: no
// fetch error and a non-empty body text.
func (p ContentFetched) Enrichable() bool {
	return p.FetchError == "" && p.TextContent != ""
}

// decodeInto checks the envelope's event type and unmarshals its payload.
// A missing payload decodes into the zero value, which matters for types
// whose fields are all optional.
func decodeInto(e Event, want Type, out any) error {
	if e.EventType != want {
		return fmt.Errorf("%w: got %q, want %q", ErrWrongEventType, e.EventType, want)
	}

	if len(e.Payload) == 0 {
		return nil
	}

	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("%w: %s event %s: %v", ErrMalformedPayload, want, e.EventID, err)
	}

	return nil
}

// DecodeLinkAdded extracts the link.added payload.
func DecodeLinkAdded(e Event) (LinkAdded, error) {
	var p LinkAdded

	err := decodeInto(e, TypeLinkAdded, &p)

	return p, err
}

// DecodeContentFetched extracts the content.fetched payload.
func DecodeContentFetched(e Event) (ContentFetched, error) {
	var p ContentFetched

	err := decodeInto(e, TypeContentFetched, &p)

	return p, err
}

// DecodeEnrichmentCompleted extracts the enrichment.completed payload.
func DecodeEnrichmentCompleted(e Event) (EnrichmentCompleted, error) {
	var p EnrichmentCompleted

	err := decodeInto(e, TypeEnrichmentCompleted, &p)

	return p, err
}

// DecodePublishCompleted extracts the publish.completed payload.
func DecodePublishCompleted(e Event) (PublishCompleted, error) {
	var p PublishCompleted

	err := decodeInto(e, TypePublishCompleted, &p)

	return p, err
}

// DecodeVisibilityChanged extracts the link.visibility_changed payload.
func DecodeVisibilityChanged(e Event) (VisibilityChanged, error) {
	var p VisibilityChanged

	err := decodeInto(e, TypeLinkVisibilityChanged, &p)

	return p, err
}

// DecodeWorkFailed extracts the work.failed payload.
func DecodeWorkFailed(e Event) (WorkFailed, error) {
	var p WorkFailed

	err := decodeInto(e, TypeWorkFailed, &p)

	return p, err
}

// DecodeTempReadingRecorded extracts the temp.reading_recorded payload.
func DecodeTempReadingRecorded(e Event) (TempReadingRecorded, error) {
	var p TempReadingRecorded

	err := decodeInto(e, TypeTempReadingRecorded, &p)

	return p, err
}

// DecodeTodoCreated extracts the todo.created payload.
func DecodeTodoCreated(e Event) (TodoCreated, error) {
	var p TodoCreated

	err := decodeInto(e, TypeTodoCreated, &p)

	return p, err
}

// DecodeAnnotationAdded extracts the annotation.added payload.
func DecodeAnnotationAdded(e Event) (AnnotationAdded, error) {
	var p AnnotationAdded

	err := decodeInto(e, TypeAnnotationAdded, &p)

	return p, err
}

// DecodeFetchPayload extracts the fetch_link work payload.
func DecodeFetchPayload(w WorkCommand) (FetchPayload, error) {
	var p FetchPayload

	if len(w.Payload) == 0 {
		return p, nil
	}

	if err := json.Unmarshal(w.Payload, &p); err != nil {
		return FetchPayload{}, fmt.Errorf("%w: fetch payload: %v", ErrMalformedWork, err)
	}

	return p, nil
}

// DecodeEnrichPayload extracts the enrich_link work payload.
func DecodeEnrichPayload(w WorkCommand) (EnrichPayload, error) {
	var p EnrichPayload

	if len(w.Payload) == 0 {
		return p, nil
	}

	if err := json.Unmarshal(w.Payload, &p); err != nil {
		return EnrichPayload{}, fmt.Errorf("%w: enrich payload: %v", ErrMalformedWork, err)
	}

	return p, nil
}
