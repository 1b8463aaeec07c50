package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type (
	// WorkCommand is one unit of work for a stage worker. The router emits
	// these onto the per-stage work topics; workers consume them, do the
	// work, and report the outcome back to the ledger as an event.
	//
	// Attempt is 1-based. A retry reuses the command with Attempt bumped,
	// a fresh CreatedAt, and LastError carrying the previous failure.
	WorkCommand struct {
		SubjectID          string          `json:"subject_id"`            //nolint:tagliatelle
		WorkType           WorkType        `json:"work_type"`             //nolint:tagliatelle
		CorrelationID      string          `json:"correlation_id"`        //nolint:tagliatelle
		TriggeredByEventID string          `json:"triggered_by_event_id"` //nolint:tagliatelle
		Attempt            int             `json:"attempt"`
		MaxAttempts        int             `json:"max_attempts"` //nolint:tagliatelle
		CreatedAt          time.Time       `json:"created_at"`   //nolint:tagliatelle
		LastError          string          `json:"last_error,omitempty"` //nolint:tagliatelle
		Payload            json.RawMessage `json:"payload,omitempty"`
	}

	// WorkType enumerates the pipeline stages.
	WorkType string

	// DeadLetter is the terminal record for work that exhausted its retry
	// budget. It is published to the dead letter topic and never retried
	// automatically; recovery is an administrative decision.
	DeadLetter struct {
		OriginalWork WorkCommand `json:"original_work"` //nolint:tagliatelle
		FinalError   string      `json:"final_error"`   //nolint:tagliatelle
		FailedAt     time.Time   `json:"failed_at"`     //nolint:tagliatelle
		Agent        string      `json:"agent"`
	}
)

// Pipeline stages.
const (
	// WorkFetchLink downloads a captured URL and extracts readable content.
	WorkFetchLink WorkType = "fetch_link"

	// WorkEnrichLink asks the model for tags and summaries.
	WorkEnrichLink WorkType = "enrich_link"

	// WorkPublishLink marks the enriched link as published.
	WorkPublishLink WorkType = "publish_link"
)

// DefaultMaxAttempts is the per-stage retry budget when no override is
// configured.
const DefaultMaxAttempts = 3

// Sentinel errors for work command validation and decoding.
var (
	ErrInvalidWorkType    = errors.New("invalid work_type")
	ErrMissingWorkSubject = errors.New("work command subject_id is required")
	ErrMissingCorrelation = errors.New("work command correlation_id is required")
	ErrInvalidAttempt     = errors.New("work command attempt must be >= 1")
	ErrMalformedWork      = errors.New("malformed work command")
	ErrMalformedLetter    = errors.New("malformed dead letter")
)

// ValidWorkTypes returns every pipeline stage.
func ValidWorkTypes() []WorkType {
	return []WorkType{WorkFetchLink, WorkEnrichLink, WorkPublishLink}
}

// IsValid checks that the WorkType names a known stage.
func (wt WorkType) IsValid() bool {
	switch wt {
	case WorkFetchLink, WorkEnrichLink, WorkPublishLink:
		return true
	default:
		return false
	}
}

// String returns the string representation of the work type.
func (wt WorkType) String() string {
	return string(wt)
}

// NewWorkCommand builds a first-attempt work command. The payload is
// marshaled immediately; nil means the stage needs no input beyond the
// subject id.
func NewWorkCommand(
	workType WorkType,
	subjectID, correlationID, triggeredBy string,
	maxAttempts int,
	payload any,
) (WorkCommand, error) {
	var body json.RawMessage

	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return WorkCommand{}, fmt.Errorf("%w: %v", ErrMalformedWork, err)
		}

		body = encoded
	}

	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}

	return WorkCommand{
		SubjectID:          subjectID,
		WorkType:           workType,
		CorrelationID:      correlationID,
		TriggeredByEventID: triggeredBy,
		Attempt:            1,
		MaxAttempts:        maxAttempts,
		CreatedAt:          time.Now().UTC(),
		Payload:            body,
	}, nil
}

// Retry produces the next attempt of this command: same subject, stage,
// correlation, and payload, with the attempt counter bumped, a fresh
// CreatedAt, and the previous failure recorded in LastError.
func (w WorkCommand) Retry(lastError string) WorkCommand {
	w.Attempt++
	w.CreatedAt = time.Now().UTC()
	w.LastError = lastError

	return w
}

// Exhausted reports whether the retry budget is spent. An exhausted command
// must be dead-lettered, never re-emitted.
func (w WorkCommand) Exhausted() bool {
	return w.Attempt >= w.MaxAttempts
}

// Validate checks the invariants a worker relies on before starting work.
func (w *WorkCommand) Validate() error {
	if !w.WorkType.IsValid() {
		return fmt.Errorf("%w: got %q", ErrInvalidWorkType, w.WorkType)
	}

	if strings.TrimSpace(w.SubjectID) == "" {
		return ErrMissingWorkSubject
	}

	if strings.TrimSpace(w.CorrelationID) == "" {
		return ErrMissingCorrelation
	}

	if w.Attempt < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidAttempt, w.Attempt)
	}

	return nil
}

// Encode serializes the work command for its work topic.
func (w WorkCommand) Encode() ([]byte, error) {
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode %s work for %s: %w", w.WorkType, w.SubjectID, err)
	}

	return data, nil
}

// DecodeWorkCommand parses and validates a work command from a bus message
// value. Errors wrap ErrMalformedWork so workers can treat them as poison
// rather than retryable failures.
func DecodeWorkCommand(data []byte) (WorkCommand, error) {
	var w WorkCommand

	if err := json.Unmarshal(data, &w); err != nil {
		return WorkCommand{}, fmt.Errorf("%w: %v", ErrMalformedWork, err)
	}

	if err := w.Validate(); err != nil {
		return WorkCommand{}, fmt.Errorf("%w: %v", ErrMalformedWork, err)
	}

	return w, nil
}

// NewDeadLetter wraps an exhausted work command in its terminal record.
func NewDeadLetter(work WorkCommand, finalError, agent string) DeadLetter {
	return DeadLetter{
		OriginalWork: work,
		FinalError:   finalError,
		FailedAt:     time.Now().UTC(),
		Agent:        agent,
	}
}

// Encode serializes the dead letter for the dead letter topic.
func (d DeadLetter) Encode() ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode dead letter for %s: %w", d.OriginalWork.SubjectID, err)
	}

	return data, nil
}

// DecodeDeadLetter parses a dead letter from a bus message value.
func DecodeDeadLetter(data []byte) (DeadLetter, error) {
	var d DeadLetter

	if err := json.Unmarshal(data, &d); err != nil {
		return DeadLetter{}, fmt.Errorf("%w: %v", ErrMalformedLetter, err)
	}

	return d, nil
}
