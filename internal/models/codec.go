package models

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Kind identifies which envelope variant a payload decoded into.
type Kind int

const (
	KindMessage Kind = iota
	KindTask
	KindTaskResult
)

func (k Kind) String() string {
	switch k {
	case KindTask:
		return "task"
	case KindTaskResult:
		return "task_result"
	}
	return "message"
}

// ParseError describes a payload that could not be decoded.
type ParseError struct {
	Reason string
	Raw    []byte
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse payload: %s", e.Reason)
}

// FieldError describes a single validation failure.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e FieldError) Error() string {
	return e.Field + ": " + e.Reason
}

// Encode serializes an envelope value. Optional fields that are unset are
// omitted from the output.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return data, nil
}

// Decode sniffs the payload shape and decodes it into the matching variant:
// a payload with an outcome is a TaskResult, one with an event is a Task,
// anything else is a Message. Unknown extra fields are tolerated; unknown
// enum literals are preserved and flagged by Validate, never fatal here.
func Decode(raw []byte) (any, Kind, error) {
	if !gjson.ValidBytes(raw) {
		return nil, KindMessage, &ParseError{Reason: "invalid JSON", Raw: raw}
	}
	switch {
	case gjson.GetBytes(raw, "outcome").Exists():
		var r TaskResult
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, KindTaskResult, &ParseError{Reason: err.Error(), Raw: raw}
		}
		return &r, KindTaskResult, nil
	case gjson.GetBytes(raw, "event").Exists():
		var t Task
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, KindTask, &ParseError{Reason: err.Error(), Raw: raw}
		}
		return &t, KindTask, nil
	default:
		var m Message
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, KindMessage, &ParseError{Reason: err.Error(), Raw: raw}
		}
		return &m, KindMessage, nil
	}
}

// Validate checks the required Message fields.
func (m *Message) Validate() []FieldError {
	var errs []FieldError
	if m.TaskID == "" {
		errs = append(errs, FieldError{Field: "task_id", Reason: "required"})
	}
	if m.Agent == "" {
		errs = append(errs, FieldError{Field: "agent", Reason: "required"})
	}
	if strings.TrimSpace(m.Content) == "" {
		errs = append(errs, FieldError{Field: "content", Reason: "required"})
	}
	if !m.Intent.Valid() {
		errs = append(errs, FieldError{Field: "intent", Reason: fmt.Sprintf("unknown literal %q", string(m.Intent))})
	}
	if m.Timestamp.IsZero() {
		errs = append(errs, FieldError{Field: "timestamp", Reason: "required"})
	}
	return errs
}

// Validate checks Task fields on top of the embedded Message.
func (t *Task) Validate() []FieldError {
	errs := t.Message.Validate()
	if t.TargetAgent == "" {
		errs = append(errs, FieldError{Field: "target_agent", Reason: "required"})
	}
	if !t.Event.Valid() {
		errs = append(errs, FieldError{Field: "event", Reason: fmt.Sprintf("unknown literal %q", string(t.Event))})
	}
	if t.Confidence != nil && (*t.Confidence < 0 || *t.Confidence > 1) {
		errs = append(errs, FieldError{Field: "confidence", Reason: "must be in [0,1]"})
	}
	return errs
}

// Validate checks TaskResult fields on top of the embedded Task.
func (r *TaskResult) Validate() []FieldError {
	errs := r.Task.Validate()
	if !r.Outcome.Valid() {
		errs = append(errs, FieldError{Field: "outcome", Reason: fmt.Sprintf("unknown literal %q", string(r.Outcome))})
	}
	if len(r.ContributingAgents) == 0 {
		errs = append(errs, FieldError{Field: "contributing_agents", Reason: "required"})
	}
	return errs
}
