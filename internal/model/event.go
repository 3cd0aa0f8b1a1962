package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType tags server-side audit entries.
type EventType string

const (
	EventAttemptStarted       EventType = "attempt.started"
	EventAttemptSubmitted     EventType = "attempt.submitted"
	EventAttemptAutoSubmitted EventType = "attempt.auto_submitted"
	EventAnswerWriteRejected  EventType = "answer.write_rejected"
)

// Event is an append-only audit entry written by the server.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	AttemptID uuid.UUID       `json:"attemptId"`
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Proctor event types emitted by the client collector. The type column is
// free-form; these are the ones the collector produces.
const (
	ProctorSessionStart      = "session-start"
	ProctorFocusGained       = "focus-gained"
	ProctorFocusLost         = "focus-lost"
	ProctorVisibilityHidden  = "visibility-hidden"
	ProctorVisibilityVisible = "visibility-visible"
	ProctorCopy              = "copy"
	ProctorCut               = "cut"
	ProctorPaste             = "paste"
	ProctorHeartbeat         = "heartbeat"
	ProctorMultiTab          = "multi-tab-other-active"
)

// ProctorEvent is an append-only client-observed signal.
type ProctorEvent struct {
	ID        uuid.UUID       `json:"id"`
	AttemptID uuid.UUID       `json:"attemptId"`
	Type      string          `json:"type"`
	Meta      json.RawMessage `json:"meta,omitempty"`
	ClientTs  *time.Time      `json:"clientTs,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// ProctorEventInput is one event as sent by a client.
type ProctorEventInput struct {
	Type     string          `json:"type" binding:"required,min=1,max=64"`
	Meta     json.RawMessage `json:"meta,omitempty"`
	ClientTs *time.Time      `json:"clientTs,omitempty"`
}

// IngestEventsRequest accepts either a single event or a batch under
// "events". The kind/payload/at aliases are the autosave telemetry shape.
type IngestEventsRequest struct {
	Events []ProctorEventInput `json:"events,omitempty"`

	Type     string          `json:"type,omitempty"`
	Meta     json.RawMessage `json:"meta,omitempty"`
	ClientTs *time.Time      `json:"clientTs,omitempty"`

	Kind    string          `json:"kind,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      *int64          `json:"at,omitempty"`
}

// Normalize flattens the request into a list of inputs.
func (r *IngestEventsRequest) Normalize() []ProctorEventInput {
	if r.Events != nil {
		return r.Events
	}
	in := ProctorEventInput{Type: r.Type, Meta: r.Meta, ClientTs: r.ClientTs}
	if in.Type == "" {
		in.Type = r.Kind
	}
	if len(in.Meta) == 0 {
		in.Meta = r.Payload
	}
	if in.ClientTs == nil && r.At != nil {
		ts := time.UnixMilli(*r.At).UTC()
		in.ClientTs = &ts
	}
	return []ProctorEventInput{in}
}

// IngestEventsResponse is the 202 body of the events endpoint.
type IngestEventsResponse struct {
	OK     bool `json:"ok"`
	Stored int  `json:"stored"`
}
