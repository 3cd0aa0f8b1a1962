package websocket

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAutosave Action = "autosave"
	ActionSubmit   Action = "submit"
	ActionTime     Action = "time"
	ActionProctor  Action = "proctor"
	ActionPing     Action = "ping"
)

// RequestPayload is every client message. Fields beyond Action depend on it:
// autosave uses QID and Content, proctor uses Events.
type RequestPayload struct {
	Action  Action                    `json:"action"`
	QID     string                    `json:"q_id,omitempty"`
	Content json.RawMessage           `json:"content,omitempty"`
	Events  []model.ProctorEventInput `json:"events,omitempty"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventError     Event = "error"
	EventSaved     Event = "saved"
	EventLocked    Event = "locked"
	EventSubmitted Event = "submitted"
	EventTime      Event = "time"
	EventRecorded  Event = "recorded"
	EventPong      Event = "pong"
)

type SavedResponse struct {
	Event     Event     `json:"event"`
	QID       string    `json:"q_id"`
	AnswerID  uuid.UUID `json:"answerId"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// LockedResponse rejects an autosave; the client stops editing.
type LockedResponse struct {
	Event Event           `json:"event"`
	QID   string          `json:"q_id,omitempty"`
	Time  model.TimeState `json:"time"`
}

type SubmittedResponse struct {
	Event Event `json:"event"`
	model.SubmitResponse
}

type TimeResponse struct {
	Event Event                     `json:"event"`
	Time  model.AttemptTimeResponse `json:"time"`
}

type RecordedResponse struct {
	Event  Event `json:"event"`
	Stored int   `json:"stored"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
