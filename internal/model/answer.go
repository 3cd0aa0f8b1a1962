package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Answer is the current document for one (attempt, question) pair.
type Answer struct {
	ID         uuid.UUID       `json:"id"`
	AttemptID  uuid.UUID       `json:"attemptId"`
	QuestionID string          `json:"questionId"`
	Content    json.RawMessage `json:"content"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// SaveAnswerRequest carries an opaque editor document. A JSON null is a
// valid document; a missing field is not.
type SaveAnswerRequest struct {
	Content json.RawMessage `json:"content" binding:"required"`
}

// SaveAnswerResponse is the body of a successful answer upsert.
type SaveAnswerResponse struct {
	OK        bool      `json:"ok"`
	AnswerID  uuid.UUID `json:"answerId"`
	UpdatedAt time.Time `json:"updatedAt"`
}
