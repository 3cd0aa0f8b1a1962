package model

import (
	"time"

	"github.com/google/uuid"
)

// AttemptStatus enumerates the lifecycle states of an attempt.
type AttemptStatus string

const (
	AttemptStatusPending   AttemptStatus = "PENDING"
	AttemptStatusOngoing   AttemptStatus = "ONGOING"
	AttemptStatusSubmitted AttemptStatus = "SUBMITTED"
)

// SubmitTrigger records which path moved an attempt to SUBMITTED.
type SubmitTrigger string

const (
	SubmitTriggerExplicit SubmitTrigger = "explicit"
	SubmitTriggerAuto     SubmitTrigger = "auto"
	SubmitTriggerSweeper  SubmitTrigger = "sweeper"
)

// Attempt is one student's timed instance of one exam.
type Attempt struct {
	ID            uuid.UUID      `json:"id"`
	ExamID        uuid.UUID      `json:"examId"`
	UserID        uuid.UUID      `json:"userId"`
	Status        AttemptStatus  `json:"status"`
	DurationSec   int            `json:"durationSec"`
	StartedAt     *time.Time     `json:"startedAt"`
	ExpectedEndAt *time.Time     `json:"expectedEndAt"`
	SubmittedAt   *time.Time     `json:"submittedAt"`
	SubmitTrigger *SubmitTrigger `json:"submitTrigger,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// IsSubmitted reports whether the attempt reached its terminal state.
func (a *Attempt) IsSubmitted() bool {
	return a.Status == AttemptStatusSubmitted
}

// TimeState is the server clock's verdict on an attempt at one instant.
type TimeState struct {
	IsStarted   bool      `json:"isStarted"`
	IsSubmitted bool      `json:"isSubmitted"`
	IsExpired   bool      `json:"isExpired"`
	Locked      bool      `json:"locked"`
	RemainingMs int64     `json:"remainingMs"`
	Now         time.Time `json:"now"`
}

// AttemptTimeResponse is the body of GET /attempts/:id/time.
type AttemptTimeResponse struct {
	AttemptID     uuid.UUID     `json:"attemptId"`
	Status        AttemptStatus `json:"status"`
	StartedAt     *time.Time    `json:"startedAt"`
	ExpectedEndAt *time.Time    `json:"expectedEndAt"`
	SubmittedAt   *time.Time    `json:"submittedAt"`
	Now           time.Time     `json:"now"`
	RemainingMs   int64         `json:"remainingMs"`
	IsExpired     bool          `json:"isExpired"`
	Locked        bool          `json:"locked"`
}

// SubmitResponse is the body of POST /attempts/:id/submit.
type SubmitResponse struct {
	OK               bool       `json:"ok"`
	AlreadySubmitted bool       `json:"alreadySubmitted"`
	SubmittedAt      *time.Time `json:"submittedAt"`
}

// StartAttemptResponse is the body of POST /exams/:examId/start.
type StartAttemptResponse struct {
	AttemptID uuid.UUID `json:"attemptId"`
	Created   bool      `json:"created"`
	Attempt   Attempt   `json:"attempt"`
}
