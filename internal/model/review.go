package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TimelineKind names the source table of a timeline row.
type TimelineKind string

const (
	TimelineKindEvent   TimelineKind = "event"
	TimelineKindProctor TimelineKind = "proctor"
)

// TimelineItem is one row of the merged audit + proctor timeline.
type TimelineItem struct {
	ID        uuid.UUID       `json:"id"`
	Kind      TimelineKind    `json:"kind"`
	Type      string          `json:"type"`
	CreatedAt time.Time       `json:"createdAt"`
	Data      json.RawMessage `json:"data"`
}

// TimelineCursor points just past the last item of a page.
type TimelineCursor struct {
	T    time.Time    `json:"t"`
	ID   uuid.UUID    `json:"id"`
	Kind TimelineKind `json:"k"`
}

// TimelineFilter narrows a timeline read. Zero values mean "no filter".
type TimelineFilter struct {
	Types  []string
	From   *time.Time
	To     *time.Time
	Before *TimelineCursor
	// Ascending flips the order to oldest first. Paging is only supported
	// descending.
	Ascending bool
	Limit     int
}

// TimelinePage is the body of the staff timeline endpoint.
type TimelinePage struct {
	OK         bool           `json:"ok"`
	Items      []TimelineItem `json:"items"`
	NextCursor *string        `json:"nextCursor"`
}

// AttemptSummary is an attempt as listed for staff.
type AttemptSummary struct {
	ID            uuid.UUID     `json:"id"`
	UserID        uuid.UUID     `json:"userId"`
	UserName      string        `json:"userName,omitempty"`
	Status        AttemptStatus `json:"status"`
	StartedAt     *time.Time    `json:"startedAt"`
	ExpectedEndAt *time.Time    `json:"expectedEndAt"`
	SubmittedAt   *time.Time    `json:"submittedAt"`
}

// AttemptDetail is the staff view of one attempt.
type AttemptDetail struct {
	Attempt Attempt   `json:"attempt"`
	Exam    Exam      `json:"exam"`
	Time    TimeState `json:"time"`
	Answers []Answer  `json:"answers"`
}

// ProctorSummary aggregates an attempt's proctor signals.
type ProctorSummary struct {
	AttemptID     uuid.UUID        `json:"attemptId"`
	UserID        uuid.UUID        `json:"userId"`
	Status        AttemptStatus    `json:"status"`
	Total         int64            `json:"total"`
	Counts        map[string]int64 `json:"counts"`
	LastHeartbeat *time.Time       `json:"lastHeartbeat"`
	LastEventAt   *time.Time       `json:"lastEventAt"`
}
