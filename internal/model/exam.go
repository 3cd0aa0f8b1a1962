package model

import (
	"time"

	"github.com/google/uuid"
)

// Exam carries the configuration an attempt derives its duration from.
type Exam struct {
	ID          uuid.UUID  `json:"id"`
	Title       string     `json:"title"`
	DurationSec int        `json:"durationSec"`
	CreatedByID uuid.UUID  `json:"createdById"`
	StartsAt    *time.Time `json:"startsAt,omitempty"`
	EndsAt      *time.Time `json:"endsAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// IsOpen reports whether new attempts may start at now.
func (e *Exam) IsOpen(now time.Time) bool {
	if e.StartsAt != nil && now.Before(*e.StartsAt) {
		return false
	}
	if e.EndsAt != nil && !now.Before(*e.EndsAt) {
		return false
	}
	return true
}
