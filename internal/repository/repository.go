package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ErrNotFound is returned by every repository when the addressed row is absent.
var ErrNotFound = errors.New("record not found")

// AttemptRepository reads and transitions attempt rows. The Mark* methods are
// single conditional updates; the returned bool reports whether this call
// performed the transition. When it did not, the current row is returned.
type AttemptRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Attempt, error)
	GetByExamAndUser(ctx context.Context, examID, userID uuid.UUID) (*model.Attempt, error)
	// Create inserts a PENDING attempt. When one already exists for the
	// exam and user, a is overwritten with the stored row and created is false.
	Create(ctx context.Context, a *model.Attempt) (created bool, err error)
	MarkStarted(ctx context.Context, id uuid.UUID, startedAt, expectedEndAt time.Time) (*model.Attempt, bool, error)
	MarkSubmitted(ctx context.Context, id uuid.UUID, at time.Time, trigger model.SubmitTrigger) (*model.Attempt, bool, error)
	ListByExam(ctx context.Context, examID uuid.UUID) ([]model.AttemptSummary, error)
	// ListExpired returns ONGOING attempts whose deadline is at or before now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]model.Attempt, error)
}

// AnswerRepository stores the latest document per (attempt, question).
type AnswerRepository interface {
	Get(ctx context.Context, attemptID uuid.UUID, questionID string) (*model.Answer, error)
	Upsert(ctx context.Context, attemptID uuid.UUID, questionID string, content json.RawMessage, at time.Time) (*model.Answer, error)
	ListByAttempt(ctx context.Context, attemptID uuid.UUID) ([]model.Answer, error)
}

// EventRepository appends server audit events.
type EventRepository interface {
	Append(ctx context.Context, e *model.Event) error
	ListTimeline(ctx context.Context, attemptID uuid.UUID, f model.TimelineFilter) ([]model.TimelineItem, error)
}

// ProctorEventRepository appends client proctor signals.
type ProctorEventRepository interface {
	Append(ctx context.Context, e *model.ProctorEvent) error
	AppendBatch(ctx context.Context, events []model.ProctorEvent) error
	ListTimeline(ctx context.Context, attemptID uuid.UUID, f model.TimelineFilter) ([]model.TimelineItem, error)
	SummaryByExam(ctx context.Context, examID uuid.UUID) ([]model.ProctorSummary, error)
}

// ExamRepository reads exam configuration.
type ExamRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Exam, error)
	Create(ctx context.Context, e *model.Exam) error
}

// UserRepository reads and provisions accounts.
type UserRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.User, error)
	GetByEmail(ctx context.Context, email string) (*model.User, error)
	Create(ctx context.Context, u *model.User) error
}

// Store bundles one implementation of every repository.
type Store struct {
	Attempts      AttemptRepository
	Answers       AnswerRepository
	Events        EventRepository
	ProctorEvents ProctorEventRepository
	Exams         ExamRepository
	Users         UserRepository
}

// SummaryRow is one (attempt, proctor type) aggregate produced by the
// summary queries of both backends.
type SummaryRow struct {
	AttemptID uuid.UUID
	UserID    uuid.UUID
	Status    model.AttemptStatus
	Type      *string
	Count     int64
	LastAt    *time.Time
}

// FoldSummary collapses per-type rows into one summary per attempt,
// preserving the first-seen attempt order.
func FoldSummary(rows []SummaryRow) []model.ProctorSummary {
	out := make([]model.ProctorSummary, 0)
	index := make(map[uuid.UUID]int)
	for _, r := range rows {
		i, ok := index[r.AttemptID]
		if !ok {
			out = append(out, model.ProctorSummary{
				AttemptID: r.AttemptID,
				UserID:    r.UserID,
				Status:    r.Status,
				Counts:    make(map[string]int64),
			})
			i = len(out) - 1
			index[r.AttemptID] = i
		}
		if r.Type == nil || r.Count == 0 {
			continue
		}
		s := &out[i]
		s.Counts[*r.Type] += r.Count
		s.Total += r.Count
		if r.LastAt != nil {
			if s.LastEventAt == nil || r.LastAt.After(*s.LastEventAt) {
				t := *r.LastAt
				s.LastEventAt = &t
			}
			if *r.Type == model.ProctorHeartbeat {
				t := *r.LastAt
				s.LastHeartbeat = &t
			}
		}
	}
	return out
}

// TimelineTake returns how many rows to read per source so that a merged
// page of f.Limit items is complete. Zero means unbounded.
func TimelineTake(f model.TimelineFilter) int {
	if f.Limit <= 0 {
		return 0
	}
	return f.Limit
}
