package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

const (
	DefaultTimelineLimit = 200
	MaxTimelineLimit     = 500
)

// TimelineQuery is a staff timeline request. Empty slices mean no filter.
type TimelineQuery struct {
	Kinds  []model.TimelineKind
	Types  []string
	From   *time.Time
	To     *time.Time
	Cursor string
	Limit  int
}

// MonitorSnapshot is the first message of the live monitor stream.
type MonitorSnapshot struct {
	Exam     model.Exam              `json:"exam"`
	Attempts []model.AttemptSummary  `json:"attempts"`
	Proctor  []model.ProctorSummary  `json:"proctor"`
	LastSeen map[uuid.UUID]time.Time `json:"lastSeen"`
	At       time.Time               `json:"at"`
}

// ReviewService serves the staff review surface.
type ReviewService struct {
	store   *repository.Store
	owner   *OwnershipGuard
	monitor *MonitorService
	clock   clock.Clock
	log     zerolog.Logger
}

// NewReviewService creates a new ReviewService.
func NewReviewService(store *repository.Store, owner *OwnershipGuard, monitor *MonitorService, clk clock.Clock, log zerolog.Logger) *ReviewService {
	return &ReviewService{
		store:   store,
		owner:   owner,
		monitor: monitor,
		clock:   clk,
		log:     log.With().Str("component", "review_service").Logger(),
	}
}

// ListExamAttempts lists an exam's attempts, most recently submitted first.
func (s *ReviewService) ListExamAttempts(ctx context.Context, id model.Identity, examID uuid.UUID) ([]model.AttemptSummary, error) {
	if _, err := s.owner.AssertStaffExam(ctx, id, examID); err != nil {
		return nil, err
	}
	return s.store.Attempts.ListByExam(ctx, examID)
}

// AttemptDetail returns one attempt with its exam, answers and time state.
// It never seals an expired attempt; staff reads stay side-effect free.
func (s *ReviewService) AttemptDetail(ctx context.Context, id model.Identity, attemptID uuid.UUID) (*model.AttemptDetail, error) {
	a, exam, err := s.owner.AssertStaffAttempt(ctx, id, attemptID)
	if err != nil {
		return nil, err
	}
	answers, err := s.store.Answers.ListByAttempt(ctx, attemptID)
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}
	return &model.AttemptDetail{
		Attempt: *a,
		Exam:    *exam,
		Time:    ComputeTimeState(a, s.clock.Now()),
		Answers: answers,
	}, nil
}

// LatestAnswer returns the stored document for one question of an attempt.
func (s *ReviewService) LatestAnswer(ctx context.Context, id model.Identity, attemptID uuid.UUID, questionID string) (*model.Answer, error) {
	if _, _, err := s.owner.AssertStaffAttempt(ctx, id, attemptID); err != nil {
		return nil, err
	}
	ans, err := s.store.Answers.Get(ctx, attemptID, questionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrAnswerNotFound
		}
		return nil, fmt.Errorf("get answer: %w", err)
	}
	return ans, nil
}

// ProctoringSummary aggregates the proctor signals of every attempt of an exam.
func (s *ReviewService) ProctoringSummary(ctx context.Context, id model.Identity, examID uuid.UUID) ([]model.ProctorSummary, error) {
	if _, err := s.owner.AssertStaffExam(ctx, id, examID); err != nil {
		return nil, err
	}
	return s.store.ProctorEvents.SummaryByExam(ctx, examID)
}

// Snapshot gathers the initial state of the live monitor.
func (s *ReviewService) Snapshot(ctx context.Context, id model.Identity, examID uuid.UUID) (*MonitorSnapshot, error) {
	exam, err := s.owner.AssertStaffExam(ctx, id, examID)
	if err != nil {
		return nil, err
	}
	attempts, err := s.store.Attempts.ListByExam(ctx, examID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	summary, err := s.store.ProctorEvents.SummaryByExam(ctx, examID)
	if err != nil {
		return nil, fmt.Errorf("proctor summary: %w", err)
	}
	ids := make([]uuid.UUID, 0, len(attempts))
	for _, a := range attempts {
		ids = append(ids, a.ID)
	}
	seen, err := s.monitor.LastSeen(ctx, ids)
	if err != nil {
		s.log.Warn().Err(err).Msg("Last seen lookup failed")
		seen = map[uuid.UUID]time.Time{}
	}
	return &MonitorSnapshot{
		Exam:     *exam,
		Attempts: attempts,
		Proctor:  summary,
		LastSeen: seen,
		At:       s.clock.Now(),
	}, nil
}

// Timeline returns one page of the merged audit and proctor timeline,
// newest first.
func (s *ReviewService) Timeline(ctx context.Context, id model.Identity, attemptID uuid.UUID, q TimelineQuery) (*model.TimelinePage, error) {
	if _, _, err := s.owner.AssertStaffAttempt(ctx, id, attemptID); err != nil {
		return nil, err
	}

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultTimelineLimit
	}
	if limit > MaxTimelineLimit {
		limit = MaxTimelineLimit
	}

	f := model.TimelineFilter{Types: q.Types, From: q.From, To: q.To, Limit: limit + 1}
	if q.Cursor != "" {
		cur, err := DecodeCursor(q.Cursor)
		if err != nil {
			return nil, err
		}
		f.Before = cur
	}

	items, err := s.merged(ctx, attemptID, q.Kinds, f)
	if err != nil {
		return nil, err
	}

	page := &model.TimelinePage{OK: true, Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		last := page.Items[limit-1]
		next := EncodeCursor(model.TimelineCursor{T: last.CreatedAt, ID: last.ID, Kind: last.Kind})
		page.NextCursor = &next
	}
	return page, nil
}

// ExportCSV writes the whole filtered timeline, oldest first, as CSV.
func (s *ReviewService) ExportCSV(ctx context.Context, id model.Identity, attemptID uuid.UUID, q TimelineQuery, w io.Writer) error {
	if _, _, err := s.owner.AssertStaffAttempt(ctx, id, attemptID); err != nil {
		return err
	}

	f := model.TimelineFilter{Types: q.Types, From: q.From, To: q.To, Ascending: true}
	items, err := s.merged(ctx, attemptID, q.Kinds, f)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"created_at", "kind", "type", "id", "data"}); err != nil {
		return err
	}
	for _, it := range items {
		row := []string{
			it.CreatedAt.UTC().Format(time.RFC3339Nano),
			string(it.Kind),
			it.Type,
			it.ID.String(),
			string(it.Data),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func (s *ReviewService) merged(ctx context.Context, attemptID uuid.UUID, kinds []model.TimelineKind, f model.TimelineFilter) ([]model.TimelineItem, error) {
	want := func(k model.TimelineKind) bool {
		if len(kinds) == 0 {
			return true
		}
		for _, x := range kinds {
			if x == k {
				return true
			}
		}
		return false
	}

	var items []model.TimelineItem
	if want(model.TimelineKindEvent) {
		evs, err := s.store.Events.ListTimeline(ctx, attemptID, f)
		if err != nil {
			return nil, fmt.Errorf("list audit events: %w", err)
		}
		items = append(items, evs...)
	}
	if want(model.TimelineKindProctor) {
		pes, err := s.store.ProctorEvents.ListTimeline(ctx, attemptID, f)
		if err != nil {
			return nil, fmt.Errorf("list proctor events: %w", err)
		}
		items = append(items, pes...)
	}

	sort.SliceStable(items, func(i, j int) bool {
		if f.Ascending {
			return timelineLess(items[i], items[j])
		}
		return timelineLess(items[j], items[i])
	})
	if items == nil {
		items = make([]model.TimelineItem, 0)
	}
	return items, nil
}

// timelineLess orders by createdAt, then id bytes, matching the SQL order.
func timelineLess(a, b model.TimelineItem) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return bytes.Compare(a.ID[:], b.ID[:]) < 0
}

// EncodeCursor renders a cursor as URL-safe base64 JSON.
func EncodeCursor(c model.TimelineCursor) string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeCursor parses a cursor produced by EncodeCursor.
func DecodeCursor(s string) (*model.TimelineCursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	var c model.TimelineCursor
	if err := json.Unmarshal(raw, &c); err != nil || c.ID == uuid.Nil || c.T.IsZero() {
		return nil, ErrInvalidCursor
	}
	return &c, nil
}
