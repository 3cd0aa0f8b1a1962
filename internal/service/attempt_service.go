package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/metrics"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

// AttemptService runs the student-facing attempt operations. Every call
// composes the guards in a fixed order: ownership, then write lock.
type AttemptService struct {
	store   *repository.Store
	engine  *SubmissionEngine
	writes  *WriteGuard
	owner   *OwnershipGuard
	monitor *MonitorService
	metrics *metrics.Metrics
	clock   clock.Clock
	log     zerolog.Logger
}

// NewAttemptService creates a new AttemptService.
func NewAttemptService(
	store *repository.Store,
	engine *SubmissionEngine,
	writes *WriteGuard,
	owner *OwnershipGuard,
	monitor *MonitorService,
	m *metrics.Metrics,
	clk clock.Clock,
	log zerolog.Logger,
) *AttemptService {
	return &AttemptService{
		store:   store,
		engine:  engine,
		writes:  writes,
		owner:   owner,
		monitor: monitor,
		metrics: m,
		clock:   clk,
		log:     log.With().Str("component", "attempt_service").Logger(),
	}
}

// Start returns the caller's attempt for the exam, creating and starting it
// when needed. The deadline is fixed by the first successful start; later
// calls return the same startedAt and expectedEndAt.
func (s *AttemptService) Start(ctx context.Context, id model.Identity, examID uuid.UUID) (*model.Attempt, bool, error) {
	exam, err := s.store.Exams.GetByID(ctx, examID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, false, ErrExamNotFound
		}
		return nil, false, fmt.Errorf("get exam: %w", err)
	}

	existing, err := s.store.Attempts.GetByExamAndUser(ctx, examID, id.UserID)
	switch {
	case err == nil && existing.StartedAt != nil:
		return existing, false, nil
	case err != nil && !errors.Is(err, repository.ErrNotFound):
		return nil, false, fmt.Errorf("get attempt: %w", err)
	}

	now := s.clock.Now()
	if !exam.IsOpen(now) {
		return nil, false, ErrExamClosed
	}

	a := &model.Attempt{
		ExamID:      examID,
		UserID:      id.UserID,
		DurationSec: exam.DurationSec,
		CreatedAt:   now,
	}
	created, err := s.store.Attempts.Create(ctx, a)
	if err != nil {
		return nil, false, fmt.Errorf("create attempt: %w", err)
	}
	if a.StartedAt != nil {
		return a, created, nil
	}

	end := now.Add(time.Duration(a.DurationSec) * time.Second)
	started, moved, err := s.store.Attempts.MarkStarted(ctx, a.ID, now, end)
	if err != nil {
		return nil, false, fmt.Errorf("start attempt: %w", err)
	}
	if moved {
		s.metrics.AttemptStarted()
		s.audit(ctx, started.ID, model.EventAttemptStarted, map[string]any{
			"startedAt":     now,
			"expectedEndAt": end,
			"durationSec":   started.DurationSec,
		})
		s.monitor.Publish(ctx, started.ExamID, MonitorEvent{
			Type:      MonitorAttemptStarted,
			AttemptID: started.ID,
			UserID:    started.UserID,
			At:        now,
		})
		s.log.Info().
			Str("attempt_id", started.ID.String()).
			Str("exam_id", examID.String()).
			Time("expected_end_at", end).
			Msg("Attempt started")
	}
	return started, created, nil
}

// Time returns the authoritative time snapshot. A lapsed deadline found here
// is sealed before answering, exactly as on the write path.
func (s *AttemptService) Time(ctx context.Context, id model.Identity, attemptID uuid.UUID) (model.AttemptTimeResponse, error) {
	a, err := s.owner.AssertOwnership(ctx, attemptID, id.UserID)
	if err != nil {
		return model.AttemptTimeResponse{}, err
	}

	v := s.writes.Judge(a)
	if v.NewlyExpired {
		sub, err := s.engine.AutoSubmit(ctx, a, model.SubmitTriggerAuto)
		if err != nil {
			return model.AttemptTimeResponse{}, err
		}
		st := ComputeTimeState(sub.Attempt, v.State.Now)
		st.IsExpired = true
		v = &Verdict{Attempt: sub.Attempt, State: st}
	}
	return TimeResponse(v.Attempt, v.State), nil
}

// Submit performs the student's explicit submission. An attempt whose
// deadline already passed is sealed through the auto path so the stored
// instant does not drift past the deadline.
func (s *AttemptService) Submit(ctx context.Context, id model.Identity, attemptID uuid.UUID) (*Submission, error) {
	a, err := s.owner.AssertOwnership(ctx, attemptID, id.UserID)
	if err != nil {
		return nil, err
	}
	if v := s.writes.Judge(a); v.NewlyExpired {
		return s.engine.AutoSubmit(ctx, a, model.SubmitTriggerAuto)
	}
	return s.engine.SubmitExplicit(ctx, a)
}

// EnsureWritable is the write-lock step: evaluate, seal a newly expired
// attempt, then reject with a *LockedError. On success the state is returned.
func (s *AttemptService) EnsureWritable(ctx context.Context, attemptID uuid.UUID) (model.TimeState, error) {
	v, err := s.writes.Evaluate(ctx, attemptID)
	if err != nil {
		return model.TimeState{}, err
	}
	if !v.State.Locked {
		return v.State, nil
	}

	st := v.State
	if v.NewlyExpired {
		sub, err := s.engine.AutoSubmit(ctx, v.Attempt, model.SubmitTriggerAuto)
		if err != nil {
			return model.TimeState{}, err
		}
		st = ComputeTimeState(sub.Attempt, st.Now)
		st.IsExpired = true
	}
	return st, &LockedError{State: st}
}

// Authorize runs the ownership guard alone, for callers that must reject a
// foreign attempt before looking at the request body.
func (s *AttemptService) Authorize(ctx context.Context, id model.Identity, attemptID uuid.UUID) error {
	_, err := s.owner.AssertOwnership(ctx, attemptID, id.UserID)
	return err
}

// SaveAnswer upserts one answer document behind both guards.
func (s *AttemptService) SaveAnswer(ctx context.Context, id model.Identity, attemptID uuid.UUID, questionID string, content json.RawMessage) (*model.Answer, error) {
	if err := s.Authorize(ctx, id, attemptID); err != nil {
		return nil, err
	}
	return s.SaveOwnedAnswer(ctx, attemptID, questionID, content)
}

// SaveOwnedAnswer is SaveAnswer for an attempt already passed through
// Authorize: only the write lock is checked.
func (s *AttemptService) SaveOwnedAnswer(ctx context.Context, attemptID uuid.UUID, questionID string, content json.RawMessage) (*model.Answer, error) {
	if _, err := s.EnsureWritable(ctx, attemptID); err != nil {
		if errors.Is(err, ErrAttemptLocked) {
			s.metrics.AnswerWrite("locked")
			s.audit(ctx, attemptID, model.EventAnswerWriteRejected, map[string]any{"questionId": questionID})
		}
		return nil, err
	}

	ans, err := s.store.Answers.Upsert(ctx, attemptID, questionID, content, s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("upsert answer: %w", err)
	}
	s.metrics.AnswerWrite("saved")
	return ans, nil
}

// ListAnswers returns the caller's stored answers for the attempt.
func (s *AttemptService) ListAnswers(ctx context.Context, id model.Identity, attemptID uuid.UUID) ([]model.Answer, error) {
	if _, err := s.owner.AssertOwnership(ctx, attemptID, id.UserID); err != nil {
		return nil, err
	}
	return s.store.Answers.ListByAttempt(ctx, attemptID)
}

// SweepExpired seals up to limit ONGOING attempts whose deadline passed and
// returns how many this call transitioned.
func (s *AttemptService) SweepExpired(ctx context.Context, limit int) (int, error) {
	expired, err := s.store.Attempts.ListExpired(ctx, s.clock.Now(), limit)
	if err != nil {
		return 0, fmt.Errorf("list expired: %w", err)
	}
	sealed := 0
	for i := range expired {
		sub, err := s.engine.AutoSubmit(ctx, &expired[i], model.SubmitTriggerSweeper)
		if err != nil {
			s.log.Error().Err(err).Str("attempt_id", expired[i].ID.String()).Msg("Sweep submit failed")
			continue
		}
		if !sub.AlreadySubmitted {
			sealed++
		}
	}
	return sealed, nil
}

func (s *AttemptService) audit(ctx context.Context, attemptID uuid.UUID, typ model.EventType, payload map[string]any) {
	raw, _ := json.Marshal(payload)
	ev := &model.Event{AttemptID: attemptID, Type: typ, Payload: raw, CreatedAt: s.clock.Now()}
	if err := s.store.Events.Append(ctx, ev); err != nil {
		s.log.Error().Err(err).Str("attempt_id", attemptID.String()).Str("type", string(typ)).Msg("Append audit event failed")
	}
}
