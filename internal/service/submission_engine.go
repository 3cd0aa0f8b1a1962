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

// Submission is the outcome of a submit call.
type Submission struct {
	Attempt          *model.Attempt
	AlreadySubmitted bool
}

// Response renders the submit endpoint body.
func (s *Submission) Response() model.SubmitResponse {
	return model.SubmitResponse{
		OK:               true,
		AlreadySubmitted: s.AlreadySubmitted,
		SubmittedAt:      s.Attempt.SubmittedAt,
	}
}

// SubmissionEngine performs the ONGOING to SUBMITTED transition. Every path
// goes through one conditional update, so the first caller wins and later
// callers observe the original submission instant.
type SubmissionEngine struct {
	attempts repository.AttemptRepository
	events   repository.EventRepository
	monitor  *MonitorService
	metrics  *metrics.Metrics
	clock    clock.Clock
	clamp    bool
	log      zerolog.Logger
}

// NewSubmissionEngine creates a new SubmissionEngine. With clampAuto set, the
// auto path stamps min(now, expectedEndAt).
func NewSubmissionEngine(
	store *repository.Store,
	monitor *MonitorService,
	m *metrics.Metrics,
	clk clock.Clock,
	clampAuto bool,
	log zerolog.Logger,
) *SubmissionEngine {
	return &SubmissionEngine{
		attempts: store.Attempts,
		events:   store.Events,
		monitor:  monitor,
		metrics:  m,
		clock:    clk,
		clamp:    clampAuto,
		log:      log.With().Str("component", "submission_engine").Logger(),
	}
}

// Submit transitions the attempt at the current instant.
func (e *SubmissionEngine) Submit(ctx context.Context, attemptID uuid.UUID, trigger model.SubmitTrigger) (*Submission, error) {
	return e.transition(ctx, attemptID, e.clock.Now(), trigger)
}

// SubmitExplicit handles a student's submit action. An already submitted
// attempt is returned as is, without touching storage.
func (e *SubmissionEngine) SubmitExplicit(ctx context.Context, a *model.Attempt) (*Submission, error) {
	if a.IsSubmitted() {
		return &Submission{Attempt: a, AlreadySubmitted: true}, nil
	}
	return e.transition(ctx, a.ID, e.clock.Now(), model.SubmitTriggerExplicit)
}

// AutoSubmit seals an attempt whose deadline has passed.
func (e *SubmissionEngine) AutoSubmit(ctx context.Context, a *model.Attempt, trigger model.SubmitTrigger) (*Submission, error) {
	at := e.clock.Now()
	if e.clamp && a.ExpectedEndAt != nil && a.ExpectedEndAt.Before(at) {
		at = *a.ExpectedEndAt
	}
	return e.transition(ctx, a.ID, at, trigger)
}

func (e *SubmissionEngine) transition(ctx context.Context, id uuid.UUID, at time.Time, trigger model.SubmitTrigger) (*Submission, error) {
	a, moved, err := e.attempts.MarkSubmitted(ctx, id, at, trigger)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("mark submitted: %w", err)
	}
	if !moved {
		return &Submission{Attempt: a, AlreadySubmitted: true}, nil
	}

	e.metrics.Submitted(string(trigger))
	e.audit(ctx, a, trigger, at)
	e.monitor.Publish(ctx, a.ExamID, MonitorEvent{
		Type:      MonitorAttemptSubmitted,
		AttemptID: a.ID,
		UserID:    a.UserID,
		Event:     string(trigger),
		At:        at,
	})
	e.log.Info().
		Str("attempt_id", a.ID.String()).
		Str("trigger", string(trigger)).
		Time("submitted_at", at).
		Msg("Attempt submitted")

	return &Submission{Attempt: a}, nil
}

func (e *SubmissionEngine) audit(ctx context.Context, a *model.Attempt, trigger model.SubmitTrigger, at time.Time) {
	typ := model.EventAttemptSubmitted
	if trigger != model.SubmitTriggerExplicit {
		typ = model.EventAttemptAutoSubmitted
	}
	payload, _ := json.Marshal(map[string]any{
		"trigger":       trigger,
		"submittedAt":   at,
		"expectedEndAt": a.ExpectedEndAt,
	})
	ev := &model.Event{AttemptID: a.ID, Type: typ, Payload: payload, CreatedAt: e.clock.Now()}
	if err := e.events.Append(ctx, ev); err != nil {
		e.log.Error().Err(err).Str("attempt_id", a.ID.String()).Msg("Append submission audit event failed")
	}
}
