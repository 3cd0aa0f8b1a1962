package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/metrics"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

// EventSink persists accepted proctor events.
type EventSink interface {
	Store(ctx context.Context, events []model.ProctorEvent) error
}

// DirectSink writes proctor events straight to the repository.
type DirectSink struct {
	repo repository.ProctorEventRepository
}

// NewDirectSink creates a new DirectSink.
func NewDirectSink(repo repository.ProctorEventRepository) *DirectSink {
	return &DirectSink{repo: repo}
}

// Store implements EventSink.
func (s *DirectSink) Store(ctx context.Context, events []model.ProctorEvent) error {
	if len(events) == 1 {
		return s.repo.Append(ctx, &events[0])
	}
	return s.repo.AppendBatch(ctx, events)
}

// QueueSink pushes proctor events onto the Redis persistence queue drained by
// the proctor event worker.
type QueueSink struct {
	rdb *redis.Client
}

// NewQueueSink creates a new QueueSink.
func NewQueueSink(rdb *redis.Client) *QueueSink {
	return &QueueSink{rdb: rdb}
}

// Store implements EventSink.
func (s *QueueSink) Store(ctx context.Context, events []model.ProctorEvent) error {
	pipe := s.rdb.Pipeline()
	for i := range events {
		data, err := json.Marshal(&events[i])
		if err != nil {
			return fmt.Errorf("marshal proctor event: %w", err)
		}
		pipe.RPush(ctx, config.WorkerKey.PersistProctorEventsQueue, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue proctor events: %w", err)
	}
	return nil
}

// ProctorService ingests client proctoring signals.
type ProctorService struct {
	owner   *OwnershipGuard
	sink    EventSink
	monitor *MonitorService
	metrics *metrics.Metrics
	clock   clock.Clock
	log     zerolog.Logger
}

// NewProctorService creates a new ProctorService.
func NewProctorService(
	owner *OwnershipGuard,
	sink EventSink,
	monitor *MonitorService,
	m *metrics.Metrics,
	clk clock.Clock,
	log zerolog.Logger,
) *ProctorService {
	return &ProctorService{
		owner:   owner,
		sink:    sink,
		monitor: monitor,
		metrics: m,
		clock:   clk,
		log:     log.With().Str("component", "proctor_service").Logger(),
	}
}

// knownProctorTypes bounds the metric label set.
var knownProctorTypes = map[string]bool{
	model.ProctorSessionStart:      true,
	model.ProctorFocusGained:       true,
	model.ProctorFocusLost:         true,
	model.ProctorVisibilityHidden:  true,
	model.ProctorVisibilityVisible: true,
	model.ProctorCopy:              true,
	model.ProctorCut:               true,
	model.ProctorPaste:             true,
	model.ProctorHeartbeat:         true,
	model.ProctorMultiTab:          true,
}

// Ingest stores validated inputs for an attempt owned by the caller and
// returns how many were accepted. Events are stamped by the server clock and
// get time-ordered ids so a batch keeps its order on equal timestamps.
func (s *ProctorService) Ingest(ctx context.Context, id model.Identity, attemptID uuid.UUID, inputs []model.ProctorEventInput) (int, error) {
	a, err := s.Authorize(ctx, id, attemptID)
	if err != nil {
		return 0, err
	}
	return s.Record(ctx, a, inputs)
}

// Authorize resolves the attempt events are sent for, failing unless the
// caller owns it.
func (s *ProctorService) Authorize(ctx context.Context, id model.Identity, attemptID uuid.UUID) (*model.Attempt, error) {
	return s.owner.AssertOwnership(ctx, attemptID, id.UserID)
}

// Record stores inputs for an attempt already returned by Authorize.
func (s *ProctorService) Record(ctx context.Context, a *model.Attempt, inputs []model.ProctorEventInput) (int, error) {
	if len(inputs) == 0 {
		return 0, nil
	}

	now := s.clock.Now()
	events := make([]model.ProctorEvent, 0, len(inputs))
	for _, in := range inputs {
		evID, err := uuid.NewV7()
		if err != nil {
			return 0, fmt.Errorf("generate event id: %w", err)
		}
		events = append(events, model.ProctorEvent{
			ID:        evID,
			AttemptID: a.ID,
			Type:      in.Type,
			Meta:      in.Meta,
			ClientTs:  in.ClientTs,
			CreatedAt: now,
		})
	}

	if err := s.sink.Store(ctx, events); err != nil {
		return 0, fmt.Errorf("store proctor events: %w", err)
	}

	s.monitor.Touch(ctx, a.ID, now)
	for i := range events {
		e := &events[i]
		label := e.Type
		if !knownProctorTypes[label] {
			label = "other"
		}
		s.metrics.ProctorEvent(label)
		if e.Type == model.ProctorHeartbeat {
			continue
		}
		s.monitor.Publish(ctx, a.ExamID, MonitorEvent{
			Type:      MonitorProctorEvent,
			AttemptID: a.ID,
			UserID:    a.UserID,
			Event:     e.Type,
			Meta:      e.Meta,
			At:        now,
		})
	}

	s.log.Debug().
		Str("attempt_id", a.ID.String()).
		Int("count", len(events)).
		Msg("Proctor events accepted")
	return len(events), nil
}
