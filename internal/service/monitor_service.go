package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
)

// lastSeenTTL bounds how long an attempt counts as recently active.
const lastSeenTTL = 2 * time.Hour

// Monitor event types published on an exam's live channel.
const (
	MonitorAttemptStarted   = "attempt_started"
	MonitorAttemptSubmitted = "attempt_submitted"
	MonitorProctorEvent     = "proctor_event"
)

// MonitorEvent is one message on an exam's live monitor channel.
type MonitorEvent struct {
	Type      string          `json:"type"`
	AttemptID uuid.UUID       `json:"attemptId"`
	UserID    uuid.UUID       `json:"userId"`
	Event     string          `json:"event,omitempty"`
	Meta      json.RawMessage `json:"meta,omitempty"`
	At        time.Time       `json:"at"`
}

// MonitorService fans live attempt activity out over Redis pub/sub. With no
// Redis client every method is a no-op.
type MonitorService struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewMonitorService creates a new MonitorService. rdb may be nil.
func NewMonitorService(rdb *redis.Client, log zerolog.Logger) *MonitorService {
	return &MonitorService{rdb: rdb, log: log.With().Str("component", "monitor_service").Logger()}
}

// Enabled reports whether live monitoring is available.
func (s *MonitorService) Enabled() bool {
	return s != nil && s.rdb != nil
}

// Publish sends ev on the exam channel. Failures are logged, never returned:
// monitoring must not fail the request that produced the activity.
func (s *MonitorService) Publish(ctx context.Context, examID uuid.UUID, ev MonitorEvent) {
	if !s.Enabled() {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		s.log.Error().Err(err).Msg("Marshal monitor event")
		return
	}
	channel := config.CacheKey.ExamMonitorChannel(examID.String())
	if err := s.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		s.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Publish monitor event failed")
	}
}

// Subscribe attaches to the exam channel. The caller closes the subscription.
func (s *MonitorService) Subscribe(ctx context.Context, examID uuid.UUID) (*redis.PubSub, error) {
	if !s.Enabled() {
		return nil, fmt.Errorf("live monitor requires redis")
	}
	return s.rdb.Subscribe(ctx, config.CacheKey.ExamMonitorChannel(examID.String())), nil
}

// Touch records the last client activity of an attempt.
func (s *MonitorService) Touch(ctx context.Context, attemptID uuid.UUID, at time.Time) {
	if !s.Enabled() {
		return
	}
	key := config.CacheKey.AttemptLastSeenKey(attemptID.String())
	if err := s.rdb.Set(ctx, key, at.UTC().Format(time.RFC3339Nano), lastSeenTTL).Err(); err != nil {
		s.log.Warn().Err(err).Str("attempt_id", attemptID.String()).Msg("Store last seen failed")
	}
}

// LastSeen reads the last activity of each attempt in one pipeline. Attempts
// with no recorded activity are absent from the result.
func (s *MonitorService) LastSeen(ctx context.Context, attemptIDs []uuid.UUID) (map[uuid.UUID]time.Time, error) {
	out := make(map[uuid.UUID]time.Time, len(attemptIDs))
	if !s.Enabled() || len(attemptIDs) == 0 {
		return out, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.StringCmd, len(attemptIDs))
	for i, id := range attemptIDs {
		cmds[i] = pipe.Get(ctx, config.CacheKey.AttemptLastSeenKey(id.String()))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read last seen: %w", err)
	}

	for i, cmd := range cmds {
		raw, err := cmd.Result()
		if err != nil {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			continue
		}
		out[attemptIDs[i]] = t
	}
	return out, nil
}
