package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
)

type fakeProctorRepo struct {
	batchErr error
	failType string
	stored   []model.ProctorEvent
}

func (r *fakeProctorRepo) Append(_ context.Context, e *model.ProctorEvent) error {
	if e.Type == r.failType {
		return errors.New("insert failed")
	}
	r.stored = append(r.stored, *e)
	return nil
}

func (r *fakeProctorRepo) AppendBatch(_ context.Context, events []model.ProctorEvent) error {
	if r.batchErr != nil {
		return r.batchErr
	}
	r.stored = append(r.stored, events...)
	return nil
}

func (r *fakeProctorRepo) ListTimeline(context.Context, uuid.UUID, model.TimelineFilter) ([]model.TimelineItem, error) {
	return nil, nil
}

func (r *fakeProctorRepo) SummaryByExam(context.Context, uuid.UUID) ([]model.ProctorSummary, error) {
	return nil, nil
}

func events(types ...string) []model.ProctorEvent {
	at := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	attempt := uuid.New()
	out := make([]model.ProctorEvent, len(types))
	for i, typ := range types {
		out[i] = model.ProctorEvent{ID: uuid.New(), AttemptID: attempt, Type: typ, CreatedAt: at}
	}
	return out
}

func TestFlushSafe(t *testing.T) {
	tests := []struct {
		name         string
		repo         *fakeProctorRepo
		wantStored   int
		wantRequeued int
	}{
		{"bulk insert", &fakeProctorRepo{}, 3, 0},
		{"row by row after bulk failure", &fakeProctorRepo{batchErr: errors.New("copy failed")}, 3, 0},
		{"failing rows are requeued", &fakeProctorRepo{batchErr: errors.New("copy failed"), failType: "paste"}, 2, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewProctorEventWorker(tt.repo, nil, zerolog.Nop())
			var requeued []model.ProctorEvent
			w.requeue = func(_ context.Context, items []model.ProctorEvent) error {
				requeued = append(requeued, items...)
				return nil
			}

			w.flushSafe(context.Background(), events("focus-lost", "paste", "heartbeat"))

			if len(tt.repo.stored) != tt.wantStored {
				t.Errorf("stored %d, want %d", len(tt.repo.stored), tt.wantStored)
			}
			if len(requeued) != tt.wantRequeued {
				t.Errorf("requeued %d, want %d", len(requeued), tt.wantRequeued)
			}
		})
	}
}

func TestDecodeProctorEvent(t *testing.T) {
	good := `{"id":"0190f8b4-6f3a-7c3e-9a4b-3f1d2c5e6a7b","attemptId":"6f1c0a52-1d2e-4f3a-9b8c-7d6e5f4a3b2c","type":"paste","createdAt":"2026-03-02T08:00:00Z"}`
	if _, err := decodeProctorEvent(good); err != nil {
		t.Fatalf("good payload: %v", err)
	}
	for _, bad := range []string{`{`, `{"type":"paste","createdAt":"2026-03-02T08:00:00Z"}`, `{"attemptId":"6f1c0a52-1d2e-4f3a-9b8c-7d6e5f4a3b2c","type":"paste"}`} {
		if _, err := decodeProctorEvent(bad); err == nil {
			t.Errorf("accepted %s", bad)
		}
	}
}

type countingSweeper struct {
	results []int
	calls   int
}

func (s *countingSweeper) SweepExpired(_ context.Context, limit int) (int, error) {
	if s.calls >= len(s.results) {
		return 0, errors.New("unexpected call")
	}
	n := s.results[s.calls]
	s.calls++
	return n, nil
}

func TestExpiryWorkerRepeatsFullBatches(t *testing.T) {
	s := &countingSweeper{results: []int{SweepBatch, SweepBatch, 7}}
	w := NewExpiryWorker(s, time.Minute, nil, zerolog.Nop())

	if got := w.RunOnce(context.Background()); got != 2*SweepBatch+7 {
		t.Fatalf("sealed %d, want %d", got, 2*SweepBatch+7)
	}
	if s.calls != 3 {
		t.Fatalf("calls = %d, want 3", s.calls)
	}
}
