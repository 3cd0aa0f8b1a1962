package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *repository.Store {
	t.Helper()
	db, err := Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func seedAttempt(t *testing.T, s *repository.Store) *model.Attempt {
	t.Helper()
	ctx := context.Background()
	u := &model.User{Email: "Siswa@Example.com", Name: "Siswa", Role: model.RoleStudent, PasswordHash: "x", CreatedAt: t0}
	if err := s.Users.Create(ctx, u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	e := &model.Exam{Title: "Fisika", DurationSec: 60, CreatedByID: u.ID, CreatedAt: t0}
	if err := s.Exams.Create(ctx, e); err != nil {
		t.Fatalf("create exam: %v", err)
	}
	a := &model.Attempt{ExamID: e.ID, UserID: u.ID, DurationSec: e.DurationSec, CreatedAt: t0}
	created, err := s.Attempts.Create(ctx, a)
	if err != nil {
		t.Fatalf("create attempt: %v", err)
	}
	if !created {
		t.Fatal("first create reported existing row")
	}
	return a
}

func TestUserLookupIsCaseInsensitive(t *testing.T) {
	s := newTestStore(t)
	a := seedAttempt(t, s)

	u, err := s.Users.GetByEmail(context.Background(), "SISWA@example.COM")
	if err != nil {
		t.Fatalf("GetByEmail: %v", err)
	}
	if u.ID != a.UserID || u.Role != model.RoleStudent {
		t.Fatalf("got %+v", u)
	}
	if _, err := s.Users.GetByID(context.Background(), uuid.New()); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("missing user: got %v, want ErrNotFound", err)
	}
}

func TestAttemptCreateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	a := seedAttempt(t, s)

	again := &model.Attempt{ExamID: a.ExamID, UserID: a.UserID, DurationSec: 60, CreatedAt: t0.Add(time.Minute)}
	created, err := s.Attempts.Create(context.Background(), again)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created {
		t.Fatal("second create inserted a row")
	}
	if again.ID != a.ID || again.Status != model.AttemptStatusPending {
		t.Fatalf("got %+v, want existing %s", again, a.ID)
	}
}

func TestMarkStartedAndSubmittedAreConditional(t *testing.T) {
	s := newTestStore(t)
	a := seedAttempt(t, s)
	ctx := context.Background()

	got, ok, err := s.Attempts.MarkStarted(ctx, a.ID, t0, t0.Add(time.Minute))
	if err != nil || !ok {
		t.Fatalf("MarkStarted: ok=%v err=%v", ok, err)
	}
	if got.Status != model.AttemptStatusOngoing || !got.ExpectedEndAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("got %+v", got)
	}

	got, ok, err = s.Attempts.MarkStarted(ctx, a.ID, t0.Add(10*time.Second), t0.Add(70*time.Second))
	if err != nil || ok {
		t.Fatalf("second MarkStarted: ok=%v err=%v", ok, err)
	}
	if !got.StartedAt.Equal(t0) {
		t.Fatalf("start moved to %v", got.StartedAt)
	}

	first := t0.Add(30 * time.Second)
	got, ok, err = s.Attempts.MarkSubmitted(ctx, a.ID, first, model.SubmitTriggerExplicit)
	if err != nil || !ok {
		t.Fatalf("MarkSubmitted: ok=%v err=%v", ok, err)
	}
	got, ok, err = s.Attempts.MarkSubmitted(ctx, a.ID, t0.Add(50*time.Second), model.SubmitTriggerAuto)
	if err != nil || ok {
		t.Fatalf("second MarkSubmitted: ok=%v err=%v", ok, err)
	}
	if !got.SubmittedAt.Equal(first) || *got.SubmitTrigger != model.SubmitTriggerExplicit {
		t.Fatalf("first submission overwritten: %+v", got)
	}
}

func TestListExpired(t *testing.T) {
	s := newTestStore(t)
	a := seedAttempt(t, s)
	ctx := context.Background()

	if _, _, err := s.Attempts.MarkStarted(ctx, a.ID, t0, t0.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		now  time.Time
		want int
	}{
		{"before deadline", t0.Add(59 * time.Second), 0},
		{"at deadline", t0.Add(time.Minute), 1},
		{"after deadline", t0.Add(2 * time.Minute), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Attempts.ListExpired(ctx, tt.now, 10)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != tt.want {
				t.Fatalf("got %d attempts, want %d", len(got), tt.want)
			}
		})
	}
}

func TestAnswerUpsertReplacesDocument(t *testing.T) {
	s := newTestStore(t)
	a := seedAttempt(t, s)
	ctx := context.Background()

	first, err := s.Answers.Upsert(ctx, a.ID, "q1", json.RawMessage(`{"text":"a"}`), t0)
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Answers.Upsert(ctx, a.ID, "q1", json.RawMessage(`{"text":"b"}`), t0.Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Fatalf("upsert created a second row: %s vs %s", first.ID, second.ID)
	}
	if string(second.Content) != `{"text":"b"}` || !second.UpdatedAt.Equal(t0.Add(time.Second)) {
		t.Fatalf("got %+v", second)
	}

	list, err := s.Answers.ListByAttempt(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("got %d answers, want 1", len(list))
	}
}

func TestTimelineOrderingAndCursor(t *testing.T) {
	s := newTestStore(t)
	a := seedAttempt(t, s)
	ctx := context.Background()

	batch := make([]model.ProctorEvent, 0, 5)
	for i := 0; i < 5; i++ {
		batch = append(batch, model.ProctorEvent{
			AttemptID: a.ID,
			Type:      model.ProctorHeartbeat,
			CreatedAt: t0.Add(time.Duration(i) * time.Second),
		})
	}
	batch[4].Type = model.ProctorPaste
	batch[4].Meta = json.RawMessage(`{"internal":false}`)
	if err := s.ProctorEvents.AppendBatch(ctx, batch); err != nil {
		t.Fatalf("AppendBatch: %v", err)
	}

	page, err := s.ProctorEvents.ListTimeline(ctx, a.ID, model.TimelineFilter{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].Type != model.ProctorPaste || !page[0].CreatedAt.Equal(t0.Add(4*time.Second)) {
		t.Fatalf("first page: %+v", page)
	}
	if string(page[0].Data) != `{"internal":false}` {
		t.Fatalf("meta: %s", page[0].Data)
	}

	last := page[len(page)-1]
	rest, err := s.ProctorEvents.ListTimeline(ctx, a.ID, model.TimelineFilter{
		Before: &model.TimelineCursor{T: last.CreatedAt, ID: last.ID, Kind: last.Kind},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 3 || !rest[0].CreatedAt.Equal(t0.Add(2*time.Second)) {
		t.Fatalf("rest: %+v", rest)
	}

	only, err := s.ProctorEvents.ListTimeline(ctx, a.ID, model.TimelineFilter{Types: []string{model.ProctorPaste}})
	if err != nil {
		t.Fatal(err)
	}
	if len(only) != 1 {
		t.Fatalf("type filter: got %d rows", len(only))
	}
}

func TestProctorSummaryByExam(t *testing.T) {
	s := newTestStore(t)
	a := seedAttempt(t, s)
	ctx := context.Background()

	for i, typ := range []string{model.ProctorHeartbeat, model.ProctorFocusLost, model.ProctorHeartbeat} {
		e := &model.ProctorEvent{AttemptID: a.ID, Type: typ, CreatedAt: t0.Add(time.Duration(i) * time.Second)}
		if err := s.ProctorEvents.Append(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	sum, err := s.ProctorEvents.SummaryByExam(ctx, a.ExamID)
	if err != nil {
		t.Fatal(err)
	}
	if len(sum) != 1 {
		t.Fatalf("got %d summaries", len(sum))
	}
	got := sum[0]
	if got.Total != 3 || got.Counts[model.ProctorHeartbeat] != 2 || got.Counts[model.ProctorFocusLost] != 1 {
		t.Fatalf("counts: %+v", got)
	}
	if got.LastHeartbeat == nil || !got.LastHeartbeat.Equal(t0.Add(2*time.Second)) {
		t.Fatalf("last heartbeat: %v", got.LastHeartbeat)
	}
}
