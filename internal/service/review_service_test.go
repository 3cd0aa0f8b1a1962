package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

func TestStaffGuard(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()
	a := env.start(t)

	tests := []struct {
		name    string
		id      model.Identity
		attempt uuid.UUID
		want    error
	}{
		{"admin passes", env.admin, a.ID, nil},
		{"exam author passes", env.teacher, a.ID, nil},
		{"other teacher is forbidden", env.other, a.ID, ErrForbidden},
		{"student is forbidden", env.student, a.ID, ErrForbidden},
		{"missing attempt", env.admin, uuid.New(), ErrAttemptNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.review.AttemptDetail(ctx, tt.id, tt.attempt)
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := env.review.ListExamAttempts(ctx, env.admin, uuid.New()); !errors.Is(err, ErrExamNotFound) {
		t.Fatalf("missing exam: got %v", err)
	}
}

func TestTimelineMergesAndPages(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()
	a := env.start(t) // writes attempt.started at t0

	for i := 0; i < 3; i++ {
		env.clock.Advance(time.Second)
		in := []model.ProctorEventInput{{Type: model.ProctorFocusLost}, {Type: model.ProctorFocusGained}}
		if _, err := env.proctor.Ingest(ctx, env.student, a.ID, in); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}
	env.clock.Advance(time.Second)
	if _, err := env.attempts.Submit(ctx, env.student, a.ID); err != nil {
		t.Fatal(err)
	}
	// 1 started + 6 proctor + 1 submitted

	var seen []model.TimelineItem
	cursor := ""
	for pages := 0; ; pages++ {
		if pages > 5 {
			t.Fatal("paging did not terminate")
		}
		page, err := env.review.Timeline(ctx, env.teacher, a.ID, TimelineQuery{Limit: 3, Cursor: cursor})
		if err != nil {
			t.Fatalf("Timeline: %v", err)
		}
		seen = append(seen, page.Items...)
		if page.NextCursor == nil {
			break
		}
		cursor = *page.NextCursor
	}

	if len(seen) != 8 {
		t.Fatalf("got %d items, want 8", len(seen))
	}
	if seen[0].Type != string(model.EventAttemptSubmitted) || seen[7].Type != string(model.EventAttemptStarted) {
		t.Fatalf("ends: first=%s last=%s", seen[0].Type, seen[7].Type)
	}
	for i := 1; i < len(seen); i++ {
		if timelineLess(seen[i-1], seen[i]) {
			t.Fatalf("item %d out of order", i)
		}
	}
	// Within one batch the later input sorts first.
	if seen[1].Type != model.ProctorFocusGained || seen[2].Type != model.ProctorFocusLost {
		t.Fatalf("batch order: %s, %s", seen[1].Type, seen[2].Type)
	}

	only, err := env.review.Timeline(ctx, env.admin, a.ID, TimelineQuery{Kinds: []model.TimelineKind{model.TimelineKindEvent}})
	if err != nil {
		t.Fatal(err)
	}
	if len(only.Items) != 2 || only.NextCursor != nil {
		t.Fatalf("kind filter: %d items", len(only.Items))
	}

	if _, err := env.review.Timeline(ctx, env.admin, a.ID, TimelineQuery{Cursor: "%%%"}); !errors.Is(err, ErrInvalidCursor) {
		t.Fatalf("bad cursor: got %v", err)
	}
}

func TestExportCSVIsAscending(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()
	a := env.start(t)

	env.clock.Advance(time.Second)
	meta := json.RawMessage(`{"length":12,"isInternal":false}`)
	if _, err := env.proctor.Ingest(ctx, env.student, a.ID, []model.ProctorEventInput{{Type: model.ProctorPaste, Meta: meta}}); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := env.review.ExportCSV(ctx, env.admin, a.ID, TimelineQuery{}, &buf); err != nil {
		t.Fatalf("ExportCSV: %v", err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want header + 2", len(rows))
	}
	if rows[1][2] != string(model.EventAttemptStarted) || rows[2][2] != model.ProctorPaste {
		t.Fatalf("rows: %v", rows)
	}
	if rows[2][4] != string(meta) {
		t.Fatalf("data column: %s", rows[2][4])
	}
}

func TestProctoringSummary(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()
	a := env.start(t)

	in := []model.ProctorEventInput{
		{Type: model.ProctorHeartbeat},
		{Type: model.ProctorPaste},
		{Type: model.ProctorMultiTab},
		{Type: model.ProctorPaste},
	}
	n, err := env.proctor.Ingest(ctx, env.student, a.ID, in)
	if err != nil || n != 4 {
		t.Fatalf("Ingest: n=%d err=%v", n, err)
	}

	if _, err := env.proctor.Ingest(ctx, env.teacher, a.ID, in); !errors.Is(err, ErrForbidden) {
		t.Fatalf("ingest by non-owner: got %v", err)
	}

	sum, err := env.review.ProctoringSummary(ctx, env.teacher, env.exam.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(sum) != 1 || sum[0].Total != 4 || sum[0].Counts[model.ProctorPaste] != 2 {
		t.Fatalf("summary: %+v", sum)
	}
	if sum[0].LastHeartbeat == nil || !sum[0].LastHeartbeat.Equal(t0) {
		t.Fatalf("last heartbeat: %v", sum[0].LastHeartbeat)
	}

	snap, err := env.review.Snapshot(ctx, env.admin, env.exam.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Attempts) != 1 || len(snap.LastSeen) != 0 {
		t.Fatalf("snapshot: %+v", snap)
	}
}
