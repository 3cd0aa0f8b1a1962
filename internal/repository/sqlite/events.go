package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

// EventRepository handles audit event data access on SQLite.
type EventRepository struct {
	db *sql.DB
}

// Append inserts one audit event.
func (r *EventRepository) Append(ctx context.Context, e *model.Event) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO events (id, attempt_id, type, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.ID.String(), e.AttemptID.String(), string(e.Type), nullableJSON(e.Payload), formatTime(e.CreatedAt),
	)
	return err
}

// ListTimeline reads audit events as timeline rows.
func (r *EventRepository) ListTimeline(ctx context.Context, attemptID uuid.UUID, f model.TimelineFilter) ([]model.TimelineItem, error) {
	query, args := repository.BuildTimelineQuery(Dialect, "events", "payload", attemptID, f)
	return queryTimeline(ctx, r.db, query, args, model.TimelineKindEvent)
}

// ProctorEventRepository handles proctor event data access on SQLite.
type ProctorEventRepository struct {
	db *sql.DB
}

const insertProctorEvent = `INSERT INTO proctor_events (id, attempt_id, type, meta, client_ts, created_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO NOTHING`

func proctorArgs(e *model.ProctorEvent) []any {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return []any{
		e.ID.String(), e.AttemptID.String(), e.Type, nullableJSON(e.Meta),
		formatTimePtr(e.ClientTs), formatTime(e.CreatedAt),
	}
}

// Append inserts a single proctor event.
func (r *ProctorEventRepository) Append(ctx context.Context, e *model.ProctorEvent) error {
	_, err := r.db.ExecContext(ctx, insertProctorEvent, proctorArgs(e)...)
	return err
}

// AppendBatch inserts proctor events in one transaction.
func (r *ProctorEventRepository) AppendBatch(ctx context.Context, events []model.ProctorEvent) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertProctorEvent)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range events {
		if _, err := stmt.ExecContext(ctx, proctorArgs(&events[i])...); err != nil {
			return fmt.Errorf("insert proctor event %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// ListTimeline reads proctor events as timeline rows.
func (r *ProctorEventRepository) ListTimeline(ctx context.Context, attemptID uuid.UUID, f model.TimelineFilter) ([]model.TimelineItem, error) {
	query, args := repository.BuildTimelineQuery(Dialect, "proctor_events", "meta", attemptID, f)
	return queryTimeline(ctx, r.db, query, args, model.TimelineKindProctor)
}

// SummaryByExam aggregates proctor events per attempt of an exam.
func (r *ProctorEventRepository) SummaryByExam(ctx context.Context, examID uuid.UUID) ([]model.ProctorSummary, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT a.id, a.user_id, a.status, p.type, COUNT(p.id), MAX(p.created_at)
		 FROM attempts a
		 LEFT JOIN proctor_events p ON p.attempt_id = a.id
		 WHERE a.exam_id = ?
		 GROUP BY a.id, a.user_id, a.status, a.created_at, p.type
		 ORDER BY a.created_at, a.id`, examID.String(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var raw []repository.SummaryRow
	for rows.Next() {
		var (
			s                  repository.SummaryRow
			id, userID, status string
			typ, lastAt        sql.NullString
		)
		if err := rows.Scan(&id, &userID, &status, &typ, &s.Count, &lastAt); err != nil {
			return nil, err
		}
		if s.AttemptID, err = parseID(id); err != nil {
			return nil, err
		}
		if s.UserID, err = parseID(userID); err != nil {
			return nil, err
		}
		s.Status = model.AttemptStatus(status)
		if typ.Valid {
			t := typ.String
			s.Type = &t
		}
		if s.LastAt, err = parseTimePtr(lastAt); err != nil {
			return nil, err
		}
		raw = append(raw, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return repository.FoldSummary(raw), nil
}

func queryTimeline(ctx context.Context, db *sql.DB, query string, args []any, kind model.TimelineKind) ([]model.TimelineItem, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.TimelineItem, 0)
	for rows.Next() {
		item := model.TimelineItem{Kind: kind}
		var (
			id, created string
			data        sql.NullString
		)
		if err := rows.Scan(&id, &item.Type, &data, &created); err != nil {
			return nil, err
		}
		if item.ID, err = parseID(id); err != nil {
			return nil, err
		}
		if item.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		item.Data = jsonOrNil(data)
		out = append(out, item)
	}
	return out, rows.Err()
}
