package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// PgEventRepository handles audit event data access on PostgreSQL.
type PgEventRepository struct {
	pool *pgxpool.Pool
}

// NewEventRepository creates a new PgEventRepository.
func NewEventRepository(pool *pgxpool.Pool) *PgEventRepository {
	return &PgEventRepository{pool: pool}
}

// Append inserts one audit event.
func (r *PgEventRepository) Append(ctx context.Context, e *model.Event) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO events (id, attempt_id, type, payload, created_at)
		 VALUES ($1, $2, $3, $4::jsonb, $5)`,
		e.ID, e.AttemptID, string(e.Type), nullableJSON(e.Payload), e.CreatedAt,
	)
	return err
}

// ListTimeline reads audit events as timeline rows.
func (r *PgEventRepository) ListTimeline(ctx context.Context, attemptID uuid.UUID, f model.TimelineFilter) ([]model.TimelineItem, error) {
	query, args := BuildTimelineQuery(PostgresDialect, "events", "payload", attemptID, f)
	return queryTimeline(ctx, r.pool, query, args, model.TimelineKindEvent)
}

// PgProctorEventRepository handles proctor event data access on PostgreSQL.
type PgProctorEventRepository struct {
	pool *pgxpool.Pool
}

// NewProctorEventRepository creates a new PgProctorEventRepository.
func NewProctorEventRepository(pool *pgxpool.Pool) *PgProctorEventRepository {
	return &PgProctorEventRepository{pool: pool}
}

// Append inserts a single proctor event. Replaying an already stored id is a
// no-op, so the queue worker's row-by-row recovery can retry safely.
func (r *PgProctorEventRepository) Append(ctx context.Context, e *model.ProctorEvent) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO proctor_events (id, attempt_id, type, meta, client_ts, created_at)
		 VALUES ($1, $2, $3, $4::jsonb, $5, $6)
		 ON CONFLICT (id) DO NOTHING`,
		e.ID, e.AttemptID, e.Type, nullableJSON(e.Meta), e.ClientTs, e.CreatedAt,
	)
	return err
}

// AppendBatch bulk-inserts proctor events with COPY.
func (r *PgProctorEventRepository) AppendBatch(ctx context.Context, events []model.ProctorEvent) error {
	rows := make([][]interface{}, 0, len(events))
	for i := range events {
		e := &events[i]
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		rows = append(rows, []interface{}{
			e.ID, e.AttemptID, e.Type, nullableJSON(e.Meta), e.ClientTs, e.CreatedAt,
		})
	}

	_, err := r.pool.CopyFrom(
		ctx,
		pgx.Identifier{"proctor_events"},
		[]string{"id", "attempt_id", "type", "meta", "client_ts", "created_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("copy proctor events: %w", err)
	}
	return nil
}

// ListTimeline reads proctor events as timeline rows.
func (r *PgProctorEventRepository) ListTimeline(ctx context.Context, attemptID uuid.UUID, f model.TimelineFilter) ([]model.TimelineItem, error) {
	query, args := BuildTimelineQuery(PostgresDialect, "proctor_events", "meta", attemptID, f)
	return queryTimeline(ctx, r.pool, query, args, model.TimelineKindProctor)
}

// SummaryByExam aggregates proctor events per attempt of an exam.
func (r *PgProctorEventRepository) SummaryByExam(ctx context.Context, examID uuid.UUID) ([]model.ProctorSummary, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT a.id, a.user_id, a.status, p.type, COUNT(p.id), MAX(p.created_at)
		 FROM attempts a
		 LEFT JOIN proctor_events p ON p.attempt_id = a.id
		 WHERE a.exam_id = $1
		 GROUP BY a.id, a.user_id, a.status, a.created_at, p.type
		 ORDER BY a.created_at, a.id`, examID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var raw []SummaryRow
	for rows.Next() {
		var s SummaryRow
		if err := rows.Scan(&s.AttemptID, &s.UserID, &s.Status, &s.Type, &s.Count, &s.LastAt); err != nil {
			return nil, err
		}
		raw = append(raw, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return FoldSummary(raw), nil
}

func queryTimeline(ctx context.Context, pool *pgxpool.Pool, query string, args []any, kind model.TimelineKind) ([]model.TimelineItem, error) {
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.TimelineItem, 0)
	for rows.Next() {
		item := model.TimelineItem{Kind: kind}
		var data []byte
		if err := rows.Scan(&item.ID, &item.Type, &data, &item.CreatedAt); err != nil {
			return nil, err
		}
		item.Data = data
		out = append(out, item)
	}
	return out, rows.Err()
}

// nullableJSON maps an empty document to SQL NULL.
func nullableJSON(raw []byte) *string {
	if len(raw) == 0 {
		return nil
	}
	s := string(raw)
	return &s
}
