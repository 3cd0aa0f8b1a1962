package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

const attemptColumns = `id, exam_id, user_id, status, duration_sec, started_at, expected_end_at,
	submitted_at, submit_trigger, created_at, updated_at`

// PgAttemptRepository handles attempt data access on PostgreSQL.
type PgAttemptRepository struct {
	pool *pgxpool.Pool
}

// NewAttemptRepository creates a new PgAttemptRepository.
func NewAttemptRepository(pool *pgxpool.Pool) *PgAttemptRepository {
	return &PgAttemptRepository{pool: pool}
}

func scanAttempt(row pgx.Row) (*model.Attempt, error) {
	a := &model.Attempt{}
	var trigger *string
	err := row.Scan(&a.ID, &a.ExamID, &a.UserID, &a.Status, &a.DurationSec, &a.StartedAt,
		&a.ExpectedEndAt, &a.SubmittedAt, &trigger, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if trigger != nil {
		t := model.SubmitTrigger(*trigger)
		a.SubmitTrigger = &t
	}
	return a, nil
}

// GetByID retrieves an attempt by ID.
func (r *PgAttemptRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Attempt, error) {
	return scanAttempt(r.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE id = $1`, id))
}

// GetByExamAndUser retrieves the attempt of a user for an exam.
func (r *PgAttemptRepository) GetByExamAndUser(ctx context.Context, examID, userID uuid.UUID) (*model.Attempt, error) {
	return scanAttempt(r.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE exam_id = $1 AND user_id = $2`, examID, userID))
}

// Create inserts a PENDING attempt, or loads the existing one on conflict.
func (r *PgAttemptRepository) Create(ctx context.Context, a *model.Attempt) (bool, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	created, err := scanAttempt(r.pool.QueryRow(ctx,
		`INSERT INTO attempts (id, exam_id, user_id, status, duration_sec, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $6)
		 ON CONFLICT (exam_id, user_id) DO NOTHING
		 RETURNING `+attemptColumns,
		a.ID, a.ExamID, a.UserID, model.AttemptStatusPending, a.DurationSec, a.CreatedAt,
	))
	if err == nil {
		*a = *created
		return true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return false, fmt.Errorf("insert attempt: %w", err)
	}

	// Concurrent start: the row already exists.
	existing, err := r.GetByExamAndUser(ctx, a.ExamID, a.UserID)
	if err != nil {
		return false, fmt.Errorf("load existing attempt: %w", err)
	}
	*a = *existing
	return false, nil
}

// MarkStarted sets the start instant and deadline exactly once.
func (r *PgAttemptRepository) MarkStarted(ctx context.Context, id uuid.UUID, startedAt, expectedEndAt time.Time) (*model.Attempt, bool, error) {
	a, err := scanAttempt(r.pool.QueryRow(ctx,
		`UPDATE attempts
		 SET status = $2, started_at = $3, expected_end_at = $4, updated_at = $3
		 WHERE id = $1 AND started_at IS NULL AND status = $5
		 RETURNING `+attemptColumns,
		id, model.AttemptStatusOngoing, startedAt, expectedEndAt, model.AttemptStatusPending,
	))
	return r.afterConditional(ctx, id, a, err)
}

// MarkSubmitted moves the attempt to SUBMITTED unless it already is.
func (r *PgAttemptRepository) MarkSubmitted(ctx context.Context, id uuid.UUID, at time.Time, trigger model.SubmitTrigger) (*model.Attempt, bool, error) {
	a, err := scanAttempt(r.pool.QueryRow(ctx,
		`UPDATE attempts
		 SET status = $2, submitted_at = $3, submit_trigger = $4, updated_at = $3
		 WHERE id = $1 AND status <> $2
		 RETURNING `+attemptColumns,
		id, model.AttemptStatusSubmitted, at, string(trigger),
	))
	return r.afterConditional(ctx, id, a, err)
}

func (r *PgAttemptRepository) afterConditional(ctx context.Context, id uuid.UUID, a *model.Attempt, err error) (*model.Attempt, bool, error) {
	if err == nil {
		return a, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

// ListByExam lists the attempts of an exam, most recently submitted first.
func (r *PgAttemptRepository) ListByExam(ctx context.Context, examID uuid.UUID) ([]model.AttemptSummary, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT a.id, a.user_id, COALESCE(u.name, ''), a.status, a.started_at, a.expected_end_at, a.submitted_at
		 FROM attempts a
		 LEFT JOIN users u ON u.id = a.user_id
		 WHERE a.exam_id = $1
		 ORDER BY a.submitted_at DESC NULLS LAST, a.created_at DESC`, examID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.AttemptSummary, 0)
	for rows.Next() {
		var s model.AttemptSummary
		if err := rows.Scan(&s.ID, &s.UserID, &s.UserName, &s.Status, &s.StartedAt, &s.ExpectedEndAt, &s.SubmittedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListExpired returns lapsed ONGOING attempts, oldest deadline first.
func (r *PgAttemptRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]model.Attempt, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+attemptColumns+`
		 FROM attempts
		 WHERE status = $1 AND expected_end_at <= $2
		 ORDER BY expected_end_at
		 LIMIT $3`,
		model.AttemptStatusOngoing, now, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}
