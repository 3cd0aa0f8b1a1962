package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

const attemptColumns = `id, exam_id, user_id, status, duration_sec, started_at, expected_end_at,
	submitted_at, submit_trigger, created_at, updated_at`

// AttemptRepository handles attempt data access on SQLite.
type AttemptRepository struct {
	db *sql.DB
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row rowScanner) (*model.Attempt, error) {
	var (
		id, examID, userID, status string
		a                          model.Attempt
		started, end, submitted    sql.NullString
		trigger                    sql.NullString
		createdAt, updatedAt       string
	)
	err := row.Scan(&id, &examID, &userID, &status, &a.DurationSec, &started, &end,
		&submitted, &trigger, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}

	if a.ID, err = parseID(id); err != nil {
		return nil, err
	}
	if a.ExamID, err = parseID(examID); err != nil {
		return nil, err
	}
	if a.UserID, err = parseID(userID); err != nil {
		return nil, err
	}
	a.Status = model.AttemptStatus(status)
	if a.StartedAt, err = parseTimePtr(started); err != nil {
		return nil, err
	}
	if a.ExpectedEndAt, err = parseTimePtr(end); err != nil {
		return nil, err
	}
	if a.SubmittedAt, err = parseTimePtr(submitted); err != nil {
		return nil, err
	}
	if trigger.Valid {
		t := model.SubmitTrigger(trigger.String)
		a.SubmitTrigger = &t
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// GetByID retrieves an attempt by ID.
func (r *AttemptRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Attempt, error) {
	return scanAttempt(r.db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE id = ?`, id.String()))
}

// GetByExamAndUser retrieves the attempt of a user for an exam.
func (r *AttemptRepository) GetByExamAndUser(ctx context.Context, examID, userID uuid.UUID) (*model.Attempt, error) {
	return scanAttempt(r.db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE exam_id = ? AND user_id = ?`,
		examID.String(), userID.String()))
}

// Create inserts a PENDING attempt, or loads the existing one on conflict.
func (r *AttemptRepository) Create(ctx context.Context, a *model.Attempt) (bool, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO attempts (id, exam_id, user_id, status, duration_sec, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (exam_id, user_id) DO NOTHING`,
		a.ID.String(), a.ExamID.String(), a.UserID.String(), string(model.AttemptStatusPending),
		a.DurationSec, formatTime(a.CreatedAt), formatTime(a.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert attempt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	stored, err := r.GetByExamAndUser(ctx, a.ExamID, a.UserID)
	if err != nil {
		return false, fmt.Errorf("load attempt: %w", err)
	}
	*a = *stored
	return n == 1, nil
}

// MarkStarted sets the start instant and deadline exactly once.
func (r *AttemptRepository) MarkStarted(ctx context.Context, id uuid.UUID, startedAt, expectedEndAt time.Time) (*model.Attempt, bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE attempts
		 SET status = ?, started_at = ?, expected_end_at = ?, updated_at = ?
		 WHERE id = ? AND started_at IS NULL AND status = ?`,
		string(model.AttemptStatusOngoing), formatTime(startedAt), formatTime(expectedEndAt),
		formatTime(startedAt), id.String(), string(model.AttemptStatusPending),
	)
	return r.afterConditional(ctx, id, res, err)
}

// MarkSubmitted moves the attempt to SUBMITTED unless it already is.
func (r *AttemptRepository) MarkSubmitted(ctx context.Context, id uuid.UUID, at time.Time, trigger model.SubmitTrigger) (*model.Attempt, bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE attempts
		 SET status = ?, submitted_at = ?, submit_trigger = ?, updated_at = ?
		 WHERE id = ? AND status <> ?`,
		string(model.AttemptStatusSubmitted), formatTime(at), string(trigger), formatTime(at),
		id.String(), string(model.AttemptStatusSubmitted),
	)
	return r.afterConditional(ctx, id, res, err)
}

func (r *AttemptRepository) afterConditional(ctx context.Context, id uuid.UUID, res sql.Result, err error) (*model.Attempt, bool, error) {
	if err != nil {
		return nil, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return current, n == 1, nil
}

// ListByExam lists the attempts of an exam, most recently submitted first.
func (r *AttemptRepository) ListByExam(ctx context.Context, examID uuid.UUID) ([]model.AttemptSummary, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT a.id, a.user_id, COALESCE(u.name, ''), a.status, a.started_at, a.expected_end_at, a.submitted_at
		 FROM attempts a
		 LEFT JOIN users u ON u.id = a.user_id
		 WHERE a.exam_id = ?
		 ORDER BY a.submitted_at IS NULL, a.submitted_at DESC, a.created_at DESC`, examID.String(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.AttemptSummary, 0)
	for rows.Next() {
		var (
			s                       model.AttemptSummary
			id, userID, status      string
			started, end, submitted sql.NullString
		)
		if err := rows.Scan(&id, &userID, &s.UserName, &status, &started, &end, &submitted); err != nil {
			return nil, err
		}
		if s.ID, err = parseID(id); err != nil {
			return nil, err
		}
		if s.UserID, err = parseID(userID); err != nil {
			return nil, err
		}
		s.Status = model.AttemptStatus(status)
		if s.StartedAt, err = parseTimePtr(started); err != nil {
			return nil, err
		}
		if s.ExpectedEndAt, err = parseTimePtr(end); err != nil {
			return nil, err
		}
		if s.SubmittedAt, err = parseTimePtr(submitted); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListExpired returns lapsed ONGOING attempts, oldest deadline first.
func (r *AttemptRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]model.Attempt, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+attemptColumns+`
		 FROM attempts
		 WHERE status = ? AND expected_end_at <= ?
		 ORDER BY expected_end_at
		 LIMIT ?`,
		string(model.AttemptStatusOngoing), formatTime(now), limit,
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
