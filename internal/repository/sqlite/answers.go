package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

// AnswerRepository handles answer data access on SQLite.
type AnswerRepository struct {
	db *sql.DB
}

func scanAnswer(row rowScanner) (*model.Answer, error) {
	var (
		a                      model.Answer
		id, attemptID, updated string
		content                sql.NullString
	)
	if err := row.Scan(&id, &attemptID, &a.QuestionID, &content, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	var err error
	if a.ID, err = parseID(id); err != nil {
		return nil, err
	}
	if a.AttemptID, err = parseID(attemptID); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	a.Content = jsonOrNil(content)
	return &a, nil
}

// Get retrieves the stored document for one question of an attempt.
func (r *AnswerRepository) Get(ctx context.Context, attemptID uuid.UUID, questionID string) (*model.Answer, error) {
	return scanAnswer(r.db.QueryRowContext(ctx,
		`SELECT id, attempt_id, question_id, content, updated_at
		 FROM answers WHERE attempt_id = ? AND question_id = ?`,
		attemptID.String(), questionID))
}

// Upsert creates or replaces the document for one question of an attempt.
func (r *AnswerRepository) Upsert(ctx context.Context, attemptID uuid.UUID, questionID string, content json.RawMessage, at time.Time) (*model.Answer, error) {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO answers (id, attempt_id, question_id, content, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (attempt_id, question_id) DO UPDATE
		 SET content = excluded.content, updated_at = excluded.updated_at`,
		uuid.NewString(), attemptID.String(), questionID, string(content), formatTime(at),
	)
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, attemptID, questionID)
}

// ListByAttempt returns all stored documents of an attempt.
func (r *AnswerRepository) ListByAttempt(ctx context.Context, attemptID uuid.UUID) ([]model.Answer, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, attempt_id, question_id, content, updated_at
		 FROM answers WHERE attempt_id = ?
		 ORDER BY question_id`, attemptID.String(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Answer, 0)
	for rows.Next() {
		a, err := scanAnswer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}
