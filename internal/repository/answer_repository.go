package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// PgAnswerRepository handles answer data access on PostgreSQL.
type PgAnswerRepository struct {
	pool *pgxpool.Pool
}

// NewAnswerRepository creates a new PgAnswerRepository.
func NewAnswerRepository(pool *pgxpool.Pool) *PgAnswerRepository {
	return &PgAnswerRepository{pool: pool}
}

// Get retrieves the stored document for one question of an attempt.
func (r *PgAnswerRepository) Get(ctx context.Context, attemptID uuid.UUID, questionID string) (*model.Answer, error) {
	a := &model.Answer{}
	var content []byte
	err := r.pool.QueryRow(ctx,
		`SELECT id, attempt_id, question_id, content, updated_at
		 FROM answers
		 WHERE attempt_id = $1 AND question_id = $2`, attemptID, questionID,
	).Scan(&a.ID, &a.AttemptID, &a.QuestionID, &content, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	a.Content = content
	return a, nil
}

// Upsert creates or replaces the document for one question of an attempt.
func (r *PgAnswerRepository) Upsert(ctx context.Context, attemptID uuid.UUID, questionID string, content json.RawMessage, at time.Time) (*model.Answer, error) {
	a := &model.Answer{AttemptID: attemptID, QuestionID: questionID, Content: content}
	err := r.pool.QueryRow(ctx,
		`INSERT INTO answers (id, attempt_id, question_id, content, updated_at)
		 VALUES ($1, $2, $3, $4::jsonb, $5)
		 ON CONFLICT (attempt_id, question_id) DO UPDATE
		 SET content = EXCLUDED.content, updated_at = EXCLUDED.updated_at
		 RETURNING id, updated_at`,
		uuid.New(), attemptID, questionID, string(content), at,
	).Scan(&a.ID, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ListByAttempt returns all stored documents of an attempt.
func (r *PgAnswerRepository) ListByAttempt(ctx context.Context, attemptID uuid.UUID) ([]model.Answer, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, attempt_id, question_id, content, updated_at
		 FROM answers
		 WHERE attempt_id = $1
		 ORDER BY question_id`, attemptID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Answer, 0)
	for rows.Next() {
		var a model.Answer
		var content []byte
		if err := rows.Scan(&a.ID, &a.AttemptID, &a.QuestionID, &content, &a.UpdatedAt); err != nil {
			return nil, err
		}
		a.Content = content
		out = append(out, a)
	}
	return out, rows.Err()
}
