package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// PgExamRepository handles exam data access on PostgreSQL.
type PgExamRepository struct {
	pool *pgxpool.Pool
}

// NewExamRepository creates a new PgExamRepository.
func NewExamRepository(pool *pgxpool.Pool) *PgExamRepository {
	return &PgExamRepository{pool: pool}
}

// GetByID retrieves an exam by ID.
func (r *PgExamRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Exam, error) {
	e := &model.Exam{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, title, duration_sec, created_by, starts_at, ends_at, created_at
		 FROM exams WHERE id = $1`, id,
	).Scan(&e.ID, &e.Title, &e.DurationSec, &e.CreatedByID, &e.StartsAt, &e.EndsAt, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return e, nil
}

// Create inserts a new exam. CreatedAt must be set by the caller.
func (r *PgExamRepository) Create(ctx context.Context, e *model.Exam) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO exams (id, title, duration_sec, created_by, starts_at, ends_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.Title, e.DurationSec, e.CreatedByID, e.StartsAt, e.EndsAt, e.CreatedAt,
	)
	return err
}
