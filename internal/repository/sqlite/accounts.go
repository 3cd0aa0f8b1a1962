package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

// ExamRepository handles exam data access on SQLite.
type ExamRepository struct {
	db *sql.DB
}

// GetByID retrieves an exam by ID.
func (r *ExamRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Exam, error) {
	var (
		e                 model.Exam
		examID, createdBy string
		startsAt, endsAt  sql.NullString
		createdAt         string
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, title, duration_sec, created_by, starts_at, ends_at, created_at
		 FROM exams WHERE id = ?`, id.String(),
	).Scan(&examID, &e.Title, &e.DurationSec, &createdBy, &startsAt, &endsAt, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if e.ID, err = parseID(examID); err != nil {
		return nil, err
	}
	if e.CreatedByID, err = parseID(createdBy); err != nil {
		return nil, err
	}
	if e.StartsAt, err = parseTimePtr(startsAt); err != nil {
		return nil, err
	}
	if e.EndsAt, err = parseTimePtr(endsAt); err != nil {
		return nil, err
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &e, nil
}

// Create inserts a new exam. CreatedAt must be set by the caller.
func (r *ExamRepository) Create(ctx context.Context, e *model.Exam) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO exams (id, title, duration_sec, created_by, starts_at, ends_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(), e.Title, e.DurationSec, e.CreatedByID.String(),
		formatTimePtr(e.StartsAt), formatTimePtr(e.EndsAt), formatTime(e.CreatedAt),
	)
	return err
}

// UserRepository handles user data access on SQLite.
type UserRepository struct {
	db *sql.DB
}

func (r *UserRepository) getOne(ctx context.Context, where string, arg any) (*model.User, error) {
	var (
		u         model.User
		id, role  string
		createdAt string
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, email, name, role, password_hash, created_at FROM users WHERE `+where, arg,
	).Scan(&id, &u.Email, &u.Name, &role, &u.PasswordHash, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if u.ID, err = parseID(id); err != nil {
		return nil, err
	}
	u.Role = model.Role(role)
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetByID retrieves a user by ID.
func (r *UserRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.User, error) {
	return r.getOne(ctx, "id = ?", id.String())
}

// GetByEmail retrieves a user by email (case-insensitive).
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	return r.getOne(ctx, "email = ?", strings.ToLower(email))
}

// Create inserts a new user. CreatedAt must be set by the caller.
func (r *UserRepository) Create(ctx context.Context, u *model.User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	u.Email = strings.ToLower(u.Email)
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, email, name, role, password_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID.String(), u.Email, u.Name, string(u.Role), u.PasswordHash, formatTime(u.CreatedAt),
	)
	return err
}
