package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// PgUserRepository handles user data access on PostgreSQL.
type PgUserRepository struct {
	pool *pgxpool.Pool
}

// NewUserRepository creates a new PgUserRepository.
func NewUserRepository(pool *pgxpool.Pool) *PgUserRepository {
	return &PgUserRepository{pool: pool}
}

func (r *PgUserRepository) getOne(ctx context.Context, where string, arg any) (*model.User, error) {
	u := &model.User{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, email, name, role, password_hash, created_at FROM users WHERE `+where, arg,
	).Scan(&u.ID, &u.Email, &u.Name, &u.Role, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return u, nil
}

// GetByID retrieves a user by ID.
func (r *PgUserRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.User, error) {
	return r.getOne(ctx, "id = $1", id)
}

// GetByEmail retrieves a user by email (case-insensitive).
func (r *PgUserRepository) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	return r.getOne(ctx, "email = $1", strings.ToLower(email))
}

// Create inserts a new user. CreatedAt must be set by the caller.
func (r *PgUserRepository) Create(ctx context.Context, u *model.User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	u.Email = strings.ToLower(u.Email)
	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (id, email, name, role, password_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, u.Email, u.Name, string(u.Role), u.PasswordHash, u.CreatedAt,
	)
	return err
}

// NewPostgresStore wires every PostgreSQL repository over one pool.
func NewPostgresStore(pool *pgxpool.Pool) *Store {
	return &Store{
		Attempts:      NewAttemptRepository(pool),
		Answers:       NewAnswerRepository(pool),
		Events:        NewEventRepository(pool),
		ProctorEvents: NewProctorEventRepository(pool),
		Exams:         NewExamRepository(pool),
		Users:         NewUserRepository(pool),
	}
}
