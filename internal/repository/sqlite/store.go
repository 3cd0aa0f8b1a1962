// Package sqlite implements the repositories on an embedded SQLite database.
// It backs single-node deployments and the test suites.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/repository"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so that text ordering equals time ordering.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// Dialect binds ? placeholders and text-encoded values.
var Dialect = repository.Dialect{
	Placeholder: func(int) string { return "?" },
	Time:        func(t time.Time) any { return formatTime(t) },
	ID:          func(id uuid.UUID) any { return id.String() },
}

// Open opens (creating if needed) the database at path and applies the schema.
// Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection: SQLite serializes writers anyway, and an in-memory
	// database exists only on the connection that created it.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// NewStore wires every SQLite repository over db.
func NewStore(db *sql.DB) *repository.Store {
	return &repository.Store{
		Attempts:      &AttemptRepository{db: db},
		Answers:       &AnswerRepository{db: db},
		Events:        &EventRepository{db: db},
		ProctorEvents: &ProctorEventRepository{db: db},
		Exams:         &ExamRepository{db: db},
		Users:         &UserRepository{db: db},
	}
}

func migrate(ctx context.Context, db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		role TEXT NOT NULL,
		password_hash TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS exams (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		duration_sec INTEGER NOT NULL,
		created_by TEXT NOT NULL REFERENCES users(id),
		starts_at TEXT,
		ends_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS attempts (
		id TEXT PRIMARY KEY,
		exam_id TEXT NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		status TEXT NOT NULL DEFAULT 'PENDING',
		duration_sec INTEGER NOT NULL,
		started_at TEXT,
		expected_end_at TEXT,
		submitted_at TEXT,
		submit_trigger TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (exam_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS answers (
		id TEXT PRIMARY KEY,
		attempt_id TEXT NOT NULL REFERENCES attempts(id) ON DELETE CASCADE,
		question_id TEXT NOT NULL,
		content TEXT,
		updated_at TEXT NOT NULL,
		UNIQUE (attempt_id, question_id)
	);

	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		attempt_id TEXT NOT NULL REFERENCES attempts(id) ON DELETE CASCADE,
		type TEXT NOT NULL,
		payload TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_attempt_created ON events (attempt_id, created_at, id);

	CREATE TABLE IF NOT EXISTS proctor_events (
		id TEXT PRIMARY KEY,
		attempt_id TEXT NOT NULL REFERENCES attempts(id) ON DELETE CASCADE,
		type TEXT NOT NULL,
		meta TEXT,
		client_ts TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_proctor_events_attempt_created ON proctor_events (attempt_id, created_at, id);
	`
	_, err := db.ExecContext(ctx, schema)
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || strings.TrimSpace(s.String) == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseID(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func jsonOrNil(s sql.NullString) []byte {
	if !s.Valid {
		return nil
	}
	return []byte(s.String)
}
