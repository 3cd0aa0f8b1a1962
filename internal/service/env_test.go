package service

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/repository/sqlite"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type testEnv struct {
	store    *repository.Store
	clock    *clock.Manual
	engine   *SubmissionEngine
	writes   *WriteGuard
	owner    *OwnershipGuard
	attempts *AttemptService
	proctor  *ProctorService
	review   *ReviewService
	auth     *AuthService

	admin   model.Identity
	teacher model.Identity
	other   model.Identity
	student model.Identity
	exam    *model.Exam
}

func newTestEnv(t *testing.T, clampAuto bool) *testEnv {
	t.Helper()
	db, err := sqlite.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	log := zerolog.Nop()
	store := sqlite.NewStore(db)
	clk := clock.NewManual(t0)
	monitor := NewMonitorService(nil, log)

	env := &testEnv{store: store, clock: clk}
	env.engine = NewSubmissionEngine(store, monitor, nil, clk, clampAuto, log)
	env.writes = NewWriteGuard(store.Attempts, clk)
	env.owner = NewOwnershipGuard(store.Attempts, store.Exams)
	env.attempts = NewAttemptService(store, env.engine, env.writes, env.owner, monitor, nil, clk, log)
	env.proctor = NewProctorService(env.owner, NewDirectSink(store.ProctorEvents), monitor, nil, clk, log)
	env.review = NewReviewService(store, env.owner, monitor, clk, log)
	env.auth = NewAuthService(&config.Config{JWTSecret: "test-secret", JWTExpiry: time.Hour, BcryptCost: 4}, store.Users, clk)

	env.admin = env.addUser(t, "admin@example.com", model.RoleAdmin)
	env.teacher = env.addUser(t, "guru@example.com", model.RoleTeacher)
	env.other = env.addUser(t, "guru2@example.com", model.RoleTeacher)
	env.student = env.addUser(t, "siswa@example.com", model.RoleStudent)

	env.exam = &model.Exam{Title: "Fisika", DurationSec: 60, CreatedByID: env.teacher.UserID, CreatedAt: t0}
	if err := store.Exams.Create(context.Background(), env.exam); err != nil {
		t.Fatalf("create exam: %v", err)
	}
	return env
}

func (e *testEnv) addUser(t *testing.T, email string, role model.Role) model.Identity {
	t.Helper()
	hash, err := e.auth.HashPassword("rahasia123")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	u := &model.User{Email: email, Name: email, Role: role, PasswordHash: hash, CreatedAt: t0}
	if err := e.store.Users.Create(context.Background(), u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return model.Identity{UserID: u.ID, Role: role}
}

// start begins the student's attempt at the current manual time.
func (e *testEnv) start(t *testing.T) *model.Attempt {
	t.Helper()
	a, _, err := e.attempts.Start(context.Background(), e.student, e.exam.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return a
}
