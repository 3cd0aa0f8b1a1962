package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/service"
)

const demoPassword = "stemsijaya"

func main() {
	duration := flag.Duration("duration", 10*time.Minute, "Exam duration")
	students := flag.Int("students", 3, "Number of demo students")
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	store, closeStore, err := database.OpenStore(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer closeStore()

	clk := clock.Real{}
	auth := service.NewAuthService(cfg, store.Users, clk)

	fmt.Println("=== Seeding demo exam ===")

	teacher, err := ensureUser(ctx, store, auth, "guru@exstem.local", "Guru Demo", model.RoleTeacher, clk.Now())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create teacher")
	}

	exam := &model.Exam{
		Title:       "Ujian Demo",
		DurationSec: int(duration.Seconds()),
		CreatedByID: teacher.ID,
		CreatedAt:   clk.Now(),
	}
	if err := store.Exams.Create(ctx, exam); err != nil {
		log.Fatal().Err(err).Msg("Failed to create exam")
	}
	fmt.Printf("Exam:    %s (%s, %s)\n", exam.ID, exam.Title, duration)

	teacherToken, err := auth.GenerateToken(teacher.ID, teacher.Role)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to sign token")
	}
	fmt.Printf("Teacher: %s  token=%s\n", teacher.Email, teacherToken)

	for i := 1; i <= *students; i++ {
		email := fmt.Sprintf("siswa%d@exstem.local", i)
		u, err := ensureUser(ctx, store, auth, email, fmt.Sprintf("Siswa %d", i), model.RoleStudent, clk.Now())
		if err != nil {
			fmt.Printf("Error creating %s: %v\n", email, err)
			continue
		}
		token, err := auth.GenerateToken(u.ID, u.Role)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to sign token")
		}
		fmt.Printf("Student: %s  token=%s\n", u.Email, token)
	}

	fmt.Printf("\nSeed completed! Password for every account: %s\n", demoPassword)
}

// ensureUser returns the account with email, creating it when absent.
func ensureUser(ctx context.Context, store *repository.Store, auth *service.AuthService, email, name string, role model.Role, now time.Time) (*model.User, error) {
	u, err := store.Users.GetByEmail(ctx, email)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	hash, err := auth.HashPassword(demoPassword)
	if err != nil {
		return nil, err
	}
	u = &model.User{Email: email, Name: name, Role: role, PasswordHash: hash, CreatedAt: now}
	if err := store.Users.Create(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}
