package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

// Verdict is the write guard's read-only evaluation of one attempt.
type Verdict struct {
	Attempt *model.Attempt
	State   model.TimeState
	// NewlyExpired marks a lapsed deadline not yet persisted as SUBMITTED.
	// The caller must seal the attempt before rejecting the write.
	NewlyExpired bool
}

// WriteGuard evaluates whether an attempt still accepts answer writes. It
// never mutates; sealing an expired attempt is the caller's explicit step.
type WriteGuard struct {
	attempts repository.AttemptRepository
	clock    clock.Clock
}

// NewWriteGuard creates a new WriteGuard.
func NewWriteGuard(attempts repository.AttemptRepository, clk clock.Clock) *WriteGuard {
	return &WriteGuard{attempts: attempts, clock: clk}
}

// Evaluate loads the attempt and judges it against the current instant.
func (g *WriteGuard) Evaluate(ctx context.Context, attemptID uuid.UUID) (*Verdict, error) {
	a, err := g.attempts.GetByID(ctx, attemptID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	return g.Judge(a), nil
}

// Judge evaluates an already loaded attempt.
func (g *WriteGuard) Judge(a *model.Attempt) *Verdict {
	st := ComputeTimeState(a, g.clock.Now())
	return &Verdict{Attempt: a, State: st, NewlyExpired: st.IsExpired}
}

// OwnershipGuard is the authorization boundary of every attempt-scoped call.
type OwnershipGuard struct {
	attempts repository.AttemptRepository
	exams    repository.ExamRepository
}

// NewOwnershipGuard creates a new OwnershipGuard.
func NewOwnershipGuard(attempts repository.AttemptRepository, exams repository.ExamRepository) *OwnershipGuard {
	return &OwnershipGuard{attempts: attempts, exams: exams}
}

// AssertOwnership returns the attempt when userID is its assigned user.
func (g *OwnershipGuard) AssertOwnership(ctx context.Context, attemptID, userID uuid.UUID) (*model.Attempt, error) {
	a, err := g.loadAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if a.UserID != userID {
		return nil, ErrForbidden
	}
	return a, nil
}

// AssertStaffExam admits ADMIN unconditionally and TEACHER when they created
// the exam.
func (g *OwnershipGuard) AssertStaffExam(ctx context.Context, id model.Identity, examID uuid.UUID) (*model.Exam, error) {
	if !id.IsStaff() {
		return nil, ErrForbidden
	}
	exam, err := g.loadExam(ctx, examID)
	if err != nil {
		return nil, err
	}
	if err := checkStaff(id, exam); err != nil {
		return nil, err
	}
	return exam, nil
}

// AssertStaffAttempt applies the staff rule through the attempt's exam.
func (g *OwnershipGuard) AssertStaffAttempt(ctx context.Context, id model.Identity, attemptID uuid.UUID) (*model.Attempt, *model.Exam, error) {
	if !id.IsStaff() {
		return nil, nil, ErrForbidden
	}
	a, err := g.loadAttempt(ctx, attemptID)
	if err != nil {
		return nil, nil, err
	}
	exam, err := g.exams.GetByID(ctx, a.ExamID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, ErrAttemptNotFound
		}
		return nil, nil, fmt.Errorf("get exam: %w", err)
	}
	if err := checkStaff(id, exam); err != nil {
		return nil, nil, err
	}
	return a, exam, nil
}

func checkStaff(id model.Identity, exam *model.Exam) error {
	switch id.Role {
	case model.RoleAdmin:
		return nil
	case model.RoleTeacher:
		if exam.CreatedByID == id.UserID {
			return nil
		}
	}
	return ErrForbidden
}

func (g *OwnershipGuard) loadAttempt(ctx context.Context, id uuid.UUID) (*model.Attempt, error) {
	a, err := g.attempts.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	return a, nil
}

func (g *OwnershipGuard) loadExam(ctx context.Context, id uuid.UUID) (*model.Exam, error) {
	e, err := g.exams.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrExamNotFound
		}
		return nil, fmt.Errorf("get exam: %w", err)
	}
	return e, nil
}
