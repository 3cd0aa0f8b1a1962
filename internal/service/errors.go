package service

import (
	"errors"
	"fmt"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// Domain errors. Handlers map them to HTTP status codes with errors.Is.
var (
	ErrAttemptNotFound    = errors.New("attempt not found")
	ErrExamNotFound       = errors.New("exam not found")
	ErrAnswerNotFound     = errors.New("answer not found")
	ErrForbidden          = errors.New("forbidden")
	ErrAttemptLocked      = errors.New("attempt is locked")
	ErrExamClosed         = errors.New("exam is not open")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidCursor      = errors.New("invalid cursor")
)

// LockedError rejects a write against an expired or submitted attempt and
// carries the state that caused the rejection.
type LockedError struct {
	State model.TimeState
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("attempt is locked (submitted=%t expired=%t)", e.State.IsSubmitted, e.State.IsExpired)
}

// Is makes errors.Is(err, ErrAttemptLocked) match.
func (e *LockedError) Is(target error) bool {
	return target == ErrAttemptLocked
}
