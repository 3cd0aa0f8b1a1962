package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// LockedData is the data body of a 409 ATTEMPT_LOCKED response.
type LockedData struct {
	Locked bool            `json:"locked"`
	Time   model.TimeState `json:"time"`
}

// respondError maps a service error onto the envelope. Unknown errors are
// logged and reported as 500.
func respondError(c *gin.Context, log zerolog.Logger, err error) {
	var locked *service.LockedError
	var tooLarge *http.MaxBytesError

	switch {
	case errors.As(err, &locked):
		response.FailWithData(c, http.StatusConflict, response.ErrAttemptLocked, LockedData{Locked: true, Time: locked.State})
	case errors.Is(err, service.ErrAttemptLocked):
		response.FailWithData(c, http.StatusConflict, response.ErrAttemptLocked, LockedData{Locked: true})
	case errors.Is(err, service.ErrAttemptNotFound), errors.Is(err, service.ErrExamNotFound),
		errors.Is(err, service.ErrAnswerNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
	case errors.Is(err, service.ErrForbidden):
		response.Fail(c, http.StatusForbidden, response.ErrForbidden)
	case errors.Is(err, service.ErrExamClosed):
		response.Fail(c, http.StatusConflict, response.ErrExamClosed)
	case errors.Is(err, service.ErrInvalidCursor):
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidCursor)
	case errors.Is(err, service.ErrInvalidCredentials):
		response.Fail(c, http.StatusUnauthorized, response.ErrInvalidCredentials)
	case errors.As(err, &tooLarge):
		response.Fail(c, http.StatusRequestEntityTooLarge, response.ErrPayloadTooLarge)
	default:
		log.Error().Err(err).
			Str("method", c.Request.Method).
			Str("route", c.FullPath()).
			Msg("Request failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
	}
}

// requireIdentity fetches the caller resolved by middleware.RequireJWT.
func requireIdentity(c *gin.Context) (model.Identity, bool) {
	id, ok := middleware.GetIdentity(c)
	if !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
	}
	return id, ok
}

// paramUUID parses a path parameter, answering 400 when malformed.
func paramUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return uuid.Nil, false
	}
	return id, true
}
