package handler

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

// MaxEventsPerRequest bounds one ingest batch independently of the body cap.
const MaxEventsPerRequest = 100

// AttemptHandler serves the student-facing attempt endpoints.
type AttemptHandler struct {
	attempts *service.AttemptService
	proctor  *service.ProctorService
	log      zerolog.Logger
}

// NewAttemptHandler creates a new AttemptHandler.
func NewAttemptHandler(attempts *service.AttemptService, proctor *service.ProctorService, log zerolog.Logger) *AttemptHandler {
	return &AttemptHandler{
		attempts: attempts,
		proctor:  proctor,
		log:      log.With().Str("component", "attempt_handler").Logger(),
	}
}

// StartAttempt godoc
// POST /api/v1/exams/:examId/start
// Creates and starts the caller's attempt, or returns the existing one.
func (h *AttemptHandler) StartAttempt(c *gin.Context) {
	id, ok := requireIdentity(c)
	if !ok {
		return
	}
	examID, ok := paramUUID(c, "examId")
	if !ok {
		return
	}

	a, created, err := h.attempts.Start(c.Request.Context(), id, examID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	response.Success(c, status, model.StartAttemptResponse{AttemptID: a.ID, Created: created, Attempt: *a})
}

// GetTime godoc
// GET /api/v1/attempts/:id/time
// Returns the server's authoritative time snapshot for the attempt.
func (h *AttemptHandler) GetTime(c *gin.Context) {
	id, ok := requireIdentity(c)
	if !ok {
		return
	}
	attemptID, ok := paramUUID(c, "id")
	if !ok {
		return
	}

	snap, err := h.attempts.Time(c.Request.Context(), id, attemptID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, snap)
}

// Submit godoc
// POST /api/v1/attempts/:id/submit
// Idempotent explicit submission.
func (h *AttemptHandler) Submit(c *gin.Context) {
	id, ok := requireIdentity(c)
	if !ok {
		return
	}
	attemptID, ok := paramUUID(c, "id")
	if !ok {
		return
	}

	sub, err := h.attempts.Submit(c.Request.Context(), id, attemptID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, sub.Response())
}

// SaveAnswer godoc
// POST /api/v1/attempts/:id/answers/:questionId
// Upserts one answer document. Rejected with 409 once the attempt is locked.
func (h *AttemptHandler) SaveAnswer(c *gin.Context) {
	id, ok := requireIdentity(c)
	if !ok {
		return
	}
	attemptID, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	if err := h.attempts.Authorize(c.Request.Context(), id, attemptID); err != nil {
		respondError(c, h.log, err)
		return
	}
	questionID := c.Param("questionId")
	if !validator.QuestionID(questionID) {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, map[string]string{
			"questionId": "questionId must be 1-128 letters, digits, '_', '.', ':' or '-'",
		})
		return
	}

	var req model.SaveAnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	ans, err := h.attempts.SaveOwnedAnswer(c.Request.Context(), attemptID, questionID, req.Content)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, model.SaveAnswerResponse{OK: true, AnswerID: ans.ID, UpdatedAt: ans.UpdatedAt})
}

// ListAnswers godoc
// GET /api/v1/attempts/:id/answers
// Returns the stored answers so a reloaded page can restore its editors.
func (h *AttemptHandler) ListAnswers(c *gin.Context) {
	id, ok := requireIdentity(c)
	if !ok {
		return
	}
	attemptID, ok := paramUUID(c, "id")
	if !ok {
		return
	}

	answers, err := h.attempts.ListAnswers(c.Request.Context(), id, attemptID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	if answers == nil {
		answers = []model.Answer{}
	}
	response.Success(c, http.StatusOK, gin.H{"answers": answers})
}

// IngestEvents godoc
// POST /api/v1/attempts/:id/events
// Accepts one proctoring event or a batch under "events". Events are
// accepted after submission too; only answers are locked.
func (h *AttemptHandler) IngestEvents(c *gin.Context) {
	id, ok := requireIdentity(c)
	if !ok {
		return
	}
	attemptID, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	attempt, err := h.proctor.Authorize(c.Request.Context(), id, attemptID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	var req model.IngestEventsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.Fail(c, http.StatusRequestEntityTooLarge, response.ErrPayloadTooLarge)
			return
		}
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, validator.TranslateErrors(err))
		return
	}

	inputs := req.Normalize()
	if len(inputs) > MaxEventsPerRequest {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, map[string]string{
			"events": fmt.Sprintf("events must contain at most %d items", MaxEventsPerRequest),
		})
		return
	}
	for i := range inputs {
		if fields := validator.Struct(&inputs[i]); fields != nil {
			if req.Events != nil {
				fields = prefixFields(fmt.Sprintf("events[%d].", i), fields)
			}
			response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
			return
		}
	}

	stored, err := h.proctor.Record(c.Request.Context(), attempt, inputs)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	response.Success(c, http.StatusAccepted, model.IngestEventsResponse{OK: true, Stored: stored})
}

func prefixFields(prefix string, fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[prefix+k] = v
	}
	return out
}
