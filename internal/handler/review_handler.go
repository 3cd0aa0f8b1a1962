package handler

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

// ReviewHandler serves the staff review endpoints.
type ReviewHandler struct {
	review *service.ReviewService
	log    zerolog.Logger
}

// NewReviewHandler creates a new ReviewHandler.
func NewReviewHandler(review *service.ReviewService, log zerolog.Logger) *ReviewHandler {
	return &ReviewHandler{
		review: review,
		log:    log.With().Str("component", "review_handler").Logger(),
	}
}

// ListExamAttempts godoc
// GET /api/v1/admin/exams/:id/attempts
func (h *ReviewHandler) ListExamAttempts(c *gin.Context) {
	id, ok := requireIdentity(c)
	if !ok {
		return
	}
	examID, ok := paramUUID(c, "id")
	if !ok {
		return
	}

	attempts, err := h.review.ListExamAttempts(c.Request.Context(), id, examID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	if attempts == nil {
		attempts = []model.AttemptSummary{}
	}
	response.Success(c, http.StatusOK, gin.H{"attempts": attempts})
}

// ProctoringSummary godoc
// GET /api/v1/admin/exams/:id/proctoring/summary
func (h *ReviewHandler) ProctoringSummary(c *gin.Context) {
	id, ok := requireIdentity(c)
	if !ok {
		return
	}
	examID, ok := paramUUID(c, "id")
	if !ok {
		return
	}

	summary, err := h.review.ProctoringSummary(c.Request.Context(), id, examID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	if summary == nil {
		summary = []model.ProctorSummary{}
	}
	response.Success(c, http.StatusOK, gin.H{"attempts": summary})
}

// GetAttempt godoc
// GET /api/v1/admin/attempts/:id
// Read-only: an expired attempt is reported as expired but not sealed here.
func (h *ReviewHandler) GetAttempt(c *gin.Context) {
	id, ok := requireIdentity(c)
	if !ok {
		return
	}
	attemptID, ok := paramUUID(c, "id")
	if !ok {
		return
	}

	detail, err := h.review.AttemptDetail(c.Request.Context(), id, attemptID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, detail)
}

// GetAnswer godoc
// GET /api/v1/admin/attempts/:id/answers/:questionId
func (h *ReviewHandler) GetAnswer(c *gin.Context) {
	id, ok := requireIdentity(c)
	if !ok {
		return
	}
	attemptID, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	questionID := c.Param("questionId")
	if !validator.QuestionID(questionID) {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, map[string]string{
			"questionId": "questionId must be 1-128 letters, digits, '_', '.', ':' or '-'",
		})
		return
	}

	ans, err := h.review.LatestAnswer(c.Request.Context(), id, attemptID, questionID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, ans)
}

// Timeline godoc
// GET /api/v1/admin/attempts/:id/events?kinds=&types=&from=&to=&limit=&cursor=
func (h *ReviewHandler) Timeline(c *gin.Context) {
	id, ok := requireIdentity(c)
	if !ok {
		return
	}
	attemptID, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	q, fields := parseTimelineQuery(c)
	if fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	page, err := h.review.Timeline(c.Request.Context(), id, attemptID, q)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, page)
}

// ExportTimelineCSV godoc
// GET /api/v1/admin/attempts/:id/events.csv
// The same filters as Timeline, whole range, oldest first.
func (h *ReviewHandler) ExportTimelineCSV(c *gin.Context) {
	id, ok := requireIdentity(c)
	if !ok {
		return
	}
	attemptID, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	q, fields := parseTimelineQuery(c)
	if fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	// Buffered so a failure can still be answered with a JSON envelope.
	var buf bytes.Buffer
	if err := h.review.ExportCSV(c.Request.Context(), id, attemptID, q, &buf); err != nil {
		respondError(c, h.log, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="attempt-%s-events.csv"`, attemptID))
	c.Data(http.StatusOK, "text/csv; charset=utf-8", buf.Bytes())
}

// parseTimelineQuery reads the timeline filters. List parameters accept
// both repetition and comma separation.
func parseTimelineQuery(c *gin.Context) (service.TimelineQuery, map[string]string) {
	var q service.TimelineQuery
	fields := map[string]string{}

	for _, k := range splitList(c.QueryArray("kinds")) {
		kind := model.TimelineKind(k)
		if kind != model.TimelineKindEvent && kind != model.TimelineKindProctor {
			fields["kinds"] = "kinds must be one of: event, proctor"
			break
		}
		q.Kinds = append(q.Kinds, kind)
	}
	q.Types = splitList(c.QueryArray("types"))

	parseTime := func(name string) *time.Time {
		raw := c.Query(name)
		if raw == "" {
			return nil
		}
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			fields[name] = name + " must be an RFC 3339 timestamp"
			return nil
		}
		t = t.UTC()
		return &t
	}
	q.From = parseTime("from")
	q.To = parseTime("to")

	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			fields["limit"] = "limit must be a positive integer"
		}
		q.Limit = n
	}
	q.Cursor = c.Query("cursor")

	if len(fields) > 0 {
		return q, fields
	}
	return q, nil
}

func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
