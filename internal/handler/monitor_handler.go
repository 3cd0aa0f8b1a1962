package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/service"
)

const (
	refreshInterval   = 15 * time.Second
	keepAliveInterval = 30 * time.Second
	refreshTimeout    = 5 * time.Second // prevent slow queries from blocking the SSE loop
)

// MonitorHandler streams live exam activity to staff over SSE.
type MonitorHandler struct {
	review  *service.ReviewService
	monitor *service.MonitorService
	log     zerolog.Logger
}

// NewMonitorHandler creates a new MonitorHandler.
func NewMonitorHandler(review *service.ReviewService, monitor *service.MonitorService, log zerolog.Logger) *MonitorHandler {
	return &MonitorHandler{
		review:  review,
		monitor: monitor,
		log:     log.With().Str("component", "monitor_handler").Logger(),
	}
}

// MonitorExamSSE godoc
// GET /api/v1/admin/exams/:id/monitor
// Sends a snapshot, then forwards the exam's pub/sub channel and periodic
// refreshes. Without Redis only the refreshes are sent.
func (h *MonitorHandler) MonitorExamSSE(c *gin.Context) {
	id, ok := requireIdentity(c)
	if !ok {
		return
	}
	examID, ok := paramUUID(c, "id")
	if !ok {
		return
	}

	reqCtx := c.Request.Context()

	// Guard and snapshot before any SSE header is written, so failures
	// still get a JSON envelope.
	snap, err := h.review.Snapshot(reqCtx, id, examID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	h.send(c, "snapshot", snap)

	var ch <-chan *redis.Message
	if h.monitor.Enabled() {
		pubsub, err := h.monitor.Subscribe(reqCtx, examID)
		if err != nil {
			h.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Live channel unavailable, falling back to refreshes")
		} else {
			defer pubsub.Close()
			ch = pubsub.Channel()
		}
	}

	keepAliveTicker := time.NewTicker(keepAliveInterval)
	defer keepAliveTicker.Stop()

	refreshTicker := time.NewTicker(refreshInterval)
	defer refreshTicker.Stop()

	// With a live channel, refreshes are skipped until something happens.
	active := ch == nil || len(snap.Attempts) > 0

	h.log.Info().Str("exam_id", examID.String()).Str("user_id", id.UserID.String()).Msg("Staff attached to live monitor SSE")

	pingPayload, _ := json.Marshal(map[string]string{"type": "ping"})

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Str("exam_id", examID.String()).Msg("Staff disconnected from live monitor SSE")
			return

		case msg, open := <-ch:
			if !open {
				ch = nil
				continue
			}
			// Forward raw JSON directly, no deserialization needed
			c.Writer.Write([]byte("data: "))
			c.Writer.Write([]byte(msg.Payload))
			c.Writer.Write([]byte("\n\n"))
			c.Writer.Flush()
			active = true

		case <-refreshTicker.C:
			if !active {
				continue
			}
			h.refresh(c, reqCtx, id, examID)

		case <-keepAliveTicker.C:
			c.Writer.Write([]byte("data: "))
			c.Writer.Write(pingPayload)
			c.Writer.Write([]byte("\n\n"))
			c.Writer.Flush()
		}
	}
}

// refresh re-reads the snapshot under a scoped timeout and sends it.
func (h *MonitorHandler) refresh(c *gin.Context, parentCtx context.Context, id model.Identity, examID uuid.UUID) {
	ctx, cancel := context.WithTimeout(parentCtx, refreshTimeout)
	defer cancel()

	snap, err := h.review.Snapshot(ctx, id, examID)
	if err != nil {
		h.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Failed to refresh monitor snapshot")
		return
	}
	h.send(c, "refresh", snap)
}

func (h *MonitorHandler) send(c *gin.Context, typ string, data any) {
	c.SSEvent("message", map[string]any{"type": typ, "data": data})
	c.Writer.Flush()
}
