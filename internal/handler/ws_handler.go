package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

// wsActionTimeout bounds the work done for one inbound message.
const wsActionTimeout = 15 * time.Second

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler streams attempt actions over one WebSocket. Every action goes
// through the same services, and therefore the same guards, as the REST API.
type WSHandler struct {
	attempts *service.AttemptService
	proctor  *service.ProctorService
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(attempts *service.AttemptService, proctor *service.ProctorService, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		attempts: attempts,
		proctor:  proctor,
		log:      log.With().Str("component", "ws_handler").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
	}
}

// AttemptStream godoc
// WS /ws/v1/attempts/:id/stream?token=
// Upgrades to WebSocket for autosave, submit, time and proctor actions.
func (h *WSHandler) AttemptStream(c *gin.Context) {
	id, ok := requireIdentity(c)
	if !ok {
		return
	}
	attemptID, ok := paramUUID(c, "id")
	if !ok {
		return
	}

	// Ownership is settled over plain HTTP so a refusal is a normal 403/404.
	snap, err := h.attempts.Time(c.Request.Context(), id, attemptID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(ws.MaxMessageBytes)

	wsLog := h.log.With().
		Str("user_id", id.UserID.String()).
		Str("attempt_id", attemptID.String()).
		Logger()

	wsLog.Info().Msg("Student connected")
	ws.WriteTyped(conn, ws.TimeResponse{Event: ws.EventTime, Time: snap})

	for {
		var msg ws.RequestPayload
		if err := ws.ReadJSON(conn, &msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), wsActionTimeout)
		switch msg.Action {
		case ws.ActionAutosave:
			h.handleAutosave(ctx, conn, wsLog, id, attemptID, &msg)
		case ws.ActionSubmit:
			h.handleSubmit(ctx, conn, wsLog, id, attemptID)
		case ws.ActionTime:
			h.handleTime(ctx, conn, wsLog, id, attemptID)
		case ws.ActionProctor:
			h.handleProctor(ctx, conn, wsLog, id, attemptID, &msg)
		case ws.ActionPing:
			ws.WriteTyped(conn, ws.PongResponse{Event: ws.EventPong})
		default:
			wsLog.Warn().Str("action", string(msg.Action)).Msg("Unknown action")
			ws.WriteError(conn, string(response.ErrInvalidPayload), "unknown action: "+string(msg.Action))
		}
		cancel()
	}
}

// handleAutosave writes one answer behind the write guard.
func (h *WSHandler) handleAutosave(ctx context.Context, conn *websocket.Conn, wsLog zerolog.Logger, id model.Identity, attemptID uuid.UUID, msg *ws.RequestPayload) {
	if !validator.QuestionID(msg.QID) || msg.Content == nil {
		ws.WriteError(conn, string(response.ErrValidation), "q_id and content are required")
		return
	}

	ans, err := h.attempts.SaveAnswer(ctx, id, attemptID, msg.QID, msg.Content)
	if err != nil {
		var locked *service.LockedError
		if errors.As(err, &locked) {
			ws.WriteTyped(conn, ws.LockedResponse{Event: ws.EventLocked, QID: msg.QID, Time: locked.State})
			return
		}
		h.writeServiceError(conn, wsLog, err)
		return
	}

	ws.WriteTyped(conn, ws.SavedResponse{Event: ws.EventSaved, QID: msg.QID, AnswerID: ans.ID, UpdatedAt: ans.UpdatedAt})
}

func (h *WSHandler) handleSubmit(ctx context.Context, conn *websocket.Conn, wsLog zerolog.Logger, id model.Identity, attemptID uuid.UUID) {
	sub, err := h.attempts.Submit(ctx, id, attemptID)
	if err != nil {
		h.writeServiceError(conn, wsLog, err)
		return
	}
	wsLog.Info().Bool("already_submitted", sub.AlreadySubmitted).Msg("Attempt submitted over stream")
	ws.WriteTyped(conn, ws.SubmittedResponse{Event: ws.EventSubmitted, SubmitResponse: sub.Response()})
}

func (h *WSHandler) handleTime(ctx context.Context, conn *websocket.Conn, wsLog zerolog.Logger, id model.Identity, attemptID uuid.UUID) {
	snap, err := h.attempts.Time(ctx, id, attemptID)
	if err != nil {
		h.writeServiceError(conn, wsLog, err)
		return
	}
	ws.WriteTyped(conn, ws.TimeResponse{Event: ws.EventTime, Time: snap})
}

func (h *WSHandler) handleProctor(ctx context.Context, conn *websocket.Conn, wsLog zerolog.Logger, id model.Identity, attemptID uuid.UUID, msg *ws.RequestPayload) {
	if len(msg.Events) == 0 || len(msg.Events) > MaxEventsPerRequest {
		ws.WriteError(conn, string(response.ErrValidation), "events must hold 1 to 100 items")
		return
	}
	for i := range msg.Events {
		if fields := validator.Struct(&msg.Events[i]); fields != nil {
			ws.WriteError(conn, string(response.ErrValidation), "invalid event: "+msg.Events[i].Type)
			return
		}
	}

	n, err := h.proctor.Ingest(ctx, id, attemptID, msg.Events)
	if err != nil {
		h.writeServiceError(conn, wsLog, err)
		return
	}
	ws.WriteTyped(conn, ws.RecordedResponse{Event: ws.EventRecorded, Stored: n})
}

// writeServiceError is the stream's counterpart of respondError.
func (h *WSHandler) writeServiceError(conn *websocket.Conn, wsLog zerolog.Logger, err error) {
	code := response.ErrInternal
	switch {
	case errors.Is(err, service.ErrAttemptLocked):
		code = response.ErrAttemptLocked
	case errors.Is(err, service.ErrAttemptNotFound):
		code = response.ErrNotFound
	case errors.Is(err, service.ErrForbidden):
		code = response.ErrForbidden
	default:
		wsLog.Error().Err(err).Msg("Stream action failed")
	}
	ws.WriteError(conn, string(code), response.GetMessage(code))
}
