package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-gateway/internal/backend"
	"github.com/stemsi/exstem-gateway/internal/engine"
	"github.com/stemsi/exstem-gateway/internal/middleware"
	"github.com/stemsi/exstem-gateway/internal/response"
	"github.com/stemsi/exstem-gateway/internal/service"
	ws "github.com/stemsi/exstem-gateway/internal/websocket"
)

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

// WSHandler streams attempt ticks and transitions over WebSocket.
type WSHandler struct {
	hub      *ws.Hub
	sessions *service.SessionService
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(hub *ws.Hub, sessions *service.SessionService, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		hub:      hub,
		sessions: sessions,
		log:      log.With().Str("component", "ws_handler").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
	}
}

// AttemptStream godoc
// WS /ws/v1/attempts/:attempt_id/stream?token=...
// Pushes ticks and transitions and accepts answer, flag, navigate and
// submit actions.
func (h *WSHandler) AttemptStream(c *gin.Context) {
	creds := middleware.GetCredentials(c)
	attemptID := c.Param("attempt_id")

	// Reject before upgrading so the client gets a proper HTTP status.
	if err := h.sessions.Authorize(creds.Subject, attemptID); err != nil {
		response.Fail(c, http.StatusNotFound, response.ErrAttemptNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	wsLog := h.log.With().
		Str("subject", creds.Subject).
		Str("attempt_id", attemptID).
		Logger()

	client := h.hub.Join(attemptID, conn)
	defer h.hub.Leave(client)
	go client.WritePump()
	ws.KeepAlive(conn)

	wsLog.Info().Msg("Student connected")
	h.sendState(client, creds.Subject, attemptID)

	ctx := backend.WithCredentials(context.Background(), creds)
	for {
		var msg ws.RequestPayload
		if err := ws.ReadJSON(conn, &msg); err != nil {
			logClose(wsLog, err)
			return
		}

		switch msg.Action {
		case ws.ActionPing:
			client.Send(ws.PongResponse{Event: ws.EventPong})
		case ws.ActionState:
			h.sendState(client, creds.Subject, attemptID)
		case ws.ActionSubmit:
			// Transitions reach the client through the hub.
			_, err := h.sessions.Submit(ctx, creds.Subject, attemptID)
			h.reply(client, creds.Subject, attemptID, err)
		default:
			h.reply(client, creds.Subject, attemptID, h.apply(creds.Subject, attemptID, msg))
		}
	}
}

// apply runs a ledger or cursor action.
func (h *WSHandler) apply(subject, attemptID string, msg ws.RequestPayload) error {
	if msg.Action == ws.ActionNavigate {
		_, err := h.sessions.Move(subject, attemptID, msg.Move, msg.Index)
		return err
	}
	if msg.Index == nil {
		return &engine.ValidationError{Field: "index", Reason: "index is required"}
	}

	var err error
	switch msg.Action {
	case ws.ActionAnswer:
		_, err = h.sessions.SetAnswer(subject, attemptID, *msg.Index, msg.Answer())
	case ws.ActionClear:
		_, err = h.sessions.ClearAnswer(subject, attemptID, *msg.Index)
	case ws.ActionFlag:
		_, err = h.sessions.SetFlag(subject, attemptID, *msg.Index, true)
	case ws.ActionUnflag:
		_, err = h.sessions.SetFlag(subject, attemptID, *msg.Index, false)
	default:
		return &engine.ValidationError{Field: "action", Reason: "unknown action " + string(msg.Action)}
	}
	return err
}

// reply sends the refreshed state after a successful action, or the error.
func (h *WSHandler) reply(client *ws.Client, subject, attemptID string, err error) {
	if err != nil {
		_, code, _ := classify(err)
		ws.WriteError(client, string(code), err.Error())
		return
	}
	h.sendState(client, subject, attemptID)
}

func (h *WSHandler) sendState(client *ws.Client, subject, attemptID string) {
	view, err := h.sessions.View(subject, attemptID)
	if err != nil {
		ws.WriteError(client, string(response.ErrAttemptNotFound), response.GetMessage(response.ErrAttemptNotFound))
		return
	}
	client.Send(ws.StateMessage{Event: ws.EventState, View: view})
}

// ProctorStream godoc
// WS /ws/v1/proctor/attempts/:attempt_id/stream?token=...
// Read-only feed of an attempt's ticks and transitions. The attempt may be
// owned by another gateway instance.
func (h *WSHandler) ProctorStream(c *gin.Context) {
	attemptID := c.Param("attempt_id")
	if attemptID == "" {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	proctor := ""
	if claims := middleware.GetClaims(c); claims != nil {
		proctor = claims.Subject
	}
	wsLog := h.log.With().Str("proctor", proctor).Str("attempt_id", attemptID).Logger()

	client := h.hub.Join(attemptID, conn)
	defer h.hub.Leave(client)
	go client.WritePump()
	ws.KeepAlive(conn)

	wsLog.Info().Msg("Proctor connected")
	for {
		var msg ws.RequestPayload
		if err := ws.ReadJSON(conn, &msg); err != nil {
			logClose(wsLog, err)
			return
		}
		if msg.Action == ws.ActionPing {
			client.Send(ws.PongResponse{Event: ws.EventPong})
			continue
		}
		ws.WriteError(client, string(response.ErrForbidden), "proctor streams are read-only")
	}
}

func logClose(log zerolog.Logger, err error) {
	if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
		log.Warn().Err(err).Msg("Unexpected close")
		return
	}
	log.Debug().Msg("Connection closed")
}
