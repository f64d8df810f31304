package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-gateway/internal/middleware"
	"github.com/stemsi/exstem-gateway/internal/model"
	"github.com/stemsi/exstem-gateway/internal/response"
	"github.com/stemsi/exstem-gateway/internal/service"
	"github.com/stemsi/exstem-gateway/internal/validator"
)

const (
	defaultEventLimit = 200
	maxEventLimit     = 1000
)

// ProctorHandler handles proctor endpoints for supervising attempts.
type ProctorHandler struct {
	sessions *service.SessionService
	log      zerolog.Logger
}

// NewProctorHandler creates a new ProctorHandler.
func NewProctorHandler(sessions *service.SessionService, log zerolog.Logger) *ProctorHandler {
	return &ProctorHandler{
		sessions: sessions,
		log:      log.With().Str("component", "proctor_handler").Logger(),
	}
}

// Reopen godoc
// POST /api/v1/proctor/attempts/:attempt_id/reopen
// Returns a failed attempt to editing. Requires the proctor PIN.
func (h *ProctorHandler) Reopen(c *gin.Context) {
	var req model.ReopenRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	attemptID := c.Param("attempt_id")
	view, err := h.sessions.Reopen(attemptID, req.PIN)
	if err != nil {
		failFromError(c, h.log, err)
		return
	}

	proctor := ""
	if claims := middleware.GetClaims(c); claims != nil {
		proctor = claims.Subject
	}
	h.log.Info().Str("attempt_id", attemptID).Str("proctor", proctor).Msg("Attempt reopened")
	response.Success(c, http.StatusOK, view)
}

// LiveAnswers godoc
// GET /api/v1/proctor/attempts/:attempt_id/answers
func (h *ProctorHandler) LiveAnswers(c *gin.Context) {
	answers, err := h.sessions.LiveAnswers(c.Request.Context(), c.Param("attempt_id"))
	if err != nil {
		failFromError(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"answers": answers})
}

// ListEvents godoc
// GET /api/v1/proctor/attempts/:attempt_id/events?limit=
func (h *ProctorHandler) ListEvents(c *gin.Context) {
	limit := defaultEventLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, map[string]string{"limit": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxEventLimit)
	}

	events, err := h.sessions.Journal(c.Request.Context(), c.Param("attempt_id"), limit)
	if err != nil {
		failFromError(c, h.log, err)
		return
	}
	if events == nil {
		events = []model.AttemptEvent{}
	}
	response.Success(c, http.StatusOK, gin.H{"events": events})
}

// GetSnapshot godoc
// GET /api/v1/proctor/attempts/:attempt_id/snapshot
// Returns the answers frozen by the last submission.
func (h *ProctorHandler) GetSnapshot(c *gin.Context) {
	snap, err := h.sessions.Snapshot(c.Request.Context(), c.Param("attempt_id"))
	if err != nil {
		failFromError(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, snap)
}
