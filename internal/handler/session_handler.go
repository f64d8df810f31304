package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-gateway/internal/backend"
	"github.com/stemsi/exstem-gateway/internal/engine"
	"github.com/stemsi/exstem-gateway/internal/middleware"
	"github.com/stemsi/exstem-gateway/internal/model"
	"github.com/stemsi/exstem-gateway/internal/response"
	"github.com/stemsi/exstem-gateway/internal/service"
	"github.com/stemsi/exstem-gateway/internal/validator"
)

// SessionHandler handles the student-facing attempt endpoints.
type SessionHandler struct {
	sessions       *service.SessionService
	maxUploadBytes int64
	log            zerolog.Logger
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(sessions *service.SessionService, maxUploadBytes int64, log zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		sessions:       sessions,
		maxUploadBytes: maxUploadBytes,
		log:            log.With().Str("component", "session_handler").Logger(),
	}
}

// StartAttempt godoc
// POST /api/v1/student/evaluations/:evaluation_id/attempts
// Starts an attempt, or returns the live one for this evaluation.
func (h *SessionHandler) StartAttempt(c *gin.Context) {
	evaluationID := c.Param("evaluation_id")
	if evaluationID == "" {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	creds := middleware.GetCredentials(c)
	view, err := h.sessions.Start(h.callContext(c), creds, evaluationID)
	if err != nil {
		failFromError(c, h.log, err)
		return
	}

	response.Success(c, http.StatusCreated, view)
}

// GetAttempt godoc
// GET /api/v1/student/attempts/:attempt_id
func (h *SessionHandler) GetAttempt(c *gin.Context) {
	view, err := h.sessions.View(subject(c), c.Param("attempt_id"))
	if err != nil {
		failFromError(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, view)
}

// SetAnswer godoc
// PUT /api/v1/student/attempts/:attempt_id/answers/:index
func (h *SessionHandler) SetAnswer(c *gin.Context) {
	index, ok := indexParam(c)
	if !ok {
		return
	}

	var req model.SetAnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	view, err := h.sessions.SetAnswer(subject(c), c.Param("attempt_id"), index, engine.Answer{Value: req.Value, Values: req.Values})
	if err != nil {
		failFromError(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, view)
}

// ClearAnswer godoc
// DELETE /api/v1/student/attempts/:attempt_id/answers/:index
func (h *SessionHandler) ClearAnswer(c *gin.Context) {
	index, ok := indexParam(c)
	if !ok {
		return
	}

	view, err := h.sessions.ClearAnswer(subject(c), c.Param("attempt_id"), index)
	if err != nil {
		failFromError(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, view)
}

// Flag godoc
// PUT /api/v1/student/attempts/:attempt_id/flags/:index
func (h *SessionHandler) Flag(c *gin.Context) {
	h.setFlag(c, true)
}

// Unflag godoc
// DELETE /api/v1/student/attempts/:attempt_id/flags/:index
func (h *SessionHandler) Unflag(c *gin.Context) {
	h.setFlag(c, false)
}

func (h *SessionHandler) setFlag(c *gin.Context, flagged bool) {
	index, ok := indexParam(c)
	if !ok {
		return
	}

	view, err := h.sessions.SetFlag(subject(c), c.Param("attempt_id"), index, flagged)
	if err != nil {
		failFromError(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, view)
}

// MoveCursor godoc
// POST /api/v1/student/attempts/:attempt_id/cursor
// Navigates with next, previous or goto. Out-of-range targets are clamped.
func (h *SessionHandler) MoveCursor(c *gin.Context) {
	var req model.CursorRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	if req.Action == "goto" && req.Index == nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, map[string]string{"index": "index is required for goto"})
		return
	}

	view, err := h.sessions.Move(subject(c), c.Param("attempt_id"), req.Action, req.Index)
	if err != nil {
		failFromError(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, view)
}

// Submit godoc
// POST /api/v1/student/attempts/:attempt_id/submit
func (h *SessionHandler) Submit(c *gin.Context) {
	view, err := h.sessions.Submit(h.callContext(c), subject(c), c.Param("attempt_id"))
	if err != nil {
		failFromError(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, view)
}

// RetrySubmission godoc
// POST /api/v1/student/attempts/:attempt_id/submit/retry
// Resends the answers frozen by the failed submission.
func (h *SessionHandler) RetrySubmission(c *gin.Context) {
	view, err := h.sessions.RetrySubmission(h.callContext(c), subject(c), c.Param("attempt_id"))
	if err != nil {
		failFromError(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, view)
}

// SubmitFeedback godoc
// POST /api/v1/student/attempts/:attempt_id/feedback
func (h *SessionHandler) SubmitFeedback(c *gin.Context) {
	var req model.FeedbackRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	view, err := h.sessions.SubmitFeedback(h.callContext(c), subject(c), c.Param("attempt_id"), req.Text)
	if err != nil {
		failFromError(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, view)
}

// SubmitDeliverable godoc
// POST /api/v1/student/attempts/:attempt_id/deliverable
// Multipart form with mode=file and a "file" part, or mode=text and "text".
func (h *SessionHandler) SubmitDeliverable(c *gin.Context) {
	if h.maxUploadBytes > 0 {
		// Allow some room for the other form fields.
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes+64*1024)
	}

	var form model.DeliverableForm
	if fields := validator.BindForm(c, &form); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	mode := engine.DeliverableMode(form.Mode)
	var file *engine.File
	if mode == engine.ModeFile {
		f, header, err := c.Request.FormFile("file")
		if err != nil {
			response.Fail(c, http.StatusBadRequest, response.ErrFileRequired)
			return
		}
		defer f.Close()
		file = &engine.File{
			Name:        header.Filename,
			ContentType: header.Header.Get("Content-Type"),
			Size:        header.Size,
			Body:        f,
		}
	}

	view, err := h.sessions.SubmitDeliverable(h.callContext(c), subject(c), c.Param("attempt_id"), mode, form.Text, file)
	if err != nil {
		failFromError(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, view)
}

// GetSummary godoc
// GET /api/v1/student/attempts/:attempt_id/summary
// Available once feedback has been accepted.
func (h *SessionHandler) GetSummary(c *gin.Context) {
	summary, err := h.sessions.Summary(h.callContext(c), subject(c), c.Param("attempt_id"))
	if err != nil {
		failFromError(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, summary)
}

// Retake godoc
// POST /api/v1/student/attempts/:attempt_id/retake
func (h *SessionHandler) Retake(c *gin.Context) {
	view, decision, err := h.sessions.Retake(h.callContext(c), subject(c), c.Param("attempt_id"))
	if err != nil {
		failFromError(c, h.log, err)
		return
	}
	response.Success(c, http.StatusCreated, gin.H{"attempt": view, "decision": decision})
}

// CloseAttempt godoc
// DELETE /api/v1/student/attempts/:attempt_id
// Ends the session when the student navigates away.
func (h *SessionHandler) CloseAttempt(c *gin.Context) {
	if err := h.sessions.Close(subject(c), c.Param("attempt_id")); err != nil {
		failFromError(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"closed": true})
}

// callContext carries the caller's bearer token and request ID to backend calls.
func (h *SessionHandler) callContext(c *gin.Context) context.Context {
	ctx := backend.WithRequestID(c.Request.Context(), c.GetString(response.ContextKeyRequestID))
	return backend.WithCredentials(ctx, middleware.GetCredentials(c))
}

func subject(c *gin.Context) string {
	if claims := middleware.GetClaims(c); claims != nil {
		return claims.Subject
	}
	return ""
}

func indexParam(c *gin.Context) (int, bool) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 {
		response.Fail(c, http.StatusBadRequest, response.ErrIndexRange)
		return 0, false
	}
	return index, true
}
