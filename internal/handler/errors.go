package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-gateway/internal/backend"
	"github.com/stemsi/exstem-gateway/internal/dedup"
	"github.com/stemsi/exstem-gateway/internal/engine"
	"github.com/stemsi/exstem-gateway/internal/response"
	"github.com/stemsi/exstem-gateway/internal/service"
	"github.com/stemsi/exstem-gateway/internal/storage"
)

// errorMapping pairs a sentinel with the status and code it is reported as.
// Order matters: wrapped errors match the first entry they satisfy.
var errorMapping = []struct {
	err    error
	status int
	code   response.ErrCode
}{
	{service.ErrAttemptNotFound, http.StatusNotFound, response.ErrAttemptNotFound},
	{service.ErrInvalidMove, http.StatusBadRequest, response.ErrValidation},
	{service.ErrInvalidPIN, http.StatusForbidden, response.ErrInvalidPIN},
	{service.ErrReopenUnavailable, http.StatusForbidden, response.ErrReopenDisabled},

	{storage.ErrUnsupportedFileType, http.StatusUnsupportedMediaType, response.ErrUnsupportedFile},
	{storage.ErrFileTooLarge, http.StatusRequestEntityTooLarge, response.ErrFileTooLarge},
	{dedup.ErrInFlight, http.StatusConflict, response.ErrOperationInFlight},

	{engine.ErrIndexOutOfRange, http.StatusBadRequest, response.ErrIndexRange},
	{engine.ErrLedgerLocked, http.StatusConflict, response.ErrLedgerLocked},
	{engine.ErrSubmissionInFlight, http.StatusConflict, response.ErrSubmissionInFlight},
	{engine.ErrLateSubmission, http.StatusGone, response.ErrLateSubmission},
	{engine.ErrRetriesExhausted, http.StatusConflict, response.ErrRetriesExhausted},
	{engine.ErrSubmissionFailed, http.StatusBadGateway, response.ErrSubmissionFailed},
	{engine.ErrDeadlinePassed, http.StatusConflict, response.ErrDeadlinePassed},
	{engine.ErrSessionClosed, http.StatusConflict, response.ErrSessionClosed},
	{engine.ErrRetakeNotAllowed, http.StatusConflict, response.ErrRetakeNotAllowed},
	{engine.ErrResultsUnavailable, http.StatusConflict, response.ErrResultsUnavailable},
	{engine.ErrInvalidTransition, http.StatusConflict, response.ErrInvalidTransition},
	{engine.ErrUploadFailed, http.StatusBadGateway, response.ErrUploadFailed},
	{engine.ErrFeedbackFailed, http.StatusBadGateway, response.ErrFeedbackFailed},
	{engine.ErrInvalidGrant, http.StatusBadGateway, response.ErrBackendRejected},
	{engine.ErrAttemptReused, http.StatusBadGateway, response.ErrBackendRejected},

	{backend.ErrUnauthorized, http.StatusUnauthorized, response.ErrTokenInvalid},
	{backend.ErrNotFound, http.StatusNotFound, response.ErrNotFound},
}

// failFromError reports err in the standard envelope.
func failFromError(c *gin.Context, log zerolog.Logger, err error) {
	status, code, fields := classify(err)
	switch {
	case status == http.StatusServiceUnavailable:
		log.Error().Err(err).Str("path", c.FullPath()).Msg("Unhandled error")
	case status >= http.StatusInternalServerError:
		log.Warn().Err(err).Str("path", c.FullPath()).Msg("Upstream failure")
	}
	if fields != nil {
		response.FailWithFields(c, status, code, fields)
		return
	}
	var he *backend.HTTPError
	if errors.As(err, &he) && he.Message != "" {
		response.FailWithDetail(c, status, code, he.Message)
		return
	}
	response.Fail(c, status, code)
}

// classify maps err to an HTTP status and error code. Unknown errors are
// most often transport failures towards the backend.
func classify(err error) (int, response.ErrCode, map[string]string) {
	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		return http.StatusUnprocessableEntity, response.ErrValidation, map[string]string{ve.Field: ve.Reason}
	}

	for _, m := range errorMapping {
		if errors.Is(err, m.err) {
			return m.status, m.code, nil
		}
	}

	var he *backend.HTTPError
	if errors.As(err, &he) {
		return http.StatusBadGateway, response.ErrBackendRejected, nil
	}
	return http.StatusServiceUnavailable, response.ErrBackendUnavailable, nil
}
