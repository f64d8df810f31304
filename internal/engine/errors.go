package engine

import (
	"errors"
	"fmt"
)

// Engine errors. Callers match them with errors.Is.
var (
	ErrLedgerLocked       = errors.New("answer ledger is locked")
	ErrIndexOutOfRange    = errors.New("question index out of range")
	ErrSubmissionInFlight = errors.New("submission already in flight")
	ErrInvalidTransition  = errors.New("transition not allowed from current state")
	ErrRetriesExhausted   = errors.New("submission retries exhausted")
	ErrDeadlinePassed     = errors.New("attempt deadline has passed")
	ErrSessionClosed      = errors.New("session is closed")
	ErrSubmissionFailed   = errors.New("submission failed")
	ErrFeedbackFailed     = errors.New("feedback submission failed")
	ErrUploadFailed       = errors.New("upload failed")
	ErrResultsUnavailable = errors.New("results unavailable")
	ErrRetakeNotAllowed   = errors.New("a new attempt is not allowed")
	ErrAttemptReused      = errors.New("backend returned the previous attempt id")
	ErrInvalidGrant       = errors.New("invalid attempt grant")

	// ErrLateSubmission is returned by a Backend that refuses a submission
	// because the attempt is no longer valid server-side.
	ErrLateSubmission = errors.New("submission rejected as late")
)

// ValidationError is a local input error raised before any network call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
