package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrTokenRequired ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid  ErrCode = "TOKEN_INVALID"
	ErrTokenExpired  ErrCode = "TOKEN_EXPIRED"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrForbidden         ErrCode = "FORBIDDEN"
	ErrStudentAccessOnly ErrCode = "STUDENT_ACCESS_ONLY"
	ErrProctorAccessOnly ErrCode = "PROCTOR_ACCESS_ONLY"
	ErrInvalidPIN        ErrCode = "INVALID_PIN"
	ErrReopenDisabled    ErrCode = "REOPEN_UNAVAILABLE"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"
	ErrInvalidAnswer  ErrCode = "INVALID_ANSWER"
	ErrIndexRange     ErrCode = "INDEX_OUT_OF_RANGE"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound        ErrCode = "NOT_FOUND"
	ErrAttemptNotFound ErrCode = "ATTEMPT_NOT_FOUND"

	// ─── Attempt lifecycle ─────────────────────────────────────────────
	ErrLedgerLocked       ErrCode = "LEDGER_LOCKED"
	ErrInvalidTransition  ErrCode = "INVALID_TRANSITION"
	ErrSubmissionInFlight ErrCode = "SUBMISSION_IN_FLIGHT"
	ErrSubmissionFailed   ErrCode = "SUBMISSION_FAILED"
	ErrRetriesExhausted   ErrCode = "RETRIES_EXHAUSTED"
	ErrLateSubmission     ErrCode = "LATE_SUBMISSION"
	ErrDeadlinePassed     ErrCode = "DEADLINE_PASSED"
	ErrSessionClosed      ErrCode = "SESSION_CLOSED"
	ErrRetakeNotAllowed   ErrCode = "RETAKE_NOT_ALLOWED"
	ErrResultsUnavailable ErrCode = "RESULTS_UNAVAILABLE"

	// ─── Feedback & deliverables ───────────────────────────────────────
	ErrFeedbackFailed  ErrCode = "FEEDBACK_FAILED"
	ErrUploadFailed    ErrCode = "UPLOAD_FAILED"
	ErrFileRequired    ErrCode = "FILE_REQUIRED"
	ErrUnsupportedFile ErrCode = "UNSUPPORTED_FILE_TYPE"
	ErrFileTooLarge    ErrCode = "FILE_TOO_LARGE"

	// ─── Upstream ──────────────────────────────────────────────────────
	ErrBackendUnavailable ErrCode = "BACKEND_UNAVAILABLE"
	ErrBackendRejected    ErrCode = "BACKEND_REJECTED"
	ErrOperationInFlight  ErrCode = "OPERATION_IN_FLIGHT"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrTokenRequired:
		return "An authentication token is required."
	case ErrTokenInvalid:
		return "The authentication token is invalid."
	case ErrTokenExpired:
		return "The authentication token has expired."

	// ─── Authorization ─────────────────────────────────────────────────
	case ErrForbidden:
		return "You are not allowed to access this resource."
	case ErrStudentAccessOnly:
		return "This resource is restricted to students."
	case ErrProctorAccessOnly:
		return "This resource is restricted to proctors."
	case ErrInvalidPIN:
		return "The proctor PIN is incorrect."
	case ErrReopenDisabled:
		return "Reopening attempts is not enabled on this gateway."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validation failed. Please check your input."
	case ErrInvalidID:
		return "Invalid ID format."
	case ErrInvalidPayload:
		return "Invalid request payload."
	case ErrInvalidAnswer:
		return "The answer does not fit this question."
	case ErrIndexRange:
		return "There is no question at this position."

	// ─── Resources ─────────────────────────────────────────────────────
	case ErrNotFound:
		return "Resource not found."
	case ErrAttemptNotFound:
		return "No active attempt was found."

	// ─── Attempt lifecycle ─────────────────────────────────────────────
	case ErrLedgerLocked:
		return "Answers can no longer be changed."
	case ErrInvalidTransition:
		return "This action is not available right now."
	case ErrSubmissionInFlight:
		return "Your answers are already being submitted."
	case ErrSubmissionFailed:
		return "Your answers could not be submitted. They were kept and you can retry."
	case ErrRetriesExhausted:
		return "Your answers could not be submitted and no retries are left."
	case ErrLateSubmission:
		return "The attempt is no longer accepted by the server."
	case ErrDeadlinePassed:
		return "The time for this attempt is over."
	case ErrSessionClosed:
		return "This attempt session has been closed."
	case ErrRetakeNotAllowed:
		return "A new attempt is not allowed."
	case ErrResultsUnavailable:
		return "Results are available after you send your feedback."

	// ─── Feedback & deliverables ───────────────────────────────────────
	case ErrFeedbackFailed:
		return "Your feedback could not be sent. Please try again."
	case ErrUploadFailed:
		return "The file could not be uploaded. Please try again."
	case ErrFileRequired:
		return "A file upload is required."
	case ErrUnsupportedFile:
		return "Unsupported file type."
	case ErrFileTooLarge:
		return "The file exceeds the size limit."

	// ─── Upstream ──────────────────────────────────────────────────────
	case ErrBackendUnavailable:
		return "The learning platform is unavailable. Please try again."
	case ErrBackendRejected:
		return "The learning platform rejected the request."
	case ErrOperationInFlight:
		return "The same request is already being processed."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Too many requests. Please try again later."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrInternal:
		return "Internal server error."
	default:
		return "An unexpected error occurred."
	}
}
