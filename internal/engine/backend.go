package engine

import "context"

// Backend is the external service that stores attempts, grades them and
// issues certificates. It is authoritative for everything the engine shows.
type Backend interface {
	StartAttempt(ctx context.Context, evaluationID string) (*AttemptGrant, error)
	SubmitAttempt(ctx context.Context, attemptID string, answers []SubmittedAnswer) (*SubmitAck, error)
	SubmitFeedback(ctx context.Context, attemptID, text string) error
	SubmitTP(ctx context.Context, evaluationID string, sub TPSubmission) error
	GetExamResults(ctx context.Context, attemptID string) (*ExamResult, error)
	GetMyCertificates(ctx context.Context) ([]Certificate, error)
}

// Uploader stores a lab/TP file and returns a URL the backend can reference.
type Uploader interface {
	Upload(ctx context.Context, f File) (string, error)
}
