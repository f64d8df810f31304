package engine

import (
	"io"
	"time"
)

// QuestionKind enumerates how a question is answered.
type QuestionKind string

const (
	KindSingleChoice QuestionKind = "single_choice"
	KindMultiChoice  QuestionKind = "multi_choice"
	KindFreeText     QuestionKind = "free_text"
)

// Question is immutable once received from the backend.
type Question struct {
	ID      string       `json:"id"`
	Prompt  string       `json:"prompt"`
	Kind    QuestionKind `json:"kind"`
	Choices []string     `json:"choices,omitempty"`
}

// Answer holds a respondent's answer. Single-choice and free-text questions
// use Value, multi-choice questions use Values. The zero Answer is "unanswered".
type Answer struct {
	Value  string   `json:"value,omitempty"`
	Values []string `json:"values,omitempty"`
}

// IsZero reports whether the answer carries no value.
func (a Answer) IsZero() bool {
	return a.Value == "" && len(a.Values) == 0
}

func (a Answer) clone() Answer {
	out := Answer{Value: a.Value}
	if len(a.Values) > 0 {
		out.Values = append([]string(nil), a.Values...)
	}
	return out
}

// Status enumerates attempt states.
type Status string

const (
	StatusInProgress       Status = "IN_PROGRESS"
	StatusSubmitting       Status = "SUBMITTING"
	StatusAwaitingFeedback Status = "AWAITING_FEEDBACK"
	StatusCompleted        Status = "COMPLETED"
	StatusExpired          Status = "EXPIRED"
	StatusFailed           Status = "FAILED"
)

// AttemptState is the client-side record of one attempt.
// DeadlineAt is the only field derived from wall-clock time.
type AttemptState struct {
	AttemptID    string    `json:"attempt_id"`
	EvaluationID string    `json:"evaluation_id"`
	CourseID     string    `json:"course_id"`
	StartedAt    time.Time `json:"started_at"`
	DeadlineAt   time.Time `json:"deadline_at"`
	Status       Status    `json:"status"`
}

// ResultStatus is the pass/fail outcome of a graded attempt.
type ResultStatus string

const (
	ResultPassed ResultStatus = "PASSED"
	ResultFailed ResultStatus = "FAILED"
)

// PassThreshold is the minimum score for a pass.
const PassThreshold = 70.0

// Evaluate maps a score to its pass/fail status.
func Evaluate(score float64) ResultStatus {
	if score >= PassThreshold {
		return ResultPassed
	}
	return ResultFailed
}

// SubmissionResult is the graded outcome of an attempt.
type SubmissionResult struct {
	AttemptID   string       `json:"attempt_id"`
	Score       float64      `json:"score"`
	Status      ResultStatus `json:"status"`
	SubmittedAt time.Time    `json:"submitted_at"`
}

// Certificate is owned by the backend; the engine only reads it.
type Certificate struct {
	CourseID       string `json:"course_id"`
	CertificateURL string `json:"certificate_url,omitempty"`
}

// SubmittedAnswer is one entry of a submission payload.
type SubmittedAnswer struct {
	QuestionID string   `json:"question_id"`
	Index      int      `json:"index"`
	Value      string   `json:"value,omitempty"`
	Values     []string `json:"values,omitempty"`
}

// AttemptGrant is what the backend returns when an attempt starts.
type AttemptGrant struct {
	AttemptID    string     `json:"attempt_id"`
	EvaluationID string     `json:"evaluation_id"`
	CourseID     string     `json:"course_id"`
	Questions    []Question `json:"questions"`
	StartedAt    time.Time  `json:"started_at"`
	DeadlineAt   time.Time  `json:"deadline_at"`
}

// SubmitAck acknowledges a submission. Score is nil when the backend
// grades asynchronously and only exposes it through GetExamResults.
type SubmitAck struct {
	Score *float64 `json:"score,omitempty"`
}

// ExamResult is the authoritative result record.
type ExamResult struct {
	Score     float64   `json:"score"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// TPSubmission carries a lab/TP deliverable. Exactly one field is set.
type TPSubmission struct {
	SubmittedFileURL string `json:"submitted_file_url,omitempty"`
	SubmittedText    string `json:"submitted_text,omitempty"`
}

// File is an upload handed to an Uploader.
type File struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
}
