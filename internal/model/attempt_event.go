package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventKind enumerates journal entry kinds.
type EventKind string

const (
	EventKindTransition EventKind = "transition"
	EventKindAnswer     EventKind = "answer"
	EventKindFlag       EventKind = "flag"
	EventKindFeedback   EventKind = "feedback"
	EventKindRetake     EventKind = "retake"
)

// AttemptEvent is one row of the attempt journal.
type AttemptEvent struct {
	ID         uuid.UUID       `json:"id"`
	AttemptID  string          `json:"attempt_id"`
	Subject    string          `json:"subject"`
	Kind       EventKind       `json:"kind"`
	FromStatus string          `json:"from_status,omitempty"`
	ToStatus   string          `json:"to_status,omitempty"`
	Trigger    string          `json:"trigger,omitempty"`
	Detail     json.RawMessage `json:"detail,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// AnswerSnapshot is the ledger of an attempt as it was when locked.
type AnswerSnapshot struct {
	AttemptID    string          `json:"attempt_id"`
	EvaluationID string          `json:"evaluation_id"`
	Subject      string          `json:"subject"`
	Status       string          `json:"status"`
	Answers      json.RawMessage `json:"answers"`
	Flags        []int           `json:"flags"`
	LockedAt     time.Time       `json:"locked_at"`
}
