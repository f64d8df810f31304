package websocket

import (
	"math"

	"github.com/stemsi/exstem-gateway/internal/engine"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAnswer   Action = "answer"
	ActionClear    Action = "clear"
	ActionFlag     Action = "flag"
	ActionUnflag   Action = "unflag"
	ActionNavigate Action = "navigate"
	ActionSubmit   Action = "submit"
	ActionState    Action = "state"
	ActionPing     Action = "ping"
)

// RequestPayload is the single shape every client action is decoded into.
type RequestPayload struct {
	Action Action   `json:"action"`
	Index  *int     `json:"index,omitempty"`
	Value  string   `json:"value,omitempty"`
	Values []string `json:"values,omitempty"`
	// Move is one of next, previous or goto for ActionNavigate.
	Move string `json:"move,omitempty"`
}

// Answer converts the payload into a ledger answer.
func (p RequestPayload) Answer() engine.Answer {
	return engine.Answer{Value: p.Value, Values: p.Values}
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventTick       Event = "tick"
	EventTransition Event = "transition"
	EventState      Event = "state"
	EventError      Event = "error"
	EventPong       Event = "pong"
)

type TickMessage struct {
	Event            Event         `json:"event"`
	AttemptID        string        `json:"attempt_id"`
	Status           engine.Status `json:"status"`
	RemainingSeconds int           `json:"remaining_seconds"`
}

type TransitionMessage struct {
	Event     Event          `json:"event"`
	AttemptID string         `json:"attempt_id"`
	From      engine.Status  `json:"from"`
	Status    engine.Status  `json:"status"`
	Trigger   engine.Trigger `json:"trigger"`
	Error     string         `json:"error,omitempty"`
}

type StateMessage struct {
	Event Event       `json:"event"`
	View  engine.View `json:"view"`
}

type ErrorResponse struct {
	Event   Event  `json:"event"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type PongResponse struct {
	Event Event `json:"event"`
}

// MessageFor renders an engine event as the message clients receive.
func MessageFor(ev engine.Event) any {
	if ev.Kind == engine.EventTick {
		return TickMessage{
			Event:            EventTick,
			AttemptID:        ev.AttemptID,
			Status:           ev.Status,
			RemainingSeconds: int(math.Ceil(ev.Remaining.Seconds())),
		}
	}
	return TransitionMessage{
		Event:     EventTransition,
		AttemptID: ev.AttemptID,
		From:      ev.From,
		Status:    ev.Status,
		Trigger:   ev.Trigger,
		Error:     ev.Error,
	}
}
