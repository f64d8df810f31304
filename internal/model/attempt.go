package model

// SetAnswerRequest is the payload for recording an answer.
type SetAnswerRequest struct {
	Value  string   `json:"value" binding:"max=5000"`
	Values []string `json:"values" binding:"omitempty,max=50,dive,max=200"`
}

// CursorRequest moves the navigation cursor.
type CursorRequest struct {
	Action string `json:"action" binding:"required,oneof=next previous goto"`
	Index  *int   `json:"index" binding:"omitempty,min=0"`
}

// FeedbackRequest carries satisfaction feedback.
type FeedbackRequest struct {
	Text string `json:"text" binding:"required,max=5000"`
}

// DeliverableForm is the non-file part of a lab deliverable upload.
type DeliverableForm struct {
	Mode string `form:"mode" binding:"required,oneof=file text"`
	Text string `form:"text" binding:"max=20000"`
}

// ReopenRequest is sent by a proctor to reopen a failed attempt.
type ReopenRequest struct {
	PIN string `json:"pin" binding:"required,min=4,max=12,numeric"`
}
