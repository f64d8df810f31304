package engine

// Outcome is what the retry policy looks at once an attempt settles.
type Outcome struct {
	Status           Status
	Result           *SubmissionResult
	RetriesExhausted bool
}

// RetryDecision tells the caller whether a new attempt may start.
type RetryDecision struct {
	Allowed bool `json:"allowed"`
	// DiscardPrevious is set when starting a new attempt throws away the
	// old attempt state and answers entirely.
	DiscardPrevious bool   `json:"discard_previous"`
	Reason          string `json:"reason"`
}

// RetryPolicy decides whether a fresh attempt may replace the current one.
// The backend still caps the total number of attempts.
type RetryPolicy struct{}

// Decide applies the policy to an outcome.
func (RetryPolicy) Decide(o Outcome) RetryDecision {
	switch o.Status {
	case StatusInProgress, StatusSubmitting:
		return RetryDecision{Reason: "the current attempt has not been submitted"}
	case StatusAwaitingFeedback:
		return RetryDecision{Reason: "feedback is required before the result is known"}
	case StatusExpired:
		return RetryDecision{Allowed: true, DiscardPrevious: true, Reason: "the attempt expired"}
	case StatusFailed:
		if !o.RetriesExhausted {
			return RetryDecision{Reason: "retry the pending submission first"}
		}
		return RetryDecision{Allowed: true, DiscardPrevious: true, Reason: "the submission could not be delivered"}
	case StatusCompleted:
		if o.Result == nil {
			return RetryDecision{Reason: "the result is not available yet"}
		}
		if o.Result.Status == ResultPassed {
			return RetryDecision{Reason: "the evaluation was passed"}
		}
		return RetryDecision{Allowed: true, DiscardPrevious: true, Reason: "the evaluation was failed"}
	}
	return RetryDecision{Reason: "unknown attempt status"}
}
