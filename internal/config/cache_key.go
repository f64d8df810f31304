package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// DedupInFlightKey marks an operation that is currently running on some
// gateway instance.
func (r *CacheKeyStruct) DedupInFlightKey(op string) string {
	return fmt.Sprintf("dedup:inflight:%s", op)
}

// AttemptAnswersKey returns the hash mirroring an attempt's answer ledger.
func (r *CacheKeyStruct) AttemptAnswersKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:answers", attemptID)
}

// AttemptStatusKey holds the last published status of an attempt.
func (r *CacheKeyStruct) AttemptStatusKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:status", attemptID)
}

// StudentActiveAttemptKey points at the live attempt of a student for an
// evaluation.
func (r *CacheKeyStruct) StudentActiveAttemptKey(subject, evaluationID string) string {
	return fmt.Sprintf("student:%s:evaluation:%s:active_attempt", subject, evaluationID)
}

// AttemptEventsChannel is the Redis PubSub channel proctors subscribe to.
func (r *CacheKeyStruct) AttemptEventsChannel(attemptID string) string {
	return fmt.Sprintf("attempt:%s:events", attemptID)
}

var CacheKey = NewCacheKeyStruct()
