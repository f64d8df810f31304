package backend

import (
	"context"
	"time"

	"github.com/stemsi/exstem-gateway/internal/dedup"
	"github.com/stemsi/exstem-gateway/internal/engine"
)

// StaleTimes sets how long successful reads are reused.
type StaleTimes struct {
	Results      time.Duration
	Certificates time.Duration
}

// Deduplicated wraps a Backend so identical concurrent calls collapse into
// one. Reads are cached per respondent for their stale time.
type Deduplicated struct {
	next  engine.Backend
	group *dedup.Group
	stale StaleTimes
}

var _ engine.Backend = (*Deduplicated)(nil)

// NewDeduplicated wraps next.
func NewDeduplicated(next engine.Backend, group *dedup.Group, stale StaleTimes) *Deduplicated {
	return &Deduplicated{next: next, group: group, stale: stale}
}

func subject(ctx context.Context) string {
	if c, ok := CredentialsFrom(ctx); ok {
		return c.Subject
	}
	return "anonymous"
}

func (d *Deduplicated) StartAttempt(ctx context.Context, evaluationID string) (*engine.AttemptGrant, error) {
	key := "start:" + subject(ctx) + ":" + evaluationID
	return dedup.Mutate(ctx, d.group, key, func(ctx context.Context) (*engine.AttemptGrant, error) {
		return d.next.StartAttempt(ctx, evaluationID)
	})
}

func (d *Deduplicated) SubmitAttempt(ctx context.Context, attemptID string, answers []engine.SubmittedAnswer) (*engine.SubmitAck, error) {
	ack, err := dedup.Mutate(ctx, d.group, "submit:"+attemptID, func(ctx context.Context) (*engine.SubmitAck, error) {
		return d.next.SubmitAttempt(ctx, attemptID, answers)
	})
	if err == nil {
		d.group.Forget(resultsKey(attemptID))
	}
	return ack, err
}

func (d *Deduplicated) SubmitFeedback(ctx context.Context, attemptID, text string) error {
	_, err := dedup.Mutate(ctx, d.group, "feedback:"+attemptID, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, d.next.SubmitFeedback(ctx, attemptID, text)
	})
	return err
}

func (d *Deduplicated) SubmitTP(ctx context.Context, evaluationID string, sub engine.TPSubmission) error {
	key := "tp:" + subject(ctx) + ":" + evaluationID
	_, err := dedup.Mutate(ctx, d.group, key, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, d.next.SubmitTP(ctx, evaluationID, sub)
	})
	if err == nil {
		d.group.Forget(certificatesKey(ctx))
	}
	return err
}

func (d *Deduplicated) GetExamResults(ctx context.Context, attemptID string) (*engine.ExamResult, error) {
	return dedup.Query(ctx, d.group, resultsKey(attemptID), d.stale.Results, func(ctx context.Context) (*engine.ExamResult, error) {
		return d.next.GetExamResults(ctx, attemptID)
	})
}

func (d *Deduplicated) GetMyCertificates(ctx context.Context) ([]engine.Certificate, error) {
	return dedup.Query(ctx, d.group, certificatesKey(ctx), d.stale.Certificates, func(ctx context.Context) ([]engine.Certificate, error) {
		return d.next.GetMyCertificates(ctx)
	})
}

func resultsKey(attemptID string) string { return "results:" + attemptID }

func certificatesKey(ctx context.Context) string { return "certificates:" + subject(ctx) }
