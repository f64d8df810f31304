package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"
)

// MinSatisfactionLength is the minimum trimmed length of satisfaction feedback.
const MinSatisfactionLength = 10

// FeedbackKind selects which artifact unlocks the results.
type FeedbackKind string

const (
	FeedbackSatisfaction FeedbackKind = "satisfaction"
	FeedbackLab          FeedbackKind = "lab"
)

// DeliverableMode selects how a lab/TP deliverable is handed in.
type DeliverableMode string

const (
	ModeFile DeliverableMode = "file"
	ModeText DeliverableMode = "text"
)

// Feedback is the artifact a respondent presents to unlock results.
type Feedback struct {
	Kind FeedbackKind
	Mode DeliverableMode
	Text string
	File *File
}

// CertificateLookup describes the outcome of the certificate join.
type CertificateLookup string

const (
	CertificateFound       CertificateLookup = "found"
	CertificateAbsent      CertificateLookup = "absent"
	CertificateUnavailable CertificateLookup = "unavailable"
)

// ResultSummary is the display-ready outcome of a completed attempt.
type ResultSummary struct {
	AttemptID         string            `json:"attempt_id"`
	CourseID          string            `json:"course_id"`
	ResultAvailable   bool              `json:"result_available"`
	Score             *float64          `json:"score,omitempty"`
	Status            ResultStatus      `json:"status,omitempty"`
	Passed            bool              `json:"passed"`
	SubmittedAt       *time.Time        `json:"submitted_at,omitempty"`
	Certificate       *Certificate      `json:"certificate,omitempty"`
	CertificateLookup CertificateLookup `json:"certificate_lookup"`
	Message           string            `json:"message,omitempty"`
}

// CanSubmitFeedback reports whether f may be sent. Lab deliverables need
// exactly one of a file or non-blank text.
func CanSubmitFeedback(f Feedback) bool {
	switch f.Kind {
	case FeedbackSatisfaction:
		return trimmedLen(f.Text) >= MinSatisfactionLength
	case FeedbackLab:
		hasFile := f.File != nil
		hasText := trimmedLen(f.Text) >= 1
		return hasFile != hasText
	}
	return false
}

// ValidateFeedback checks f locally and returns a *ValidationError.
func ValidateFeedback(f Feedback) error {
	switch f.Kind {
	case FeedbackSatisfaction:
		if trimmedLen(f.Text) < MinSatisfactionLength {
			return &ValidationError{Field: "text", Reason: fmt.Sprintf("must be at least %d characters", MinSatisfactionLength)}
		}
		return nil
	case FeedbackLab:
		switch f.Mode {
		case ModeText:
			if f.File != nil {
				return &ValidationError{Field: "file", Reason: "not allowed in text mode"}
			}
			if trimmedLen(f.Text) < 1 {
				return &ValidationError{Field: "text", Reason: "must not be blank"}
			}
		case ModeFile:
			if f.File == nil {
				return &ValidationError{Field: "file", Reason: "is required in file mode"}
			}
			if trimmedLen(f.Text) > 0 {
				return &ValidationError{Field: "text", Reason: "not allowed in file mode"}
			}
		default:
			return &ValidationError{Field: "mode", Reason: "must be file or text"}
		}
		if !CanSubmitFeedback(f) {
			return &ValidationError{Field: "mode", Reason: "exactly one of file or text is required"}
		}
		return nil
	}
	return &ValidationError{Field: "kind", Reason: "must be satisfaction or lab"}
}

// Gate keeps results hidden until a feedback artifact is recorded
// server-side, then joins the result with the certificate list.
type Gate struct {
	coord    *Coordinator
	backend  Backend
	uploader Uploader
	attempt  AttemptState

	mu       sync.Mutex
	inFlight bool
	unlocked bool
	known    *SubmissionResult
}

func newGate(coord *Coordinator, backend Backend, uploader Uploader, attempt AttemptState) *Gate {
	return &Gate{coord: coord, backend: backend, uploader: uploader, attempt: attempt}
}

// Unlocked reports whether feedback was accepted.
func (g *Gate) Unlocked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.unlocked
}

// SubmitFeedback validates f, uploads a lab file when needed, records the
// artifact with the backend and completes the attempt.
func (g *Gate) SubmitFeedback(ctx context.Context, f Feedback) error {
	if err := ValidateFeedback(f); err != nil {
		return err
	}

	g.mu.Lock()
	switch {
	case g.unlocked:
		g.mu.Unlock()
		return fmt.Errorf("%w: feedback already recorded", ErrInvalidTransition)
	case g.inFlight:
		g.mu.Unlock()
		return ErrSubmissionInFlight
	}
	if st := g.coord.Status(); st != StatusAwaitingFeedback {
		g.mu.Unlock()
		return fmt.Errorf("%w: feedback from %s", ErrInvalidTransition, st)
	}
	g.inFlight = true
	g.mu.Unlock()

	err := g.record(ctx, f)

	g.mu.Lock()
	g.inFlight = false
	if err == nil {
		g.unlocked = true
	}
	g.mu.Unlock()
	if err != nil {
		return err
	}
	return g.coord.complete()
}

func (g *Gate) record(ctx context.Context, f Feedback) error {
	if f.Kind == FeedbackSatisfaction {
		if err := g.backend.SubmitFeedback(ctx, g.attempt.AttemptID, strings.TrimSpace(f.Text)); err != nil {
			return fmt.Errorf("%w: %w", ErrFeedbackFailed, err)
		}
		return nil
	}

	var sub TPSubmission
	if f.Mode == ModeFile {
		if g.uploader == nil {
			return fmt.Errorf("%w: no uploader configured", ErrUploadFailed)
		}
		url, err := g.uploader.Upload(ctx, *f.File)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrUploadFailed, err)
		}
		if url == "" {
			return fmt.Errorf("%w: empty file reference", ErrUploadFailed)
		}
		sub.SubmittedFileURL = url
	} else {
		sub.SubmittedText = strings.TrimSpace(f.Text)
	}

	if err := g.backend.SubmitTP(ctx, g.attempt.EvaluationID, sub); err != nil {
		return fmt.Errorf("%w: %w", ErrFeedbackFailed, err)
	}
	return nil
}

// Summary returns the result joined with the certificate lookup. Before
// feedback is accepted it fails with ErrResultsUnavailable. Either source
// may be down without hiding the other.
func (g *Gate) Summary(ctx context.Context) (*ResultSummary, error) {
	if !g.Unlocked() {
		return nil, ErrResultsUnavailable
	}

	var (
		result    *ExamResult
		resultErr error
		certs     []Certificate
		certErr   error
	)
	var eg errgroup.Group
	eg.Go(func() error {
		result, resultErr = g.backend.GetExamResults(ctx, g.attempt.AttemptID)
		return nil
	})
	eg.Go(func() error {
		certs, certErr = g.backend.GetMyCertificates(ctx)
		return nil
	})
	_ = eg.Wait()

	sum := &ResultSummary{
		AttemptID:         g.attempt.AttemptID,
		CourseID:          g.attempt.CourseID,
		CertificateLookup: CertificateAbsent,
	}

	switch {
	case resultErr == nil && result != nil:
		score := clampScore(result.Score)
		at := result.CreatedAt
		sum.fill(score, &at)
		g.remember(&SubmissionResult{
			AttemptID:   g.attempt.AttemptID,
			Score:       score,
			Status:      sum.Status,
			SubmittedAt: at,
		})
	case g.coord.acknowledged() != nil:
		ack := g.coord.acknowledged()
		at := ack.SubmittedAt
		sum.fill(ack.Score, &at)
	default:
		sum.Message = "Results are not available yet. You can return to the course and check later."
	}

	if certErr != nil {
		sum.CertificateLookup = CertificateUnavailable
	} else {
		for _, cert := range certs {
			if cert.CourseID == g.attempt.CourseID {
				c := cert
				sum.Certificate = &c
				sum.CertificateLookup = CertificateFound
				break
			}
		}
	}
	return sum, nil
}

// fetchResult asks the backend for the graded result once feedback is
// accepted and nothing is known yet. Failures leave the result unknown.
func (g *Gate) fetchResult(ctx context.Context) {
	if !g.Unlocked() || g.knownResult() != nil || g.coord.acknowledged() != nil {
		return
	}
	result, err := g.backend.GetExamResults(ctx, g.attempt.AttemptID)
	if err != nil || result == nil {
		return
	}
	score := clampScore(result.Score)
	g.remember(&SubmissionResult{
		AttemptID:   g.attempt.AttemptID,
		Score:       score,
		Status:      Evaluate(score),
		SubmittedAt: result.CreatedAt,
	})
}

func (g *Gate) remember(r *SubmissionResult) {
	g.mu.Lock()
	g.known = r
	g.mu.Unlock()
}

func (g *Gate) knownResult() *SubmissionResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.known == nil {
		return nil
	}
	r := *g.known
	return &r
}

func (s *ResultSummary) fill(score float64, at *time.Time) {
	s.ResultAvailable = true
	s.Score = &score
	s.Status = Evaluate(score)
	s.Passed = s.Status == ResultPassed
	if at != nil && !at.IsZero() {
		s.SubmittedAt = at
	}
}

func trimmedLen(s string) int {
	return utf8.RuneCountInString(strings.TrimSpace(s))
}
