package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func awaitingFeedback(t *testing.T, h *harness) {
	t.Helper()
	require.NoError(t, h.session.Coordinator.Submit(context.Background()))
	require.Equal(t, StatusAwaitingFeedback, h.session.Coordinator.Status())
}

func TestCanSubmitFeedback(t *testing.T) {
	file := &File{Name: "report.pdf", ContentType: "application/pdf", Body: strings.NewReader("%PDF")}

	tests := []struct {
		name string
		f    Feedback
		want bool
	}{
		{"satisfaction ten chars", Feedback{Kind: FeedbackSatisfaction, Text: "0123456789"}, true},
		{"satisfaction nine chars", Feedback{Kind: FeedbackSatisfaction, Text: "012345678"}, false},
		{"satisfaction padded nine", Feedback{Kind: FeedbackSatisfaction, Text: "   012345678   "}, false},
		{"satisfaction multibyte", Feedback{Kind: FeedbackSatisfaction, Text: "très très bien"}, true},
		{"lab text", Feedback{Kind: FeedbackLab, Mode: ModeText, Text: "my answer"}, true},
		{"lab blank text", Feedback{Kind: FeedbackLab, Mode: ModeText, Text: "   "}, false},
		{"lab file", Feedback{Kind: FeedbackLab, Mode: ModeFile, File: file}, true},
		{"lab both", Feedback{Kind: FeedbackLab, Text: "x", File: file}, false},
		{"lab neither", Feedback{Kind: FeedbackLab}, false},
		{"unknown kind", Feedback{Kind: "survey", Text: "0123456789"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanSubmitFeedback(tt.f))
		})
	}
}

func TestSatisfactionFeedbackCompletesAttempt(t *testing.T) {
	h := newHarness(t, DefaultRetryLimit)
	awaitingFeedback(t, h)

	err := h.session.Gate.SubmitFeedback(context.Background(), Feedback{Kind: FeedbackSatisfaction, Text: "  good course  "})
	require.NoError(t, err)

	assert.Equal(t, []string{"good course"}, h.backend.feedback)
	assert.True(t, h.session.Gate.Unlocked())
	assert.Equal(t, StatusCompleted, h.session.Coordinator.Status())
}

func TestShortFeedbackIsRejectedLocally(t *testing.T) {
	h := newHarness(t, DefaultRetryLimit)
	awaitingFeedback(t, h)

	err := h.session.Gate.SubmitFeedback(context.Background(), Feedback{Kind: FeedbackSatisfaction, Text: "too short"})
	assert.True(t, IsValidation(err))
	assert.Empty(t, h.backend.feedback)
	assert.Equal(t, StatusAwaitingFeedback, h.session.Coordinator.Status())
}

func TestBlankTextDeliverableMakesNoCall(t *testing.T) {
	h := newHarness(t, DefaultRetryLimit)
	awaitingFeedback(t, h)

	err := h.session.Gate.SubmitFeedback(context.Background(), Feedback{Kind: FeedbackLab, Mode: ModeText, Text: " \n\t "})
	assert.True(t, IsValidation(err))
	assert.Empty(t, h.backend.tp)
	assert.Zero(t, h.uploader.calls)
}

func TestUploadFailureSkipsDeliverable(t *testing.T) {
	h := newHarness(t, DefaultRetryLimit)
	awaitingFeedback(t, h)
	h.uploader.err = errBackendDown

	f := Feedback{Kind: FeedbackLab, Mode: ModeFile, File: &File{Name: "tp.pdf", Body: strings.NewReader("x")}}
	err := h.session.Gate.SubmitFeedback(context.Background(), f)

	assert.ErrorIs(t, err, ErrUploadFailed)
	assert.Equal(t, 1, h.uploader.calls)
	assert.Empty(t, h.backend.tp)
	assert.False(t, h.session.Gate.Unlocked())
	assert.Equal(t, StatusAwaitingFeedback, h.session.Coordinator.Status())
}

func TestFileDeliverableSendsUploadedReference(t *testing.T) {
	h := newHarness(t, DefaultRetryLimit)
	awaitingFeedback(t, h)

	f := Feedback{Kind: FeedbackLab, Mode: ModeFile, File: &File{Name: "tp.pdf", Body: strings.NewReader("x")}}
	require.NoError(t, h.session.Gate.SubmitFeedback(context.Background(), f))

	require.Len(t, h.backend.tp, 1)
	assert.Equal(t, "https://files.example/tp.pdf", h.backend.tp[0].SubmittedFileURL)
	assert.Empty(t, h.backend.tp[0].SubmittedText)
	assert.Equal(t, StatusCompleted, h.session.Coordinator.Status())
}

func TestFeedbackFailureCanBeRetried(t *testing.T) {
	h := newHarness(t, DefaultRetryLimit)
	awaitingFeedback(t, h)
	h.backend.feedbackErr = errBackendDown

	f := Feedback{Kind: FeedbackSatisfaction, Text: "clear and useful"}
	err := h.session.Gate.SubmitFeedback(context.Background(), f)
	assert.ErrorIs(t, err, ErrFeedbackFailed)
	assert.Equal(t, StatusAwaitingFeedback, h.session.Coordinator.Status())

	h.backend.mu.Lock()
	h.backend.feedbackErr = nil
	h.backend.mu.Unlock()
	require.NoError(t, h.session.Gate.SubmitFeedback(context.Background(), f))
	assert.Equal(t, StatusCompleted, h.session.Coordinator.Status())
	assert.Equal(t, 1, h.backend.submitCount())
}

func TestFeedbackBeforeSubmissionIsRefused(t *testing.T) {
	h := newHarness(t, DefaultRetryLimit)
	err := h.session.Gate.SubmitFeedback(context.Background(), Feedback{Kind: FeedbackSatisfaction, Text: "0123456789"})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSummaryGatedOnFeedback(t *testing.T) {
	h := newHarness(t, DefaultRetryLimit)
	awaitingFeedback(t, h)

	_, err := h.session.Gate.Summary(context.Background())
	assert.ErrorIs(t, err, ErrResultsUnavailable)
}

func TestSummaryJoinsResultAndCertificate(t *testing.T) {
	h := newHarness(t, DefaultRetryLimit)
	awaitingFeedback(t, h)
	created := h.clock.Now().Add(-time.Minute)
	h.backend.result = &ExamResult{Score: 85, CreatedAt: created}
	h.backend.certs = []Certificate{
		{CourseID: "course-9", CertificateURL: "https://cert.example/9"},
		{CourseID: "course-1", CertificateURL: "https://cert.example/1"},
	}
	require.NoError(t, h.session.Gate.SubmitFeedback(context.Background(), Feedback{Kind: FeedbackSatisfaction, Text: "great material"}))

	sum, err := h.session.Gate.Summary(context.Background())
	require.NoError(t, err)
	assert.True(t, sum.ResultAvailable)
	assert.Equal(t, 85.0, *sum.Score)
	assert.Equal(t, ResultPassed, sum.Status)
	assert.True(t, sum.Passed)
	assert.Equal(t, created, *sum.SubmittedAt)
	assert.Equal(t, CertificateFound, sum.CertificateLookup)
	assert.Equal(t, "https://cert.example/1", sum.Certificate.CertificateURL)
}

func TestSummaryToleratesOneSourceDown(t *testing.T) {
	t.Run("results down falls back to acknowledgement", func(t *testing.T) {
		h := newHarness(t, DefaultRetryLimit)
		h.backend.score = ptr(42.0)
		awaitingFeedback(t, h)
		h.backend.resultErr = errBackendDown
		h.backend.certs = []Certificate{{CourseID: "course-1"}}
		require.NoError(t, h.session.Gate.SubmitFeedback(context.Background(), Feedback{Kind: FeedbackSatisfaction, Text: "it was fine"}))

		sum, err := h.session.Gate.Summary(context.Background())
		require.NoError(t, err)
		assert.True(t, sum.ResultAvailable)
		assert.Equal(t, ResultFailed, sum.Status)
		assert.Equal(t, CertificateFound, sum.CertificateLookup)
	})

	t.Run("results down without acknowledgement", func(t *testing.T) {
		h := newHarness(t, DefaultRetryLimit)
		awaitingFeedback(t, h)
		h.backend.resultErr = errBackendDown
		require.NoError(t, h.session.Gate.SubmitFeedback(context.Background(), Feedback{Kind: FeedbackSatisfaction, Text: "it was fine"}))

		sum, err := h.session.Gate.Summary(context.Background())
		require.NoError(t, err)
		assert.False(t, sum.ResultAvailable)
		assert.NotEmpty(t, sum.Message)
		assert.Equal(t, CertificateAbsent, sum.CertificateLookup)
	})

	t.Run("certificates down", func(t *testing.T) {
		h := newHarness(t, DefaultRetryLimit)
		awaitingFeedback(t, h)
		h.backend.result = &ExamResult{Score: 70}
		h.backend.certErr = errBackendDown
		require.NoError(t, h.session.Gate.SubmitFeedback(context.Background(), Feedback{Kind: FeedbackSatisfaction, Text: "it was fine"}))

		sum, err := h.session.Gate.Summary(context.Background())
		require.NoError(t, err)
		assert.True(t, sum.Passed)
		assert.Nil(t, sum.Certificate)
		assert.Equal(t, CertificateUnavailable, sum.CertificateLookup)
	})
}

func TestPassThresholdBoundary(t *testing.T) {
	assert.Equal(t, ResultFailed, Evaluate(69.999))
	assert.Equal(t, ResultPassed, Evaluate(70))
	assert.Equal(t, ResultPassed, Evaluate(100))
	assert.Equal(t, ResultFailed, Evaluate(0))
}
