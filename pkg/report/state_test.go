package report

import (
	"errors"
	"regexp"
	"testing"
	"time"

	"balungpisah/pkg/domain"
)

func TestTransitionAllowsLifecycle(t *testing.T) {
	steps := [][2]domain.ReportStatus{
		{domain.ReportDraft, domain.ReportPending},
		{domain.ReportPending, domain.ReportVerified},
		{domain.ReportVerified, domain.ReportInProgress},
		{domain.ReportInProgress, domain.ReportResolved},
		{domain.ReportDraft, domain.ReportRejected},
		{domain.ReportPending, domain.ReportRejected},
		{domain.ReportVerified, domain.ReportRejected},
	}
	for _, step := range steps {
		if err := Transition(step[0], step[1]); err != nil {
			t.Fatalf("expected %s -> %s to be allowed: %v", step[0], step[1], err)
		}
	}
}

func TestTransitionRejectsBackwardsAndTerminal(t *testing.T) {
	denied := [][2]domain.ReportStatus{
		{domain.ReportPending, domain.ReportDraft},
		{domain.ReportResolved, domain.ReportInProgress},
		{domain.ReportInProgress, domain.ReportRejected},
		{domain.ReportRejected, domain.ReportDraft},
		{domain.ReportDraft, domain.ReportVerified},
	}
	for _, step := range denied {
		err := Transition(step[0], step[1])
		if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("expected %s -> %s to be denied, got %v", step[0], step[1], err)
		}
	}
}

func TestReviewCannotPromoteDraft(t *testing.T) {
	if err := ReviewTransition(domain.ReportDraft, domain.ReportPending); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("review must not perform draft -> pending, got %v", err)
	}
	if err := ReviewTransition(domain.ReportPending, domain.ReportVerified); err != nil {
		t.Fatalf("pending -> verified should be allowed for review: %v", err)
	}
}

func TestReferenceNumberFormat(t *testing.T) {
	ref := NewReferenceNumber(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	if !regexp.MustCompile(`^RPT-2025-\d{7}$`).MatchString(ref) {
		t.Fatalf("unexpected reference number %q", ref)
	}
}
