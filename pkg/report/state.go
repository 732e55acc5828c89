// Package report holds the lifecycle rules for citizen reports.
package report

import (
	"errors"
	"fmt"

	"balungpisah/pkg/domain"
)

var ErrInvalidTransition = errors.New("invalid report status transition")

var transitions = map[domain.ReportStatus][]domain.ReportStatus{
	domain.ReportDraft:      {domain.ReportPending, domain.ReportRejected},
	domain.ReportPending:    {domain.ReportVerified, domain.ReportRejected},
	domain.ReportVerified:   {domain.ReportInProgress, domain.ReportRejected},
	domain.ReportInProgress: {domain.ReportResolved},
}

// CanTransition reports whether from -> to is an allowed lifecycle step.
func CanTransition(from, to domain.ReportStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates from -> to and returns a wrapped ErrInvalidTransition otherwise.
func Transition(from, to domain.ReportStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// ParseStatus maps a wire value onto a known status.
func ParseStatus(raw string) (domain.ReportStatus, bool) {
	switch s := domain.ReportStatus(raw); s {
	case domain.ReportDraft, domain.ReportPending, domain.ReportVerified,
		domain.ReportInProgress, domain.ReportResolved, domain.ReportRejected:
		return s, true
	}
	return "", false
}

// Extractable reports whether extraction may still rewrite a report in this status.
func Extractable(status domain.ReportStatus) bool {
	return status == domain.ReportDraft || status == domain.ReportPending
}

// ReviewTransition is the set of transitions driven by human review.
// draft -> pending belongs to extraction and is refused here.
func ReviewTransition(from, to domain.ReportStatus) error {
	if from == domain.ReportDraft && to == domain.ReportPending {
		return fmt.Errorf("%w: %s -> %s is reserved for extraction", ErrInvalidTransition, from, to)
	}
	return Transition(from, to)
}
