// Package notify publishes report lifecycle events for downstream consumers.
package notify

import (
	"context"
	"errors"
	"time"
)

const (
	EventJobCompleted  = "report.job_completed"
	EventJobFailed     = "report.job_failed"
	EventStatusChanged = "report.status_changed"
)

// Event describes one change to a report or its extraction job.
type Event struct {
	Type            string    `json:"type"`
	ReportID        string    `json:"report_id"`
	ReferenceNumber string    `json:"reference_number,omitempty"`
	ThreadID        string    `json:"thread_id,omitempty"`
	JobID           string    `json:"job_id,omitempty"`
	Status          string    `json:"status,omitempty"`
	PreviousStatus  string    `json:"previous_status,omitempty"`
	Confidence      *float64  `json:"confidence,omitempty"`
	Error           string    `json:"error,omitempty"`
	Actor           string    `json:"actor,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Noop drops every event.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, evt Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Combine returns a single publisher for the configured sinks, or Noop when none is set.
func Combine(publishers ...Publisher) Publisher {
	var out Multi
	for _, p := range publishers {
		if p != nil {
			out = append(out, p)
		}
	}
	switch len(out) {
	case 0:
		return Noop{}
	case 1:
		return out[0]
	default:
		return out
	}
}

func stamp(evt Event) Event {
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	return evt
}
