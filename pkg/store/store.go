package store

import (
	"context"
	"time"

	"balungpisah/pkg/domain"
)

// ConversationStore persists threads and their messages.
// A message and its blocks become visible to readers in a single step.
type ConversationStore interface {
	CreateThread(ctx context.Context, thread domain.Thread) error
	GetThread(ctx context.Context, id string) (domain.Thread, bool, error)
	ListThreads(ctx context.Context, userID string, limit, offset int) ([]domain.Thread, error)

	// AppendMessage stores msg at the tail of its thread and returns it with Seq set.
	AppendMessage(ctx context.Context, msg domain.Message) (domain.Message, error)
	GetMessage(ctx context.Context, id string) (domain.Message, bool, error)
	// EditUserMessage overwrites a user message and drops every later message in the same transaction.
	EditUserMessage(ctx context.Context, threadID, messageID string, content []domain.ContentPart) (domain.Message, error)
	TruncateAfter(ctx context.Context, threadID, messageID string) (int64, error)
	PersistCompletedMessage(ctx context.Context, msg domain.Message) (domain.Message, error)
	ListMessages(ctx context.Context, threadID string) ([]domain.Message, error)
}

// ReportStore reads reports and applies review actions.
type ReportStore interface {
	EnsureReport(ctx context.Context, thread domain.Thread) (domain.Report, error)
	GetReport(ctx context.Context, id string) (domain.Report, bool, error)
	GetReportByThread(ctx context.Context, threadID string) (domain.Report, bool, error)
	GetReportByReference(ctx context.Context, userID, reference string) (domain.Report, bool, error)
	SearchReports(ctx context.Context, userID, query string, limit int) ([]domain.Report, error)
	RecordIntent(ctx context.Context, reportID, action string, confidence float64) error
	TransitionReport(ctx context.Context, id string, to domain.ReportStatus, actor string) (domain.Report, domain.ReportStatus, error)
}

// BackoffFunc returns the delay before a job with retryCount failed attempts is eligible again.
type BackoffFunc func(retryCount int) time.Duration

// ExtractionUpdate carries the fields an extraction run writes onto a report.
type ExtractionUpdate struct {
	Title       string
	Description string
	Timeline    string
	Impact      string
	Categories  []domain.CategoryAssignment
	Location    domain.Location
	Attachments []domain.File
	Confidence  float64
	// Promote moves a draft report to pending.
	Promote bool
}

// Completion is the result of finishing a job.
type Completion struct {
	Job            domain.ReportJob
	Report         domain.Report
	PreviousStatus domain.ReportStatus
	// Skipped is set when the report had already left extraction's hands.
	Skipped bool
}

// JobStore is the durable extraction queue. Claims are exclusive per job.
type JobStore interface {
	EnqueueReportJob(ctx context.Context, thread domain.Thread) (domain.ReportJob, bool, error)
	GetJob(ctx context.Context, id string) (domain.ReportJob, bool, error)
	ListJobs(ctx context.Context, status domain.JobStatus, limit int) ([]domain.ReportJob, error)
	ClaimNextJob(ctx context.Context, now time.Time) (domain.ReportJob, bool, error)
	CompleteJob(ctx context.Context, job domain.ReportJob, update ExtractionUpdate, now time.Time) (Completion, error)
	FailJob(ctx context.Context, job domain.ReportJob, reason string, maxRetries int, backoff BackoffFunc, now time.Time) (domain.ReportJob, error)
	ReapExpiredLeases(ctx context.Context, leaseTimeout time.Duration, maxRetries int, backoff BackoffFunc, now time.Time) ([]domain.ReportJob, error)
	// RetryJob enqueues a new attempt for a failed job. Failed jobs are never reclaimed.
	RetryJob(ctx context.Context, id string) (domain.ReportJob, bool, error)
}

// Store is the full persistence surface shared by the intake and extractor services.
type Store interface {
	ConversationStore
	ReportStore
	JobStore
}

// failedAttempt computes the bookkeeping for one failed attempt.
func failedAttempt(retryCount, maxRetries int, backoff BackoffFunc, now time.Time) (int, domain.JobStatus, *time.Time) {
	next := retryCount + 1
	if next >= maxRetries {
		return next, domain.JobFailed, nil
	}
	delay := time.Duration(0)
	if backoff != nil {
		delay = backoff(next)
	}
	at := now.Add(delay)
	return next, domain.JobSubmitted, &at
}
