// Package engine runs the extraction workers over the durable job table.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"balungpisah/pkg/domain"
	"balungpisah/pkg/notify"
	"balungpisah/pkg/report"
	"balungpisah/pkg/store"
	"balungpisah/services/extractor/internal/extract"
)

const (
	defaultWorkers      = 2
	defaultPollInterval = 5 * time.Second
	defaultLeaseTimeout = 5 * time.Minute
	defaultMaxRetries   = 3
	defaultBackoffBase  = 30 * time.Second
	defaultBackoffCap   = 30 * time.Minute

	bookkeepingTimeout = 10 * time.Second
	actor              = "extractor"
)

// Extractor produces report fields from a thread.
type Extractor interface {
	Extract(ctx context.Context, rep domain.Report, messages []domain.Message) (extract.Result, error)
}

// Config holds the engine's collaborators and tuning.
type Config struct {
	Store        store.Store
	Extractor    Extractor
	Notifier     notify.Publisher
	Workers      int
	PollInterval time.Duration
	LeaseTimeout time.Duration
	MaxRetries   int
	BackoffBase  time.Duration
	BackoffCap   time.Duration
	// Now is the clock used for claims and bookkeeping. Defaults to time.Now.
	Now func() time.Time
}

// Engine claims submitted jobs, extracts them and records the outcome.
type Engine struct {
	store        store.Store
	extractor    Extractor
	notifier     notify.Publisher
	workers      int
	pollInterval time.Duration
	leaseTimeout time.Duration
	maxRetries   int
	backoffBase  time.Duration
	backoffCap   time.Duration
	now          func() time.Time
}

// New validates cfg and fills defaults.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("engine: store required")
	}
	if cfg.Extractor == nil {
		return nil, errors.New("engine: extractor required")
	}
	e := &Engine{
		store:        cfg.Store,
		extractor:    cfg.Extractor,
		notifier:     cfg.Notifier,
		workers:      cfg.Workers,
		pollInterval: cfg.PollInterval,
		leaseTimeout: cfg.LeaseTimeout,
		maxRetries:   cfg.MaxRetries,
		backoffBase:  cfg.BackoffBase,
		backoffCap:   cfg.BackoffCap,
		now:          cfg.Now,
	}
	if e.notifier == nil {
		e.notifier = notify.Noop{}
	}
	if e.workers <= 0 {
		e.workers = defaultWorkers
	}
	if e.pollInterval <= 0 {
		e.pollInterval = defaultPollInterval
	}
	if e.leaseTimeout <= 0 {
		e.leaseTimeout = defaultLeaseTimeout
	}
	if e.maxRetries <= 0 {
		e.maxRetries = defaultMaxRetries
	}
	if e.backoffBase <= 0 {
		e.backoffBase = defaultBackoffBase
	}
	if e.backoffCap <= 0 {
		e.backoffCap = defaultBackoffCap
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// Backoff is the delay before attempt retryCount+1: base doubled per failed
// attempt, capped.
func (e *Engine) Backoff(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	d := e.backoffBase
	for i := 1; i < retryCount; i++ {
		d *= 2
		if d >= e.backoffCap || d <= 0 {
			return e.backoffCap
		}
	}
	if d > e.backoffCap {
		return e.backoffCap
	}
	return d
}

// Run starts the workers and the lease reaper and blocks until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	slog.Info("extraction engine started", "workers", e.workers, "poll_interval", e.pollInterval, "lease_timeout", e.leaseTimeout)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < e.workers; i++ {
		worker := i
		g.Go(func() error {
			e.work(gctx, worker)
			return nil
		})
	}
	g.Go(func() error {
		e.reap(gctx)
		return nil
	})
	err := g.Wait()
	slog.Info("extraction engine stopped")
	return err
}

func (e *Engine) work(ctx context.Context, worker int) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		processed, err := e.ProcessNext(ctx)
		if err != nil && ctx.Err() == nil {
			slog.Error("extraction worker error", "worker", worker, "err", err)
		}
		if processed {
			timer.Reset(0)
			continue
		}
		timer.Reset(e.pollInterval)
	}
}

func (e *Engine) reap(ctx context.Context) {
	interval := e.leaseTimeout / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.ReapOnce(ctx); err != nil && ctx.Err() == nil {
				slog.Error("lease reaper error", "err", err)
			}
		}
	}
}

// ReapOnce returns jobs whose lease ran out to the queue, or parks them in
// failed once they used up their attempts.
func (e *Engine) ReapOnce(ctx context.Context) (int, error) {
	reaped, err := e.store.ReapExpiredLeases(ctx, e.leaseTimeout, e.maxRetries, e.Backoff, e.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("reap expired leases: %w", err)
	}
	for _, job := range reaped {
		slog.Warn("job lease expired", "job_id", job.ID, "report_id", job.ReportID, "retry_count", job.RetryCount, "status", job.Status)
		if job.Status == domain.JobFailed {
			e.publishFailed(ctx, job)
		}
	}
	return len(reaped), nil
}

// ProcessNext claims one eligible job and runs it to an outcome. It reports
// false when nothing was eligible.
func (e *Engine) ProcessNext(ctx context.Context) (bool, error) {
	job, ok, err := e.store.ClaimNextJob(ctx, e.now().UTC())
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	if !ok {
		return false, nil
	}
	logger := slog.With("job_id", job.ID, "report_id", job.ReportID, "attempt", job.RetryCount+1)
	logger.Info("job claimed")

	jobCtx, cancel := context.WithTimeout(ctx, e.leaseTimeout)
	res, err := e.run(jobCtx, job)
	cancel()

	// Outcomes are recorded even when shutdown cancelled the attempt.
	bctx, bcancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer bcancel()
	if err != nil {
		return true, e.fail(bctx, logger, job, err)
	}
	return true, e.complete(bctx, logger, job, res)
}

func (e *Engine) run(ctx context.Context, job domain.ReportJob) (extract.Result, error) {
	rep, ok, err := e.store.GetReport(ctx, job.ReportID)
	if err != nil {
		return extract.Result{}, fmt.Errorf("load report: %w", err)
	}
	if !ok {
		return extract.Result{}, fmt.Errorf("load report: %w", store.ErrNotFound)
	}
	if !report.Extractable(rep.Status) {
		// Review owns the report; completing with an empty update leaves it untouched.
		return extract.Result{}, nil
	}
	messages, err := e.store.ListMessages(ctx, job.ThreadID)
	if err != nil {
		return extract.Result{}, fmt.Errorf("load messages: %w", err)
	}
	return e.extractor.Extract(ctx, rep, messages)
}

func (e *Engine) complete(ctx context.Context, logger *slog.Logger, job domain.ReportJob, res extract.Result) error {
	done, err := e.store.CompleteJob(ctx, job, res.Update, e.now().UTC())
	if errors.Is(err, store.ErrLeaseLost) {
		logger.Warn("job lease lost before completion")
		return nil
	}
	if err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	logger.Info("job completed",
		"confidence", res.Update.Confidence,
		"promoted", done.Report.Status != done.PreviousStatus,
		"missing", res.Missing,
		"held", res.Held,
		"skipped", done.Skipped,
		"status", done.Report.Status,
	)
	confidence := res.Update.Confidence
	e.publish(ctx, notify.Event{
		Type:            notify.EventJobCompleted,
		ReportID:        done.Report.ID,
		ReferenceNumber: done.Report.ReferenceNumber,
		ThreadID:        done.Report.ThreadID,
		JobID:           done.Job.ID,
		Status:          string(done.Report.Status),
		Confidence:      &confidence,
		Error:           done.Job.ErrorMessage,
		Actor:           actor,
	})
	if done.Report.Status != done.PreviousStatus {
		e.publish(ctx, notify.Event{
			Type:            notify.EventStatusChanged,
			ReportID:        done.Report.ID,
			ReferenceNumber: done.Report.ReferenceNumber,
			ThreadID:        done.Report.ThreadID,
			JobID:           done.Job.ID,
			Status:          string(done.Report.Status),
			PreviousStatus:  string(done.PreviousStatus),
			Actor:           actor,
		})
	}
	return nil
}

func (e *Engine) fail(ctx context.Context, logger *slog.Logger, job domain.ReportJob, cause error) error {
	updated, err := e.store.FailJob(ctx, job, cause.Error(), e.maxRetries, e.Backoff, e.now().UTC())
	if errors.Is(err, store.ErrLeaseLost) {
		logger.Warn("job lease lost before failure was recorded", "cause", cause)
		return nil
	}
	if err != nil {
		return fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	if updated.Status == domain.JobFailed {
		logger.Error("job failed permanently", "retry_count", updated.RetryCount, "err", cause)
		e.publishFailed(ctx, updated)
		return nil
	}
	logger.Warn("job attempt failed", "retry_count", updated.RetryCount, "next_attempt_at", updated.NextAttemptAt, "err", cause)
	return nil
}

func (e *Engine) publishFailed(ctx context.Context, job domain.ReportJob) {
	e.publish(ctx, notify.Event{
		Type:     notify.EventJobFailed,
		ReportID: job.ReportID,
		ThreadID: job.ThreadID,
		JobID:    job.ID,
		Status:   string(job.Status),
		Error:    job.ErrorMessage,
		Actor:    actor,
	})
}

func (e *Engine) publish(ctx context.Context, evt notify.Event) {
	if err := e.notifier.Publish(ctx, evt); err != nil {
		slog.Warn("report notification failed", "type", evt.Type, "report_id", evt.ReportID, "err", err)
	}
}
