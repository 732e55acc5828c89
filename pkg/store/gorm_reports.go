package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"balungpisah/pkg/domain"
	"balungpisah/pkg/report"
)

const referenceAttempts = 5

// EnsureReport returns the report for a thread, creating a draft when none exists.
func (s *GormStore) EnsureReport(ctx context.Context, thread domain.Thread) (domain.Report, error) {
	var out domain.Report
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := ensureReport(tx, thread, time.Now().UTC())
		out = r
		return err
	})
	return out, err
}

func ensureReport(tx *gorm.DB, thread domain.Thread, now time.Time) (domain.Report, error) {
	var model ReportModel
	err := tx.First(&model, "thread_id = ?", thread.ID).Error
	if err == nil {
		return reportFromModel(model), nil
	}
	if !isNotFound(err) {
		return domain.Report{}, fmt.Errorf("load report: %w", err)
	}
	for attempt := 0; attempt < referenceAttempts; attempt++ {
		r := domain.Report{
			ID:              uuid.NewString(),
			ReferenceNumber: report.NewReferenceNumber(now),
			ThreadID:        thread.ID,
			UserID:          thread.UserID,
			OrgID:           thread.OrgID,
			Title:           thread.Title,
			Status:          domain.ReportDraft,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		model := reportToModel(r)
		// savepoint so a unique violation does not poison the outer transaction
		err := tx.Transaction(func(sp *gorm.DB) error {
			return sp.Create(&model).Error
		})
		if err == nil {
			return r, nil
		}
		if !isDuplicate(err) {
			return domain.Report{}, fmt.Errorf("create report: %w", err)
		}
		var existing ReportModel
		if lookupErr := tx.First(&existing, "thread_id = ?", thread.ID).Error; lookupErr == nil {
			return reportFromModel(existing), nil
		}
	}
	return domain.Report{}, errors.New("create report: reference number space exhausted")
}

func (s *GormStore) GetReport(ctx context.Context, id string) (domain.Report, bool, error) {
	return s.findReport(ctx, "id = ?", id)
}

func (s *GormStore) GetReportByThread(ctx context.Context, threadID string) (domain.Report, bool, error) {
	return s.findReport(ctx, "thread_id = ?", threadID)
}

func (s *GormStore) GetReportByReference(ctx context.Context, userID, reference string) (domain.Report, bool, error) {
	return s.findReport(ctx, "user_id = ? AND reference_number = ?", userID, strings.ToUpper(strings.TrimSpace(reference)))
}

func (s *GormStore) findReport(ctx context.Context, query string, args ...any) (domain.Report, bool, error) {
	var model ReportModel
	if err := s.db.WithContext(ctx).Where(query, args...).First(&model).Error; err != nil {
		if isNotFound(err) {
			return domain.Report{}, false, nil
		}
		return domain.Report{}, false, err
	}
	return reportFromModel(model), true, nil
}

func (s *GormStore) SearchReports(ctx context.Context, userID, query string, limit int) ([]domain.Report, error) {
	if limit <= 0 || limit > 20 {
		limit = 5
	}
	db := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if q := strings.ToLower(strings.TrimSpace(query)); q != "" {
		pattern := "%" + q + "%"
		db = db.Where("LOWER(title) LIKE ? OR LOWER(description) LIKE ?", pattern, pattern)
	}
	var models []ReportModel
	if err := db.Order("updated_at desc").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Report, 0, len(models))
	for _, m := range models {
		out = append(out, reportFromModel(m))
	}
	return out, nil
}

func (s *GormStore) RecordIntent(ctx context.Context, reportID, action string, confidence float64) error {
	res := s.db.WithContext(ctx).Model(&ReportModel{}).Where("id = ?", reportID).Updates(map[string]any{
		"intent_action": action,
		"intent_score":  confidence,
		"updated_at":    time.Now().UTC(),
	})
	if res.Error != nil {
		return fmt.Errorf("record intent: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// TransitionReport applies a review transition with a compare-and-set on the current status.
func (s *GormStore) TransitionReport(ctx context.Context, id string, to domain.ReportStatus, actor string) (domain.Report, domain.ReportStatus, error) {
	var (
		out  domain.Report
		from domain.ReportStatus
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model ReportModel
		if err := tx.First(&model, "id = ?", id).Error; err != nil {
			if isNotFound(err) {
				return ErrNotFound
			}
			return err
		}
		r := reportFromModel(model)
		from = r.Status
		if err := report.ReviewTransition(from, to); err != nil {
			return err
		}
		now := time.Now().UTC()
		updates := map[string]any{"status": string(to), "updated_at": now}
		switch to {
		case domain.ReportVerified:
			updates["verified_at"] = now
			updates["verified_by"] = actor
			r.VerifiedAt, r.VerifiedBy = &now, actor
		case domain.ReportResolved:
			updates["resolved_at"] = now
			updates["resolved_by"] = actor
			r.ResolvedAt, r.ResolvedBy = &now, actor
		}
		res := tx.Model(&ReportModel{}).Where("id = ? AND status = ?", id, string(from)).Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("transition report: %w", res.Error)
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("%w: status changed concurrently", report.ErrInvalidTransition)
		}
		r.Status = to
		r.UpdatedAt = now
		out = r
		return nil
	})
	return out, from, err
}

// EnqueueReportJob makes sure the thread has a report and a submitted job for it.
// An existing submitted job is reused; the bool reports whether a new job was created.
func (s *GormStore) EnqueueReportJob(ctx context.Context, thread domain.Thread) (domain.ReportJob, bool, error) {
	var (
		out     domain.ReportJob
		created bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		r, err := ensureReport(tx, thread, now)
		if err != nil {
			return err
		}
		job, fresh, err := queueJob(tx, r.ID, thread.ID, now)
		out, created = job, fresh
		return err
	})
	return out, created, err
}

// RetryJob queues a fresh attempt for a failed job. The failed job itself is
// left untouched; an already submitted job for the same report is returned instead.
func (s *GormStore) RetryJob(ctx context.Context, id string) (domain.ReportJob, bool, error) {
	var (
		out     domain.ReportJob
		created bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var failed ReportJobModel
		if err := tx.First(&failed, "id = ?", id).Error; err != nil {
			if isNotFound(err) {
				return ErrNotFound
			}
			return fmt.Errorf("load job: %w", err)
		}
		if failed.Status != string(domain.JobFailed) {
			return ErrJobNotFailed
		}
		job, fresh, err := queueJob(tx, failed.ReportID, failed.ThreadID, time.Now().UTC())
		out, created = job, fresh
		return err
	})
	return out, created, err
}

// queueJob returns the report's submitted job, creating one when none waits.
// A concurrent enqueue that wins the idx_job_report_queued race is coalesced.
func queueJob(tx *gorm.DB, reportID, threadID string, now time.Time) (domain.ReportJob, bool, error) {
	pending, found, err := submittedJob(tx, reportID)
	if err != nil || found {
		return pending, false, err
	}
	job := domain.ReportJob{
		ID:          uuid.NewString(),
		ReportID:    reportID,
		ThreadID:    threadID,
		Status:      domain.JobSubmitted,
		SubmittedAt: now,
	}
	model := jobToModel(job)
	err = tx.Transaction(func(sp *gorm.DB) error {
		return sp.Create(&model).Error
	})
	if err == nil {
		return job, true, nil
	}
	if !isDuplicate(err) {
		return domain.ReportJob{}, false, fmt.Errorf("create job: %w", err)
	}
	pending, found, err = submittedJob(tx, reportID)
	if err != nil {
		return domain.ReportJob{}, false, err
	}
	if !found {
		return domain.ReportJob{}, false, fmt.Errorf("create job: %w", ErrConflict)
	}
	return pending, false, nil
}

func submittedJob(tx *gorm.DB, reportID string) (domain.ReportJob, bool, error) {
	var pending ReportJobModel
	err := tx.Where("report_id = ? AND status = ?", reportID, string(domain.JobSubmitted)).
		Order("submitted_at asc").First(&pending).Error
	if err == nil {
		return jobFromModel(pending), true, nil
	}
	if isNotFound(err) {
		return domain.ReportJob{}, false, nil
	}
	return domain.ReportJob{}, false, fmt.Errorf("load submitted job: %w", err)
}

func (s *GormStore) GetJob(ctx context.Context, id string) (domain.ReportJob, bool, error) {
	var model ReportJobModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if isNotFound(err) {
			return domain.ReportJob{}, false, nil
		}
		return domain.ReportJob{}, false, err
	}
	return jobFromModel(model), true, nil
}

func (s *GormStore) ListJobs(ctx context.Context, status domain.JobStatus, limit int) ([]domain.ReportJob, error) {
	if limit <= 0 {
		limit = 50
	}
	db := s.db.WithContext(ctx)
	if status != "" {
		db = db.Where("status = ?", string(status))
	}
	var models []ReportJobModel
	if err := db.Order("submitted_at asc").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.ReportJob, 0, len(models))
	for _, m := range models {
		out = append(out, jobFromModel(m))
	}
	return out, nil
}

const claimCandidates = 10

// ClaimNextJob leases the oldest eligible job. The status compare-and-set guarantees
// that only one caller wins a given row even when candidates overlap.
func (s *GormStore) ClaimNextJob(ctx context.Context, now time.Time) (domain.ReportJob, bool, error) {
	db := s.db.WithContext(ctx)
	busy := db.Model(&ReportJobModel{}).Select("report_id").Where("status = ?", string(domain.JobProcessing))
	var candidates []ReportJobModel
	if err := db.
		Where("status = ?", string(domain.JobSubmitted)).
		Where("next_attempt_at IS NULL OR next_attempt_at <= ?", now).
		Where("report_id NOT IN (?)", busy).
		Order("submitted_at asc").
		Limit(claimCandidates).
		Find(&candidates).Error; err != nil {
		return domain.ReportJob{}, false, fmt.Errorf("select claim candidates: %w", err)
	}
	for _, candidate := range candidates {
		token := uuid.NewString()
		res := db.Model(&ReportJobModel{}).
			Where("id = ? AND status = ?", candidate.ID, string(domain.JobSubmitted)).
			Updates(map[string]any{
				"status":          string(domain.JobProcessing),
				"last_attempt_at": now,
				"claim_token":     token,
			})
		if res.Error != nil {
			return domain.ReportJob{}, false, fmt.Errorf("claim job: %w", res.Error)
		}
		if res.RowsAffected != 1 {
			continue
		}
		job := jobFromModel(candidate)
		job.Status = domain.JobProcessing
		job.LastAttemptAt = &now
		job.ClaimToken = token
		return job, true, nil
	}
	return domain.ReportJob{}, false, nil
}

// CompleteJob records a successful extraction on both the job and its report.
func (s *GormStore) CompleteJob(ctx context.Context, job domain.ReportJob, update ExtractionUpdate, now time.Time) (Completion, error) {
	var out Completion
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model ReportModel
		if err := tx.First(&model, "id = ?", job.ReportID).Error; err != nil {
			if isNotFound(err) {
				return ErrNotFound
			}
			return err
		}
		r := reportFromModel(model)
		out.PreviousStatus = r.Status
		confidence := update.Confidence
		note := ""
		if report.Extractable(r.Status) {
			applyExtraction(&r, update, now)
			if update.Promote && r.Status == domain.ReportDraft {
				if err := report.Transition(r.Status, domain.ReportPending); err != nil {
					return err
				}
				r.Status = domain.ReportPending
			}
			next := reportToModel(r)
			res := tx.Model(&ReportModel{}).
				Where("id = ? AND status = ?", r.ID, string(out.PreviousStatus)).
				Select("title", "description", "timeline", "impact", "status", "categories",
					"location", "attachments", "confidence_score", "updated_at").
				Updates(&next)
			if res.Error != nil {
				return fmt.Errorf("update report: %w", res.Error)
			}
			if res.RowsAffected != 1 {
				return fmt.Errorf("update report: status changed concurrently")
			}
		} else {
			out.Skipped = true
			note = "report under review"
		}
		res := tx.Model(&ReportJobModel{}).
			Where("id = ? AND status = ? AND claim_token = ?", job.ID, string(domain.JobProcessing), job.ClaimToken).
			Updates(map[string]any{
				"status":           string(domain.JobCompleted),
				"confidence_score": confidence,
				"processed_at":     now,
				"error_message":    note,
			})
		if res.Error != nil {
			return fmt.Errorf("complete job: %w", res.Error)
		}
		if res.RowsAffected != 1 {
			return ErrLeaseLost
		}
		job.Status = domain.JobCompleted
		job.ConfidenceScore = &confidence
		job.ProcessedAt = &now
		job.ErrorMessage = note
		out.Job = job
		out.Report = r
		return nil
	})
	return out, err
}

func applyExtraction(r *domain.Report, update ExtractionUpdate, now time.Time) {
	if update.Title != "" {
		r.Title = update.Title
	}
	if update.Description != "" {
		r.Description = update.Description
	}
	if update.Timeline != "" {
		r.Timeline = update.Timeline
	}
	if update.Impact != "" {
		r.Impact = update.Impact
	}
	if len(update.Categories) > 0 {
		r.Categories = update.Categories
	}
	if update.Location != (domain.Location{}) {
		r.Location = update.Location
	}
	r.Attachments = mergeFiles(r.Attachments, update.Attachments)
	confidence := update.Confidence
	r.ConfidenceScore = &confidence
	r.UpdatedAt = now
}

func mergeFiles(existing, incoming []domain.File) []domain.File {
	seen := make(map[string]struct{}, len(existing))
	out := append([]domain.File{}, existing...)
	for _, f := range existing {
		seen[fileKey(f)] = struct{}{}
	}
	for _, f := range incoming {
		key := fileKey(f)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, f)
	}
	return out
}

func fileKey(f domain.File) string {
	if f.ID != "" {
		return "id:" + f.ID
	}
	return "url:" + f.URL
}

// FailJob records one failed attempt. The job returns to submitted with a backoff,
// or parks in failed once maxRetries attempts have been used.
func (s *GormStore) FailJob(ctx context.Context, job domain.ReportJob, reason string, maxRetries int, backoff BackoffFunc, now time.Time) (domain.ReportJob, error) {
	var out domain.ReportJob
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model ReportJobModel
		if err := tx.First(&model, "id = ?", job.ID).Error; err != nil {
			if isNotFound(err) {
				return ErrNotFound
			}
			return err
		}
		if model.Status != string(domain.JobProcessing) || model.ClaimToken != job.ClaimToken {
			return ErrLeaseLost
		}
		updated, err := recordFailure(tx, model, reason, maxRetries, backoff, now)
		out = updated
		return err
	})
	return out, err
}

// ReapExpiredLeases fails every processing job whose lease ran out.
func (s *GormStore) ReapExpiredLeases(ctx context.Context, leaseTimeout time.Duration, maxRetries int, backoff BackoffFunc, now time.Time) ([]domain.ReportJob, error) {
	cutoff := now.Add(-leaseTimeout)
	var expired []ReportJobModel
	if err := s.db.WithContext(ctx).
		Where("status = ? AND last_attempt_at < ?", string(domain.JobProcessing), cutoff).
		Find(&expired).Error; err != nil {
		return nil, fmt.Errorf("select expired leases: %w", err)
	}
	var out []domain.ReportJob
	for _, model := range expired {
		var updated domain.ReportJob
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			updated, err = recordFailure(tx, model, "lease expired", maxRetries, backoff, now)
			return err
		})
		if errors.Is(err, ErrLeaseLost) {
			continue
		}
		if err != nil {
			return out, err
		}
		out = append(out, updated)
	}
	return out, nil
}

func recordFailure(tx *gorm.DB, model ReportJobModel, reason string, maxRetries int, backoff BackoffFunc, now time.Time) (domain.ReportJob, error) {
	retries, status, nextAt := failedAttempt(model.RetryCount, maxRetries, backoff, now)
	res := tx.Model(&ReportJobModel{}).
		Where("id = ? AND status = ? AND claim_token = ?", model.ID, string(domain.JobProcessing), model.ClaimToken).
		Updates(map[string]any{
			"status":          string(status),
			"retry_count":     retries,
			"error_message":   reason,
			"next_attempt_at": nextAt,
			"claim_token":     "",
		})
	if res.Error != nil {
		return domain.ReportJob{}, fmt.Errorf("record failure: %w", res.Error)
	}
	if res.RowsAffected != 1 {
		return domain.ReportJob{}, ErrLeaseLost
	}
	job := jobFromModel(model)
	job.Status = status
	job.RetryCount = retries
	job.ErrorMessage = reason
	job.NextAttemptAt = nextAt
	job.ClaimToken = ""
	return job, nil
}
