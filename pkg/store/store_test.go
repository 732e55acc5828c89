package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"balungpisah/pkg/domain"
)

func newSQLiteStore(t *testing.T) Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "intake.db")
	s, err := OpenGormStore(sqlite.Open(path + "?_pragma=busy_timeout(5000)"))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	sqlDB, err := s.DB().DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newMemory(t *testing.T) Store {
	t.Helper()
	return NewMemoryStore()
}

var backends = map[string]func(*testing.T) Store{
	"memory": newMemory,
	"sqlite": newSQLiteStore,
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			fn(t, open(t))
		})
	}
}

func seedThread(t *testing.T, s Store, id, userID string) domain.Thread {
	t.Helper()
	now := time.Now().UTC()
	thread := domain.Thread{ID: id, UserID: userID, Title: "jalan rusak", CreatedAt: now, UpdatedAt: now}
	if err := s.CreateThread(context.Background(), thread); err != nil {
		t.Fatalf("create thread: %v", err)
	}
	return thread
}

func userMessage(threadID, id, text string) domain.Message {
	return domain.Message{
		ID:       id,
		ThreadID: threadID,
		Role:     domain.RoleUserMessage,
		Content:  []domain.ContentPart{{Type: domain.ContentText, Text: text}},
	}
}

func assistantMessage(threadID, id, text string) domain.Message {
	return domain.Message{
		ID:           id,
		ThreadID:     threadID,
		Role:         domain.RoleAssistantMessage,
		FinishReason: "stop",
		Blocks: []domain.Block{
			{Type: domain.BlockText, Index: 0, Completed: true, Text: text},
		},
	}
}

func TestCreateThreadConflict(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		seedThread(t, s, "t-1", "u-1")
		err := s.CreateThread(context.Background(), domain.Thread{ID: "t-1", UserID: "u-2", CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()})
		if !errors.Is(err, ErrConflict) {
			t.Fatalf("expected conflict, got %v", err)
		}
	})
}

func TestEditUserMessageTruncatesTail(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedThread(t, s, "t-1", "u-1")
		first, err := s.AppendMessage(ctx, userMessage("t-1", "m-1", "jalan rusak"))
		if err != nil {
			t.Fatalf("append m-1: %v", err)
		}
		if first.Seq != 1 {
			t.Fatalf("expected seq 1, got %d", first.Seq)
		}
		if _, err := s.PersistCompletedMessage(ctx, assistantMessage("t-1", "a-1", "di mana lokasinya?")); err != nil {
			t.Fatalf("persist a-1: %v", err)
		}
		if _, err := s.AppendMessage(ctx, userMessage("t-1", "m-2", "jl sudirman")); err != nil {
			t.Fatalf("append m-2: %v", err)
		}

		edited, err := s.EditUserMessage(ctx, "t-1", "m-1", []domain.ContentPart{{Type: domain.ContentText, Text: "lampu jalan mati"}})
		if err != nil {
			t.Fatalf("edit: %v", err)
		}
		if edited.PlainText() != "lampu jalan mati" {
			t.Fatalf("unexpected edited content %q", edited.PlainText())
		}
		msgs, err := s.ListMessages(ctx, "t-1")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(msgs) != 1 || msgs[0].ID != "m-1" {
			t.Fatalf("expected only m-1 to remain, got %+v", msgs)
		}
		if _, ok, _ := s.GetMessage(ctx, "a-1"); ok {
			t.Fatalf("assistant message after edit point should be deleted")
		}

		next, err := s.AppendMessage(ctx, userMessage("t-1", "m-3", "tambahan"))
		if err != nil {
			t.Fatalf("append after truncate: %v", err)
		}
		if next.Seq != 2 {
			t.Fatalf("expected seq to continue at 2, got %d", next.Seq)
		}
	})
}

func TestConcurrentWritersKeepThreadOrder(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedThread(t, s, "t-1", "u-1")
		const writers = 8
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if _, err := s.AppendMessage(ctx, userMessage("t-1", fmt.Sprintf("m-%d", i), "laporan")); err != nil {
					t.Errorf("append m-%d: %v", i, err)
				}
				if _, err := s.PersistCompletedMessage(ctx, assistantMessage("t-1", fmt.Sprintf("a-%d", i), "dicatat")); err != nil {
					t.Errorf("persist a-%d: %v", i, err)
				}
			}(i)
		}
		wg.Wait()
		msgs, err := s.ListMessages(ctx, "t-1")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(msgs) != 2*writers {
			t.Fatalf("expected %d messages, got %d", 2*writers, len(msgs))
		}
		for i, msg := range msgs {
			if msg.Seq != int64(i+1) {
				t.Fatalf("message %d has seq %d, want %d", i, msg.Seq, i+1)
			}
		}

		if _, err := s.AppendMessage(ctx, userMessage("t-1", "m-0", "ulang")); !errors.Is(err, ErrConflict) {
			t.Fatalf("reused message id: expected ErrConflict, got %v", err)
		}
		if _, err := s.AppendMessage(ctx, userMessage("t-missing", "m-x", "x")); !errors.Is(err, ErrNotFound) {
			t.Fatalf("unknown thread: expected ErrNotFound, got %v", err)
		}
	})
}

func TestEditRejectsForeignAndAssistantMessages(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedThread(t, s, "t-1", "u-1")
		seedThread(t, s, "t-2", "u-1")
		if _, err := s.AppendMessage(ctx, userMessage("t-1", "m-1", "a")); err != nil {
			t.Fatalf("append: %v", err)
		}
		if _, err := s.PersistCompletedMessage(ctx, assistantMessage("t-1", "a-1", "b")); err != nil {
			t.Fatalf("persist: %v", err)
		}
		if _, err := s.EditUserMessage(ctx, "t-2", "m-1", nil); !errors.Is(err, ErrWrongThread) {
			t.Fatalf("expected ErrWrongThread, got %v", err)
		}
		if _, err := s.EditUserMessage(ctx, "t-1", "a-1", nil); !errors.Is(err, ErrNotUserTurn) {
			t.Fatalf("expected ErrNotUserTurn, got %v", err)
		}
	})
}

func TestPersistCompletedMessageIsAllOrNothing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedThread(t, s, "t-1", "u-1")
		msg := assistantMessage("t-1", "a-1", "halo")
		msg.Blocks = append(msg.Blocks, domain.Block{Type: domain.BlockText, Index: 1, Text: "partial"})
		if _, err := s.PersistCompletedMessage(ctx, msg); !errors.Is(err, ErrInvalidBlock) {
			t.Fatalf("expected ErrInvalidBlock for incomplete block, got %v", err)
		}
		msgs, _ := s.ListMessages(ctx, "t-1")
		if len(msgs) != 0 {
			t.Fatalf("rejected message must not be visible, got %d", len(msgs))
		}

		ok := domain.Message{
			ID: "a-2", ThreadID: "t-1", Role: domain.RoleAssistantMessage, FinishReason: "stop",
			Blocks: []domain.Block{
				{Type: domain.BlockToolCall, Index: 0, Completed: true, ToolName: "search_reports", ToolCallID: "call-1", Arguments: `{"query":"jalan"}`},
				{Type: domain.BlockToolResult, Index: 1, Completed: true, ToolCallID: "call-1", Success: true, Result: []byte(`{"count":0}`)},
				{Type: domain.BlockText, Index: 2, Completed: true, Text: "belum ada laporan"},
			},
		}
		if _, err := s.PersistCompletedMessage(ctx, ok); err != nil {
			t.Fatalf("persist: %v", err)
		}
		got, found, err := s.GetMessage(ctx, "a-2")
		if err != nil || !found {
			t.Fatalf("get message: found=%v err=%v", found, err)
		}
		if len(got.Blocks) != 3 || got.Blocks[1].Type != domain.BlockToolResult || got.Blocks[2].Text != "belum ada laporan" {
			t.Fatalf("unexpected blocks %+v", got.Blocks)
		}
	})
}

func TestEnqueueCoalescesSubmittedJob(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		thread := seedThread(t, s, "t-1", "u-1")
		first, created, err := s.EnqueueReportJob(ctx, thread)
		if err != nil || !created {
			t.Fatalf("first enqueue: created=%v err=%v", created, err)
		}
		second, created, err := s.EnqueueReportJob(ctx, thread)
		if err != nil {
			t.Fatalf("second enqueue: %v", err)
		}
		if created || second.ID != first.ID {
			t.Fatalf("expected submitted job to be reused")
		}
		r, ok, err := s.GetReportByThread(ctx, "t-1")
		if err != nil || !ok {
			t.Fatalf("report for thread: ok=%v err=%v", ok, err)
		}
		if r.Status != domain.ReportDraft || r.ID != first.ReportID || r.ReferenceNumber == "" {
			t.Fatalf("unexpected report %+v", r)
		}
	})
}

func TestConcurrentEnqueueCreatesOneJob(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		thread := seedThread(t, s, "t-1", "u-1")
		if _, err := s.EnsureReport(ctx, thread); err != nil {
			t.Fatalf("ensure report: %v", err)
		}
		var (
			mu      sync.Mutex
			ids     = make(map[string]struct{})
			created int
			wg      sync.WaitGroup
		)
		for i := 0; i < 6; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				job, fresh, err := s.EnqueueReportJob(ctx, thread)
				if err != nil {
					t.Errorf("enqueue: %v", err)
					return
				}
				mu.Lock()
				defer mu.Unlock()
				ids[job.ID] = struct{}{}
				if fresh {
					created++
				}
			}()
		}
		wg.Wait()
		if created != 1 || len(ids) != 1 {
			t.Fatalf("expected one job shared by every enqueue, got created=%d ids=%d", created, len(ids))
		}
	})
}

func TestQueuedJobIndexAllowsOnlyOneFreshJob(t *testing.T) {
	s := newSQLiteStore(t).(*GormStore)
	ctx := context.Background()
	thread := seedThread(t, s, "t-1", "u-1")
	first, _, err := s.EnqueueReportJob(ctx, thread)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	dup := ReportJobModel{ID: "job-dup", ReportID: first.ReportID, ThreadID: "t-1", Status: string(domain.JobSubmitted), SubmittedAt: time.Now().UTC()}
	if err := s.DB().Create(&dup).Error; !errors.Is(err, gorm.ErrDuplicatedKey) {
		t.Fatalf("second fresh submitted job: expected duplicate key, got %v", err)
	}
	retrying := ReportJobModel{ID: "job-retry", ReportID: first.ReportID, ThreadID: "t-1", Status: string(domain.JobSubmitted), RetryCount: 1, SubmittedAt: time.Now().UTC()}
	if err := s.DB().Create(&retrying).Error; err != nil {
		t.Fatalf("retrying job must not collide with the queued one: %v", err)
	}
}

func TestClaimIsExclusiveUnderConcurrency(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		const jobs = 12
		for i := 0; i < jobs; i++ {
			thread := seedThread(t, s, fmt.Sprintf("t-%d", i), "u-1")
			if _, _, err := s.EnqueueReportJob(ctx, thread); err != nil {
				t.Fatalf("enqueue: %v", err)
			}
		}
		var (
			mu      sync.Mutex
			claimed = make(map[string]int)
			wg      sync.WaitGroup
		)
		for w := 0; w < 6; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					job, ok, err := s.ClaimNextJob(ctx, time.Now().UTC())
					if err != nil {
						t.Errorf("claim: %v", err)
						return
					}
					if !ok {
						return
					}
					mu.Lock()
					claimed[job.ID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if len(claimed) != jobs {
			t.Fatalf("expected %d distinct claims, got %d", jobs, len(claimed))
		}
		for id, n := range claimed {
			if n != 1 {
				t.Fatalf("job %s claimed %d times", id, n)
			}
		}
	})
}

func TestFailJobParksAfterMaxRetries(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		thread := seedThread(t, s, "t-1", "u-1")
		if _, _, err := s.EnqueueReportJob(ctx, thread); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		backoff := func(int) time.Duration { return time.Minute }
		now := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)
		for attempt := 1; attempt <= 3; attempt++ {
			job, ok, err := s.ClaimNextJob(ctx, now)
			if err != nil || !ok {
				t.Fatalf("attempt %d claim: ok=%v err=%v", attempt, ok, err)
			}
			if _, ok, _ := s.ClaimNextJob(ctx, now); ok {
				t.Fatalf("attempt %d: job claimed twice", attempt)
			}
			failed, err := s.FailJob(ctx, job, "model timeout", 3, backoff, now)
			if err != nil {
				t.Fatalf("attempt %d fail: %v", attempt, err)
			}
			if failed.RetryCount != attempt {
				t.Fatalf("expected retry_count %d, got %d", attempt, failed.RetryCount)
			}
			if attempt < 3 {
				if failed.Status != domain.JobSubmitted {
					t.Fatalf("attempt %d: expected submitted, got %s", attempt, failed.Status)
				}
				if _, ok, _ := s.ClaimNextJob(ctx, now.Add(30*time.Second)); ok {
					t.Fatalf("attempt %d: job reclaimed before backoff elapsed", attempt)
				}
			} else if failed.Status != domain.JobFailed {
				t.Fatalf("expected failed after max retries, got %s", failed.Status)
			}
			now = now.Add(2 * time.Minute)
		}
		if _, ok, _ := s.ClaimNextJob(ctx, now.Add(24*time.Hour)); ok {
			t.Fatalf("failed job must never be reclaimed")
		}
	})
}

func TestRetryJobQueuesFreshAttempt(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		thread := seedThread(t, s, "t-1", "u-1")
		job, _, err := s.EnqueueReportJob(ctx, thread)
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		if _, _, err := s.RetryJob(ctx, job.ID); !errors.Is(err, ErrJobNotFailed) {
			t.Fatalf("expected ErrJobNotFailed for a submitted job, got %v", err)
		}
		if _, _, err := s.RetryJob(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}

		now := time.Now().UTC()
		claimed, ok, err := s.ClaimNextJob(ctx, now)
		if err != nil || !ok {
			t.Fatalf("claim: ok=%v err=%v", ok, err)
		}
		if _, err := s.FailJob(ctx, claimed, "model down", 1, nil, now); err != nil {
			t.Fatalf("fail: %v", err)
		}

		retry, created, err := s.RetryJob(ctx, job.ID)
		if err != nil || !created {
			t.Fatalf("retry: created=%v err=%v", created, err)
		}
		if retry.ID == job.ID || retry.ReportID != job.ReportID || retry.Status != domain.JobSubmitted || retry.RetryCount != 0 {
			t.Fatalf("unexpected retry job %+v", retry)
		}
		again, created, err := s.RetryJob(ctx, job.ID)
		if err != nil || created || again.ID != retry.ID {
			t.Fatalf("second retry should coalesce: created=%v id=%s err=%v", created, again.ID, err)
		}
		old, _, _ := s.GetJob(ctx, job.ID)
		if old.Status != domain.JobFailed {
			t.Fatalf("failed job must stay failed, got %s", old.Status)
		}
	})
}

func TestReapExpiredLeaseMakesJobReclaimable(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		thread := seedThread(t, s, "t-1", "u-1")
		if _, _, err := s.EnqueueReportJob(ctx, thread); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		start := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)
		stale, ok, err := s.ClaimNextJob(ctx, start)
		if err != nil || !ok {
			t.Fatalf("claim: ok=%v err=%v", ok, err)
		}
		reaped, err := s.ReapExpiredLeases(ctx, 5*time.Minute, 3, nil, start.Add(time.Minute))
		if err != nil || len(reaped) != 0 {
			t.Fatalf("lease should still be live: reaped=%d err=%v", len(reaped), err)
		}
		later := start.Add(10 * time.Minute)
		reaped, err = s.ReapExpiredLeases(ctx, 5*time.Minute, 3, nil, later)
		if err != nil || len(reaped) != 1 {
			t.Fatalf("expected one reaped job: reaped=%d err=%v", len(reaped), err)
		}
		if reaped[0].Status != domain.JobSubmitted || reaped[0].RetryCount != 1 {
			t.Fatalf("unexpected reaped job %+v", reaped[0])
		}
		fresh, ok, err := s.ClaimNextJob(ctx, later)
		if err != nil || !ok {
			t.Fatalf("reclaim: ok=%v err=%v", ok, err)
		}
		if _, err := s.CompleteJob(ctx, stale, ExtractionUpdate{Confidence: 0.9}, later); !errors.Is(err, ErrLeaseLost) {
			t.Fatalf("stale worker must lose its lease, got %v", err)
		}
		if _, err := s.CompleteJob(ctx, fresh, ExtractionUpdate{Confidence: 0.9}, later); err != nil {
			t.Fatalf("fresh worker complete: %v", err)
		}
	})
}

func TestCompleteJobPromotesOrKeepsDraft(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()
		full := ExtractionUpdate{
			Title:       "Jalan rusak di Jl. Sudirman",
			Description: "Lubang besar di tengah jalan",
			Categories:  []domain.CategoryAssignment{{Slug: domain.CategoryInfrastructure, Severity: domain.SeverityHigh}},
			Location:    domain.Location{Raw: "Jl. Sudirman"},
			Confidence:  0.9,
			Promote:     true,
		}

		promoted := seedThread(t, s, "t-1", "u-1")
		if _, _, err := s.EnqueueReportJob(ctx, promoted); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		job, _, _ := s.ClaimNextJob(ctx, now)
		done, err := s.CompleteJob(ctx, job, full, now)
		if err != nil {
			t.Fatalf("complete: %v", err)
		}
		if done.Report.Status != domain.ReportPending || done.Job.Status != domain.JobCompleted {
			t.Fatalf("expected pending report and completed job, got %s/%s", done.Report.Status, done.Job.Status)
		}
		stored, _, _ := s.GetReport(ctx, done.Report.ID)
		if stored.Status != domain.ReportPending || len(stored.Categories) != 1 || stored.Location.Raw != "Jl. Sudirman" {
			t.Fatalf("report not persisted: %+v", stored)
		}

		weak := seedThread(t, s, "t-2", "u-1")
		if _, _, err := s.EnqueueReportJob(ctx, weak); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		job, _, _ = s.ClaimNextJob(ctx, now)
		done, err = s.CompleteJob(ctx, job, ExtractionUpdate{Title: "sesuatu", Confidence: 0.3}, now)
		if err != nil {
			t.Fatalf("complete weak: %v", err)
		}
		if done.Report.Status != domain.ReportDraft || done.Job.Status != domain.JobCompleted {
			t.Fatalf("expected draft report and completed job, got %s/%s", done.Report.Status, done.Job.Status)
		}
		storedJob, _, _ := s.GetJob(ctx, job.ID)
		if storedJob.ConfidenceScore == nil || *storedJob.ConfidenceScore != 0.3 || storedJob.ProcessedAt == nil {
			t.Fatalf("job bookkeeping missing: %+v", storedJob)
		}
	})
}

func TestTransitionReportUsesLifecycle(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		thread := seedThread(t, s, "t-1", "u-1")
		r, err := s.EnsureReport(ctx, thread)
		if err != nil {
			t.Fatalf("ensure report: %v", err)
		}
		if _, _, err := s.TransitionReport(ctx, r.ID, domain.ReportPending, "reviewer-1"); err == nil {
			t.Fatalf("review must not promote draft to pending")
		}
		rejected, from, err := s.TransitionReport(ctx, r.ID, domain.ReportRejected, "reviewer-1")
		if err != nil {
			t.Fatalf("reject: %v", err)
		}
		if from != domain.ReportDraft || rejected.Status != domain.ReportRejected {
			t.Fatalf("unexpected transition %s -> %s", from, rejected.Status)
		}
	})
}

func TestSearchReportsScopedToUser(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		mine := seedThread(t, s, "t-1", "u-1")
		theirs := seedThread(t, s, "t-2", "u-2")
		if _, err := s.EnsureReport(ctx, mine); err != nil {
			t.Fatalf("ensure: %v", err)
		}
		if _, err := s.EnsureReport(ctx, theirs); err != nil {
			t.Fatalf("ensure: %v", err)
		}
		found, err := s.SearchReports(ctx, "u-1", "JALAN", 5)
		if err != nil {
			t.Fatalf("search: %v", err)
		}
		if len(found) != 1 || found[0].UserID != "u-1" {
			t.Fatalf("expected one report for u-1, got %+v", found)
		}
	})
}
