package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"balungpisah/pkg/domain"
	"balungpisah/pkg/report"
)

// MemoryStore keeps all state in-process. It backs tests and single-node local runs.
type MemoryStore struct {
	mu       sync.RWMutex
	threads  map[string]domain.Thread
	messages map[string]domain.Message // key: message ID
	byThread map[string][]string       // thread ID -> message IDs in seq order
	reports  map[string]domain.Report
	jobs     map[string]domain.ReportJob
	jobOrder []string
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads:  make(map[string]domain.Thread),
		messages: make(map[string]domain.Message),
		byThread: make(map[string][]string),
		reports:  make(map[string]domain.Report),
		jobs:     make(map[string]domain.ReportJob),
	}
}

func (m *MemoryStore) CreateThread(_ context.Context, thread domain.Thread) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.threads[thread.ID]; exists {
		return ErrConflict
	}
	m.threads[thread.ID] = thread
	return nil
}

func (m *MemoryStore) GetThread(_ context.Context, id string) (domain.Thread, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.threads[id]
	return t, ok, nil
}

func (m *MemoryStore) ListThreads(_ context.Context, userID string, limit, offset int) ([]domain.Thread, error) {
	if limit <= 0 {
		limit = 20
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Thread, 0)
	for _, t := range m.threads {
		if t.UserID == userID {
			res = append(res, t)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].UpdatedAt.After(res[j].UpdatedAt) })
	if offset >= len(res) {
		return []domain.Thread{}, nil
	}
	res = res[max(offset, 0):]
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (m *MemoryStore) AppendMessage(_ context.Context, msg domain.Message) (domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(msg)
}

func (m *MemoryStore) insertLocked(msg domain.Message) (domain.Message, error) {
	thread, ok := m.threads[msg.ThreadID]
	if !ok {
		return domain.Message{}, ErrNotFound
	}
	if _, exists := m.messages[msg.ID]; exists {
		return domain.Message{}, ErrConflict
	}
	ids := m.byThread[msg.ThreadID]
	msg.Seq = 1
	if n := len(ids); n > 0 {
		msg.Seq = m.messages[ids[n-1]].Seq + 1
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	m.messages[msg.ID] = msg
	m.byThread[msg.ThreadID] = append(ids, msg.ID)
	thread.UpdatedAt = msg.CreatedAt
	m.threads[thread.ID] = thread
	return msg, nil
}

func (m *MemoryStore) GetMessage(_ context.Context, id string) (domain.Message, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	return msg, ok, nil
}

func (m *MemoryStore) EditUserMessage(_ context.Context, threadID, messageID string, content []domain.ContentPart) (domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok {
		return domain.Message{}, ErrNotFound
	}
	if msg.ThreadID != threadID {
		return domain.Message{}, ErrWrongThread
	}
	if msg.Role != domain.RoleUserMessage {
		return domain.Message{}, ErrNotUserTurn
	}
	msg.Content = content
	m.messages[messageID] = msg
	m.truncateLocked(threadID, msg.Seq)
	if thread, ok := m.threads[threadID]; ok {
		thread.UpdatedAt = time.Now().UTC()
		m.threads[threadID] = thread
	}
	return msg, nil
}

func (m *MemoryStore) TruncateAfter(_ context.Context, threadID, messageID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok || msg.ThreadID != threadID {
		return 0, ErrNotFound
	}
	return m.truncateLocked(threadID, msg.Seq), nil
}

func (m *MemoryStore) truncateLocked(threadID string, seq int64) int64 {
	ids := m.byThread[threadID]
	kept := ids[:0]
	var removed int64
	for _, id := range ids {
		if m.messages[id].Seq > seq {
			delete(m.messages, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	m.byThread[threadID] = kept
	return removed
}

func (m *MemoryStore) PersistCompletedMessage(_ context.Context, msg domain.Message) (domain.Message, error) {
	if err := checkCompleted(msg.Blocks); err != nil {
		return domain.Message{}, err
	}
	blocks := make([]domain.Block, len(msg.Blocks))
	for i, b := range msg.Blocks {
		if b.ID == "" {
			b.ID = uuid.NewString()
		}
		b.MessageID = msg.ID
		blocks[i] = b
	}
	msg.Blocks = blocks
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(msg)
}

func (m *MemoryStore) ListMessages(_ context.Context, threadID string) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byThread[threadID]
	out := make([]domain.Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.messages[id])
	}
	return out, nil
}

func (m *MemoryStore) EnsureReport(_ context.Context, thread domain.Thread) (domain.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureReportLocked(thread, time.Now().UTC()), nil
}

func (m *MemoryStore) ensureReportLocked(thread domain.Thread, now time.Time) domain.Report {
	for _, r := range m.reports {
		if r.ThreadID == thread.ID {
			return r
		}
	}
	r := domain.Report{
		ID:              uuid.NewString(),
		ReferenceNumber: report.NewReferenceNumber(now),
		ThreadID:        thread.ID,
		UserID:          thread.UserID,
		OrgID:           thread.OrgID,
		Title:           thread.Title,
		Status:          domain.ReportDraft,
		Categories:      []domain.CategoryAssignment{},
		Attachments:     []domain.File{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	m.reports[r.ID] = r
	return r
}

func (m *MemoryStore) GetReport(_ context.Context, id string) (domain.Report, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reports[id]
	return r, ok, nil
}

func (m *MemoryStore) GetReportByThread(_ context.Context, threadID string) (domain.Report, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.reports {
		if r.ThreadID == threadID {
			return r, true, nil
		}
	}
	return domain.Report{}, false, nil
}

func (m *MemoryStore) GetReportByReference(_ context.Context, userID, reference string) (domain.Report, bool, error) {
	reference = strings.ToUpper(strings.TrimSpace(reference))
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.reports {
		if r.UserID == userID && r.ReferenceNumber == reference {
			return r, true, nil
		}
	}
	return domain.Report{}, false, nil
}

func (m *MemoryStore) SearchReports(_ context.Context, userID, query string, limit int) ([]domain.Report, error) {
	if limit <= 0 || limit > 20 {
		limit = 5
	}
	q := strings.ToLower(strings.TrimSpace(query))
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Report, 0)
	for _, r := range m.reports {
		if r.UserID != userID {
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(r.Title), q) && !strings.Contains(strings.ToLower(r.Description), q) {
			continue
		}
		res = append(res, r)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].UpdatedAt.After(res[j].UpdatedAt) })
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (m *MemoryStore) RecordIntent(_ context.Context, reportID, action string, confidence float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[reportID]
	if !ok {
		return ErrNotFound
	}
	r.IntentAction = action
	r.IntentScore = &confidence
	r.UpdatedAt = time.Now().UTC()
	m.reports[reportID] = r
	return nil
}

func (m *MemoryStore) TransitionReport(_ context.Context, id string, to domain.ReportStatus, actor string) (domain.Report, domain.ReportStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[id]
	if !ok {
		return domain.Report{}, "", ErrNotFound
	}
	from := r.Status
	if err := report.ReviewTransition(from, to); err != nil {
		return domain.Report{}, from, err
	}
	now := time.Now().UTC()
	switch to {
	case domain.ReportVerified:
		r.VerifiedAt, r.VerifiedBy = &now, actor
	case domain.ReportResolved:
		r.ResolvedAt, r.ResolvedBy = &now, actor
	}
	r.Status = to
	r.UpdatedAt = now
	m.reports[id] = r
	return r, from, nil
}

func (m *MemoryStore) EnqueueReportJob(_ context.Context, thread domain.Thread) (domain.ReportJob, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	r := m.ensureReportLocked(thread, now)
	for _, id := range m.jobOrder {
		if j := m.jobs[id]; j.ReportID == r.ID && j.Status == domain.JobSubmitted {
			return j, false, nil
		}
	}
	job := domain.ReportJob{
		ID:          uuid.NewString(),
		ReportID:    r.ID,
		ThreadID:    thread.ID,
		Status:      domain.JobSubmitted,
		SubmittedAt: now,
	}
	m.jobs[job.ID] = job
	m.jobOrder = append(m.jobOrder, job.ID)
	return job, true, nil
}

func (m *MemoryStore) RetryJob(_ context.Context, id string) (domain.ReportJob, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	failed, ok := m.jobs[id]
	if !ok {
		return domain.ReportJob{}, false, ErrNotFound
	}
	if failed.Status != domain.JobFailed {
		return domain.ReportJob{}, false, ErrJobNotFailed
	}
	for _, jid := range m.jobOrder {
		if j := m.jobs[jid]; j.ReportID == failed.ReportID && j.Status == domain.JobSubmitted {
			return j, false, nil
		}
	}
	job := domain.ReportJob{
		ID:          uuid.NewString(),
		ReportID:    failed.ReportID,
		ThreadID:    failed.ThreadID,
		Status:      domain.JobSubmitted,
		SubmittedAt: time.Now().UTC(),
	}
	m.jobs[job.ID] = job
	m.jobOrder = append(m.jobOrder, job.ID)
	return job, true, nil
}

func (m *MemoryStore) GetJob(_ context.Context, id string) (domain.ReportJob, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	return j, ok, nil
}

func (m *MemoryStore) ListJobs(_ context.Context, status domain.JobStatus, limit int) ([]domain.ReportJob, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.ReportJob, 0)
	for _, id := range m.jobOrder {
		if j := m.jobs[id]; status == "" || j.Status == status {
			res = append(res, j)
		}
		if len(res) == limit {
			break
		}
	}
	return res, nil
}

func (m *MemoryStore) ClaimNextJob(_ context.Context, now time.Time) (domain.ReportJob, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	busy := make(map[string]struct{})
	for _, j := range m.jobs {
		if j.Status == domain.JobProcessing {
			busy[j.ReportID] = struct{}{}
		}
	}
	for _, id := range m.jobOrder {
		j := m.jobs[id]
		if j.Status != domain.JobSubmitted {
			continue
		}
		if j.NextAttemptAt != nil && j.NextAttemptAt.After(now) {
			continue
		}
		if _, ok := busy[j.ReportID]; ok {
			continue
		}
		at := now
		j.Status = domain.JobProcessing
		j.LastAttemptAt = &at
		j.ClaimToken = uuid.NewString()
		m.jobs[id] = j
		return j, true, nil
	}
	return domain.ReportJob{}, false, nil
}

func (m *MemoryStore) CompleteJob(_ context.Context, job domain.ReportJob, update ExtractionUpdate, now time.Time) (Completion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.jobs[job.ID]
	if !ok {
		return Completion{}, ErrNotFound
	}
	if current.Status != domain.JobProcessing || current.ClaimToken != job.ClaimToken {
		return Completion{}, ErrLeaseLost
	}
	r, ok := m.reports[current.ReportID]
	if !ok {
		return Completion{}, ErrNotFound
	}
	out := Completion{PreviousStatus: r.Status}
	note := ""
	if report.Extractable(r.Status) {
		applyExtraction(&r, update, now)
		if update.Promote && r.Status == domain.ReportDraft {
			r.Status = domain.ReportPending
		}
		m.reports[r.ID] = r
	} else {
		out.Skipped = true
		note = "report under review"
	}
	confidence := update.Confidence
	current.Status = domain.JobCompleted
	current.ConfidenceScore = &confidence
	current.ProcessedAt = &now
	current.ErrorMessage = note
	m.jobs[job.ID] = current
	out.Job = current
	out.Report = r
	return out, nil
}

func (m *MemoryStore) FailJob(_ context.Context, job domain.ReportJob, reason string, maxRetries int, backoff BackoffFunc, now time.Time) (domain.ReportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.jobs[job.ID]
	if !ok {
		return domain.ReportJob{}, ErrNotFound
	}
	if current.Status != domain.JobProcessing || current.ClaimToken != job.ClaimToken {
		return domain.ReportJob{}, ErrLeaseLost
	}
	return m.failLocked(current, reason, maxRetries, backoff, now), nil
}

func (m *MemoryStore) ReapExpiredLeases(_ context.Context, leaseTimeout time.Duration, maxRetries int, backoff BackoffFunc, now time.Time) ([]domain.ReportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := now.Add(-leaseTimeout)
	var out []domain.ReportJob
	for _, id := range m.jobOrder {
		j := m.jobs[id]
		if j.Status != domain.JobProcessing || j.LastAttemptAt == nil || !j.LastAttemptAt.Before(cutoff) {
			continue
		}
		out = append(out, m.failLocked(j, "lease expired", maxRetries, backoff, now))
	}
	return out, nil
}

func (m *MemoryStore) failLocked(j domain.ReportJob, reason string, maxRetries int, backoff BackoffFunc, now time.Time) domain.ReportJob {
	retries, status, nextAt := failedAttempt(j.RetryCount, maxRetries, backoff, now)
	j.RetryCount = retries
	j.Status = status
	j.ErrorMessage = reason
	j.NextAttemptAt = nextAt
	j.ClaimToken = ""
	m.jobs[j.ID] = j
	return j
}

var _ Store = (*MemoryStore)(nil)
var _ Store = (*GormStore)(nil)
