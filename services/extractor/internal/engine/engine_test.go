package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"balungpisah/pkg/ai/aitest"
	"balungpisah/pkg/domain"
	"balungpisah/pkg/notify"
	"balungpisah/pkg/store"
	"balungpisah/services/extractor/internal/extract"
)

const confidentAnswer = `{"title":"Jalan rusak di Jl. Sudirman","description":"Jalan berlubang","categories":[{"slug":"infrastructure","severity":"high"}],"location":{"raw":"Jl. Sudirman"},"confidence":0.9}`

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Publish(_ context.Context, evt notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store  *store.MemoryStore
	gen    *aitest.StaticGenerator
	events *recorder
	clock  *clock
	engine *Engine
	job    domain.ReportJob
}

func newFixture(t *testing.T, gen *aitest.StaticGenerator) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		store:  store.NewMemoryStore(),
		gen:    gen,
		events: &recorder{},
		clock:  &clock{now: time.Now().UTC()},
	}
	thread := domain.Thread{ID: "t1", UserID: "citizen-1", Title: "jalan rusak", CreatedAt: f.clock.Now(), UpdatedAt: f.clock.Now()}
	if err := f.store.CreateThread(ctx, thread); err != nil {
		t.Fatalf("create thread: %v", err)
	}
	if _, err := f.store.AppendMessage(ctx, domain.Message{
		ID:       "m1",
		ThreadID: "t1",
		Role:     domain.RoleUserMessage,
		Content:  []domain.ContentPart{{Type: domain.ContentText, Text: "jalan rusak di jl sudirman"}},
	}); err != nil {
		t.Fatalf("append user message: %v", err)
	}
	if _, err := f.store.PersistCompletedMessage(ctx, domain.Message{
		ID:           "m2",
		ThreadID:     "t1",
		Role:         domain.RoleAssistantMessage,
		FinishReason: "stop",
		Blocks:       []domain.Block{{Type: domain.BlockText, Index: 0, Completed: true, Text: "Terima kasih, laporan dicatat."}},
	}); err != nil {
		t.Fatalf("persist assistant message: %v", err)
	}
	job, created, err := f.store.EnqueueReportJob(ctx, thread)
	if err != nil || !created {
		t.Fatalf("enqueue: created=%v err=%v", created, err)
	}
	f.job = job
	eng, err := New(Config{
		Store:       f.store,
		Extractor:   extract.New(gen, 0.7),
		Notifier:    f.events,
		MaxRetries:  3,
		BackoffBase: 30 * time.Second,
		BackoffCap:  30 * time.Minute,
		Now:         f.clock.Now,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	f.engine = eng
	return f
}

func (f *fixture) report(t *testing.T) domain.Report {
	t.Helper()
	r, ok, err := f.store.GetReport(context.Background(), f.job.ReportID)
	if err != nil || !ok {
		t.Fatalf("get report: ok=%v err=%v", ok, err)
	}
	return r
}

func (f *fixture) currentJob(t *testing.T) domain.ReportJob {
	t.Helper()
	j, ok, err := f.store.GetJob(context.Background(), f.job.ID)
	if err != nil || !ok {
		t.Fatalf("get job: ok=%v err=%v", ok, err)
	}
	return j
}

func mustProcess(t *testing.T, e *Engine, want bool) {
	t.Helper()
	processed, err := e.ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if processed != want {
		t.Fatalf("processed=%v, want %v", processed, want)
	}
}

func TestProcessNextPromotesConfidentReport(t *testing.T) {
	f := newFixture(t, &aitest.StaticGenerator{Answers: []string{confidentAnswer}})
	mustProcess(t, f.engine, true)

	r := f.report(t)
	if r.Status != domain.ReportPending {
		t.Fatalf("report status %s, want pending", r.Status)
	}
	if r.Title != "Jalan rusak di Jl. Sudirman" || r.Location.Raw != "Jl. Sudirman" || len(r.Categories) != 1 {
		t.Fatalf("fields not written: %+v", r)
	}
	j := f.currentJob(t)
	if j.Status != domain.JobCompleted || j.ProcessedAt == nil || j.ConfidenceScore == nil || *j.ConfidenceScore != 0.9 {
		t.Fatalf("job %+v", j)
	}
	got := f.events.types()
	if len(got) != 2 || got[0] != notify.EventJobCompleted || got[1] != notify.EventStatusChanged {
		t.Fatalf("events %v", got)
	}
	mustProcess(t, f.engine, false)
}

func TestProcessNextKeepsDraftOnLowConfidence(t *testing.T) {
	low := `{"title":"Jalan rusak","description":"berlubang","categories":[{"slug":"infrastructure"}],"location":"Jl. Sudirman","confidence":0.3}`
	f := newFixture(t, &aitest.StaticGenerator{Answers: []string{low}})
	mustProcess(t, f.engine, true)

	r := f.report(t)
	if r.Status != domain.ReportDraft || r.Title != "Jalan rusak" {
		t.Fatalf("report %+v", r)
	}
	if j := f.currentJob(t); j.Status != domain.JobCompleted {
		t.Fatalf("job status %s", j.Status)
	}
	if got := f.events.types(); len(got) != 1 || got[0] != notify.EventJobCompleted {
		t.Fatalf("events %v", got)
	}
}

func TestClosedConversationStaysDraft(t *testing.T) {
	f := newFixture(t, &aitest.StaticGenerator{Answers: []string{confidentAnswer}})
	if err := f.store.RecordIntent(context.Background(), f.job.ReportID, "close", 0.9); err != nil {
		t.Fatalf("record intent: %v", err)
	}
	mustProcess(t, f.engine, true)

	r := f.report(t)
	if r.Status != domain.ReportDraft {
		t.Fatalf("report status %s, want draft", r.Status)
	}
	if r.Title != "Jalan rusak di Jl. Sudirman" {
		t.Fatalf("fields should still be written: %+v", r)
	}
	if got := f.events.types(); len(got) != 1 || got[0] != notify.EventJobCompleted {
		t.Fatalf("events %v", got)
	}
}

func TestFailuresBackOffThenPark(t *testing.T) {
	upstream := errors.New("model overloaded")
	f := newFixture(t, &aitest.StaticGenerator{Errs: []error{upstream, upstream, upstream}})

	mustProcess(t, f.engine, true)
	j := f.currentJob(t)
	if j.Status != domain.JobSubmitted || j.RetryCount != 1 || j.NextAttemptAt == nil {
		t.Fatalf("after first failure: %+v", j)
	}
	if want := f.clock.Now().Add(30 * time.Second); !j.NextAttemptAt.Equal(want) {
		t.Fatalf("next attempt %v, want %v", j.NextAttemptAt, want)
	}
	mustProcess(t, f.engine, false)

	f.clock.Advance(30 * time.Second)
	mustProcess(t, f.engine, true)
	j = f.currentJob(t)
	if j.RetryCount != 2 || !j.NextAttemptAt.Equal(f.clock.Now().Add(time.Minute)) {
		t.Fatalf("after second failure: %+v", j)
	}

	f.clock.Advance(time.Minute)
	mustProcess(t, f.engine, true)
	j = f.currentJob(t)
	if j.Status != domain.JobFailed || j.RetryCount != 3 || j.ErrorMessage == "" {
		t.Fatalf("after third failure: %+v", j)
	}
	if got := f.events.types(); len(got) != 1 || got[0] != notify.EventJobFailed {
		t.Fatalf("events %v", got)
	}

	f.clock.Advance(24 * time.Hour)
	mustProcess(t, f.engine, false)
	if r := f.report(t); r.Status != domain.ReportDraft {
		t.Fatalf("failed extraction changed report status to %s", r.Status)
	}
}

func TestReportUnderReviewIsLeftAlone(t *testing.T) {
	f := newFixture(t, &aitest.StaticGenerator{Answers: []string{confidentAnswer}})
	if _, _, err := f.store.TransitionReport(context.Background(), f.job.ReportID, domain.ReportRejected, "officer-7"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	mustProcess(t, f.engine, true)

	if len(f.gen.Prompts) != 0 {
		t.Fatalf("model called for a report under review")
	}
	r := f.report(t)
	if r.Status != domain.ReportRejected || r.Title != "jalan rusak" {
		t.Fatalf("report changed: %+v", r)
	}
	j := f.currentJob(t)
	if j.Status != domain.JobCompleted || j.ErrorMessage != "report under review" {
		t.Fatalf("job %+v", j)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	e, err := New(Config{Store: store.NewMemoryStore(), Extractor: extract.New(&aitest.StaticGenerator{}, 0.7)})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	cases := map[int]time.Duration{
		1: 30 * time.Second,
		2: time.Minute,
		3: 2 * time.Minute,
		6: 16 * time.Minute,
		7: 30 * time.Minute,
		40: 30 * time.Minute,
	}
	for n, want := range cases {
		if got := e.Backoff(n); got != want {
			t.Fatalf("backoff(%d) = %v, want %v", n, got, want)
		}
	}
}

func TestReapOnceRequeuesExpiredLease(t *testing.T) {
	f := newFixture(t, &aitest.StaticGenerator{Answers: []string{confidentAnswer}})
	if _, ok, err := f.store.ClaimNextJob(context.Background(), f.clock.Now()); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	f.clock.Advance(time.Minute)
	if n, err := f.engine.ReapOnce(context.Background()); err != nil || n != 0 {
		t.Fatalf("early reap: n=%d err=%v", n, err)
	}

	f.clock.Advance(5 * time.Minute)
	n, err := f.engine.ReapOnce(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("reap: n=%d err=%v", n, err)
	}
	j := f.currentJob(t)
	if j.Status != domain.JobSubmitted || j.RetryCount != 1 || j.ErrorMessage != "lease expired" {
		t.Fatalf("reaped job %+v", j)
	}

	f.clock.Advance(30 * time.Second)
	mustProcess(t, f.engine, true)
	if r := f.report(t); r.Status != domain.ReportPending {
		t.Fatalf("report status %s after retry", r.Status)
	}
}

func TestRunDrainsQueueUntilCancelled(t *testing.T) {
	f := newFixture(t, &aitest.StaticGenerator{Answers: []string{confidentAnswer}})
	eng, err := New(Config{
		Store:        f.store,
		Extractor:    extract.New(f.gen, 0.7),
		Workers:      3,
		PollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for f.currentJob(t).Status != domain.JobCompleted {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("job not completed in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop after cancel")
	}
	if len(f.gen.Prompts) != 1 {
		t.Fatalf("job extracted %d times", len(f.gen.Prompts))
	}
}
