package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"balungpisah/internal/ratelimit"
	"balungpisah/internal/util"
	"balungpisah/pkg/ai"
	"balungpisah/pkg/domain"
	"balungpisah/pkg/notify"
	"balungpisah/pkg/storage"
	"balungpisah/pkg/store"
	"balungpisah/services/intake/internal/events"
	"balungpisah/services/intake/internal/identity"
	"balungpisah/services/intake/internal/stream"
	"balungpisah/services/intake/internal/tools"
)

const (
	defaultThreadPageSize = 20
	maxThreadPageSize     = 100
)

// Limiter is the per-user chat quota.
type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
	Status(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL string
	Store       store.Store

	Chat        ai.ChatStreamer
	ChatBaseURL string
	ChatAPIKey  string
	ChatModel   string

	SystemPrompt            string
	MaxToolIterations       int
	MaxTokens               int
	Temperature             *float64
	ToolTimeout             time.Duration
	ConcurrentReadOnlyTools bool

	Files    *storage.FileResolver
	Limiter  Limiter
	Notifier notify.Publisher
}

// App wires the identity resolver, the session controller and the store.
type App struct {
	store    store.Store
	resolver *identity.Resolver
	session  stream.Config
	limiter  Limiter
	notifier notify.Publisher
}

func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}
	chat := cfg.Chat
	if chat == nil {
		if strings.TrimSpace(cfg.ChatModel) == "" {
			return nil, fmt.Errorf("chat model required")
		}
		chat = ai.NewOpenAICompatChat(cfg.ChatBaseURL, cfg.ChatAPIKey, cfg.ChatModel)
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.Noop{}
	}

	registry := tools.NewRegistry(tools.Builtins(dataStore)...)
	return &App{
		store:    dataStore,
		resolver: identity.NewResolver(dataStore, cfg.Files),
		session: stream.Config{
			Model: chat,
			Tools: registry,
			Coordinator: tools.NewCoordinator(registry, tools.CoordinatorConfig{
				Timeout:            cfg.ToolTimeout,
				ConcurrentReadOnly: cfg.ConcurrentReadOnlyTools,
			}),
			Store:             dataStore,
			SystemPrompt:      cfg.SystemPrompt,
			MaxToolIterations: cfg.MaxToolIterations,
			MaxTokens:         cfg.MaxTokens,
			Temperature:       cfg.Temperature,
		},
		limiter:  cfg.Limiter,
		notifier: notifier,
	}, nil
}

// PrepareTurn persists the user message, creating or editing as needed. It
// runs before any event is written so failures map onto HTTP statuses.
func (a *App) PrepareTurn(ctx context.Context, user domain.AuthenticatedUser, req identity.Request) (identity.Result, error) {
	res, err := a.resolver.Resolve(ctx, user, req)
	if err != nil {
		return identity.Result{}, err
	}
	util.LoggerFromContext(ctx).Info("chat turn prepared",
		"thread_id", res.Thread.ID,
		"user_message_id", res.UserMessage.ID,
		"thread_created", res.ThreadCreated,
		"edited", res.Edited,
	)
	return res, nil
}

// NewSession builds the controller for a prepared turn.
func (a *App) NewSession(user domain.AuthenticatedUser, prepared identity.Result, em events.Emitter) *stream.Session {
	return stream.NewSession(a.session, stream.Turn{
		User:        user,
		Thread:      prepared.Thread,
		UserMessage: prepared.UserMessage,
	}, em)
}

// SyncResult is the non-streaming answer of one turn.
type SyncResult struct {
	ThreadID      string         `json:"thread_id"`
	UserMessageID string         `json:"user_message_id"`
	Message       domain.Message `json:"message"`
	FinishReason  string         `json:"finish_reason"`
}

// ChatSync runs a full turn with a collecting emitter.
func (a *App) ChatSync(ctx context.Context, user domain.AuthenticatedUser, req identity.Request) (SyncResult, error) {
	prepared, err := a.PrepareTurn(ctx, user, req)
	if err != nil {
		return SyncResult{}, err
	}
	res, err := a.NewSession(user, prepared, &events.Collector{}).Run(ctx)
	if err != nil {
		var turnErr *stream.TurnError
		if errors.As(err, &turnErr) {
			if turnErr.Code == events.CodeUpstream {
				return SyncResult{}, fmt.Errorf("%w: %v", ErrUpstream, turnErr.Err)
			}
			return SyncResult{}, fmt.Errorf("%w: %s", ErrTurnFailed, turnErr.Code)
		}
		return SyncResult{}, err
	}
	return SyncResult{
		ThreadID:      prepared.Thread.ID,
		UserMessageID: prepared.UserMessage.ID,
		Message:       res.Message,
		FinishReason:  res.FinishReason,
	}, nil
}

// AllowChat consumes one unit of the caller's chat quota. A nil limiter
// allows everything; a failing limiter refuses.
func (a *App) AllowChat(ctx context.Context, user domain.AuthenticatedUser) (ratelimit.Decision, error) {
	if a.limiter == nil {
		return ratelimit.Decision{Allowed: true}, nil
	}
	return a.limiter.Allow(ctx, chatQuotaKey(user))
}

// RateLimitStatus reports the caller's quota without consuming it.
func (a *App) RateLimitStatus(ctx context.Context, user domain.AuthenticatedUser) (ratelimit.Decision, error) {
	if a.limiter == nil {
		return ratelimit.Decision{Allowed: true}, nil
	}
	return a.limiter.Status(ctx, chatQuotaKey(user))
}

func chatQuotaKey(user domain.AuthenticatedUser) string {
	return "chat|" + user.UserID
}

// ListThreads returns the caller's threads, newest first.
func (a *App) ListThreads(ctx context.Context, user domain.AuthenticatedUser, limit, offset int) ([]domain.Thread, error) {
	if limit <= 0 {
		limit = defaultThreadPageSize
	}
	if limit > maxThreadPageSize {
		limit = maxThreadPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return a.store.ListThreads(ctx, user.UserID, limit, offset)
}

// ReportSummary is the part of a report shown next to its thread.
type ReportSummary struct {
	ID              string              `json:"id"`
	ReferenceNumber string              `json:"reference_number"`
	Status          domain.ReportStatus `json:"status"`
	Title           string              `json:"title"`
	ConfidenceScore *float64            `json:"confidence_score,omitempty"`
}

type ThreadView struct {
	domain.Thread
	Report *ReportSummary `json:"report,omitempty"`
}

func (a *App) GetThread(ctx context.Context, user domain.AuthenticatedUser, id string) (ThreadView, error) {
	thread, err := a.ownedThread(ctx, user, id)
	if err != nil {
		return ThreadView{}, err
	}
	view := ThreadView{Thread: thread}
	r, ok, err := a.store.GetReportByThread(ctx, thread.ID)
	if err != nil {
		return ThreadView{}, fmt.Errorf("load report: %w", err)
	}
	if ok {
		view.Report = &ReportSummary{
			ID:              r.ID,
			ReferenceNumber: r.ReferenceNumber,
			Status:          r.Status,
			Title:           r.Title,
			ConfidenceScore: r.ConfidenceScore,
		}
	}
	return view, nil
}

// ListMessages returns the completed messages of a thread in seq order.
func (a *App) ListMessages(ctx context.Context, user domain.AuthenticatedUser, threadID string) ([]domain.Message, error) {
	if _, err := a.ownedThread(ctx, user, threadID); err != nil {
		return nil, err
	}
	return a.store.ListMessages(ctx, threadID)
}

func (a *App) GetReport(ctx context.Context, user domain.AuthenticatedUser, id string) (domain.Report, error) {
	r, ok, err := a.store.GetReport(ctx, id)
	if err != nil {
		return domain.Report{}, fmt.Errorf("load report: %w", err)
	}
	if !ok {
		return domain.Report{}, ErrNotFound
	}
	if r.UserID != user.UserID && !canReview(user) {
		return domain.Report{}, ErrForbidden
	}
	return r, nil
}

// TransitionReport applies a review transition on behalf of actor and
// publishes the status change.
func (a *App) TransitionReport(ctx context.Context, id string, to domain.ReportStatus, actor string) (domain.Report, error) {
	r, from, err := a.store.TransitionReport(ctx, id, to, actor)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Report{}, ErrNotFound
		}
		return domain.Report{}, err
	}
	util.LoggerFromContext(ctx).Info("report status changed",
		"report_id", r.ID, "from", from, "to", r.Status, "actor", actor)
	if err := a.notifier.Publish(ctx, notify.Event{
		Type:            notify.EventStatusChanged,
		ReportID:        r.ID,
		ReferenceNumber: r.ReferenceNumber,
		ThreadID:        r.ThreadID,
		Status:          string(r.Status),
		PreviousStatus:  string(from),
		Actor:           actor,
	}); err != nil {
		util.LoggerFromContext(ctx).Warn("publish status change failed", "report_id", r.ID, "err", err)
	}
	return r, nil
}

func (a *App) ownedThread(ctx context.Context, user domain.AuthenticatedUser, id string) (domain.Thread, error) {
	thread, ok, err := a.store.GetThread(ctx, id)
	if err != nil {
		return domain.Thread{}, fmt.Errorf("load thread: %w", err)
	}
	if !ok {
		return domain.Thread{}, ErrNotFound
	}
	if thread.UserID != user.UserID {
		return domain.Thread{}, ErrForbidden
	}
	return thread, nil
}

func canReview(user domain.AuthenticatedUser) bool {
	switch user.Role {
	case domain.RoleOfficer, domain.RoleAdmin, domain.RoleReviewer:
		return true
	}
	return false
}

// Ping checks the backing store when it supports it.
func (a *App) Ping(ctx context.Context) error {
	if p, ok := a.store.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}
