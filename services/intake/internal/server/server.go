package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"balungpisah/internal/servicetoken"
	"balungpisah/internal/util"
	"balungpisah/pkg/domain"
	"balungpisah/pkg/report"
	"balungpisah/services/intake/internal/app"
	"balungpisah/services/intake/internal/events"
	"balungpisah/services/intake/internal/identity"
	"balungpisah/services/intake/internal/stream"
)

// BasePath prefixes every citizen-facing route.
const BasePath = "/api/citizen-report-agent"

const (
	maxChatBodyBytes   = 1 << 20
	defaultEventBuffer = 64
)

// UserVerifier turns a bearer token into the caller identity.
type UserVerifier interface {
	Verify(ctx context.Context, token string) (domain.AuthenticatedUser, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	Users          UserVerifier
	ServiceTokens  *servicetoken.Verifier
	TrustedProxies *util.TrustedProxies
	AllowedOrigins []string
	Keepalive      time.Duration
	EventBuffer    int
}

// Server exposes HTTP endpoints for the intake service.
type Server struct {
	app            *app.App
	users          UserVerifier
	serviceTokens  *servicetoken.Verifier
	trustedProxies *util.TrustedProxies
	allowedOrigins []string
	keepalive      time.Duration
	eventBuffer    int
	router         chi.Router
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		app:            cfg.App,
		users:          cfg.Users,
		serviceTokens:  cfg.ServiceTokens,
		trustedProxies: cfg.TrustedProxies,
		allowedOrigins: cfg.AllowedOrigins,
		keepalive:      cfg.Keepalive,
		eventBuffer:    cfg.EventBuffer,
		router:         chi.NewRouter(),
	}
	if s.eventBuffer <= 0 {
		s.eventBuffer = defaultEventBuffer
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("intake",
		util.WithSecurityHeaders(util.WithCORS(s.allowedOrigins, s.router))))
}

func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealth)
	s.router.Route(BasePath, func(r chi.Router) {
		r.Get("/healthz", s.handleHealth)
		r.Group(func(r chi.Router) {
			r.Use(s.requireUser)
			r.Post("/chat", s.handleChat)
			r.Post("/chat/sync", s.handleChatSync)
			r.Get("/threads", s.handleListThreads)
			r.Get("/threads/{id}", s.handleGetThread)
			r.Get("/threads/{id}/messages", s.handleListMessages)
			r.Get("/reports/{id}", s.handleGetReport)
			r.Get("/rate-limit", s.handleRateLimit)
		})
		r.With(s.requireService).Post("/internal/reports/{id}/transition", s.handleTransition)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.app.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userKey struct{}

func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.users == nil {
			writeError(w, http.StatusInternalServerError, "token verifier not configured")
			return
		}
		token, ok := servicetoken.BearerToken(r)
		if !ok {
			s.audit(r, "user_auth", "missing_token")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		user, err := s.users.Verify(r.Context(), token)
		if err != nil {
			s.audit(r, "user_auth", "invalid_token", "err", err)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := context.WithValue(r.Context(), userKey{}, user)
		ctx = util.ContextWithLogger(ctx, util.LoggerFromContext(ctx).With("user_id", user.UserID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requireService(next http.Handler) http.Handler {
	if s.serviceTokens == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			writeError(w, http.StatusServiceUnavailable, "internal routes disabled")
		})
	}
	return servicetoken.Require(s.serviceTokens, next)
}

func userFrom(r *http.Request) domain.AuthenticatedUser {
	user, _ := r.Context().Value(userKey{}).(domain.AuthenticatedUser)
	return user
}

type chatRequest struct {
	ThreadID      string          `json:"thread_id"`
	UserMessageID string          `json:"user_message_id"`
	Content       json.RawMessage `json:"content"`
}

// decodeChat accepts content either as a plain string or as content parts.
func decodeChat(w http.ResponseWriter, r *http.Request) (identity.Request, bool) {
	var body chatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxChatBodyBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return identity.Request{}, false
	}
	req := identity.Request{
		ThreadID:      strings.TrimSpace(body.ThreadID),
		UserMessageID: strings.TrimSpace(body.UserMessageID),
	}
	raw := strings.TrimSpace(string(body.Content))
	switch {
	case raw == "" || raw == "null":
		writeError(w, http.StatusBadRequest, "content is required")
		return identity.Request{}, false
	case strings.HasPrefix(raw, `"`):
		var text string
		if err := json.Unmarshal(body.Content, &text); err != nil {
			writeError(w, http.StatusBadRequest, "invalid content")
			return identity.Request{}, false
		}
		req.Content = []domain.ContentPart{{Type: domain.ContentText, Text: text}}
	case strings.HasPrefix(raw, "["):
		if err := json.Unmarshal(body.Content, &req.Content); err != nil {
			writeError(w, http.StatusBadRequest, "invalid content parts")
			return identity.Request{}, false
		}
	default:
		writeError(w, http.StatusBadRequest, "content must be a string or an array of parts")
		return identity.Request{}, false
	}
	return req, true
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	req, ok := decodeChat(w, r)
	if !ok {
		return
	}
	if !s.allowChat(w, r, user) {
		return
	}
	prepared, err := s.app.PrepareTurn(r.Context(), user, req)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	sse, err := stream.NewSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	logger := util.LoggerFromContext(ctx)
	em := events.NewChannelEmitter(s.eventBuffer)
	session := s.app.NewSession(user, prepared, em)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer em.Close()
		if _, err := session.Run(ctx); err != nil && !errors.Is(err, stream.ErrCancelled) {
			logger.Warn("chat turn ended with error", "message_id", session.MessageID(), "err", err)
		}
	}()

	if err := stream.Pump(ctx, sse, em.Events(), s.keepalive); err != nil {
		logger.Info("chat stream closed early", "message_id", session.MessageID(), "err", err)
	}
	// Unblock the producer if the client went away, then wait for its
	// cleanup so partial blocks are persisted before the handler returns.
	cancel()
	<-done
}

func (s *Server) handleChatSync(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	req, ok := decodeChat(w, r)
	if !ok {
		return
	}
	if !s.allowChat(w, r, user) {
		return
	}
	res, err := s.app.ChatSync(r.Context(), user, req)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}
	threads, err := s.app.ListThreads(r.Context(), userFrom(r), limit, offset)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": threads})
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	view, err := s.app.GetThread(r.Context(), userFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.app.ListMessages(r.Context(), userFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	rep, err := s.app.GetReport(r.Context(), userFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleRateLimit(w http.ResponseWriter, r *http.Request) {
	d, err := s.app.RateLimitStatus(r.Context(), userFrom(r))
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("rate limit status failed", "err", err)
		writeError(w, http.StatusServiceUnavailable, "rate limiter unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"limit":     d.Limit,
		"remaining": d.Remaining,
		"reset_at":  d.ResetAt,
	})
}

type transitionRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	actor, _ := servicetoken.Actor(r.Context())
	var body transitionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	to, ok := report.ParseStatus(strings.TrimSpace(body.Status))
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}
	rep, err := s.app.TransitionReport(r.Context(), id, to, actor)
	if err != nil {
		s.audit(r, "report_transition", "rejected", "report_id", id, "to", to, "actor", actor, "err", err)
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "report_transition", "success", "report_id", id, "to", to, "actor", actor)
	writeJSON(w, http.StatusOK, rep)
}

// allowChat consumes chat quota. Limiter failures refuse the request.
func (s *Server) allowChat(w http.ResponseWriter, r *http.Request, user domain.AuthenticatedUser) bool {
	d, err := s.app.AllowChat(r.Context(), user)
	if err != nil {
		s.audit(r, "chat_rate_limit", "limiter_error", "err", err)
		writeError(w, http.StatusServiceUnavailable, "rate limiter unavailable")
		return false
	}
	if d.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	}
	if d.Allowed {
		return true
	}
	s.audit(r, "chat_rate_limit", "limited", "user_id", user.UserID)
	retry := int(math.Ceil(d.RetryAfter(time.Now()).Seconds()))
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	writeError(w, http.StatusTooManyRequests, "chat quota exceeded")
	return false
}

func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrForbidden):
		s.audit(r, "ownership_check", "forbidden")
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, app.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, app.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrUpstream):
		writeError(w, http.StatusBadGateway, "assistant unavailable")
	default:
		util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.trustedProxies),
		"request_id", util.RequestIDFromContext(r.Context()),
	}
	logAttrs = append(logAttrs, attrs...)
	if outcome == "success" {
		slog.Info("security_event", logAttrs...)
		return
	}
	slog.Warn("security_event", logAttrs...)
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("invalid integer")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
