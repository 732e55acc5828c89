package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"balungpisah/internal/ratelimit"
	"balungpisah/internal/servicetoken"
	"balungpisah/pkg/ai"
	"balungpisah/pkg/ai/aitest"
	"balungpisah/pkg/domain"
	"balungpisah/pkg/store"
	"balungpisah/services/intake/internal/app"
	"balungpisah/services/intake/internal/events"
)

type staticUsers map[string]domain.AuthenticatedUser

func (s staticUsers) Verify(_ context.Context, token string) (domain.AuthenticatedUser, error) {
	user, ok := s[token]
	if !ok {
		return domain.AuthenticatedUser{}, errors.New("unknown token")
	}
	return user, nil
}

var users = staticUsers{
	"tok-u1": {UserID: "u1", Role: domain.RoleCitizen},
	"tok-u2": {UserID: "u2", Role: domain.RoleCitizen},
}

type harness struct {
	handler http.Handler
	store   *store.MemoryStore
	chat    *aitest.ScriptedChat
	signer  *servicetoken.Signer
}

type option func(*app.Config, *Config)

func newHarness(t *testing.T, turns []aitest.Turn, opts ...option) *harness {
	t.Helper()
	st := store.NewMemoryStore()
	chat := aitest.NewScriptedChat(turns...)
	appCfg := app.Config{Store: st, Chat: chat}
	privatePath, publicPath := writeKeyPair(t)
	verifier, err := servicetoken.NewVerifierWithOptions(servicetoken.VerifierOptions{
		PublicKeyPath:  publicPath,
		Audience:       "intake",
		AllowedIssuers: []string{"balungpisahctl"},
	})
	if err != nil {
		t.Fatalf("service verifier: %v", err)
	}
	signer, err := servicetoken.NewSignerWithOptions(servicetoken.SignerOptions{
		PrivateKeyPath: privatePath,
		Issuer:         "balungpisahctl",
		Subject:        "officer-7",
	})
	if err != nil {
		t.Fatalf("service signer: %v", err)
	}
	srvCfg := Config{Users: users, ServiceTokens: verifier, Keepalive: time.Second}
	for _, opt := range opts {
		opt(&appCfg, &srvCfg)
	}
	core, err := app.New(appCfg)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	srvCfg.App = core
	return &harness{handler: New(srvCfg).Router(), store: st, chat: chat, signer: signer}
}

func (h *harness) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, BasePath+path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

// started returns the message.started payload of an SSE response.
func started(t *testing.T, rec *httptest.ResponseRecorder) events.MessageStartedData {
	t.Helper()
	const prefix = "event: message.started\ndata: "
	body := rec.Body.String()
	i := strings.Index(body, prefix)
	if i < 0 {
		t.Fatalf("no message.started in %s", body)
	}
	line, _, _ := strings.Cut(body[i+len(prefix):], "\n")
	var data events.MessageStartedData
	if err := json.Unmarshal([]byte(line), &data); err != nil {
		t.Fatalf("decode message.started %q: %v", line, err)
	}
	return data
}

func reply(text string) aitest.Turn {
	return aitest.Turn{Chunks: []ai.Chunk{aitest.Text(text), aitest.Finish("stop")}}
}

func TestUserRoutesRequireToken(t *testing.T) {
	h := newHarness(t, nil)
	if rec := h.do(t, http.MethodGet, "/threads", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := h.do(t, http.MethodGet, "/threads", "bogus", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", rec.Code)
	}
	if rec := h.do(t, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("health should be public, got %d", rec.Code)
	}
}

func TestChatStreamsNamedEvents(t *testing.T) {
	h := newHarness(t, []aitest.Turn{reply("Terima kasih, di mana lokasinya?")})
	rec := h.do(t, http.MethodPost, "/chat", "tok-u1", map[string]any{
		"thread_id":       "thread-client-1",
		"user_message_id": "msg-client-1",
		"content":         "jalan rusak di jl sudirman",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}
	body := rec.Body.String()
	order := []string{"event: message.started", "event: block.created", "event: block.delta", "event: block.completed", "event: message.completed"}
	pos := 0
	for _, marker := range order {
		i := strings.Index(body[pos:], marker)
		if i < 0 {
			t.Fatalf("missing %q after offset %d in %s", marker, pos, body)
		}
		pos += i + len(marker)
	}
	if !strings.Contains(body, `"thread_id":"thread-client-1"`) || !strings.Contains(body, `"user_message_id":"msg-client-1"`) {
		t.Fatalf("client ids not echoed: %s", body)
	}

	jobs, _ := h.store.ListJobs(context.Background(), domain.JobSubmitted, 10)
	if len(jobs) != 1 || jobs[0].ThreadID != "thread-client-1" {
		t.Fatalf("expected a submitted job, got %+v", jobs)
	}
}

func TestEditStartsFreshAssistantTurn(t *testing.T) {
	h := newHarness(t, []aitest.Turn{
		reply("Di mana lokasinya?"),
		reply("Sejak kapan?"),
		reply("Baik, banjir di Kampung Pulo."),
	})
	send := func(msgID, text string) events.MessageStartedData {
		rec := h.do(t, http.MethodPost, "/chat", "tok-u1", map[string]any{
			"thread_id":       "t-edit",
			"user_message_id": msgID,
			"content":         text,
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status %d: %s", msgID, rec.Code, rec.Body.String())
		}
		return started(t, rec)
	}
	first := send("m-1", "banjir di kampung melayu")
	second := send("m-2", "sejak kemarin")
	edited := send("m-1", "banjir di kampung pulo")

	if edited.UserMessageID != "m-1" || edited.ThreadID != "t-edit" {
		t.Fatalf("edit echoed %+v", edited)
	}
	if edited.MessageID == "" || edited.MessageID == first.MessageID || edited.MessageID == second.MessageID {
		t.Fatalf("edit reused assistant id %q (earlier %q, %q)", edited.MessageID, first.MessageID, second.MessageID)
	}

	reqs := h.chat.Requests()
	if len(reqs) != 3 {
		t.Fatalf("expected 3 model calls, got %d", len(reqs))
	}
	history := reqs[2].Messages
	if len(history) != 1 || history[0].Role != "user" || history[0].Content != "banjir di kampung pulo" {
		t.Fatalf("model saw history %+v, want only the edited message", history)
	}

	msgs := decode[struct {
		Messages []domain.Message `json:"messages"`
	}](t, h.do(t, http.MethodGet, "/threads/t-edit/messages", "tok-u1", nil))
	if len(msgs.Messages) != 2 {
		t.Fatalf("expected edited user + new assistant, got %d messages", len(msgs.Messages))
	}
	user, assistant := msgs.Messages[0], msgs.Messages[1]
	if user.ID != "m-1" || user.PlainText() != "banjir di kampung pulo" {
		t.Fatalf("unexpected user message %+v", user)
	}
	if assistant.ID != edited.MessageID || assistant.Role != domain.RoleAssistantMessage {
		t.Fatalf("unexpected assistant message %+v, want id %s", assistant, edited.MessageID)
	}
}

func TestChatRejectsForeignThreadAndBadBodies(t *testing.T) {
	h := newHarness(t, []aitest.Turn{reply("Baik.")})
	first := h.do(t, http.MethodPost, "/chat/sync", "tok-u1", map[string]any{"thread_id": "t-1", "content": "banjir di kampung"})
	if first.Code != http.StatusOK {
		t.Fatalf("first turn: %d %s", first.Code, first.Body.String())
	}

	foreign := h.do(t, http.MethodPost, "/chat", "tok-u2", map[string]any{"thread_id": "t-1", "content": "halo"})
	if foreign.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign thread, got %d", foreign.Code)
	}
	for name, body := range map[string]any{
		"missing content": map[string]any{"thread_id": "t-2"},
		"empty parts":     map[string]any{"content": []any{}},
		"wrong type":      map[string]any{"content": 42},
	} {
		if rec := h.do(t, http.MethodPost, "/chat", "tok-u1", body); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", name, rec.Code)
		}
	}
}

func TestSyncChatAndReadEndpoints(t *testing.T) {
	h := newHarness(t, []aitest.Turn{reply("Sejak kapan banjirnya?")})
	rec := h.do(t, http.MethodPost, "/chat/sync", "tok-u1", map[string]any{
		"content": []map[string]any{{"type": "text", "text": "banjir di kampung melayu"}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("sync: %d %s", rec.Code, rec.Body.String())
	}
	res := decode[app.SyncResult](t, rec)
	if res.FinishReason != "stop" || res.ThreadID == "" {
		t.Fatalf("unexpected sync result %+v", res)
	}

	list := decode[struct {
		Threads []domain.Thread `json:"threads"`
	}](t, h.do(t, http.MethodGet, "/threads?limit=5", "tok-u1", nil))
	if len(list.Threads) != 1 || list.Threads[0].ID != res.ThreadID {
		t.Fatalf("unexpected thread list %+v", list)
	}
	if rec := h.do(t, http.MethodGet, "/threads?limit=x", "tok-u1", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}

	msgs := decode[struct {
		Messages []domain.Message `json:"messages"`
	}](t, h.do(t, http.MethodGet, "/threads/"+res.ThreadID+"/messages", "tok-u1", nil))
	if len(msgs.Messages) != 2 || msgs.Messages[1].Role != domain.RoleAssistantMessage {
		t.Fatalf("unexpected messages %+v", msgs)
	}

	view := decode[app.ThreadView](t, h.do(t, http.MethodGet, "/threads/"+res.ThreadID, "tok-u1", nil))
	if view.Report == nil {
		t.Fatalf("thread should carry its draft report")
	}
	if rec := h.do(t, http.MethodGet, "/reports/"+view.Report.ID, "tok-u2", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 reading another user's report, got %d", rec.Code)
	}
	if rec := h.do(t, http.MethodGet, "/threads/missing", "tok-u1", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestSyncChatUpstreamFailureIs502(t *testing.T) {
	h := newHarness(t, []aitest.Turn{{OpenErr: errors.New("provider down")}})
	rec := h.do(t, http.MethodPost, "/chat/sync", "tok-u1", map[string]any{"content": "sampah menumpuk"})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestChatQuotaReturns429WithRetryAfter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	limiter, err := ratelimit.NewFixedWindowLimiter(client, "test", 1, time.Minute)
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	h := newHarness(t, []aitest.Turn{reply("Baik.")}, func(a *app.Config, _ *Config) { a.Limiter = limiter })

	if rec := h.do(t, http.MethodPost, "/chat/sync", "tok-u1", map[string]any{"content": "halo"}); rec.Code != http.StatusOK {
		t.Fatalf("first request: %d", rec.Code)
	}
	rec := h.do(t, http.MethodPost, "/chat/sync", "tok-u1", map[string]any{"content": "halo lagi"})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("Retry-After missing")
	}
	status := decode[map[string]any](t, h.do(t, http.MethodGet, "/rate-limit", "tok-u1", nil))
	if status["limit"].(float64) != 1 || status["remaining"].(float64) != 0 {
		t.Fatalf("unexpected quota status %v", status)
	}
}

func TestInternalTransitionRequiresServiceToken(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	thread := domain.Thread{ID: "t-9", UserID: "u1", Title: "lampu jalan mati"}
	if err := h.store.CreateThread(ctx, thread); err != nil {
		t.Fatalf("create thread: %v", err)
	}
	r, err := h.store.EnsureReport(ctx, thread)
	if err != nil {
		t.Fatalf("ensure report: %v", err)
	}
	path := "/internal/reports/" + r.ID + "/transition"

	if rec := h.do(t, http.MethodPost, path, "tok-u1", map[string]string{"status": "rejected"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("user token must not pass service auth, got %d", rec.Code)
	}
	token, err := h.signer.Sign("intake")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if rec := h.do(t, http.MethodPost, path, token, map[string]string{"status": "pending"}); rec.Code != http.StatusConflict {
		t.Fatalf("draft -> pending must conflict, got %d", rec.Code)
	}
	if rec := h.do(t, http.MethodPost, path, token, map[string]string{"status": "archived"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown status must be 400, got %d", rec.Code)
	}
	rec := h.do(t, http.MethodPost, path, token, map[string]string{"status": "rejected"})
	if rec.Code != http.StatusOK {
		t.Fatalf("transition: %d %s", rec.Code, rec.Body.String())
	}
	out := decode[domain.Report](t, rec)
	if out.Status != domain.ReportRejected {
		t.Fatalf("status %s", out.Status)
	}
}

func writeKeyPair(t *testing.T) (string, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	dir := t.TempDir()
	privatePath := filepath.Join(dir, "internal-private.pem")
	publicPath := filepath.Join(dir, "internal-public.pem")
	privatePEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(privatePath, privatePEM, 0o600); err != nil {
		t.Fatalf("write private: %v", err)
	}
	publicDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public: %v", err)
	}
	if err := os.WriteFile(publicPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER}), 0o644); err != nil {
		t.Fatalf("write public: %v", err)
	}
	return privatePath, publicPath
}
