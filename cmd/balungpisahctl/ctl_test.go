package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"balungpisah/internal/servicetoken"
	"balungpisah/pkg/domain"
)

type keys struct {
	private string
	public  string
}

func writeKeyPair(t *testing.T) keys {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	dir := t.TempDir()
	k := keys{private: filepath.Join(dir, "ctl-private.pem"), public: filepath.Join(dir, "ctl-public.pem")}
	privatePEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(k.private, privatePEM, 0o600); err != nil {
		t.Fatalf("write private: %v", err)
	}
	publicDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public: %v", err)
	}
	if err := os.WriteFile(k.public, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER}), 0o644); err != nil {
		t.Fatalf("write public: %v", err)
	}
	return k
}

func verifier(t *testing.T, k keys, audience string) *servicetoken.Verifier {
	t.Helper()
	v, err := servicetoken.NewVerifierWithOptions(servicetoken.VerifierOptions{
		PublicKeyPath:  k.public,
		Audience:       audience,
		AllowedIssuers: []string{"balungpisahctl"},
	})
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	return v
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out strings.Builder
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func TestTokenSignProducesVerifiableToken(t *testing.T) {
	k := writeKeyPair(t)
	out, err := run(t, "--key", k.private, "--as", "officer-7", "token", "sign", "--audience", "extractor")
	if err != nil {
		t.Fatalf("token sign: %v", err)
	}
	claims, err := verifier(t, k, "extractor").Verify(strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("verify printed token: %v", err)
	}
	if claims.Subject != "officer-7" {
		t.Fatalf("subject %q", claims.Subject)
	}
	if _, err := verifier(t, k, "intake").Verify(strings.TrimSpace(out)); err == nil {
		t.Fatalf("token must be bound to its audience")
	}
}

func TestJobsListAndRetry(t *testing.T) {
	k := writeKeyPair(t)
	failed := domain.ReportJob{ID: "job-1", ReportID: "rep-1", Status: domain.JobFailed, RetryCount: 3, ErrorMessage: "model overloaded", SubmittedAt: time.Now().UTC()}
	retried := 0

	mux := http.NewServeMux()
	mux.HandleFunc("GET /internal/jobs", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("status") != "failed" {
			t.Errorf("status filter %q", r.URL.Query().Get("status"))
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": []domain.ReportJob{failed}})
	})
	mux.HandleFunc("POST /internal/jobs/{id}/retry", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "job-1" {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "only failed jobs can be retried"})
			return
		}
		retried++
		next := domain.ReportJob{ID: "job-2", ReportID: "rep-1", Status: domain.JobSubmitted}
		if retried == 1 {
			writeJSON(w, http.StatusCreated, map[string]any{"job": next, "created": true})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"job": next, "created": false})
	})
	srv := httptest.NewServer(servicetoken.Require(verifier(t, k, "extractor"), mux))
	defer srv.Close()
	base := []string{"--key", k.private, "--extractor-url", srv.URL}

	out, err := run(t, append(base, "jobs", "list", "--status", "failed")...)
	if err != nil {
		t.Fatalf("jobs list: %v", err)
	}
	if !strings.Contains(out, "job-1") || !strings.Contains(out, "model overloaded") {
		t.Fatalf("list output:\n%s", out)
	}

	out, err = run(t, append(base, "jobs", "retry", "job-1")...)
	if err != nil || !strings.Contains(out, "Queued job job-2 for report rep-1") {
		t.Fatalf("first retry: %v\n%s", err, out)
	}
	out, err = run(t, append(base, "jobs", "retry", "job-1")...)
	if err != nil || !strings.Contains(out, "already waiting") {
		t.Fatalf("second retry: %v\n%s", err, out)
	}
	if _, err := run(t, append(base, "jobs", "retry", "job-9")...); err == nil || !strings.Contains(err.Error(), "only failed jobs can be retried") {
		t.Fatalf("expected server error to surface, got %v", err)
	}
}

func TestReportsTransitionSignsForIntake(t *testing.T) {
	k := writeKeyPair(t)
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+intakeBasePath+"/internal/reports/{id}/transition", func(w http.ResponseWriter, r *http.Request) {
		actor, _ := servicetoken.Actor(r.Context())
		var body struct {
			Status string `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
			return
		}
		if actor != "officer-7" || body.Status != "verified" {
			t.Errorf("actor %q status %q", actor, body.Status)
		}
		writeJSON(w, http.StatusOK, domain.Report{ID: r.PathValue("id"), ReferenceNumber: "RPT-2026-0000042", Status: domain.ReportVerified})
	})
	srv := httptest.NewServer(servicetoken.Require(verifier(t, k, "intake"), mux))
	defer srv.Close()

	out, err := run(t, "--key", k.private, "--as", "officer-7", "--intake-url", srv.URL, "reports", "transition", "rep-1", "verified")
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if !strings.Contains(out, "Report rep-1 (RPT-2026-0000042) is now verified") {
		t.Fatalf("output:\n%s", out)
	}
	if _, err := run(t, "--key", k.private, "--intake-url", srv.URL, "reports", "transition", "rep-1", "archived"); err == nil {
		t.Fatalf("unknown status should fail before any request")
	}
}
