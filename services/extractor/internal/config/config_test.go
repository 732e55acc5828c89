package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
port: "8082"
databaseURL: postgres://localhost/balungpisah
generatorProvider: ollama
generatorBaseURL: http://ollama:11434
generatorModel: qwen2.5
serviceTokenVerifyKeys: internal-active=/keys/internal.pub
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFillsEngineDefaults(t *testing.T) {
	t.Setenv("BALUNGPISAH_EXTRACTOR_WORKERS", "4")

	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Workers != 4 {
		t.Fatalf("workers env override not applied: %d", cfg.Workers)
	}
	if cfg.MaxRetries != 3 || cfg.ConfidenceThreshold != 0.7 {
		t.Fatalf("retry defaults not applied: %+v", cfg)
	}
	if MustDuration(cfg.LeaseTimeout) != 5*time.Minute {
		t.Fatalf("lease timeout %q", cfg.LeaseTimeout)
	}
	if MustDuration(cfg.BackoffBase) != 30*time.Second || MustDuration(cfg.BackoffCap) != 30*time.Minute {
		t.Fatalf("backoff %q..%q", cfg.BackoffBase, cfg.BackoffCap)
	}
	if cfg.ServiceTokenAudience != "extractor" {
		t.Fatalf("audience %q", cfg.ServiceTokenAudience)
	}
}

func TestLoadRejectsInvalidEngineSettings(t *testing.T) {
	cases := map[string]struct{ drop, add, want string }{
		"model":     {drop: "generatorModel: qwen2.5", want: "generatorModel is required"},
		"threshold": {add: "confidenceThreshold: 1.5", want: "confidenceThreshold"},
		"lease":     {add: "leaseTimeout: -1m", want: "leaseTimeout must be positive"},
		"cap":       {add: "backoffCap: 10s", want: "backoffCap must be >= backoffBase"},
		"stream":    {add: "notifyRedisStream: balungpisah:reports", want: "redisAddr is required"},
	}
	for name, tc := range cases {
		body := validYAML
		if tc.drop != "" {
			body = strings.Replace(body, tc.drop, "", 1)
		}
		body += tc.add + "\n"
		_, err := Load(writeConfig(t, body))
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected error containing %q, got %v", name, tc.want, err)
		}
	}
}
