package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"balungpisah/pkg/notify"
	"balungpisah/services/extractor/internal/config"
)

func writePublicKey(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "service.pub.pem")
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return path
}

func TestRunClosesNotifierWhenAppInitFails(t *testing.T) {
	closed := 0
	prev := openNotifier
	openNotifier = func(notify.Options) (notify.Publisher, func(), error) {
		return notify.Combine(), func() { closed++ }, nil
	}
	t.Cleanup(func() { openNotifier = prev })

	cfg := config.FileConfig{
		Port:                      "0",
		ServiceTokenPublicKeyPath: writePublicKey(t),
		ServiceTokenAudience:      "extractor",
		ServiceTokenIssuers:       []string{"intake"},
		NotifyRedisStream:         "report-events",
	}
	err := run(context.Background(), cfg, slog.Default())
	if err == nil || !strings.Contains(err.Error(), "init app") {
		t.Fatalf("expected app init failure, got %v", err)
	}
	if closed != 1 {
		t.Fatalf("notifier closed %d times, want 1", closed)
	}
}
