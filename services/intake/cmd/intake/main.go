package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"balungpisah/internal/ratelimit"
	"balungpisah/internal/servicetoken"
	"balungpisah/internal/usertoken"
	"balungpisah/internal/util"
	"balungpisah/pkg/notify"
	"balungpisah/pkg/storage"
	"balungpisah/services/intake/internal/app"
	"balungpisah/services/intake/internal/config"
	"balungpisah/services/intake/internal/server"
)

// openNotifier is replaced in tests.
var openNotifier = notify.Open

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}
	util.InitLogger(cfg.LogLevel)

	if err := run(cfg); err != nil {
		util.Fatal("intake stopped", "err", err)
	}
}

// run wires the service and serves until the listener fails. Connections
// opened here are released before it returns.
func run(cfg config.FileConfig) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	users, err := usertoken.NewVerifier(ctx, usertoken.Config{
		JWKSURL:    cfg.AuthJWKSURL,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		Leeway:     config.MustDuration(cfg.JWTLeeway),
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	cancel()
	if err != nil {
		return fmt.Errorf("init jwks verifier: %w", err)
	}

	verifyKeys, err := servicetoken.ParseVerifyPublicKeys(cfg.ServiceTokenVerifyKeys)
	if err != nil {
		return fmt.Errorf("parse service token keys: %w", err)
	}
	serviceTokens, err := servicetoken.NewVerifierWithOptions(servicetoken.VerifierOptions{
		PublicKeyPath:      cfg.ServiceTokenPublicKeyPath,
		VerifyPublicKeyMap: verifyKeys,
		DefaultKeyID:       cfg.ServiceTokenKeyID,
		Audience:           cfg.ServiceTokenAudience,
		AllowedIssuers:     cfg.ServiceTokenIssuers,
	})
	if err != nil {
		return fmt.Errorf("init service token verifier: %w", err)
	}

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		return fmt.Errorf("invalid trusted proxy cidrs: %w", err)
	}

	var limiter app.Limiter
	if cfg.ChatRateLimit > 0 {
		fw, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "balungpisah:chat", cfg.ChatRateLimit, config.MustDuration(cfg.ChatRateWindow))
		if err != nil {
			return fmt.Errorf("init chat rate limiter: %w", err)
		}
		limiter = fw
	}

	var files *storage.FileResolver
	if cfg.MinioEndpoint != "" {
		objects, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			return fmt.Errorf("init object storage: %w", err)
		}
		files = storage.NewFileResolver(objects, config.MustDuration(cfg.PresignTTL))
	}

	notifier, closeNotifier, err := openNotifier(notify.Options{
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisStream:   cfg.NotifyRedisStream,
		AMQPURL:       cfg.NotifyAMQPURL,
		AMQPExchange:  cfg.NotifyAMQPExchange,
	})
	if err != nil {
		return fmt.Errorf("init report notifications: %w", err)
	}
	defer closeNotifier()

	appCore, err := app.New(app.Config{
		DatabaseURL:             cfg.DatabaseURL,
		ChatBaseURL:             cfg.ChatBaseURL,
		ChatAPIKey:              cfg.ChatAPIKey,
		ChatModel:               cfg.ChatModel,
		SystemPrompt:            cfg.SystemPrompt,
		MaxToolIterations:       cfg.MaxToolIterations,
		MaxTokens:               cfg.ChatMaxTokens,
		Temperature:             cfg.ChatTemperature,
		ToolTimeout:             config.MustDuration(cfg.ToolTimeout),
		ConcurrentReadOnlyTools: cfg.ConcurrentReadOnlyTools,
		Files:                   files,
		Limiter:                 limiter,
		Notifier:                notifier,
	})
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}

	httpServer := server.New(server.Config{
		App:            appCore,
		Users:          users,
		ServiceTokens:  serviceTokens,
		TrustedProxies: trusted,
		AllowedOrigins: cfg.AllowedOrigins,
		Keepalive:      config.MustDuration(cfg.Keepalive),
	})

	addr := ":" + cfg.Port
	// No WriteTimeout: chat responses are long-lived event streams.
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	slog.Info("intake server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
