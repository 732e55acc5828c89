package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"balungpisah/internal/servicetoken"
	"balungpisah/internal/util"
	"balungpisah/pkg/notify"
	"balungpisah/services/extractor/internal/app"
	"balungpisah/services/extractor/internal/config"
	"balungpisah/services/extractor/internal/server"
)

// openNotifier is replaced in tests.
var openNotifier = notify.Open

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, logger)
	stop()
	if err != nil {
		util.Fatal("extractor stopped", "err", err)
	}
}

// run wires the service and blocks until ctx is cancelled or the server fails.
// Every connection opened here is released before it returns.
func run(ctx context.Context, cfg config.FileConfig, logger *slog.Logger) error {
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
		DatabaseURL:         cfg.DatabaseURL,
		GeneratorProvider:   cfg.GeneratorProvider,
		GeneratorBaseURL:    cfg.GeneratorBaseURL,
		GeneratorAPIKey:     cfg.GeneratorAPIKey,
		GeneratorModel:      cfg.GeneratorModel,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		Notifier:            notifier,
		Workers:             cfg.Workers,
		PollInterval:        config.MustDuration(cfg.PollInterval),
		LeaseTimeout:        config.MustDuration(cfg.LeaseTimeout),
		MaxRetries:          cfg.MaxRetries,
		BackoffBase:         config.MustDuration(cfg.BackoffBase),
		BackoffCap:          config.MustDuration(cfg.BackoffCap),
	})
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}

	httpServer := server.New(server.Config{
		App:            appCore,
		ServiceTokens:  serviceTokens,
		TrustedProxies: trusted,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	engineDone := make(chan error, 1)
	go func() { engineDone <- appCore.Run(ctx) }()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("extractor server listening", "addr", addr)
	var serveErr error
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		serveErr = fmt.Errorf("serve: %w", err)
		cancel()
	}
	if err := <-engineDone; err != nil {
		logger.Error("extraction engine error", "err", err)
	}
	return serveErr
}
