package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"balungpisah/pkg/ai"
	"balungpisah/pkg/domain"
	"balungpisah/pkg/notify"
	"balungpisah/pkg/store"
	"balungpisah/services/extractor/internal/engine"
	"balungpisah/services/extractor/internal/extract"
)

const (
	defaultJobPage = 50
	maxJobPage     = 500
)

// Config holds runtime configuration.
type Config struct {
	DatabaseURL string
	Store       store.Store

	Generator           ai.TextGenerator
	GeneratorProvider   string
	GeneratorBaseURL    string
	GeneratorAPIKey     string
	GeneratorModel      string
	ConfidenceThreshold float64

	Notifier     notify.Publisher
	Workers      int
	PollInterval time.Duration
	LeaseTimeout time.Duration
	MaxRetries   int
	BackoffBase  time.Duration
	BackoffCap   time.Duration
	Now          func() time.Time
}

// App owns the extraction engine and the job inspection surface.
type App struct {
	store  store.Store
	engine *engine.Engine
}

// New constructs the extractor service with persistence.
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
	gen := cfg.Generator
	if gen == nil {
		var err error
		gen, err = ai.NewTextGenerator(ai.GeneratorConfig{
			Provider:   cfg.GeneratorProvider,
			BaseURL:    cfg.GeneratorBaseURL,
			APIKey:     cfg.GeneratorAPIKey,
			Model:      cfg.GeneratorModel,
			JSONOutput: true,
		})
		if err != nil {
			return nil, fmt.Errorf("init extraction model: %w", err)
		}
	}
	eng, err := engine.New(engine.Config{
		Store:        dataStore,
		Extractor:    extract.New(gen, cfg.ConfidenceThreshold),
		Notifier:     cfg.Notifier,
		Workers:      cfg.Workers,
		PollInterval: cfg.PollInterval,
		LeaseTimeout: cfg.LeaseTimeout,
		MaxRetries:   cfg.MaxRetries,
		BackoffBase:  cfg.BackoffBase,
		BackoffCap:   cfg.BackoffCap,
		Now:          cfg.Now,
	})
	if err != nil {
		return nil, err
	}
	return &App{store: dataStore, engine: eng}, nil
}

// Run blocks while the workers process jobs.
func (a *App) Run(ctx context.Context) error {
	return a.engine.Run(ctx)
}

// ListJobs returns jobs, optionally filtered by status, oldest first.
func (a *App) ListJobs(ctx context.Context, status string, limit int) ([]domain.ReportJob, error) {
	var filter domain.JobStatus
	switch s := domain.JobStatus(strings.TrimSpace(status)); s {
	case "":
	case domain.JobSubmitted, domain.JobProcessing, domain.JobCompleted, domain.JobFailed:
		filter = s
	default:
		return nil, fmt.Errorf("%w: unknown job status %q", ErrInvalidRequest, status)
	}
	if limit <= 0 {
		limit = defaultJobPage
	}
	if limit > maxJobPage {
		limit = maxJobPage
	}
	return a.store.ListJobs(ctx, filter, limit)
}

func (a *App) GetJob(ctx context.Context, id string) (domain.ReportJob, error) {
	job, ok, err := a.store.GetJob(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.ReportJob{}, err
	}
	if !ok {
		return domain.ReportJob{}, ErrNotFound
	}
	return job, nil
}

// RetryJob queues a fresh attempt for a failed job. created is false when the
// report already had a submitted job waiting.
func (a *App) RetryJob(ctx context.Context, id, actor string) (domain.ReportJob, bool, error) {
	job, created, err := a.store.RetryJob(ctx, strings.TrimSpace(id))
	switch {
	case errors.Is(err, store.ErrNotFound):
		return domain.ReportJob{}, false, ErrNotFound
	case errors.Is(err, store.ErrJobNotFailed):
		return domain.ReportJob{}, false, ErrJobNotFailed
	case err != nil:
		return domain.ReportJob{}, false, err
	}
	slog.Info("job retry queued", "failed_job_id", id, "job_id", job.ID, "report_id", job.ReportID, "created", created, "actor", actor)
	return job, created, nil
}

// Ping checks the database connection.
func (a *App) Ping(ctx context.Context) error {
	if p, ok := a.store.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}
