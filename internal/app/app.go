// Package app wires the pipeline from configuration.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/pep299/daily-digest/internal/config"
	"github.com/pep299/daily-digest/internal/digest"
	"github.com/pep299/daily-digest/internal/gemini"
	"github.com/pep299/daily-digest/internal/model"
	"github.com/pep299/daily-digest/internal/openai"
	"github.com/pep299/daily-digest/internal/orchestrator"
	"github.com/pep299/daily-digest/internal/rank"
	"github.com/pep299/daily-digest/internal/slack"
	"github.com/pep299/daily-digest/internal/source"
	"github.com/pep299/daily-digest/internal/store"
	"github.com/pep299/daily-digest/internal/store/gcsstore"
	"github.com/pep299/daily-digest/internal/store/sqlstore"
	"github.com/pep299/daily-digest/internal/summarizer"
	"github.com/pep299/daily-digest/internal/telegram"
)

// App owns the long-lived pieces built from a Config.
type App struct {
	Config       *config.Config
	Logger       *slog.Logger
	Orchestrator *orchestrator.Orchestrator

	closer io.Closer
}

// New builds the stores, sources, summarization backend, delivery channel
// and orchestrator described by cfg.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dedup, checkpoints, closer, err := OpenStores(ctx, cfg)
	if err != nil {
		return nil, err
	}

	o, err := build(cfg, dedup, checkpoints, logger)
	if err != nil {
		closer.Close()
		return nil, err
	}

	return &App{
		Config:       cfg,
		Logger:       logger,
		Orchestrator: o,
		closer:       closer,
	}, nil
}

func build(cfg *config.Config, dedup store.DedupStore, checkpoints store.CheckpointStore, logger *slog.Logger) (*orchestrator.Orchestrator, error) {
	registry := source.NewRegistry(source.Options{ContactEmail: cfg.ArxivEmail})
	adapters, err := registry.Build(cfg.Sources)
	if err != nil {
		return nil, fmt.Errorf("building sources: %w", err)
	}

	svc, err := NewService(cfg)
	if err != nil {
		return nil, err
	}
	deliverer, err := NewDeliverer(cfg)
	if err != nil {
		return nil, err
	}

	sumCfg := summarizer.Config{
		MaxInputChars:    cfg.MaxInputChars,
		MaxOutputTokens:  cfg.MaxOutputTokens,
		MaxAttempts:      cfg.SummarizeAttempts,
		BaseBackoff:      cfg.BaseBackoff,
		MaxBackoff:       cfg.MaxBackoff,
		Concurrency:      cfg.MaxConcurrentRequests,
		RatePerSecond:    cfg.RatePerSecond,
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerCooldown:  cfg.BreakerCooldown,
		CallTimeout:      cfg.CallTimeout,
	}
	sumLogger := logger.With("component", "summarizer", "service", svc.Name())

	return orchestrator.New(orchestrator.Deps{
		Checkpoints: checkpoints,
		Dedup:       dedup,
		Ingester:    source.NewCoordinator(adapters, cfg.IngestParallelism, cfg.SourceTimeout, logger.With("component", "ingest")),
		Ranker: rank.New(rank.Config{
			Weights:             cfg.Weights,
			SourceWeights:       source.Weights(cfg.Sources),
			DefaultSourceWeight: cfg.DefaultSourceWeight,
			Keywords:            cfg.Keywords,
			HalfLife:            cfg.RecencyHalfLife,
			TopN:                cfg.TopN,
		}),
		NewSummarizer: func() orchestrator.Summarizer {
			return summarizer.New(svc, sumCfg, sumLogger)
		},
		Composer:  digest.NewComposer(cfg.TopN),
		Deliverer: deliverer,
	}, orchestratorConfig(cfg), logger.With("component", "orchestrator")), nil
}

func orchestratorConfig(cfg *config.Config) orchestrator.Config {
	return orchestrator.Config{
		Lookback:         cfg.IngestLookback,
		MaxRunDuration:   cfg.RunMaxDuration,
		DeliveryAttempts: cfg.DeliveryAttempts,
		DeliveryBackoff:  cfg.DeliveryBackoff,
		FallbackChars:    cfg.FallbackChars,
	}
}

// OpenStores opens the dedup and checkpoint stores for cfg.StoreDriver. The
// returned Closer releases whatever backs them.
func OpenStores(ctx context.Context, cfg *config.Config) (store.DedupStore, store.CheckpointStore, io.Closer, error) {
	switch cfg.StoreDriver {
	case "memory", "":
		return store.NewMemoryDedupStore(cfg.Retention()), store.NewMemoryCheckpointStore(), closerFunc(func() error { return nil }), nil
	case "sqlite", "postgres":
		dialect := sqlstore.SQLite
		if cfg.StoreDriver == "postgres" {
			dialect = sqlstore.Postgres
		}
		db, err := sqlstore.Open(ctx, dialect, cfg.DatabaseDSN)
		if err != nil {
			return nil, nil, nil, &model.StateStoreError{Op: "open " + cfg.StoreDriver, Err: err}
		}
		return db.Dedup(cfg.Retention()), db.Checkpoints(), db, nil
	case "gcs":
		s, err := gcsstore.New(ctx, cfg.CacheBucket, cfg.StorePrefix, cfg.Retention())
		if err != nil {
			return nil, nil, nil, &model.StateStoreError{Op: "open gcs", Err: err}
		}
		return s, s, s, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

// NewService returns the summarization backend for cfg.SummarizerProvider.
func NewService(cfg *config.Config) (summarizer.Service, error) {
	switch cfg.SummarizerProvider {
	case "gemini":
		return gemini.NewClient(cfg.GeminiAPIKey, cfg.GeminiModel), nil
	case "openai":
		return openai.NewClient(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.OpenAIBaseURL), nil
	}
	return nil, fmt.Errorf("unknown summarizer provider %q", cfg.SummarizerProvider)
}

// NewDeliverer returns the delivery channel for cfg.DeliveryChannel.
func NewDeliverer(cfg *config.Config) (orchestrator.Deliverer, error) {
	switch cfg.DeliveryChannel {
	case "slack":
		return slack.NewClient(cfg.SlackBotToken, cfg.SlackChannel), nil
	case "telegram":
		return telegram.NewNotifier(cfg.TelegramBotToken, cfg.TelegramChatID), nil
	}
	return nil, fmt.Errorf("unknown delivery channel %q", cfg.DeliveryChannel)
}

// Close releases the stores.
func (a *App) Close() error {
	if a.closer == nil {
		return nil
	}
	return a.closer.Close()
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
