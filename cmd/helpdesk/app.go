package main

import (
	"fmt"

	"github.com/sashabaranov/go-openai"
	"github.com/xaenox/helpdesk/internal/assignment"
	"github.com/xaenox/helpdesk/internal/classifier"
	"github.com/xaenox/helpdesk/internal/jobs"
	"github.com/xaenox/helpdesk/internal/notify"
	"github.com/xaenox/helpdesk/internal/pipeline"
	"github.com/xaenox/helpdesk/internal/storage"
	"github.com/xaenox/helpdesk/pkg/config"
	"go.uber.org/zap"
)

// app is the wired pipeline shared by every command.
type app struct {
	cfg          *config.Config
	logger       *zap.Logger
	store        storage.Storage
	runner       *jobs.Runner
	orchestrator *pipeline.Orchestrator
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
		zcfg.Level = level
	}
	return zcfg.Build()
}

func openStorage(cfg *config.Config, logger *zap.Logger) (storage.Storage, error) {
	retries := cfg.Assignment.MaxConflictRetries
	switch cfg.Database.Driver {
	case "memory":
		logger.Info("Using in-memory storage")
		return storage.NewMemoryStorage(), nil
	case "sqlite":
		logger.Info("Using SQLite storage", zap.String("path", cfg.Database.Path))
		return storage.NewSQLiteStorage(cfg.Database.Path, retries, logger)
	case "postgres":
		logger.Info("Using PostgreSQL storage", zap.String("host", cfg.Database.Host))
		return storage.NewPostgresStorage(storage.DatabaseConfig{
			Host:               cfg.Database.Host,
			Port:               cfg.Database.Port,
			User:               cfg.Database.User,
			Password:           cfg.Database.Password,
			DBName:             cfg.Database.DBName,
			SSLMode:            cfg.Database.SSLMode,
			MaxConflictRetries: retries,
		}, logger)
	}
	return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
}

func newModel(cfg *config.Config, logger *zap.Logger) classifier.Model {
	if cfg.Classifier.Provider == "keyword" {
		logger.Info("Using keyword classifier", zap.Float64("min_confidence", cfg.Classifier.MinConfidence))
		return classifier.NewKeywordClassifier(cfg.Classifier.MinConfidence)
	}

	logger.Info("Using OpenAI classifier", zap.String("model", cfg.OpenAI.Model))
	if cfg.OpenAI.BaseURL == "" {
		return classifier.NewGPTClassifier(cfg.OpenAI.APIKey, cfg.OpenAI.Model, cfg.OpenAI.MaxTokens, cfg.OpenAI.Temperature, logger)
	}
	clientConfig := openai.DefaultConfig(cfg.OpenAI.APIKey)
	clientConfig.BaseURL = cfg.OpenAI.BaseURL
	return classifier.NewGPTClassifierWithClient(openai.NewClientWithConfig(clientConfig),
		cfg.OpenAI.Model, cfg.OpenAI.MaxTokens, cfg.OpenAI.Temperature, logger)
}

func newNotifier(cfg *config.Config, logger *zap.Logger) (notify.Notifier, error) {
	if !cfg.Telegram.Enabled {
		return notify.NopNotifier{}, nil
	}
	return notify.NewTelegramNotifier(cfg.Telegram.Token, logger)
}

func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	store, err := openStorage(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	notifier, err := newNotifier(cfg, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	model := newModel(cfg, logger)
	runner := jobs.NewRunner(logger,
		jobs.WithWorkers(cfg.Jobs.Workers),
		jobs.WithMaxAttempts(cfg.Jobs.MaxAttempts),
		jobs.WithBackoff(cfg.Jobs.Backoff, cfg.Jobs.MaxBackoff),
		jobs.WithQueueSize(cfg.Jobs.QueueSize))

	orchestrator := pipeline.New(store,
		classifier.New(model, model, store, logger),
		model,
		assignment.NewScheduler(store, logger, assignment.WithNotifier(notifier)),
		runner,
		logger,
		pipeline.WithMaxSiblings(cfg.Classifier.MaxSiblings))
	orchestrator.Register(runner)

	return &app{
		cfg:          cfg,
		logger:       logger,
		store:        store,
		runner:       runner,
		orchestrator: orchestrator,
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}
