package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/clipnotes/clipnotes-be/internal/artifact"
	"github.com/clipnotes/clipnotes-be/internal/config"
	"github.com/clipnotes/clipnotes-be/internal/fetch"
	"github.com/clipnotes/clipnotes-be/internal/ledger"
	"github.com/clipnotes/clipnotes-be/internal/pipeline"
	"github.com/clipnotes/clipnotes-be/internal/progress"
	"github.com/clipnotes/clipnotes-be/internal/proxy"
	"github.com/clipnotes/clipnotes-be/internal/worker"
	workerstorage "github.com/clipnotes/clipnotes-be/internal/worker/storage"
	"github.com/clipnotes/clipnotes-be/shared/logger"
	"github.com/clipnotes/clipnotes-be/shared/postgresql"
	"github.com/clipnotes/clipnotes-be/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established")

	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established")

	// Egress circuits
	rotator := proxy.NewHTTPRotator(cfg.Proxy.RotationURL, cfg.Proxy.RotationTimeout, appLogger.Logger)
	circuits, err := proxy.NewPool(&proxy.Config{
		Endpoints:           cfg.Proxy.Endpoints,
		MaxConsecutiveFails: cfg.Proxy.MaxConsecutiveFails,
		RotationTimeout:     cfg.Proxy.RotationTimeout,
	}, rotator, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to build circuit pool: %w", err)
	}

	appLogger.Info("Circuit pool ready",
		slog.Int("circuits", circuits.Size()),
	)

	// Storage and collaborators
	store := workerstorage.NewStorage(dbClient.GetDB(), cfg.Worker.JobTimeout, appLogger.Logger)
	artifacts := artifact.NewPostgresStore(dbClient.GetDB(), appLogger.Logger)
	creditLedger := ledger.NewPostgresLedger(dbClient.GetDB(), appLogger.Logger)

	// Progress: mirror into the job row, push over the fanout exchange
	sink := progress.MultiSink{
		progress.NewBrokerSink(rabbitClient, appLogger.Logger),
	}
	reporter := worker.NewProgressReporter(store, sink, appLogger.Logger)

	// Enrichment pipeline
	fetcher := fetch.NewFetcher(&fetch.Config{
		BaseURL: cfg.Fetch.BaseURL,
		Timeout: cfg.Fetch.Timeout,
	}, appLogger.Logger)

	summarizer := pipeline.NewSummarizer(&pipeline.SummarizerConfig{
		Endpoint:  cfg.Pipeline.Summarizer.Endpoint,
		Model:     cfg.Pipeline.Summarizer.Model,
		APIKeyEnv: cfg.Pipeline.Summarizer.APIKeyEnv,
		Timeout:   cfg.Pipeline.Summarizer.Timeout,
	}, appLogger.Logger)

	enrichment := pipeline.New(&pipeline.Config{
		Reporter:     reporter,
		Aborts:       store,
		StageTimeout: cfg.Pipeline.StageTimeout,
		Logger:       appLogger.Logger,
	},
		pipeline.NewFetchStage(fetcher),
		pipeline.NewSummarizeStage(summarizer),
		pipeline.NewCategorizeStage(store, cfg.Pipeline.CategorizeThreshold),
		pipeline.NewCrossrefStage(artifacts, cfg.Pipeline.CrossrefThreshold),
		pipeline.NewPersistStage(artifacts),
	)

	processor := worker.NewProcessor(&worker.ProcessorConfig{
		Storage:    store,
		Refunder:   creditLedger,
		Runner:     enrichment,
		JobCost:    cfg.Intake.JobCost,
		JobTimeout: cfg.Worker.JobTimeout,
		Logger:     appLogger.Logger,
	})

	workerInstance := worker.NewWorker(&worker.Config{
		Logger:        appLogger.Logger,
		RabbitClient:  rabbitClient,
		Processor:     processor,
		Circuits:      circuits,
		Concurrency:   cfg.Worker.Concurrency,
		PrefetchCount: cfg.RabbitMQ.Consumer.PrefetchCount,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Worker service started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Worker error",
			slog.Any("error", err),
		)
		return err
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		DeadLetterExchange: cfg.DeadLetter.Exchange,
		DeadLetterQueue:    cfg.DeadLetter.Queue,
		ProgressExchange:   cfg.ProgressExchange,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}
