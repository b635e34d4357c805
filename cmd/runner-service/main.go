package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/ndquoc/devrunner/internal/api/handler"
	"github.com/ndquoc/devrunner/internal/api/router"
	"github.com/ndquoc/devrunner/internal/config"
	"github.com/ndquoc/devrunner/internal/engine"
	"github.com/ndquoc/devrunner/internal/engine/approval"
	"github.com/ndquoc/devrunner/internal/engine/archive"
	"github.com/ndquoc/devrunner/internal/engine/broadcast"
	"github.com/ndquoc/devrunner/internal/engine/store"
	"github.com/ndquoc/devrunner/internal/engine/supervise"
	"github.com/ndquoc/devrunner/internal/events"
	"github.com/ndquoc/devrunner/shared/logger"
	"github.com/ndquoc/devrunner/shared/postgresql"
	"github.com/ndquoc/devrunner/shared/rabbitmq"
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

	// Parse command-line flags
	defaultConfigPath := os.Getenv("RUNNER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/runner-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting runner service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Optional terminal-job archive
	var dbClient *postgresql.Client
	var jobArchiver engine.Archiver
	if cfg.Archive.Enabled {
		dbClient, err = initPostgreSQL(&cfg.Archive.Database, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize archive database: %w", err)
		}

		archiver := archive.New(dbClient, appLogger.Logger)
		if err := archiver.EnsureSchema(context.Background()); err != nil {
			return fmt.Errorf("failed to prepare archive schema: %w", err)
		}
		jobArchiver = archiver

		appLogger.Info("Job archive enabled")
	}

	// Optional lifecycle event publisher
	var rabbitClient *rabbitmq.Client
	var notifier engine.Notifier
	if cfg.Events.Enabled {
		rabbitClient, err = initRabbitMQ(&cfg.Events.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		notifier = events.NewPublisher(rabbitClient, cfg.Events.PublishTimeout, appLogger.Logger)

		appLogger.Info("Job event publishing enabled",
			slog.String("exchange", cfg.Events.RabbitMQ.Exchange.Name),
		)
	}

	// Assemble the engine
	registry := make(engine.Registry, len(cfg.Engine.JobTypes))
	for _, jt := range cfg.Engine.JobTypes {
		registry[jt.Name] = engine.JobType{
			Name:        jt.Name,
			Command:     jt.Command,
			DiffCommand: jt.DiffCommand,
			WorkDir:     jt.WorkDir,
		}
	}

	controller := engine.NewController(engine.Config{
		Store:            store.New(appLogger.Logger),
		Broadcaster:      broadcast.New(appLogger.Logger),
		Supervisor:       supervise.New(cfg.Engine.GracePeriod, appLogger.Logger),
		Gate:             approval.New(appLogger.Logger),
		Registry:         registry,
		ProtectedTargets: cfg.Engine.ProtectedTargets,
		MaxActiveJobs:    cfg.Engine.MaxActiveJobs,
		Archiver:         jobArchiver,
		Notifier:         notifier,
		Logger:           appLogger.Logger,
	})

	// Initialize router
	r := initRouter(cfg.App.Environment, appLogger.Logger, controller, dbClient, rabbitClient)

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("grace_period", cfg.Engine.GracePeriod),
		slog.Int("job_types", len(registry)),
	)

	// Start server in goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Server failed to start",
				slog.Any("error", err),
			)
			os.Exit(1)
		}
	}()

	appLogger.Info("Runner service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Settle running jobs before tearing down their collaborators.
	if err := controller.Shutdown(ctx); err != nil {
		appLogger.Warn("Jobs did not settle before shutdown deadline",
			slog.Any("error", err),
		)
	}

	cleanup := func() {
		if dbClient != nil {
			dbClient.Close()
		}
		if rabbitClient != nil {
			rabbitClient.Close()
		}
	}
	defer cleanup()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
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

// initRouter initializes the Gin router with all routes and middleware
func initRouter(
	environment string,
	logger *slog.Logger,
	controller *engine.Controller,
	db *postgresql.Client,
	rabbit *rabbitmq.Client,
) *gin.Engine {
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	handlerDeps := &handler.Dependencies{
		Logger:     logger,
		Controller: controller,
		DB:         db,
		Rabbit:     rabbit,
	}

	return router.SetupRouter(handlerDeps)
}
