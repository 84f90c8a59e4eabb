package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/timmy/mailtriage/internal/api"
	"github.com/timmy/mailtriage/internal/batch"
	"github.com/timmy/mailtriage/internal/config"
	"github.com/timmy/mailtriage/internal/logger"
	"github.com/timmy/mailtriage/internal/processor"
	"github.com/timmy/mailtriage/internal/report"
	"github.com/timmy/mailtriage/internal/repository"
	"github.com/timmy/mailtriage/internal/storage"
	"github.com/timmy/mailtriage/internal/taskqueue"
)

func main() {
	appLogger := logger.New(logger.OptionsFromEnv())
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	// Support CONFIG_PATH environment variable for production deployments
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize database")
	}
	store := repository.NewBatchJobRepository(db)

	queue, err := taskqueue.New(&cfg.Queue)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize task queue")
	}
	defer queue.Close()

	mailProcessor, err := processor.NewClient(&cfg.Processor)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize email processor client")
	}

	ctx := context.Background()

	// Report archive is optional
	var archive batch.ReportArchiver
	if cfg.Storage.Enabled {
		objectStorage, err := storage.NewStorage(&cfg.Storage)
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to initialize storage")
		}
		if err := objectStorage.EnsureBucket(ctx); err != nil {
			appLogger.WithError(err).Fatal("Failed to ensure storage bucket")
		}
		archive = report.NewArchiver(objectStorage)
	}

	settings := batch.SettingsFromConfig(&cfg.Batch)
	router := api.SetupRouter(api.Services{
		Jobs:   batch.NewOrchestrator(store, queue, archive, settings),
		Chunks: batch.NewExecutor(store, mailProcessor, queue, archive, settings),
		Queue:  queue,
		Ping:   func(ctx context.Context) error { return repository.Ping(ctx, db) },
	}, &cfg.Server, &cfg.Queue)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		appLogger.WithFields(logger.Fields{
			"port":         cfg.Server.Port,
			"mode":         cfg.Server.Mode,
			"queue_driver": cfg.Queue.Driver,
			"worker_url":   cfg.Queue.TargetURL(),
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Error("Server forced to shutdown")
	}

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
	appLogger.Info("Server exited")
}
