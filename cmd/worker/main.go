/**
 * Tablescan Worker - Main Entry Point
 *
 * Consumes extract and persist jobs for scanned material issue logs.
 *
 * Architecture:
 * - Redis LIST consumer (default) or asynq server for the job queue
 * - Page pipeline: pdfium rasterization, OCR detection, row reconstruction
 * - PostgreSQL job tracking and row persistence
 * - Optional review API on HTTP_PORT
 */

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/adverant/nexus/tablescan-worker/internal/api"
	"github.com/adverant/nexus/tablescan-worker/internal/app"
	"github.com/adverant/nexus/tablescan-worker/internal/config"
	"github.com/adverant/nexus/tablescan-worker/internal/logging"
	"github.com/adverant/nexus/tablescan-worker/internal/queue"
)

type consumer interface {
	Start() error
	Stop() error
}

// asynqConsumer adapts queue.Consumer to the ctx-free lifecycle
type asynqConsumer struct{ c *queue.Consumer }

func (a asynqConsumer) Start() error { return a.c.Start(context.Background()) }
func (a asynqConsumer) Stop() error  { return a.c.Stop(context.Background()) }

func main() {
	logger := logging.NewLogger("Worker")

	if err := godotenv.Load(".env.tablescan"); err != nil {
		logger.Warn(".env.tablescan not found, using system environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	logging.SetLevel(cfg.LogLevel)

	logger.Info("Tablescan worker starting",
		"queue", cfg.QueueName,
		"backend", cfg.QueueBackend,
		"workers", cfg.WorkerConcurrency,
		"pageWorkers", cfg.PageWorkers,
		"engine", cfg.OCREngine,
		"table", cfg.TargetTable,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	components, err := app.New(ctx, cfg, app.Options{WithDatabase: true})
	if err != nil {
		logger.Error("Failed to initialize components", "error", err)
		os.Exit(1)
	}
	defer components.Close()

	var queueConsumer consumer
	switch cfg.QueueBackend {
	case "asynq":
		c, err := queue.NewConsumer(&queue.ConsumerConfig{
			RedisURL:          cfg.RedisURL,
			QueueName:         cfg.QueueName,
			Concurrency:       cfg.WorkerConcurrency,
			Processor:         components.Processor,
			ProcessingTimeout: cfg.ProcessingTimeout,
		})
		if err != nil {
			logger.Error("Failed to initialize asynq consumer", "error", err)
			os.Exit(1)
		}
		queueConsumer = asynqConsumer{c}
	default:
		c, err := queue.NewRedisConsumer(&queue.RedisConsumerConfig{
			RedisURL:          cfg.RedisURL,
			QueueName:         cfg.QueueName,
			Concurrency:       cfg.WorkerConcurrency,
			Processor:         components.Processor,
			ProcessingTimeout: cfg.ProcessingTimeout,
		})
		if err != nil {
			logger.Error("Failed to initialize queue consumer", "error", err)
			os.Exit(1)
		}
		queueConsumer = c
	}

	if err := queueConsumer.Start(); err != nil {
		logger.Error("Failed to start queue consumer", "error", err)
		os.Exit(1)
	}
	logger.Info("Queue consumer started", "concurrency", cfg.WorkerConcurrency)

	var httpServer *http.Server
	if cfg.HTTPPort != "" {
		httpServer = &http.Server{
			Addr: ":" + cfg.HTTPPort,
			Handler: api.NewServer(components.Processor, api.Options{
				Jobs:           components.DB,
				Health:         components.HealthCheck,
				MaxUploadBytes: cfg.MaxFileSize,
				RequestTimeout: cfg.ProcessingTimeout,
				Logger:         logging.NewLogger("API"),
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("HTTP API listening", "addr", httpServer.Addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP server failed", "error", err)
				stop()
			}
		}()
	}

	logger.Info("Waiting for jobs...")
	<-ctx.Done()
	logger.Info("Shutdown signal received, initiating graceful shutdown")

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error stopping HTTP server", "error", err)
		}
		cancel()
	}

	if err := queueConsumer.Stop(); err != nil {
		logger.Warn("Error stopping queue consumer", "error", err)
	}

	if err := components.Close(); err != nil {
		logger.Warn("Error closing components", "error", err)
	}

	logger.Info("Shutdown complete")
}
