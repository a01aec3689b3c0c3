/**
 * OCR Pipeline Worker - Main Entry Point
 *
 * Go worker that runs image cleanup and OCR pipelines over batches of scans.
 *
 * Architecture:
 * - Redis list or Asynq consumer for queued batch jobs
 * - engine.Session as the handle-based image/OCR library, Tesseract for recognition
 * - batch.Runner for ordered, cancellable batches with per-item isolation
 * - PostgreSQL persistence for batch status and item results (optional)
 * - Prometheus metrics for handle traffic and batch outcomes
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/adverant/nexus/ocrpipe-worker/internal/config"
	"github.com/adverant/nexus/ocrpipe-worker/internal/engine"
	"github.com/adverant/nexus/ocrpipe-worker/internal/engine/tesseract"
	"github.com/adverant/nexus/ocrpipe-worker/internal/logging"
	"github.com/adverant/nexus/ocrpipe-worker/internal/metrics"
	"github.com/adverant/nexus/ocrpipe-worker/internal/native"
	"github.com/adverant/nexus/ocrpipe-worker/internal/queue"
	"github.com/adverant/nexus/ocrpipe-worker/internal/storage"
)

// consumer is the part of both queue backends the worker needs.
type consumer interface {
	start(ctx context.Context) error
	stop(ctx context.Context) error
}

type redisListConsumer struct{ *queue.RedisConsumer }

func (c redisListConsumer) start(context.Context) error { return c.Start() }
func (c redisListConsumer) stop(context.Context) error  { return c.Stop() }

type asynqConsumer struct{ *queue.Consumer }

func (c asynqConsumer) start(ctx context.Context) error { return c.Start(ctx) }
func (c asynqConsumer) stop(ctx context.Context) error  { return c.Stop(ctx) }

func main() {
	// Load environment variables
	if err := godotenv.Load(".env.ocrpipe"); err != nil {
		log.Printf("Warning: .env.ocrpipe not found, using system environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logging.SetDebug(cfg.Debug())
	logger := logging.NewLogger("Worker")

	logger.Info("OCR pipeline worker starting",
		"queue", cfg.QueueName, "backend", cfg.QueueBackend,
		"workers", cfg.WorkerConcurrency, "pipelineWorkers", cfg.PipelineWorkers,
		"preset", cfg.DefaultPreset)

	// Metrics
	m, err := metrics.New(nil)
	if err != nil {
		log.Fatalf("Failed to initialize metrics: %v", err)
	}

	// Native library
	session := engine.NewSession(engine.Options{
		Recognizer:    tesseract.New(tesseract.Config{TessdataPrefix: cfg.TessdataPrefix}),
		Languages:     cfg.OCRLanguages,
		DictionaryDir: cfg.DictionaryDir,
		Logger:        logging.NewLogger("Engine"),
	})
	lib := native.Instrument(session, m)

	// Optional job tracking
	var db *storage.PostgresClient
	var store queue.JobStore
	if cfg.DatabaseURL != "" {
		logger.Info("Connecting to PostgreSQL")
		db, err = storage.NewPostgresClient(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to initialize PostgreSQL client: %v", err)
		}
		defer db.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := db.EnsureSchema(ctx); err != nil {
			cancel()
			log.Fatalf("Failed to prepare schema: %v", err)
		}
		cancel()
		store = db
	} else {
		logger.Warn("DATABASE_URL not set, job tracking disabled")
	}

	handler, err := queue.NewHandler(queue.HandlerConfig{
		Library:           lib,
		PipelineWorkers:   cfg.PipelineWorkers,
		OutputDir:         cfg.OutputDir,
		Save:              cfg.SaveOptions(),
		DefaultPreset:     cfg.DefaultPreset,
		Store:             store,
		Recorder:          m,
		ProcessingTimeout: int64(cfg.ProcessingTimeout),
		Logger:            logging.NewLogger("Queue"),
	})
	if err != nil {
		log.Fatalf("Failed to initialize batch handler: %v", err)
	}

	c, err := newConsumer(cfg, handler)
	if err != nil {
		log.Fatalf("Failed to initialize queue consumer: %v", err)
	}

	// Metrics and health endpoints
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := healthCheck(r.Context(), db, session); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "ok")
	})
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", "error", err)
		}
	}()

	if err := c.start(context.Background()); err != nil {
		log.Fatalf("Failed to start queue consumer: %v", err)
	}

	logger.Info("OCR pipeline worker is ready", "metrics", cfg.MetricsAddr, "output", cfg.OutputDir)

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Received signal, initiating graceful shutdown", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := c.stop(shutdownCtx); err != nil {
		logger.Error("Error stopping queue consumer", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error stopping metrics server", "error", err)
	}
	if live := session.Live(); live != 0 {
		logger.Error("Handles still allocated at shutdown", "live", live)
	}

	logger.Info("Shutdown complete")
}

func newConsumer(cfg *config.Config, handler *queue.Handler) (consumer, error) {
	switch cfg.QueueBackend {
	case config.BackendAsynq:
		c, err := queue.NewConsumer(&queue.ConsumerConfig{
			RedisURL:    cfg.RedisURL,
			QueueName:   cfg.QueueName,
			Concurrency: cfg.WorkerConcurrency,
			Handler:     handler,
			Logger:      logging.NewLogger("Asynq"),
		})
		if err != nil {
			return nil, err
		}
		return asynqConsumer{c}, nil
	default:
		c, err := queue.NewRedisConsumer(&queue.RedisConsumerConfig{
			RedisURL:    cfg.RedisURL,
			QueueName:   cfg.QueueName,
			Concurrency: cfg.WorkerConcurrency,
			Handler:     handler,
			Logger:      logging.NewLogger("Redis"),
		})
		if err != nil {
			return nil, err
		}
		return redisListConsumer{c}, nil
	}
}

// liveHandlesPerSession bounds the handles one running pipeline owns: the
// current image and the output of the step in flight.
const liveHandlesPerSession = 2

// handleTable is a library that can report its outstanding handles.
type handleTable interface {
	native.Library
	Live() int
}

// healthCheck reports the database and handle table state. More live handles
// than the running pipelines can own means a leak.
func healthCheck(ctx context.Context, db *storage.PostgresClient, lib handleTable) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if db != nil {
		if err := db.Ping(ctx); err != nil {
			return fmt.Errorf("database health check failed: %w", err)
		}
	}
	limit := native.MaxSessions(lib) * liveHandlesPerSession
	if live := lib.Live(); live > limit {
		return fmt.Errorf("handle table holds %d live handles, at most %d expected", live, limit)
	}
	return nil
}
