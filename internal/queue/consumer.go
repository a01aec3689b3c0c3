/**
 * Asynq Queue Consumer for the OCR pipeline worker
 *
 * Consumes ocr:process-batch tasks and runs them through the batch Handler.
 */

package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/adverant/nexus/ocrpipe-worker/internal/errors"
	"github.com/adverant/nexus/ocrpipe-worker/internal/logging"
)

// TaskTypeProcessBatch is the asynq task type carrying a BatchJob.
const TaskTypeProcessBatch = "ocr:process-batch"

// NewProcessBatchTask wraps job in an asynq task bound for queue.
func NewProcessBatchTask(job *BatchJob, queue string) (*asynq.Task, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	return asynq.NewTask(TaskTypeProcessBatch, payload,
		asynq.Queue(queue),
		asynq.TaskID(job.JobID),
		asynq.MaxRetry(3),
	), nil
}

// Consumer handles job consumption through asynq
type Consumer struct {
	client  *asynq.Client
	server  *asynq.Server
	mux     *asynq.ServeMux
	handler *Handler
	config  *ConsumerConfig
	logger  *logging.Logger
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL    string
	QueueName   string
	Concurrency int
	Handler     *Handler
	Logger      *logging.Logger
}

// NewConsumer creates a new queue consumer
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}

	if cfg.Handler == nil {
		return nil, fmt.Errorf("Handler is required")
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	logger := logging.OrDefault(cfg.Logger, "Queue")

	// Parse Redis connection options
	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := asynq.NewClient(redisOpt)

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10,
				"default":     1,
			},
			// Exponential backoff: 5s, 10s, 20s, capped at 60s
			RetryDelayFunc: retryDelay,
			IsFailure: func(err error) bool {
				return !stderrors.Is(err, context.Canceled)
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("Task processing error", "type", task.Type(), "error", err)
			}),
			ShutdownTimeout: 30 * time.Second,
		},
	)

	mux := asynq.NewServeMux()

	consumer := &Consumer{
		client:  client,
		server:  server,
		mux:     mux,
		handler: cfg.Handler,
		config:  cfg,
		logger:  logger,
	}

	mux.HandleFunc(TaskTypeProcessBatch, consumer.handleProcessBatch)

	return consumer, nil
}

func retryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	delay := time.Duration(5*(1<<uint(n))) * time.Second
	if delay > 60*time.Second {
		delay = 60 * time.Second
	}
	return delay
}

// Start starts the queue consumer. The server stops on Stop, not on ctx.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("Starting asynq consumer", "concurrency", c.config.Concurrency, "queue", c.config.QueueName)
	if err := c.server.Start(c.mux); err != nil {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}
	return nil
}

// Stop stops the queue consumer gracefully
func (c *Consumer) Stop(ctx context.Context) error {
	c.logger.Info("Stopping asynq consumer")

	c.server.Shutdown()

	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close client: %w", err)
	}

	c.logger.Info("Asynq consumer stopped")
	return nil
}

// Enqueue submits a batch job to the consumer's queue.
func (c *Consumer) Enqueue(ctx context.Context, job *BatchJob) (*asynq.TaskInfo, error) {
	task, err := NewProcessBatchTask(job, c.config.QueueName)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task)
}

// handleProcessBatch processes one ocr:process-batch task
func (c *Consumer) handleProcessBatch(ctx context.Context, task *asynq.Task) error {
	var job BatchJob
	if err := json.Unmarshal(task.Payload(), &job); err != nil {
		return fmt.Errorf("failed to unmarshal job data: %v: %w", err, asynq.SkipRetry)
	}

	report, err := c.handler.Handle(ctx, &job, func(ev Event) {
		if ev.Event == "job:progress" {
			c.logger.Debug("Batch progress", "job", ev.JobID, "index", ev.Index, "total", ev.Total, "percent", ev.Percent)
		}
	})
	if report != nil && task.ResultWriter() != nil {
		if data, merr := json.Marshal(report); merr == nil {
			if _, werr := task.ResultWriter().Write(data); werr != nil {
				c.logger.Warn("Failed to write task result", "job", job.JobID, "error", werr)
			}
		}
	}

	switch {
	case err == nil:
		return nil
	case stderrors.Is(err, ErrInvalidJob):
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	case errors.IsKind(err, errors.KindCancelled) && ctx.Err() != nil:
		// Worker shutdown; asynq requeues the task.
		return ctx.Err()
	default:
		return fmt.Errorf("batch processing failed: %w", err)
	}
}

// GetStatistics returns consumer statistics
func (c *Consumer) GetStatistics() map[string]interface{} {
	return map[string]interface{}{
		"backend":     "asynq",
		"concurrency": c.config.Concurrency,
		"queue":       c.config.QueueName,
	}
}
