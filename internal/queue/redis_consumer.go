/**
 * Direct Redis Queue Consumer for the OCR pipeline worker
 *
 * Compatible with the TypeScript RedisQueue producer.
 * Uses simple Redis LIST operations: job IDs are pushed to the queue list and
 * job data lives in the <queue>:data hash.
 */

package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/ocrpipe-worker/internal/logging"
)

// RedisJobData represents a job from the Redis queue
type RedisJobData struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Payload    BatchJob  `json:"payload"`
	CreatedAt  time.Time `json:"createdAt"`
	Attempts   int       `json:"attempts"`
	MaxRetries int       `json:"maxRetries"`
}

var errNoJobs = stderrors.New("no jobs available")

// RedisConsumer handles job consumption from Redis queue
type RedisConsumer struct {
	client  redis.UniversalClient
	handler *Handler
	config  *RedisConsumerConfig
	logger  *logging.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// RedisConsumerConfig holds consumer configuration
type RedisConsumerConfig struct {
	RedisURL    string
	QueueName   string
	Concurrency int
	Handler     *Handler
	Logger      *logging.Logger
	// PollTimeout bounds each BRPOP (default 5s)
	PollTimeout time.Duration
}

// NewRedisConsumer creates a new Redis-based queue consumer
func NewRedisConsumer(cfg *RedisConsumerConfig) (*RedisConsumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisConsumerWithClient(client, cfg)
}

// NewRedisConsumerWithClient creates a consumer over an existing client,
// which it closes on Stop.
func NewRedisConsumerWithClient(client redis.UniversalClient, cfg *RedisConsumerConfig) (*RedisConsumer, error) {
	if cfg.QueueName == "" {
		cfg.QueueName = "ocrpipe:batches"
	}

	if cfg.Handler == nil {
		return nil, fmt.Errorf("Handler is required")
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Second
	}

	consumerCtx, cancel := context.WithCancel(context.Background())

	return &RedisConsumer{
		client:  client,
		handler: cfg.Handler,
		config:  cfg,
		logger:  logging.OrDefault(cfg.Logger, "Queue"),
		ctx:     consumerCtx,
		cancel:  cancel,
	}, nil
}

func (c *RedisConsumer) key(suffix string) string {
	return fmt.Sprintf("%s:%s", c.config.QueueName, suffix)
}

// Start begins processing jobs from the queue
func (c *RedisConsumer) Start() error {
	c.logger.Info("Starting Redis queue consumer", "concurrency", c.config.Concurrency, "queue", c.config.QueueName)

	for i := 0; i < c.config.Concurrency; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}

	return nil
}

// Stop cancels running batches between items, waits for the workers, and
// closes the client.
func (c *RedisConsumer) Stop() error {
	c.logger.Info("Stopping Redis queue consumer")
	c.cancel()
	c.wg.Wait()
	return c.client.Close()
}

// worker is a goroutine that processes jobs
func (c *RedisConsumer) worker(id int) {
	defer c.wg.Done()
	c.logger.Debug("Worker started", "worker", id)

	for {
		select {
		case <-c.ctx.Done():
			c.logger.Debug("Worker stopping", "worker", id)
			return
		default:
		}

		if err := c.processNextJob(); err != nil {
			if stderrors.Is(err, errNoJobs) || c.ctx.Err() != nil {
				continue
			}
			c.logger.Error("Worker error", "worker", id, "error", err)
			// Small delay before trying again
			select {
			case <-c.ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
}

// processNextJob fetches and processes the next job from the queue
func (c *RedisConsumer) processNextJob() error {
	result, err := c.client.BRPop(c.ctx, c.config.PollTimeout, c.config.QueueName).Result()
	if err != nil {
		if err == redis.Nil {
			return errNoJobs
		}
		return fmt.Errorf("failed to fetch job: %w", err)
	}

	if len(result) < 2 {
		return fmt.Errorf("invalid job result")
	}

	return c.processJobID(result[1])
}

func (c *RedisConsumer) processJobID(id string) error {
	jobData, err := c.client.HGet(c.ctx, c.key("data"), id).Result()
	if err != nil {
		return fmt.Errorf("failed to get job data for %s: %w", id, err)
	}

	var job RedisJobData
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		c.markFailed(id, map[string]interface{}{"error": fmt.Sprintf("failed to unmarshal job: %v", err)})
		return fmt.Errorf("failed to unmarshal job %s: %w", id, err)
	}

	jobID := job.Payload.JobID
	c.client.SAdd(c.ctx, c.key("processing"), jobID)

	report, err := c.handler.Handle(c.ctx, &job.Payload, c.publish)
	if err == nil {
		c.client.SRem(c.ctx, c.key("processing"), jobID)
		c.client.SAdd(c.ctx, c.key("completed"), jobID)
		if resultData, merr := json.Marshal(report); merr == nil {
			c.client.HSet(c.ctx, c.key("results"), jobID, resultData)
		}
		return nil
	}

	c.logger.Warn("Job failed", "job", jobID, "error", err)
	if c.ctx.Err() != nil {
		// Shutdown: hand the job back for another worker.
		c.client.SRem(context.WithoutCancel(c.ctx), c.key("processing"), jobID)
		c.client.RPush(context.WithoutCancel(c.ctx), c.config.QueueName, job.ID)
		return nil
	}

	job.Attempts++
	if !stderrors.Is(err, ErrInvalidJob) && job.Attempts < job.MaxRetries {
		updatedData, _ := json.Marshal(job)
		c.client.HSet(c.ctx, c.key("data"), job.ID, updatedData)
		c.client.SRem(c.ctx, c.key("processing"), jobID)
		c.client.LPush(c.ctx, c.config.QueueName, job.ID)
		c.logger.Info("Job re-queued for retry", "job", jobID, "attempt", job.Attempts, "maxRetries", job.MaxRetries)
		return nil
	}

	c.markFailed(jobID, map[string]interface{}{
		"error":    err.Error(),
		"attempts": job.Attempts,
	})
	return nil
}

func (c *RedisConsumer) markFailed(jobID string, details map[string]interface{}) {
	c.client.SRem(c.ctx, c.key("processing"), jobID)
	c.client.SAdd(c.ctx, c.key("failed"), jobID)
	errorData, _ := json.Marshal(details)
	c.client.HSet(c.ctx, c.key("errors"), jobID, errorData)
}

// publish sends ev on <queue>:events for WebSocket streaming
func (c *RedisConsumer) publish(ev Event) {
	eventData, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := c.client.Publish(context.WithoutCancel(c.ctx), c.key("events"), eventData).Err(); err != nil {
		c.logger.Debug("Failed to publish event", "event", ev.Event, "error", err)
	}
}

// GetStats returns queue statistics
func (c *RedisConsumer) GetStats(ctx context.Context) (map[string]int64, error) {
	pipe := c.client.Pipeline()
	waiting := pipe.LLen(ctx, c.config.QueueName)
	processing := pipe.SCard(ctx, c.key("processing"))
	completed := pipe.SCard(ctx, c.key("completed"))
	failed := pipe.SCard(ctx, c.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}

	return map[string]int64{
		"waiting":    waiting.Val(),
		"processing": processing.Val(),
		"completed":  completed.Val(),
		"failed":     failed.Val(),
	}, nil
}

// Submit stores job data and pushes the job ID, the way the producer does.
func (c *RedisConsumer) Submit(ctx context.Context, job *BatchJob, maxRetries int) error {
	if err := job.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(RedisJobData{
		ID:         job.JobID,
		Type:       TaskTypeProcessBatch,
		Payload:    *job,
		CreatedAt:  time.Now(),
		MaxRetries: maxRetries,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := c.client.HSet(ctx, c.key("data"), job.JobID, data).Err(); err != nil {
		return fmt.Errorf("failed to store job data: %w", err)
	}
	if err := c.client.LPush(ctx, c.config.QueueName, job.JobID).Err(); err != nil {
		return fmt.Errorf("failed to push job: %w", err)
	}
	return nil
}
