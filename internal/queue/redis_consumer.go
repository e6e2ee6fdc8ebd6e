/**
 * Direct Redis Queue Consumer for the tablescan worker
 *
 * Simple Redis LIST protocol shared with the enqueue side:
 *   <queue>            LIST of job IDs (LPUSH / BRPOP)
 *   <queue>:data       HASH job ID -> RedisJobData JSON
 *   <queue>:processing / :completed / :failed   SETs of job IDs
 *   <queue>:results / :errors                   HASH job ID -> JSON
 *   <queue>:events     PUBSUB channel
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

	"github.com/adverant/nexus/tablescan-worker/internal/errors"
	"github.com/adverant/nexus/tablescan-worker/internal/logging"
	"github.com/adverant/nexus/tablescan-worker/internal/processor"
	"github.com/adverant/nexus/tablescan-worker/internal/storage"
)

var errNoJobs = stderrors.New("no jobs available")

// RedisJobData represents a job from the Redis queue
type RedisJobData struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Payload    JobPayload `json:"payload"`
	CreatedAt  time.Time  `json:"createdAt"`
	Attempts   int        `json:"attempts"`
	MaxRetries int        `json:"maxRetries"`
}

// RedisConsumer handles job consumption from Redis queue
type RedisConsumer struct {
	client    *redis.Client
	processor processor.TableProcessorInterface
	config    *RedisConsumerConfig
	logger    *logging.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// RedisConsumerConfig holds consumer configuration
type RedisConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	Processor         processor.TableProcessorInterface
	ProcessingTimeout time.Duration // default 10 minutes
	PollTimeout       time.Duration // BRPOP block time, default 5 seconds
}

// NewRedisConsumer creates a new Redis-based queue consumer
func NewRedisConsumer(cfg *RedisConsumerConfig) (*RedisConsumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	// Parse Redis URL
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisConsumerWithClient(client, cfg)
}

// NewRedisConsumerWithClient builds a consumer over an existing client
func NewRedisConsumerWithClient(client *redis.Client, cfg *RedisConsumerConfig) (*RedisConsumer, error) {
	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}

	if cfg.QueueName == "" {
		cfg.QueueName = "tablescan:jobs"
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}

	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = 10 * time.Minute
	}

	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Second
	}

	consumerCtx, cancel := context.WithCancel(context.Background())

	return &RedisConsumer{
		client:    client,
		processor: cfg.Processor,
		config:    cfg,
		logger:    logging.NewLogger("RedisConsumer"),
		ctx:       consumerCtx,
		cancel:    cancel,
	}, nil
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

// Stop gracefully stops the consumer. In-flight jobs finish first.
func (c *RedisConsumer) Stop() error {
	c.logger.Info("Stopping queue consumer")
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
			if err := c.processNextJob(); err != nil {
				if stderrors.Is(err, errNoJobs) || c.ctx.Err() != nil {
					continue
				}
				c.logger.Error("Worker error", "worker", id, "error", err)
				// Small delay before trying again
				select {
				case <-time.After(time.Second):
				case <-c.ctx.Done():
				}
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

	id := result[1]

	jobData, err := c.client.HGet(c.ctx, c.key("data"), id).Result()
	if err != nil {
		return fmt.Errorf("failed to get job data: %w", err)
	}

	var job RedisJobData
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		c.markFailed(id, map[string]interface{}{"error": err.Error()})
		return fmt.Errorf("failed to unmarshal job %s: %w", id, err)
	}
	if job.Payload.JobID == "" {
		job.Payload.JobID = job.ID
	}

	c.handleJob(&job)
	return nil
}

// handleJob runs one job and records the outcome
func (c *RedisConsumer) handleJob(job *RedisJobData) {
	jobID := job.Payload.JobID

	if job.Type != JobTypePersist {
		if err := c.processor.UpdateJobStatus(c.ctx, jobID, storage.StatusProcessing, map[string]interface{}{
			"filename": job.Payload.Filename,
			"mimeType": job.Payload.MimeType,
			"fileSize": job.Payload.FileSize,
		}); err != nil {
			c.logger.Warn("Could not update job status to processing", "job", jobID, "error", err)
		}
	}
	c.client.SAdd(c.ctx, c.key("processing"), job.ID)
	c.publish(jobID, "processing")

	c.logger.Info("Processing job", "job", jobID, "type", job.Type, "file", job.Payload.Filename)

	processResult, err := c.processJob(job)
	if err == nil {
		c.markCompleted(job.ID, processResult)
		c.publish(jobID, "completed")
		c.logger.Info("Job completed", "job", jobID)
		return
	}

	c.logger.Error("Job failed", "job", jobID, "error", err)

	job.Attempts++
	if job.Attempts < job.MaxRetries && !errors.IsInputError(err) {
		updatedData, _ := json.Marshal(job)
		c.client.HSet(c.ctx, c.key("data"), job.ID, updatedData)
		c.client.SRem(c.ctx, c.key("processing"), job.ID)
		c.client.LPush(c.ctx, c.config.QueueName, job.ID)
		c.logger.Info("Job re-queued for retry", "job", jobID, "attempt", job.Attempts, "max", job.MaxRetries)
		return
	}

	errorMap := map[string]interface{}{
		"error":    err.Error(),
		"attempts": job.Attempts,
	}
	var pe *errors.ProcessingError
	if stderrors.As(err, &pe) {
		errorMap = pe.ToMap()
		errorMap["error"] = err.Error()
		errorMap["attempts"] = job.Attempts
	}

	c.markFailed(job.ID, errorMap)
	c.publish(jobID, "failed")

	if job.Type != JobTypePersist {
		if updateErr := c.processor.UpdateJobStatus(c.ctx, jobID, storage.StatusFailed, errorMap); updateErr != nil {
			c.logger.Warn("Failed to update PostgreSQL job status for failed job", "job", jobID, "error", updateErr)
		}
	}
}

// processJob dispatches on job type under the processing timeout
func (c *RedisConsumer) processJob(job *RedisJobData) (interface{}, error) {
	startTime := time.Now()
	timeout := c.config.ProcessingTimeout

	ctx, cancel := context.WithTimeout(c.ctx, timeout)
	defer cancel()

	var (
		result interface{}
		err    error
	)
	switch job.Type {
	case JobTypePersist:
		result, err = c.processor.PersistRows(ctx, job.Payload.persistRequest())
	case JobTypeExtract, "":
		result, err = c.processor.ProcessDocument(ctx, job.Payload.processRequest())
	default:
		return nil, fmt.Errorf("unknown job type %q", job.Type)
	}

	duration := time.Since(startTime)

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			c.logger.Error("Processing timed out", "job", job.Payload.JobID, "duration", duration, "timeout", timeout)
			return nil, errors.NewProcessingTimeoutError(job.Payload.JobID, timeout, err)
		}
		return nil, err
	}

	c.logger.Debug("Processing finished", "job", job.Payload.JobID, "duration", duration)
	return result, nil
}

func (c *RedisConsumer) markCompleted(id string, result interface{}) {
	c.client.SRem(c.ctx, c.key("processing"), id)
	c.client.SAdd(c.ctx, c.key("completed"), id)
	if result != nil {
		resultData, _ := json.Marshal(result)
		c.client.HSet(c.ctx, c.key("results"), id, resultData)
	}
}

func (c *RedisConsumer) markFailed(id string, details map[string]interface{}) {
	c.client.SRem(c.ctx, c.key("processing"), id)
	c.client.SAdd(c.ctx, c.key("failed"), id)
	errorData, _ := json.Marshal(details)
	c.client.HSet(c.ctx, c.key("errors"), id, errorData)
}

// publish emits a job event for subscribers
func (c *RedisConsumer) publish(jobID string, status string) {
	event := map[string]interface{}{
		"event":     fmt.Sprintf("job:%s", status),
		"jobId":     jobID,
		"timestamp": time.Now().Format(time.RFC3339),
	}
	eventData, _ := json.Marshal(event)
	c.client.Publish(c.ctx, c.key("events"), eventData)
}

func (c *RedisConsumer) key(suffix string) string {
	return c.config.QueueName + ":" + suffix
}

// GetStats returns queue statistics
func (c *RedisConsumer) GetStats(ctx context.Context) (map[string]int64, error) {
	waiting, err := c.client.LLen(ctx, c.config.QueueName).Result()
	if err != nil {
		return nil, err
	}
	processing, _ := c.client.SCard(ctx, c.key("processing")).Result()
	completed, _ := c.client.SCard(ctx, c.key("completed")).Result()
	failed, _ := c.client.SCard(ctx, c.key("failed")).Result()

	return map[string]int64{
		"waiting":    waiting,
		"processing": processing,
		"completed":  completed,
		"failed":     failed,
	}, nil
}
