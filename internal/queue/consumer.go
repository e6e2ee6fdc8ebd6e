/**
 * Asynq Queue Consumer for the tablescan worker
 *
 * Alternative to the list protocol when QUEUE_BACKEND=asynq. Tasks carry a
 * JobPayload; results are written back through the task's ResultWriter.
 */

package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/adverant/nexus/tablescan-worker/internal/errors"
	"github.com/adverant/nexus/tablescan-worker/internal/logging"
	"github.com/adverant/nexus/tablescan-worker/internal/processor"
	"github.com/adverant/nexus/tablescan-worker/internal/storage"
)

// Task types
const (
	TaskExtractTable = "tablescan:extract"
	TaskPersistRows  = "tablescan:persist"
)

// Consumer handles task consumption through asynq
type Consumer struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	processor processor.TableProcessorInterface
	config    *ConsumerConfig
	logger    *logging.Logger
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	Processor         processor.TableProcessorInterface
	ProcessingTimeout time.Duration // default 10 minutes
}

// NewConsumer creates a new queue consumer
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}

	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}

	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = 10 * time.Minute
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	logger := logging.NewLogger("AsynqConsumer")

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10,
				"default":     1,
			},
			// Exponential backoff: 5s, 10s, 20s, capped at 60s
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				delay := time.Duration(5*(1<<uint(n))) * time.Second
				if delay > 60*time.Second {
					delay = 60 * time.Second
				}
				return delay
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("Task processing error", "type", task.Type(), "error", err)
			}),
			Logger:   logger.AsynqLogger(),
			LogLevel: asynq.InfoLevel,
		},
	)

	consumer := newConsumer(cfg, logger)
	consumer.server = server
	return consumer, nil
}

func newConsumer(cfg *ConsumerConfig, logger *logging.Logger) *Consumer {
	mux := asynq.NewServeMux()
	consumer := &Consumer{
		mux:       mux,
		processor: cfg.Processor,
		config:    cfg,
		logger:    logger,
	}

	mux.HandleFunc(TaskExtractTable, consumer.handleExtract)
	mux.HandleFunc(TaskPersistRows, consumer.handlePersist)

	return consumer
}

// Start starts the queue consumer
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("Starting queue consumer", "concurrency", c.config.Concurrency, "queue", c.config.QueueName)
	return c.server.Start(c.mux)
}

// Stop stops the queue consumer gracefully
func (c *Consumer) Stop(ctx context.Context) error {
	c.logger.Info("Stopping queue consumer")
	c.server.Shutdown()
	return nil
}

// handleExtract processes a table extraction task
func (c *Consumer) handleExtract(ctx context.Context, task *asynq.Task) error {
	startTime := time.Now()

	var job JobPayload
	if err := json.Unmarshal(task.Payload(), &job); err != nil {
		return fmt.Errorf("failed to unmarshal job data: %v: %w", err, asynq.SkipRetry)
	}

	c.logger.Info("Processing document", "job", job.JobID, "file", job.Filename, "size", job.FileSize)

	if err := c.processor.UpdateJobStatus(ctx, job.JobID, storage.StatusProcessing, map[string]interface{}{
		"filename": job.Filename,
		"mimeType": job.MimeType,
		"fileSize": job.FileSize,
	}); err != nil {
		c.logger.Warn("Failed to update status to processing", "job", job.JobID, "error", err)
	}

	processCtx, cancel := context.WithTimeout(ctx, c.config.ProcessingTimeout)
	defer cancel()

	result, err := c.processor.ProcessDocument(processCtx, job.processRequest())
	duration := time.Since(startTime)

	if err != nil {
		if processCtx.Err() == context.DeadlineExceeded {
			err = errors.NewProcessingTimeoutError(job.JobID, c.config.ProcessingTimeout, err)
		}

		c.logger.Error("Processing failed", "job", job.JobID, "duration", duration, "error", err)

		errorMap := map[string]interface{}{"error": err.Error()}
		var pe *errors.ProcessingError
		if stderrors.As(err, &pe) {
			errorMap = pe.ToMap()
		}
		if updateErr := c.processor.UpdateJobStatus(ctx, job.JobID, storage.StatusFailed, errorMap); updateErr != nil {
			c.logger.Warn("Failed to update status to failed", "job", job.JobID, "error", updateErr)
		}

		if errors.IsInputError(err) {
			return fmt.Errorf("document rejected: %v: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("document processing failed: %w", err)
	}

	c.logger.Info("Processing completed", "job", job.JobID, "duration", duration, "rows", len(result.Rows))
	return c.writeResult(task, result)
}

// handlePersist commits rows for a reviewed extraction
func (c *Consumer) handlePersist(ctx context.Context, task *asynq.Task) error {
	var job JobPayload
	if err := json.Unmarshal(task.Payload(), &job); err != nil {
		return fmt.Errorf("failed to unmarshal job data: %v: %w", err, asynq.SkipRetry)
	}

	processCtx, cancel := context.WithTimeout(ctx, c.config.ProcessingTimeout)
	defer cancel()

	result, err := c.processor.PersistRows(processCtx, job.persistRequest())
	if err != nil {
		c.logger.Error("Persist failed", "job", job.JobID, "source", job.SourceJobID, "error", err)
		return fmt.Errorf("persist failed: %w", err)
	}

	return c.writeResult(task, result)
}

func (c *Consumer) writeResult(task *asynq.Task, result interface{}) error {
	rw := task.ResultWriter()
	if rw == nil {
		return nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if _, err := rw.Write(data); err != nil {
		c.logger.Warn("Failed to write task result", "task", rw.TaskID(), "error", err)
	}
	return nil
}

// Enqueuer submits tasks for Consumer
type Enqueuer struct {
	client    *asynq.Client
	queueName string
	retention time.Duration
}

// NewEnqueuer connects an asynq client
func NewEnqueuer(redisURL string, queueName string) (*Enqueuer, error) {
	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	return &Enqueuer{
		client:    asynq.NewClient(redisOpt),
		queueName: queueName,
		retention: 24 * time.Hour,
	}, nil
}

// NewTask builds a task for jobType (extract or persist)
func NewTask(jobType string, payload JobPayload) (*asynq.Task, error) {
	var taskType string
	switch jobType {
	case JobTypeExtract:
		taskType = TaskExtractTable
	case JobTypePersist:
		taskType = TaskPersistRows
	default:
		return nil, fmt.Errorf("unknown job type %q", jobType)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return asynq.NewTask(taskType, data), nil
}

// Enqueue submits a job; the payload JobID doubles as the task ID
func (e *Enqueuer) Enqueue(ctx context.Context, jobType string, payload JobPayload) (string, error) {
	task, err := NewTask(jobType, payload)
	if err != nil {
		return "", err
	}

	opts := []asynq.Option{
		asynq.Queue(e.queueName),
		asynq.MaxRetry(3),
		asynq.Retention(e.retention),
	}
	if payload.JobID != "" {
		opts = append(opts, asynq.TaskID(payload.JobID))
	}

	info, err := e.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}
	return info.ID, nil
}

// Close releases the client connection
func (e *Enqueuer) Close() error {
	return e.client.Close()
}
