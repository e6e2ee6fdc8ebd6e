package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisProducer enqueues jobs for RedisConsumer
type RedisProducer struct {
	client     *redis.Client
	queueName  string
	maxRetries int
}

// NewRedisProducer wraps client. maxRetries applies to every enqueued job.
func NewRedisProducer(client *redis.Client, queueName string, maxRetries int) *RedisProducer {
	if queueName == "" {
		queueName = "tablescan:jobs"
	}
	return &RedisProducer{client: client, queueName: queueName, maxRetries: maxRetries}
}

// Enqueue stores the job data and pushes its ID. A missing payload JobID is
// generated; the queue ID is returned.
func (p *RedisProducer) Enqueue(ctx context.Context, jobType string, payload JobPayload) (string, error) {
	if jobType != JobTypeExtract && jobType != JobTypePersist {
		return "", fmt.Errorf("unknown job type %q", jobType)
	}
	if payload.JobID == "" {
		payload.JobID = uuid.NewString()
	}

	job := RedisJobData{
		ID:         payload.JobID,
		Type:       jobType,
		Payload:    payload,
		CreatedAt:  time.Now().UTC(),
		MaxRetries: p.maxRetries,
	}

	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := p.client.TxPipeline()
	pipe.HSet(ctx, p.queueName+":data", job.ID, data)
	pipe.LPush(ctx, p.queueName, job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}

	return job.ID, nil
}

// Result returns the stored result JSON of a completed job
func (p *RedisProducer) Result(ctx context.Context, id string) ([]byte, error) {
	data, err := p.client.HGet(ctx, p.queueName+":results", id).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("no result for job %s", id)
	}
	return data, err
}
