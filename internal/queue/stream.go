// Package queue holds the redis-backed plumbing for async webhook delivery:
// a consumer-group stream, an hourly rate limiter and an idempotency guard.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// WebhookJob is a secret-keyed webhook delivery accepted for async processing.
type WebhookJob struct {
	JobID          string          `json:"job_id"`
	Secret         string          `json:"secret"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
}

type StreamQueue struct {
	redis    *redis.Client
	stream   string
	group    string
	consumer string
	block    time.Duration
}

type Delivery struct {
	ID  string
	Job WebhookJob
}

func NewStreamQueue(rdb *redis.Client, stream, group, consumer string, block time.Duration) *StreamQueue {
	return &StreamQueue{
		redis:    rdb,
		stream:   stream,
		group:    group,
		consumer: consumer,
		block:    block,
	}
}

func (q *StreamQueue) EnsureGroup(ctx context.Context) error {
	if q == nil {
		return fmt.Errorf("queue is nil")
	}
	err := q.redis.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create stream group: %w", err)
	}
	return nil
}

// Enqueue appends job to the stream and returns it with JobID and EnqueuedAt filled.
func (q *StreamQueue) Enqueue(ctx context.Context, job WebhookJob) (WebhookJob, error) {
	if strings.TrimSpace(job.JobID) == "" {
		job.JobID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return WebhookJob{}, fmt.Errorf("marshal job: %w", err)
	}

	if err := q.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{"payload": payload},
	}).Err(); err != nil {
		return WebhookJob{}, fmt.Errorf("enqueue: %w", err)
	}
	return job, nil
}

func (q *StreamQueue) Read(ctx context.Context, count int64) ([]Delivery, error) {
	res, err := q.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    count,
		Block:    q.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}

	out := make([]Delivery, 0)
	for _, s := range res {
		for _, m := range s.Messages {
			var raw []byte
			switch v := m.Values["payload"].(type) {
			case string:
				raw = []byte(v)
			case []byte:
				raw = v
			default:
				continue
			}

			var job WebhookJob
			if err := json.Unmarshal(raw, &job); err != nil {
				continue
			}
			out = append(out, Delivery{ID: m.ID, Job: job})
		}
	}
	return out, nil
}

func (q *StreamQueue) Ack(ctx context.Context, deliveryID string) error {
	if err := q.redis.XAck(ctx, q.stream, q.group, deliveryID).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	if err := q.redis.XDel(ctx, q.stream, deliveryID).Err(); err != nil {
		return fmt.Errorf("xdel: %w", err)
	}
	return nil
}

func (q *StreamQueue) Consumer() string {
	return q.consumer
}
