package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// Task types on the downstream bus.
const (
	TypeSynthesize = "insight:synthesize"
)

// Queue names consumed by the synthesis workers, highest weight first.
var QueuePriorities = map[string]int{
	"critical": 6,
	"default":  3,
	"low":      1,
}

// SynthesizePayload asks the insight-synthesis service to regenerate a user's
// profile after fresh data arrived from a provider. Consumers are idempotent;
// delivery is at-least-once.
type SynthesizePayload struct {
	UserID         string    `json:"user_id"`
	Provider       string    `json:"provider"`
	JobID          string    `json:"job_id"`
	ItemsExtracted int       `json:"items_extracted"`
	ExtractedAt    time.Time `json:"extracted_at"`
}

// NewSynthesizeTask builds the asynq task for a synthesis request.
func NewSynthesizeTask(payload *SynthesizePayload) (*asynq.Task, error) {
	if payload.UserID == "" {
		return nil, fmt.Errorf("synthesize payload missing user id")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal synthesize payload: %w", err)
	}

	return asynq.NewTask(TypeSynthesize, data), nil
}

// QueueForPriority maps a job priority to a downstream queue band.
func QueueForPriority(priority int) string {
	switch {
	case priority <= 2:
		return "critical"
	case priority <= 5:
		return "default"
	default:
		return "low"
	}
}

// Publisher hands completed-extraction events to the downstream synthesis
// queue over asynq.
type Publisher struct {
	client *asynq.Client
}

// NewPublisher creates a Publisher sharing the connection options of the
// given Redis client.
func NewPublisher(redisOpts *redis.Options) *Publisher {
	return &Publisher{
		client: asynq.NewClient(asynq.RedisClientOpt{
			Addr:     redisOpts.Addr,
			Password: redisOpts.Password,
			DB:       redisOpts.DB,
		}),
	}
}

// Publish enqueues a synthesis task. Retry and retention live server-side so
// a crashed synthesis worker does not lose the event.
func (p *Publisher) Publish(ctx context.Context, payload *SynthesizePayload, priority int) error {
	task, err := NewSynthesizeTask(payload)
	if err != nil {
		return err
	}

	_, err = p.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueForPriority(priority)),
		asynq.MaxRetry(5),
		asynq.Timeout(time.Minute),
		asynq.Retention(24*time.Hour),
	)
	if err != nil {
		return fmt.Errorf("publish synthesize task: %w", err)
	}

	return nil
}

// Close releases the asynq client.
func (p *Publisher) Close() error {
	return p.client.Close()
}
