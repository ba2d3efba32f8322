package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/stefanogebara/twin-connector/scheduler"
)

const (
	jobKeyPrefix  = "connector:job:"
	pendingSetKey = "connector:jobs:pending"

	// jobRetention bounds how long an orphaned journal entry can linger if
	// its ack was lost; recovery re-admits it before then.
	jobRetention = 24 * time.Hour
)

// Journal persists scheduled jobs so they can be replayed after a restart.
// Each recorded job lives in a hash entry plus a pending-set index; Ack
// removes both once the scheduler reaches a terminal state.
type Journal struct {
	client redis.UniversalClient
	logger *zap.Logger
}

var _ scheduler.Journal = (*Journal)(nil)

// NewJournal creates a Journal on an established Redis client.
func NewJournal(client redis.UniversalClient, logger *zap.Logger) *Journal {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Journal{client: client, logger: logger}
}

// Record persists one job before local admission.
func (j *Journal) Record(ctx context.Context, job *scheduler.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	pipe := j.client.TxPipeline()
	pipe.Set(ctx, jobKeyPrefix+job.ID, payload, jobRetention)
	pipe.ZAdd(ctx, pendingSetKey, redis.Z{
		Score:  float64(job.NextRunAt.UnixMilli()),
		Member: job.ID,
	})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("journal job %s: %w", job.ID, err)
	}

	return nil
}

// Ack removes a terminal job from the journal.
func (j *Journal) Ack(ctx context.Context, jobID string) error {
	pipe := j.client.TxPipeline()
	pipe.Del(ctx, jobKeyPrefix+jobID)
	pipe.ZRem(ctx, pendingSetKey, jobID)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack job %s: %w", jobID, err)
	}

	return nil
}

// Healthy reports backend reachability.
func (j *Journal) Healthy(ctx context.Context) bool {
	return Ping(ctx, j.client)
}

// Recover replays every journaled job into the scheduler. Jobs whose entries
// expired or fail to decode are dropped from the index. Called once at
// startup, before the HTTP surface accepts traffic.
func (j *Journal) Recover(ctx context.Context, sched *scheduler.Scheduler) (int, error) {
	ids, err := j.client.ZRange(ctx, pendingSetKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("list pending jobs: %w", err)
	}

	recovered := 0
	for _, id := range ids {
		payload, err := j.client.Get(ctx, jobKeyPrefix+id).Bytes()
		if err != nil {
			if err == redis.Nil {
				j.client.ZRem(ctx, pendingSetKey, id)
				continue
			}
			return recovered, fmt.Errorf("load job %s: %w", id, err)
		}

		var job scheduler.Job
		if err := json.Unmarshal(payload, &job); err != nil {
			j.logger.Warn("dropping undecodable journal entry",
				zap.String("job_id", id), zap.Error(err))
			_ = j.Ack(ctx, id)
			continue
		}

		// Replayed jobs resume from waiting; an attempt interrupted by
		// the crash is re-run (at-least-once).
		job.State = scheduler.StateWaiting
		if sched.Resubmit(&job) {
			recovered++
		}
	}

	if recovered > 0 {
		j.logger.Info("recovered journaled jobs", zap.Int("count", recovered))
	}

	return recovered, nil
}
