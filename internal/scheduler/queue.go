package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"edensetup/internal/store"
	"edensetup/pkg/logging"
)

// Queue persists jobs and hands their ids to workers over a Redis list.
type Queue struct {
	jobs   JobStore
	rdb    goredis.UniversalClient
	key    string
	logger logging.Logger
}

func NewQueue(jobs JobStore, rdb goredis.UniversalClient, key string, logger logging.Logger) *Queue {
	return &Queue{jobs: jobs, rdb: rdb, key: key, logger: logger}
}

// Schedule inserts a QUEUED job and dispatches it. Callers that need the job
// row written inside their own transaction use NewJob, insert it themselves
// and call Dispatch after commit.
func (q *Queue) Schedule(ctx context.Context, task Task) (*store.Job, error) {
	job, err := NewJob(task)
	if err != nil {
		return nil, err
	}
	if err := q.jobs.InsertJob(ctx, job); err != nil {
		return nil, fmt.Errorf("insert job %s: %w", task.Name, err)
	}
	if err := q.Dispatch(ctx, job.ID); err != nil {
		// The row is QUEUED and the reaper re-dispatches it.
		q.logger.WithError(err).WithField("job_id", job.ID).Warn("Failed to dispatch job")
	}
	return job, nil
}

func (q *Queue) Get(ctx context.Context, id string) (*store.Job, error) {
	return q.jobs.GetJob(ctx, id)
}

// Dispatch pushes id onto the queue. An id already waiting is moved rather
// than duplicated.
func (q *Queue) Dispatch(ctx context.Context, id string) error {
	_, err := q.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.LRem(ctx, q.key, 0, id)
		pipe.LPush(ctx, q.key, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("push job %s: %w", id, err)
	}
	return nil
}

// Len reports how many job ids are waiting.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.key).Result()
}

// next blocks up to wait for a job id. It returns "" when nothing arrived.
func (q *Queue) next(ctx context.Context, wait time.Duration) (string, error) {
	res, err := q.rdb.BRPop(ctx, wait, q.key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if len(res) != 2 {
		return "", fmt.Errorf("unexpected BRPOP reply %v", res)
	}
	return res[1], nil
}
