// Package redisqueue implements the durable job queue on Redis. Jobs are
// stored as JSON in a hash per job; each named queue is a sorted set
// scored by next_run_at. Claiming pops the lowest-scored runnable member
// atomically via a Lua script, so concurrent workers never double-claim.
package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/devgodzilla/devgodzilla/internal/domain"
	"github.com/devgodzilla/devgodzilla/internal/domain/job"
	"github.com/devgodzilla/devgodzilla/internal/port/queue"
)

const (
	keyPrefix  = "devgodzilla:job:"   // hash per job: keyPrefix + jobID -> {"data": json}
	queuedKey  = "devgodzilla:q:"     // sorted set per queue, score = next_run_at unix
	startedKey = "devgodzilla:started" // sorted set, score = claim time unix
	jobsSetKey = "devgodzilla:jobs"    // set of all job ids for listing
)

// claimScript pops the lowest-scored member with score <= now from a
// queue sorted set. Returns the member or false.
var claimScript = redis.NewScript(`
local entries = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #entries == 0 then
  return false
end
redis.call('ZREM', KEYS[1], entries[1])
redis.call('ZADD', KEYS[2], ARGV[1], entries[1])
return entries[1]
`)

// Queue implements queue.Queue on Redis.
type Queue struct {
	client *redis.Client
}

// New connects to Redis via URL (redis://...) and pings it.
func New(ctx context.Context, url string) (*Queue, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis queue: invalid url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis queue: ping: %w", err)
	}
	return &Queue{client: client}, nil
}

// NewFromClient wraps an existing client; the caller owns its lifecycle.
func NewFromClient(client *redis.Client) *Queue {
	return &Queue{client: client}
}

// Close releases the Redis connection.
func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) Enqueue(ctx context.Context, jobType job.Type, payload []byte, queueName string) (*job.Job, error) {
	if queueName == "" {
		queueName = job.DefaultQueue
	}
	now := time.Now().UTC()
	j := &job.Job{
		JobID:       uuid.NewString(),
		JobType:     jobType,
		Payload:     payload,
		Queue:       queueName,
		Status:      job.StatusQueued,
		MaxAttempts: job.DefaultMaxAttempts,
		NextRunAt:   now,
		CreatedAt:   now,
	}

	if err := q.save(ctx, j); err != nil {
		return nil, err
	}

	pipe := q.client.TxPipeline()
	pipe.SAdd(ctx, jobsSetKey, j.JobID)
	pipe.ZAdd(ctx, queuedKey+queueName, redis.Z{Score: float64(now.Unix()), Member: j.JobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", jobType, wrapStorage(err))
	}
	return j, nil
}

func (q *Queue) Claim(ctx context.Context, queueName string) (*job.Job, error) {
	if queueName == "" {
		queueName = job.DefaultQueue
	}
	now := time.Now().UTC()

	res, err := claimScript.Run(ctx, q.client,
		[]string{queuedKey + queueName, startedKey},
		now.Unix()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim: %w", wrapStorage(err))
	}
	jobID, ok := res.(string)
	if !ok || jobID == "" {
		return nil, nil
	}

	j, err := q.load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	j.Status = job.StatusStarted
	j.Attempts++
	j.StartedAt = &now
	if err := q.save(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

func (q *Queue) Complete(ctx context.Context, jobID string, result []byte) error {
	j, err := q.load(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status != job.StatusStarted {
		return fmt.Errorf("complete job %s: status %s: %w", jobID, j.Status, domain.ErrIllegalTransition)
	}
	now := time.Now().UTC()
	j.Status = job.StatusFinished
	j.Result = result
	j.EndedAt = &now
	if err := q.save(ctx, j); err != nil {
		return err
	}
	return q.client.ZRem(ctx, startedKey, jobID).Err()
}

// Fail requeues the job with exponential backoff until max_attempts,
// then parks it in the failed registry.
func (q *Queue) Fail(ctx context.Context, jobID string, errMsg string) error {
	j, err := q.load(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status != job.StatusStarted {
		return fmt.Errorf("fail job %s: status %s: %w", jobID, j.Status, domain.ErrIllegalTransition)
	}
	j.Error = errMsg

	if j.Attempts >= j.MaxAttempts {
		now := time.Now().UTC()
		j.Status = job.StatusFailed
		j.EndedAt = &now
		if err := q.save(ctx, j); err != nil {
			return err
		}
		return q.client.ZRem(ctx, startedKey, jobID).Err()
	}

	return q.requeue(ctx, j, job.Backoff(j.Attempts))
}

func (q *Queue) Requeue(ctx context.Context, jobID string, delay time.Duration) error {
	j, err := q.load(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status != job.StatusStarted {
		return fmt.Errorf("requeue job %s: status %s: %w", jobID, j.Status, domain.ErrIllegalTransition)
	}
	return q.requeue(ctx, j, delay)
}

func (q *Queue) requeue(ctx context.Context, j *job.Job, delay time.Duration) error {
	next := time.Now().UTC().Add(delay)
	j.Status = job.StatusQueued
	j.NextRunAt = next
	j.StartedAt = nil
	if err := q.save(ctx, j); err != nil {
		return err
	}

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, startedKey, j.JobID)
	pipe.ZAdd(ctx, queuedKey+j.Queue, redis.Z{Score: float64(next.Unix()), Member: j.JobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("requeue job %s: %w", j.JobID, wrapStorage(err))
	}
	return nil
}

func (q *Queue) List(ctx context.Context, status job.Status) ([]job.Job, error) {
	ids, err := q.client.SMembers(ctx, jobsSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", wrapStorage(err))
	}

	var jobs []job.Job
	for _, id := range ids {
		j, err := q.load(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if status == "" || j.Status == status {
			jobs = append(jobs, *j)
		}
	}
	return jobs, nil
}

func (q *Queue) Stats(ctx context.Context) (queue.Stats, error) {
	jobs, err := q.List(ctx, "")
	if err != nil {
		return queue.Stats{}, err
	}
	var s queue.Stats
	for _, j := range jobs {
		switch j.Status {
		case job.StatusQueued:
			s.Queued++
		case job.StatusStarted:
			s.Started++
		case job.StatusFinished:
			s.Finished++
		case job.StatusFailed:
			s.Failed++
		}
	}
	return s, nil
}

// ReapExpired requeues started jobs claimed longer than visibility ago.
func (q *Queue) ReapExpired(ctx context.Context, visibility time.Duration) (int, error) {
	if visibility <= 0 {
		visibility = queue.DefaultVisibility
	}
	cutoff := time.Now().UTC().Add(-visibility).Unix()

	ids, err := q.client.ZRangeByScore(ctx, startedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", cutoff),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("reap expired: %w", wrapStorage(err))
	}

	reaped := 0
	for _, id := range ids {
		j, err := q.load(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				_ = q.client.ZRem(ctx, startedKey, id).Err()
				continue
			}
			return reaped, err
		}
		if j.Status != job.StatusStarted {
			_ = q.client.ZRem(ctx, startedKey, id).Err()
			continue
		}
		if err := q.requeue(ctx, j, 0); err != nil {
			return reaped, err
		}
		reaped++
	}
	return reaped, nil
}

func (q *Queue) save(ctx context.Context, j *job.Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", j.JobID, err)
	}
	if err := q.client.HSet(ctx, keyPrefix+j.JobID, "data", data).Err(); err != nil {
		return fmt.Errorf("save job %s: %w", j.JobID, wrapStorage(err))
	}
	return nil
}

func (q *Queue) load(ctx context.Context, jobID string) (*job.Job, error) {
	data, err := q.client.HGet(ctx, keyPrefix+jobID, "data").Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", jobID, wrapStorage(err))
	}
	var j job.Job
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", jobID, err)
	}
	return &j, nil
}

// wrapStorage tags transport-level Redis errors as retryable storage errors.
func wrapStorage(err error) error {
	return fmt.Errorf("%w: %v", domain.ErrStorage, err)
}
