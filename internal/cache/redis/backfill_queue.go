package redis

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/oddsfeed/internal/domain"
)

//go:embed scripts/move.lua
var moveLua string

// BackfillQueue implements domain.JobQueue on three Redis lists. New jobs are
// pushed on the left and claimed from the right, so the queue is FIFO.
// Claiming is a single LMOVE, which is atomic across workers.
type BackfillQueue struct {
	rdb        *redis.Client
	move       *redis.Script
	queue      string
	processing string
	dead       string
	now        func() time.Time
}

// NewBackfillQueue creates a queue whose keys share the given prefix
// ("backfill" gives backfill:queue, backfill:processing and backfill:dead).
func NewBackfillQueue(c *Client, prefix string) *BackfillQueue {
	if prefix == "" {
		prefix = "backfill"
	}
	return &BackfillQueue{
		rdb:        c.Underlying(),
		move:       redis.NewScript(moveLua),
		queue:      prefix + ":queue",
		processing: prefix + ":processing",
		dead:       prefix + ":dead",
		now:        time.Now,
	}
}

// Enqueue appends job to the queue.
func (q *BackfillQueue) Enqueue(ctx context.Context, job domain.BackfillJob) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = q.now().UTC()
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("redis: encode job %s: %w", job.ID, err)
	}
	if err := q.rdb.LPush(ctx, q.queue, data).Err(); err != nil {
		return fmt.Errorf("redis: enqueue job %s: %w", job.ID, err)
	}
	return nil
}

// Claim moves the oldest queued job to the processing list and returns it.
// It returns domain.ErrQueueEmpty when there is nothing to do. A payload that
// cannot be decoded is dead-lettered and reported as domain.ErrInvalidJob.
func (q *BackfillQueue) Claim(ctx context.Context) (domain.BackfillJob, error) {
	raw, err := q.rdb.LMove(ctx, q.queue, q.processing, "RIGHT", "LEFT").Result()
	if errors.Is(err, redis.Nil) {
		return domain.BackfillJob{}, domain.ErrQueueEmpty
	}
	if err != nil {
		return domain.BackfillJob{}, fmt.Errorf("redis: claim job: %w", err)
	}

	var job domain.BackfillJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		dl := domain.DeadLetter{Reason: "undecodable payload: " + err.Error(), FailedAt: q.now().UTC()}
		if mvErr := q.moveTo(ctx, q.processing, q.dead, raw, dl); mvErr != nil {
			return domain.BackfillJob{}, mvErr
		}
		return domain.BackfillJob{}, fmt.Errorf("%w: %v", domain.ErrInvalidJob, err)
	}
	job.Receipt = raw
	return job, nil
}

// Complete removes a finished job from the processing list.
func (q *BackfillQueue) Complete(ctx context.Context, job domain.BackfillJob) error {
	if err := q.rdb.LRem(ctx, q.processing, 1, job.Receipt).Err(); err != nil {
		return fmt.Errorf("redis: complete job %s: %w", job.ID, err)
	}
	return nil
}

// Fail records a failed attempt. Below maxAttempts the job goes back on the
// queue; at or above it the job moves to the dead-letter list with reason.
func (q *BackfillQueue) Fail(ctx context.Context, job domain.BackfillJob, reason string, maxAttempts int) (bool, error) {
	receipt := job.Receipt
	job.Attempts++
	job.LastError = reason

	if job.Attempts >= maxAttempts {
		dl := domain.DeadLetter{Job: job, Reason: reason, FailedAt: q.now().UTC()}
		if err := q.moveTo(ctx, q.processing, q.dead, receipt, dl); err != nil {
			return false, err
		}
		return true, nil
	}

	if err := q.moveTo(ctx, q.processing, q.queue, receipt, job); err != nil {
		return false, err
	}
	return false, nil
}

// Recover moves every job in the processing list back to the claim end of
// the queue, oldest first, and returns how many were moved. Workers call it
// once on startup, before their first Claim.
func (q *BackfillQueue) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := q.rdb.LMove(ctx, q.processing, q.queue, "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("redis: recover processing jobs: %w", err)
		}
		moved++
	}
}

// Stats returns the length of each list.
func (q *BackfillQueue) Stats(ctx context.Context) (domain.QueueStats, error) {
	pipe := q.rdb.Pipeline()
	queued := pipe.LLen(ctx, q.queue)
	processing := pipe.LLen(ctx, q.processing)
	dead := pipe.LLen(ctx, q.dead)
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.QueueStats{}, fmt.Errorf("redis: queue stats: %w", err)
	}
	return domain.QueueStats{
		Queued:     queued.Val(),
		Processing: processing.Val(),
		Dead:       dead.Val(),
	}, nil
}

// DeadLetters returns up to limit dead-lettered jobs, newest first.
func (q *BackfillQueue) DeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	raws, err := q.rdb.LRange(ctx, q.dead, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list dead letters: %w", err)
	}
	out := make([]domain.DeadLetter, 0, len(raws))
	for _, raw := range raws {
		var dl domain.DeadLetter
		if err := json.Unmarshal([]byte(raw), &dl); err != nil {
			continue
		}
		dl.Receipt = raw
		out = append(out, dl)
	}
	return out, nil
}

// Requeue moves a dead letter back to the queue with a fresh retry budget.
// It returns domain.ErrNotFound when the entry is no longer dead-lettered.
func (q *BackfillQueue) Requeue(ctx context.Context, dl domain.DeadLetter) error {
	job := dl.Job
	job.Attempts = 0
	job.LastError = ""
	job.Receipt = ""
	if err := job.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("redis: encode job %s: %w", job.ID, err)
	}
	n, err := q.move.Run(ctx, q.rdb, []string{q.dead, q.queue}, dl.Receipt, data).Int()
	if err != nil {
		return fmt.Errorf("redis: requeue job %s: %w", job.ID, err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// moveTo atomically replaces receipt in src with the encoding of v in dst.
func (q *BackfillQueue) moveTo(ctx context.Context, src, dst, receipt string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("redis: encode %s entry: %w", dst, err)
	}
	if err := q.move.Run(ctx, q.rdb, []string{src, dst}, receipt, data).Err(); err != nil {
		return fmt.Errorf("redis: move %s -> %s: %w", src, dst, err)
	}
	return nil
}

var _ domain.JobQueue = (*BackfillQueue)(nil)
