package domain

import (
	"context"
	"time"
)

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string, limit int, window time.Duration) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus provides low-latency pub/sub between processes.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// Timestamps stores named timestamps shared by all instances.
type Timestamps interface {
	Get(ctx context.Context, key string) (time.Time, error)
	Set(ctx context.Context, key string, ts time.Time) error
}

// JobQueue is the durable backfill queue. A job lives in exactly one of the
// queue, processing or dead-letter lists.
type JobQueue interface {
	Enqueue(ctx context.Context, job BackfillJob) error
	Claim(ctx context.Context) (BackfillJob, error)
	Complete(ctx context.Context, job BackfillJob) error
	Fail(ctx context.Context, job BackfillJob, reason string, maxAttempts int) (deadLettered bool, err error)
	Recover(ctx context.Context) (int, error)
	Stats(ctx context.Context) (QueueStats, error)
	DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
	Requeue(ctx context.Context, dl DeadLetter) error
}
