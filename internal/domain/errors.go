package domain

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrRateLimited  = errors.New("rate limited")
	ErrWSDisconnect = errors.New("websocket disconnected")
	ErrLockHeld     = errors.New("lock already held")
	ErrQueueEmpty   = errors.New("queue empty")
	ErrBreakerOpen  = errors.New("circuit breaker open")
	ErrNoHistory    = errors.New("no history returned")
	ErrInvalidJob   = errors.New("invalid backfill job")
)
