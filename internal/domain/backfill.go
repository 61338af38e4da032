package domain

import (
	"context"
	"fmt"
	"io"
	"time"
)

// BackfillJob asks the worker to load the price history of one token.
type BackfillJob struct {
	ID         string     `json:"id"`
	MarketID   string     `json:"market_id"`
	OutcomeID  string     `json:"outcome_id"`
	TokenID    string     `json:"token_id"`
	StartTS    *time.Time `json:"start_ts,omitempty"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
	Attempts   int        `json:"attempts"`
	LastError  string     `json:"last_error,omitempty"`

	// Receipt is the exact encoded form the job was claimed as. Queue
	// implementations need it to remove the job from the processing list.
	Receipt string `json:"-"`
}

// Validate reports whether the job carries enough to be processed.
func (j BackfillJob) Validate() error {
	if j.ID == "" || j.MarketID == "" || j.TokenID == "" {
		return fmt.Errorf("%w: id, market_id and token_id are required", ErrInvalidJob)
	}
	return nil
}

// DeadLetter is a job that exhausted its retry budget.
type DeadLetter struct {
	Job      BackfillJob `json:"job"`
	Reason   string      `json:"reason"`
	FailedAt time.Time   `json:"failed_at"`

	Receipt string `json:"-"`
}

// QueueStats reports the length of each backfill list.
type QueueStats struct {
	Queued     int64 `json:"queued"`
	Processing int64 `json:"processing"`
	Dead       int64 `json:"dead"`
}

// BlobWriter stores archived dead letters and exports in object storage.
// PutMultipart streams data of unknown length in parts of at least partSize.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}
