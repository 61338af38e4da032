package feed

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/alanyoungcy/oddsfeed/internal/domain"
)

// TickHandler processes one tick. It must not panic; errors are its own to log.
type TickHandler func(ctx context.Context, tick domain.PriceTick)

// Dispatcher hands ticks from the read loop to a fixed set of workers. Ticks
// for the same token always land on the same worker so they are processed in
// arrival order. Enqueue never blocks; a full shard drops the tick.
type Dispatcher struct {
	shards  []chan domain.PriceTick
	handle  TickHandler
	logger  *slog.Logger
	sampler *LogSampler

	accepted atomic.Uint64
	dropped  atomic.Uint64
}

// NewDispatcher creates a dispatcher with workers shards of queueSize each.
func NewDispatcher(workers, queueSize int, handle TickHandler, sampleEvery int, logger *slog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	shards := make([]chan domain.PriceTick, workers)
	for i := range shards {
		shards[i] = make(chan domain.PriceTick, queueSize)
	}
	return &Dispatcher{
		shards:  shards,
		handle:  handle,
		logger:  logger.With(slog.String("component", "tick_dispatcher")),
		sampler: NewLogSampler(sampleEvery),
	}
}

// Enqueue queues a tick for processing. It reports false when the tick was
// dropped because its shard is full.
func (d *Dispatcher) Enqueue(tick domain.PriceTick) bool {
	shard := d.shards[shardFor(tick.TokenID, len(d.shards))]
	select {
	case shard <- tick:
		d.accepted.Add(1)
		return true
	default:
		d.dropped.Add(1)
		if ok, n := d.sampler.Sample(); ok {
			d.logger.Warn("tick dropped, shard full",
				slog.String("token_id", tick.TokenID),
				slog.Uint64("dropped_total", n),
			)
		}
		return false
	}
}

// Run starts the workers and blocks until ctx is cancelled. Queued ticks
// still pending at cancellation are discarded.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := range d.shards {
		wg.Add(1)
		go func(ch <-chan domain.PriceTick) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case tick := <-ch:
					d.handle(ctx, tick)
				}
			}
		}(d.shards[i])
	}
	d.logger.Info("dispatcher started", slog.Int("workers", len(d.shards)))
	wg.Wait()
	return ctx.Err()
}

// DispatchStats are the dispatcher counters.
type DispatchStats struct {
	Accepted uint64 `json:"accepted"`
	Dropped  uint64 `json:"dropped"`
}

// Stats returns the accepted and dropped counters.
func (d *Dispatcher) Stats() DispatchStats {
	return DispatchStats{Accepted: d.accepted.Load(), Dropped: d.dropped.Load()}
}

func shardFor(tokenID string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(tokenID))
	return int(h.Sum32() % uint32(n))
}
