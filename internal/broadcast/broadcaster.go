// Package broadcast fans odds updates out to the pub/sub bus and to locally
// attached subscribers.
package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"

	"github.com/alanyoungcy/oddsfeed/internal/domain"
)

// Rooms delivers a payload to the local subscribers of one market.
type Rooms interface {
	Deliver(marketID string, payload []byte) int
}

// Stats are the broadcaster counters.
type Stats struct {
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
	BusFailures uint64 `json:"busFailures"`
	Delivered   uint64 `json:"delivered"`
	Queued      int    `json:"queued"`
}

// Broadcaster decouples the tick path from fan-out through a bounded queue.
// Publish never blocks; when the queue is full the update is dropped and
// counted. Delivery is at most once.
type Broadcaster struct {
	bus    domain.SignalBus
	rooms  Rooms
	queue  chan domain.OddsUpdate
	logger *slog.Logger

	published   atomic.Uint64
	dropped     atomic.Uint64
	busFailures atomic.Uint64
	delivered   atomic.Uint64
}

// New creates a Broadcaster. Either bus or rooms may be nil.
func New(bus domain.SignalBus, rooms Rooms, queueSize int, logger *slog.Logger) *Broadcaster {
	if queueSize <= 0 {
		queueSize = 4096
	}
	return &Broadcaster{
		bus:    bus,
		rooms:  rooms,
		queue:  make(chan domain.OddsUpdate, queueSize),
		logger: logger.With(slog.String("component", "broadcaster")),
	}
}

// Publish queues an update for fan-out. It reports false when the update was
// dropped.
func (b *Broadcaster) Publish(u domain.OddsUpdate) bool {
	select {
	case b.queue <- u:
		return true
	default:
		if n := b.dropped.Add(1); n == 1 || n%1000 == 0 {
			b.logger.Warn("broadcast queue full, update dropped",
				slog.String("market_id", u.MarketID),
				slog.Uint64("dropped_total", n),
			)
		}
		return false
	}
}

// Run drains the queue until ctx is cancelled.
func (b *Broadcaster) Run(ctx context.Context) error {
	b.logger.Info("broadcaster started", slog.Int("queue_size", cap(b.queue)))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u := <-b.queue:
			b.fanOut(ctx, u)
		}
	}
}

func (b *Broadcaster) fanOut(ctx context.Context, u domain.OddsUpdate) {
	payload, err := json.Marshal(u)
	if err != nil {
		b.logger.Error("marshal odds update", slog.String("market_id", u.MarketID), slog.String("error", err.Error()))
		return
	}

	if b.bus != nil {
		if err := b.bus.Publish(ctx, domain.MarketChannel(u.MarketID), payload); err != nil {
			// The market row is already updated; the next tick corrects any
			// stale view.
			if n := b.busFailures.Add(1); n == 1 || n%100 == 0 {
				b.logger.Warn("bus publish failed",
					slog.String("market_id", u.MarketID),
					slog.Uint64("failures_total", n),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	if b.rooms != nil {
		b.delivered.Add(uint64(b.rooms.Deliver(u.MarketID, payload)))
	}
	b.published.Add(1)
}

// Stats returns the current counters.
func (b *Broadcaster) Stats() Stats {
	return Stats{
		Published:   b.published.Load(),
		Dropped:     b.dropped.Load(),
		BusFailures: b.busFailures.Load(),
		Delivered:   b.delivered.Load(),
		Queued:      len(b.queue),
	}
}
