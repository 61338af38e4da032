package domain

import (
	"context"
	"time"
)

// MappingStore reads the token-to-market links owned by the market
// administration collaborator.
type MappingStore interface {
	GetByToken(ctx context.Context, tokenID string) (TokenMapping, error)
	GetMarket(ctx context.Context, marketID string) (MarketMapping, error)
	ListActiveTokens(ctx context.Context) ([]TokenMapping, error)
	Upsert(ctx context.Context, m MarketMapping) error
}

// MarketStore persists the published probabilities of each market.
type MarketStore interface {
	UpdateBinaryOdds(ctx context.Context, marketID string, yes, no float64, source OddsSource, ts time.Time) error
	UpdateOutcomeOdds(ctx context.Context, marketID, outcomeID string, prob float64, source OddsSource, ts time.Time) error
	GetOdds(ctx context.Context, marketID string) (MarketOdds, error)
}

// HistoryStore persists bucketed odds history.
type HistoryStore interface {
	Upsert(ctx context.Context, p OddsHistoryPoint) error
	InsertSkipExisting(ctx context.Context, points []OddsHistoryPoint) (int64, error)
	List(ctx context.Context, q HistoryQuery) ([]OddsHistoryPoint, error)
	RefreshSummary(ctx context.Context) error
}

// VolumeStore reads internally matched order volume.
type VolumeStore interface {
	InternalVolume(ctx context.Context, marketID string) (OrderVolume, error)
}
