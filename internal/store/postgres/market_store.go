package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/oddsfeed/internal/domain"
)

// MarketStore implements domain.MarketStore. Writes carry the tick time and
// never overwrite a newer value, because ticks are processed on parallel
// shards and may land out of order.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a new MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

// UpdateBinaryOdds sets both sides of a binary market.
func (s *MarketStore) UpdateBinaryOdds(ctx context.Context, marketID string, yes, no float64, source domain.OddsSource, ts time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE markets SET
			yes_price       = $2,
			no_price        = $3,
			odds_source     = $4,
			odds_updated_at = $5
		WHERE id = $1
		  AND (odds_updated_at IS NULL OR odds_updated_at <= $5)`,
		marketID, yes, no, string(source), ts,
	)
	if err != nil {
		return fmt.Errorf("postgres: update odds for market %s: %w", marketID, err)
	}
	return nil
}

// UpdateOutcomeOdds sets the probability of one outcome of a multi-outcome market.
func (s *MarketStore) UpdateOutcomeOdds(ctx context.Context, marketID, outcomeID string, prob float64, source domain.OddsSource, ts time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO market_outcomes (market_id, outcome_id, probability, odds_source, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (market_id, outcome_id) DO UPDATE SET
			probability = EXCLUDED.probability,
			odds_source = EXCLUDED.odds_source,
			updated_at  = EXCLUDED.updated_at
		WHERE market_outcomes.updated_at <= EXCLUDED.updated_at`,
		marketID, outcomeID, prob, string(source), ts,
	)
	if err != nil {
		return fmt.Errorf("postgres: update outcome %s/%s: %w", marketID, outcomeID, err)
	}
	return nil
}

// GetOdds returns the currently published odds of a market.
func (s *MarketStore) GetOdds(ctx context.Context, marketID string) (domain.MarketOdds, error) {
	var (
		out       domain.MarketOdds
		kind      string
		yes, no   *float64
		source    *string
		updatedAt *time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, kind, yes_price, no_price, odds_source, odds_updated_at
		FROM markets WHERE id = $1`, marketID,
	).Scan(&out.MarketID, &kind, &yes, &no, &source, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.MarketOdds{}, domain.ErrNotFound
		}
		return domain.MarketOdds{}, fmt.Errorf("postgres: get odds for market %s: %w", marketID, err)
	}
	out.Kind = domain.MarketKind(kind)
	if yes != nil {
		out.Yes = *yes
	}
	if no != nil {
		out.No = *no
	}
	if source != nil {
		out.Source = domain.OddsSource(*source)
	}
	if updatedAt != nil {
		out.UpdatedAt = *updatedAt
	}

	if out.Kind != domain.MarketKindMulti {
		return out, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT outcome_id, probability, odds_source, updated_at
		FROM market_outcomes WHERE market_id = $1`, marketID)
	if err != nil {
		return domain.MarketOdds{}, fmt.Errorf("postgres: get outcomes for market %s: %w", marketID, err)
	}
	defer rows.Close()

	out.Outcomes = make(map[string]float64)
	for rows.Next() {
		var id, src string
		var prob float64
		var ts time.Time
		if err := rows.Scan(&id, &prob, &src, &ts); err != nil {
			return domain.MarketOdds{}, fmt.Errorf("postgres: scan outcome for market %s: %w", marketID, err)
		}
		out.Outcomes[id] = prob
		if ts.After(out.UpdatedAt) {
			out.UpdatedAt = ts
			out.Source = domain.OddsSource(src)
		}
	}
	return out, rows.Err()
}

var _ domain.MarketStore = (*MarketStore)(nil)
