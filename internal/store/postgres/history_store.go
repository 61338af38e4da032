package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/oddsfeed/internal/domain"
)

// HistoryStore implements domain.HistoryStore over the odds_history table.
type HistoryStore struct {
	pool *pgxpool.Pool
}

// NewHistoryStore creates a HistoryStore backed by the given pool.
func NewHistoryStore(pool *pgxpool.Pool) *HistoryStore {
	return &HistoryStore{pool: pool}
}

// Upsert writes a live point. A later write for the same bucket replaces the
// earlier one.
func (s *HistoryStore) Upsert(ctx context.Context, p domain.OddsHistoryPoint) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO odds_history (market_id, outcome_id, bucket, price, probability, source, token_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (market_id, outcome_id, bucket) DO UPDATE SET
			price       = EXCLUDED.price,
			probability = EXCLUDED.probability,
			source      = EXCLUDED.source,
			token_id    = EXCLUDED.token_id,
			updated_at  = NOW()`,
		p.MarketID, p.OutcomeID, p.Bucket.UTC(), p.Price, p.Probability, string(p.Source), p.TokenID,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert history %s/%s@%s: %w",
			p.MarketID, p.OutcomeID, p.Bucket.UTC().Format("2006-01-02T15:04Z"), err)
	}
	return nil
}

// InsertSkipExisting writes backfilled points without touching buckets that
// already hold a value. It returns how many rows were inserted.
func (s *HistoryStore) InsertSkipExisting(ctx context.Context, points []domain.OddsHistoryPoint) (int64, error) {
	if len(points) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, p := range points {
		batch.Queue(`
			INSERT INTO odds_history (market_id, outcome_id, bucket, price, probability, source, token_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (market_id, outcome_id, bucket) DO NOTHING`,
			p.MarketID, p.OutcomeID, p.Bucket.UTC(), p.Price, p.Probability, string(p.Source), p.TokenID,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	var inserted int64
	for range points {
		tag, err := br.Exec()
		if err != nil {
			return inserted, fmt.Errorf("postgres: insert history for %s: %w", points[0].MarketID, err)
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}

// List returns points for a market ordered by bucket. Zero From/To leave the
// range open on that side.
func (s *HistoryStore) List(ctx context.Context, q domain.HistoryQuery) ([]domain.OddsHistoryPoint, error) {
	limit := q.Limit
	if limit <= 0 || limit > 5000 {
		limit = 5000
	}

	rows, err := s.pool.Query(ctx, `
		SELECT market_id, outcome_id, bucket, price, probability, source, token_id
		FROM odds_history
		WHERE market_id = $1
		  AND ($2 = '' OR outcome_id = $2)
		  AND ($3::timestamptz IS NULL OR bucket >= $3)
		  AND ($4::timestamptz IS NULL OR bucket < $4)
		ORDER BY bucket, outcome_id
		LIMIT $5`,
		q.MarketID, q.OutcomeID, nullTime(q.From), nullTime(q.To), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list history for %s: %w", q.MarketID, err)
	}
	defer rows.Close()

	var out []domain.OddsHistoryPoint
	for rows.Next() {
		var p domain.OddsHistoryPoint
		var source string
		if err := rows.Scan(&p.MarketID, &p.OutcomeID, &p.Bucket, &p.Price, &p.Probability, &source, &p.TokenID); err != nil {
			return nil, fmt.Errorf("postgres: scan history for %s: %w", q.MarketID, err)
		}
		p.Source = domain.OddsSource(source)
		out = append(out, p)
	}
	return out, rows.Err()
}

// RefreshSummary rebuilds the hourly summary view without blocking readers.
func (s *HistoryStore) RefreshSummary(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `REFRESH MATERIALIZED VIEW CONCURRENTLY odds_history_hourly`); err != nil {
		return fmt.Errorf("postgres: refresh odds_history_hourly: %w", err)
	}
	return nil
}

var _ domain.HistoryStore = (*HistoryStore)(nil)
