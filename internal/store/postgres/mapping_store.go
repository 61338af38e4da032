package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/oddsfeed/internal/domain"
)

// MappingStore implements domain.MappingStore. A token counts as active
// only while both the token link and its market are active.
type MappingStore struct {
	pool *pgxpool.Pool
}

// NewMappingStore creates a MappingStore backed by the given pool.
func NewMappingStore(pool *pgxpool.Pool) *MappingStore {
	return &MappingStore{pool: pool}
}

const tokenCols = `t.token_id, t.market_id, t.outcome_id, t.side, m.kind, (t.is_active AND m.is_active)`

func scanToken(row pgx.Row) (domain.TokenMapping, error) {
	var tm domain.TokenMapping
	var side, kind string
	if err := row.Scan(&tm.TokenID, &tm.MarketID, &tm.OutcomeID, &side, &kind, &tm.Active); err != nil {
		return domain.TokenMapping{}, err
	}
	tm.Side = domain.Side(side)
	tm.Kind = domain.MarketKind(kind)
	return tm, nil
}

// GetByToken returns the mapping for a venue token, active or not.
func (s *MappingStore) GetByToken(ctx context.Context, tokenID string) (domain.TokenMapping, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+tokenCols+`
		FROM market_token_mappings t
		JOIN markets m ON m.id = t.market_id
		WHERE t.token_id = $1`, tokenID)
	tm, err := scanToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TokenMapping{}, domain.ErrNotFound
		}
		return domain.TokenMapping{}, fmt.Errorf("postgres: get mapping for token %s: %w", tokenID, err)
	}
	return tm, nil
}

// GetMarket returns a market with all of its token links.
func (s *MappingStore) GetMarket(ctx context.Context, marketID string) (domain.MarketMapping, error) {
	var mm domain.MarketMapping
	var kind string
	err := s.pool.QueryRow(ctx,
		`SELECT id, kind, is_active FROM markets WHERE id = $1`, marketID,
	).Scan(&mm.MarketID, &kind, &mm.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.MarketMapping{}, domain.ErrNotFound
		}
		return domain.MarketMapping{}, fmt.Errorf("postgres: get market %s: %w", marketID, err)
	}
	mm.Kind = domain.MarketKind(kind)

	rows, err := s.pool.Query(ctx, `
		SELECT `+tokenCols+`
		FROM market_token_mappings t
		JOIN markets m ON m.id = t.market_id
		WHERE t.market_id = $1
		ORDER BY t.token_id`, marketID)
	if err != nil {
		return domain.MarketMapping{}, fmt.Errorf("postgres: list tokens for market %s: %w", marketID, err)
	}
	mm.Tokens, err = collectTokens(rows)
	if err != nil {
		return domain.MarketMapping{}, fmt.Errorf("postgres: list tokens for market %s: %w", marketID, err)
	}
	return mm, nil
}

// ListActiveTokens returns every token the stream should be subscribed to.
func (s *MappingStore) ListActiveTokens(ctx context.Context) ([]domain.TokenMapping, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+tokenCols+`
		FROM market_token_mappings t
		JOIN markets m ON m.id = t.market_id
		WHERE t.is_active AND m.is_active
		ORDER BY t.token_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active tokens: %w", err)
	}
	tokens, err := collectTokens(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active tokens: %w", err)
	}
	return tokens, nil
}

func collectTokens(rows pgx.Rows) ([]domain.TokenMapping, error) {
	defer rows.Close()
	var out []domain.TokenMapping
	for rows.Next() {
		tm, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tm)
	}
	return out, rows.Err()
}

// Upsert links a market and its tokens. The market row and every token are
// written in one transaction.
func (s *MappingStore) Upsert(ctx context.Context, mm domain.MarketMapping) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin mapping upsert %s: %w", mm.MarketID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO markets (id, kind, is_active)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			kind      = EXCLUDED.kind,
			is_active = EXCLUDED.is_active`,
		mm.MarketID, string(mm.Kind), mm.Active,
	); err != nil {
		return fmt.Errorf("postgres: upsert market %s: %w", mm.MarketID, err)
	}

	batch := &pgx.Batch{}
	for _, tm := range mm.Tokens {
		batch.Queue(`
			INSERT INTO market_token_mappings (token_id, market_id, outcome_id, side, is_active)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (token_id) DO UPDATE SET
				market_id  = EXCLUDED.market_id,
				outcome_id = EXCLUDED.outcome_id,
				side       = EXCLUDED.side,
				is_active  = EXCLUDED.is_active`,
			tm.TokenID, mm.MarketID, tm.OutcomeID, string(tm.Side), tm.Active,
		)
	}
	br := tx.SendBatch(ctx, batch)
	for i := range mm.Tokens {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("postgres: upsert token %s: %w", mm.Tokens[i].TokenID, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("postgres: upsert tokens for %s: %w", mm.MarketID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit mapping upsert %s: %w", mm.MarketID, err)
	}
	return nil
}

var _ domain.MappingStore = (*MappingStore)(nil)
