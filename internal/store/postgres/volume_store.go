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

// VolumeStore implements domain.VolumeStore.
type VolumeStore struct {
	pool *pgxpool.Pool
}

// NewVolumeStore creates a VolumeStore backed by the given pool.
func NewVolumeStore(pool *pgxpool.Pool) *VolumeStore {
	return &VolumeStore{pool: pool}
}

// InternalVolume returns matched volume per side plus the market's external
// liquidity. A market with no internal orders reports zero volume.
func (s *VolumeStore) InternalVolume(ctx context.Context, marketID string) (domain.OrderVolume, error) {
	out := domain.OrderVolume{MarketID: marketID}
	err := s.pool.QueryRow(ctx, `
		SELECT m.external_liquidity,
		       COALESCE(SUM(v.volume) FILTER (WHERE v.side = 'YES'), 0),
		       COALESCE(SUM(v.volume) FILTER (WHERE v.side = 'NO'), 0)
		FROM markets m
		LEFT JOIN internal_order_volume v ON v.market_id = m.id
		WHERE m.id = $1
		GROUP BY m.external_liquidity`, marketID,
	).Scan(&out.ExternalLiquidity, &out.YesVolume, &out.NoVolume)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.OrderVolume{}, domain.ErrNotFound
		}
		return domain.OrderVolume{}, fmt.Errorf("postgres: internal volume for %s: %w", marketID, err)
	}
	return out, nil
}

var _ domain.VolumeStore = (*VolumeStore)(nil)

// nullTime maps the zero time to SQL NULL.
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
