package history

import (
	"sort"
	"time"

	"github.com/alanyoungcy/oddsfeed/internal/domain"
)

// Live and backfill bucket widths.
const (
	LiveBucket     = 5 * time.Minute
	BackfillBucket = 30 * time.Minute
)

// Bucket floors ts to a multiple of width in UTC.
func Bucket(ts time.Time, width time.Duration) time.Time {
	if width <= 0 {
		return ts.UTC()
	}
	return ts.UTC().Truncate(width)
}

// SeriesKey identifies the outcome a bucketed series belongs to.
type SeriesKey struct {
	MarketID  string
	OutcomeID string
	TokenID   string
}

// BucketSeries groups samples into width-sized buckets, keeping the latest
// sample of each bucket, and returns one point per bucket in time order.
func BucketSeries(samples []domain.PriceSample, key SeriesKey, width time.Duration, source domain.OddsSource) []domain.OddsHistoryPoint {
	type pick struct {
		at    time.Time
		price float64
	}
	byBucket := make(map[time.Time]pick, len(samples))
	for _, s := range samples {
		b := Bucket(s.Timestamp, width)
		if cur, ok := byBucket[b]; ok && cur.at.After(s.Timestamp) {
			continue
		}
		byBucket[b] = pick{at: s.Timestamp, price: s.Price}
	}

	out := make([]domain.OddsHistoryPoint, 0, len(byBucket))
	for b, p := range byBucket {
		out = append(out, domain.OddsHistoryPoint{
			MarketID:    key.MarketID,
			OutcomeID:   key.OutcomeID,
			Bucket:      b,
			Price:       p.price,
			Probability: p.price,
			Source:      source,
			TokenID:     key.TokenID,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bucket.Before(out[j].Bucket) })
	return out
}
