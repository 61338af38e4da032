package domain

import "time"

// OddsHistoryPoint is one bucketed sample, unique on (MarketID, OutcomeID, Bucket).
type OddsHistoryPoint struct {
	MarketID    string     `json:"marketId"`
	OutcomeID   string     `json:"outcomeId"`
	Bucket      time.Time  `json:"bucket"`
	Price       float64    `json:"price"`
	Probability float64    `json:"probability"`
	Source      OddsSource `json:"source"`
	TokenID     string     `json:"tokenId"`
}

// PriceSample is a raw (timestamp, price) pair from the venue history API.
type PriceSample struct {
	Timestamp time.Time
	Price     float64
}

// HistoryQuery selects a range of history points.
type HistoryQuery struct {
	MarketID  string
	OutcomeID string
	From      time.Time
	To        time.Time
	Limit     int
}
