package domain

import "time"

// MarketKind distinguishes two-sided markets from multi-outcome markets.
type MarketKind string

const (
	MarketKindBinary MarketKind = "binary"
	MarketKindMulti  MarketKind = "multi"
)

// Side identifies which side of a binary market a token prices.
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// Opposite returns the other side of a binary market.
func (s Side) Opposite() Side {
	if s == SideNo {
		return SideYes
	}
	return SideNo
}

// OddsSource records which input dominated a published probability.
type OddsSource string

const (
	SourceExternal OddsSource = "external"
	SourceInternal OddsSource = "internal"
	SourceBlended  OddsSource = "blended"
	SourceBackfill OddsSource = "backfill"
)

// TokenMapping links one venue token to an internal market outcome.
type TokenMapping struct {
	TokenID   string
	MarketID  string
	OutcomeID string
	Side      Side // empty for multi-outcome markets
	Kind      MarketKind
	Active    bool
}

// MarketMapping is the full set of tokens linked to one internal market.
type MarketMapping struct {
	MarketID string
	Kind     MarketKind
	Active   bool
	Tokens   []TokenMapping
}

// MarketOdds is the published probability state of a market.
type MarketOdds struct {
	MarketID  string             `json:"marketId"`
	Kind      MarketKind         `json:"kind"`
	Yes       float64            `json:"yes,omitempty"`
	No        float64            `json:"no,omitempty"`
	Outcomes  map[string]float64 `json:"outcomes,omitempty"`
	Source    OddsSource         `json:"source"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// OrderVolume is the internally matched volume for a market together with
// the venue-reported liquidity used to weight it.
type OrderVolume struct {
	MarketID          string
	YesVolume         float64
	NoVolume          float64
	ExternalLiquidity float64
}

// Total returns the combined internal volume on both sides.
func (v OrderVolume) Total() float64 {
	return v.YesVolume + v.NoVolume
}

// TickKind is the upstream message family a PriceTick was derived from.
type TickKind string

const (
	TickBook      TickKind = "book"
	TickTopOfBook TickKind = "top_of_book"
	TickLastTrade TickKind = "last_trade"
)

// PriceTick is a single normalised price observation for one token.
type PriceTick struct {
	TokenID    string
	Price      float64 // always in [0,1]
	BestBid    float64
	BestAsk    float64
	Kind       TickKind
	ReceivedAt time.Time
}
