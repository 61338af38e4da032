package domain

import "time"

// Pub/sub channel names shared with collaborators.
const (
	ChannelMappingsChanged = "odds:mappings:changed"
	ChannelMarketPattern   = "odds:market:*"
)

// MarketChannel returns the pub/sub channel carrying updates for one market.
func MarketChannel(marketID string) string {
	return "odds:market:" + marketID
}

// OddsUpdate is the payload fanned out for every processed tick.
type OddsUpdate struct {
	MarketID  string    `json:"marketId"`
	TokenID   string    `json:"tokenId"`
	Price     float64   `json:"price"`
	YesPrice  *float64  `json:"yesPrice,omitempty"`
	NoPrice   *float64  `json:"noPrice,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// MappingChanged is published by collaborators when a market is linked,
// unlinked or deactivated.
type MappingChanged struct {
	MarketID string `json:"marketId"`
	Active   bool   `json:"active"`
}
