package polymarket

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/oddsfeed/internal/domain"
)

// Event types carried in the "event_type" field of market channel frames.
const (
	EventBook           = "book"
	EventPriceChange    = "price_change"
	EventBestBidAsk     = "best_bid_ask"
	EventLastTradePrice = "last_trade_price"
)

// Message is one decoded market channel event. The concrete type is one of
// *BookMessage, *PriceChangeMessage, *BestBidAskMessage, *LastTradeMessage or
// *UnknownMessage.
type Message interface {
	EventType() string
	// Ticks returns the price observations carried by the message, already
	// normalised to [0,1]. Messages without a usable price yield none.
	Ticks(receivedAt time.Time) []domain.PriceTick
}

// FlexPrice unmarshals a price sent either as a JSON number or as a decimal
// string. An empty string or null leaves it unset.
type FlexPrice struct {
	v   float64
	set bool
}

func (f *FlexPrice) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	s := string(data)
	if data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("polymarket: invalid price %q: %w", s, err)
	}
	f.v, f.set = v, true
	return nil
}

// Price returns the value and whether it was present.
func (f FlexPrice) Price() (float64, bool) { return f.v, f.set }

// NormalizePrice maps a venue price to a probability. Values in (1,100] are
// treated as percentages. Anything outside [0,100] is rejected.
func NormalizePrice(raw float64) (float64, bool) {
	switch {
	case raw < 0 || raw > 100:
		return 0, false
	case raw > 1:
		return raw / 100, true
	default:
		return raw, true
	}
}

// extractPrice picks the reference price for a token: the bid/ask midpoint
// when both sides are quoted, else whichever side is present, else the last
// trade.
func extractPrice(bid, ask, last FlexPrice) (price, bestBid, bestAsk float64, ok bool) {
	b, hasBid := normalized(bid)
	a, hasAsk := normalized(ask)
	switch {
	case hasBid && hasAsk:
		return (b + a) / 2, b, a, true
	case hasBid:
		return b, b, 0, true
	case hasAsk:
		return a, 0, a, true
	}
	if l, ok := normalized(last); ok {
		return l, 0, 0, true
	}
	return 0, 0, 0, false
}

func normalized(f FlexPrice) (float64, bool) {
	v, ok := f.Price()
	if !ok {
		return 0, false
	}
	return NormalizePrice(v)
}

// PriceLevel is a single bid or ask level of a book snapshot.
type PriceLevel struct {
	Price FlexPrice `json:"price"`
	Size  FlexPrice `json:"size"`
}

// BookMessage is a full order book snapshot for one token.
type BookMessage struct {
	AssetID   string       `json:"asset_id"`
	Market    string       `json:"market"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp string       `json:"timestamp"`
	Hash      string       `json:"hash"`
}

func (m *BookMessage) EventType() string { return EventBook }

// BestBid returns the highest bid level with non-zero size.
func (m *BookMessage) BestBid() FlexPrice {
	var best FlexPrice
	for _, l := range m.Bids {
		if !l.Price.set || (l.Size.set && l.Size.v <= 0) {
			continue
		}
		if !best.set || l.Price.v > best.v {
			best = l.Price
		}
	}
	return best
}

// BestAsk returns the lowest ask level with non-zero size.
func (m *BookMessage) BestAsk() FlexPrice {
	var best FlexPrice
	for _, l := range m.Asks {
		if !l.Price.set || (l.Size.set && l.Size.v <= 0) {
			continue
		}
		if !best.set || l.Price.v < best.v {
			best = l.Price
		}
	}
	return best
}

func (m *BookMessage) Ticks(receivedAt time.Time) []domain.PriceTick {
	if m.AssetID == "" {
		return nil
	}
	price, bid, ask, ok := extractPrice(m.BestBid(), m.BestAsk(), FlexPrice{})
	if !ok {
		return nil
	}
	return []domain.PriceTick{{
		TokenID: m.AssetID, Price: price, BestBid: bid, BestAsk: ask,
		Kind: domain.TickBook, ReceivedAt: receivedAt,
	}}
}

// PriceChange is one entry of a price_change event.
type PriceChange struct {
	AssetID string    `json:"asset_id"`
	Price   FlexPrice `json:"price"`
	Size    FlexPrice `json:"size"`
	Side    string    `json:"side"`
	BestBid FlexPrice `json:"best_bid"`
	BestAsk FlexPrice `json:"best_ask"`
}

// PriceChangeMessage reports level changes for one or more tokens. Older
// frames carry a single change in the top-level fields instead of
// price_changes.
type PriceChangeMessage struct {
	Market       string        `json:"market"`
	Timestamp    string        `json:"timestamp"`
	PriceChanges []PriceChange `json:"price_changes"`
	PriceChange
}

func (m *PriceChangeMessage) EventType() string { return EventPriceChange }

func (m *PriceChangeMessage) Ticks(receivedAt time.Time) []domain.PriceTick {
	changes := m.PriceChanges
	if len(changes) == 0 && m.AssetID != "" {
		changes = []PriceChange{m.PriceChange}
	}
	out := make([]domain.PriceTick, 0, len(changes))
	for _, c := range changes {
		if c.AssetID == "" {
			continue
		}
		// Without top-of-book fields the changed level itself is the best
		// available reference.
		price, bid, ask, ok := extractPrice(c.BestBid, c.BestAsk, c.Price)
		if !ok {
			continue
		}
		kind := domain.TickTopOfBook
		if !c.BestBid.set && !c.BestAsk.set {
			kind = domain.TickBook
		}
		out = append(out, domain.PriceTick{
			TokenID: c.AssetID, Price: price, BestBid: bid, BestAsk: ask,
			Kind: kind, ReceivedAt: receivedAt,
		})
	}
	return out
}

// BestBidAskMessage carries the current top of book for one token.
type BestBidAskMessage struct {
	AssetID   string    `json:"asset_id"`
	Market    string    `json:"market"`
	BestBid   FlexPrice `json:"best_bid"`
	BestAsk   FlexPrice `json:"best_ask"`
	Spread    FlexPrice `json:"spread"`
	Timestamp string    `json:"timestamp"`
}

func (m *BestBidAskMessage) EventType() string { return EventBestBidAsk }

func (m *BestBidAskMessage) Ticks(receivedAt time.Time) []domain.PriceTick {
	if m.AssetID == "" {
		return nil
	}
	price, bid, ask, ok := extractPrice(m.BestBid, m.BestAsk, FlexPrice{})
	if !ok {
		return nil
	}
	return []domain.PriceTick{{
		TokenID: m.AssetID, Price: price, BestBid: bid, BestAsk: ask,
		Kind: domain.TickTopOfBook, ReceivedAt: receivedAt,
	}}
}

// LastTradeMessage reports the most recent trade for one token.
type LastTradeMessage struct {
	AssetID   string    `json:"asset_id"`
	Market    string    `json:"market"`
	Price     FlexPrice `json:"price"`
	Size      FlexPrice `json:"size"`
	Side      string    `json:"side"`
	Timestamp string    `json:"timestamp"`
}

func (m *LastTradeMessage) EventType() string { return EventLastTradePrice }

func (m *LastTradeMessage) Ticks(receivedAt time.Time) []domain.PriceTick {
	if m.AssetID == "" {
		return nil
	}
	price, ok := normalized(m.Price)
	if !ok {
		return nil
	}
	return []domain.PriceTick{{
		TokenID: m.AssetID, Price: price, Kind: domain.TickLastTrade, ReceivedAt: receivedAt,
	}}
}

// UnknownMessage is any well-formed frame with an unrecognised event type.
type UnknownMessage struct {
	Type string
	Raw  json.RawMessage
}

func (m *UnknownMessage) EventType() string { return m.Type }

func (m *UnknownMessage) Ticks(time.Time) []domain.PriceTick { return nil }

// Decode parses one text frame. A frame may hold a single event object or an
// array of them. Unknown fields are ignored and unknown event types decode to
// *UnknownMessage; only undecodable JSON is an error.
func Decode(raw []byte) ([]Message, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("polymarket: empty frame")
	}
	if raw[0] != '[' {
		msg, err := decodeOne(raw)
		if err != nil {
			return nil, err
		}
		return []Message{msg}, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("polymarket: decode frame array: %w", err)
	}
	out := make([]Message, 0, len(items))
	for i, item := range items {
		msg, err := decodeOne(item)
		if err != nil {
			return nil, fmt.Errorf("polymarket: frame element %d: %w", i, err)
		}
		out = append(out, msg)
	}
	return out, nil
}

func decodeOne(raw json.RawMessage) (Message, error) {
	var envelope struct {
		EventType string `json:"event_type"`
		MsgType   string `json:"msg_type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("polymarket: decode envelope: %w", err)
	}
	eventType := envelope.EventType
	if eventType == "" {
		eventType = envelope.MsgType
	}

	var msg Message
	switch eventType {
	case EventBook:
		msg = &BookMessage{}
	case EventPriceChange:
		msg = &PriceChangeMessage{}
	case EventBestBidAsk:
		msg = &BestBidAskMessage{}
	case EventLastTradePrice:
		msg = &LastTradeMessage{}
	default:
		return &UnknownMessage{Type: eventType, Raw: raw}, nil
	}
	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, fmt.Errorf("polymarket: decode %s: %w", eventType, err)
	}
	return msg, nil
}
