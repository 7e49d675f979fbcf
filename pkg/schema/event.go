package schema

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// Event is a decoded server-pushed streaming frame.
type Event interface {
	// Kind returns the event family.
	Kind() EventKind
	// Timestamp returns the server time of the frame.
	Timestamp() time.Time
}

// Candle carries one OHLCV candle update.
type Candle struct {
	Open     decimal.Decimal  `json:"o"`
	Close    decimal.Decimal  `json:"c"`
	High     decimal.Decimal  `json:"h"`
	Low      decimal.Decimal  `json:"l"`
	Volume   int64            `json:"v"`
	Time     time.Time        `json:"time"`
	Interval CandleResolution `json:"interval"`
	FIGI     string           `json:"figi"`
}

// PriceLevel is a single order book level encoded on the wire as [price, size].
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// UnmarshalJSON decodes a two element [price, size] array.
func (p *PriceLevel) UnmarshalJSON(data []byte) error {
	var pair []decimal.Decimal
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("price level: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("price level: expected [price, size], got %d elements", len(pair))
	}
	p.Price = pair[0]
	p.Size = pair[1]
	return nil
}

// MarshalJSON encodes the level as a [price, size] array.
func (p PriceLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]decimal.Decimal{p.Price, p.Size})
}

// Orderbook carries an order book snapshot of the subscribed depth.
type Orderbook struct {
	FIGI  string       `json:"figi"`
	Depth int          `json:"depth"`
	Bids  []PriceLevel `json:"bids"`
	Asks  []PriceLevel `json:"asks"`
}

// BestBid returns the top bid level, if any.
func (o Orderbook) BestBid() (PriceLevel, bool) {
	if len(o.Bids) == 0 {
		return PriceLevel{}, false //nolint:exhaustruct
	}
	return o.Bids[0], true
}

// BestAsk returns the top ask level, if any.
func (o Orderbook) BestAsk() (PriceLevel, bool) {
	if len(o.Asks) == 0 {
		return PriceLevel{}, false //nolint:exhaustruct
	}
	return o.Asks[0], true
}

// InstrumentInfo carries the trading status of an instrument.
type InstrumentInfo struct {
	FIGI              string              `json:"figi"`
	TradeStatus       string              `json:"trade_status"`
	MinPriceIncrement decimal.Decimal     `json:"min_price_increment"`
	Lot               int64               `json:"lot"`
	AccruedInterest   decimal.NullDecimal `json:"accrued_interest"`
	LimitUp           decimal.NullDecimal `json:"limit_up"`
	LimitDown         decimal.NullDecimal `json:"limit_down"`
}

// ErrorPayload carries a server-reported error, optionally correlated to a request.
type ErrorPayload struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// CandleEvent is a candle update.
type CandleEvent struct {
	ServerTime time.Time `json:"time"`
	Payload    Candle    `json:"payload"`
}

// Kind implements Event.
func (CandleEvent) Kind() EventKind { return KindCandle }

// Timestamp implements Event.
func (e CandleEvent) Timestamp() time.Time { return e.ServerTime }

// OrderbookEvent is an order book snapshot.
type OrderbookEvent struct {
	ServerTime time.Time `json:"time"`
	Payload    Orderbook `json:"payload"`
}

// Kind implements Event.
func (OrderbookEvent) Kind() EventKind { return KindOrderbook }

// Timestamp implements Event.
func (e OrderbookEvent) Timestamp() time.Time { return e.ServerTime }

// InstrumentInfoEvent is an instrument status update.
type InstrumentInfoEvent struct {
	ServerTime time.Time      `json:"time"`
	Payload    InstrumentInfo `json:"payload"`
}

// Kind implements Event.
func (InstrumentInfoEvent) Kind() EventKind { return KindInstrumentInfo }

// Timestamp implements Event.
func (e InstrumentInfoEvent) Timestamp() time.Time { return e.ServerTime }

// ErrorEvent is a server-reported error.
type ErrorEvent struct {
	ServerTime time.Time    `json:"time"`
	Payload    ErrorPayload `json:"payload"`
}

// Kind implements Event.
func (ErrorEvent) Kind() EventKind { return KindError }

// Timestamp implements Event.
func (e ErrorEvent) Timestamp() time.Time { return e.ServerTime }
