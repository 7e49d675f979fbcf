package recorder

import (
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tinvest/pkg/schema"
)

const (
	candleUpsertSQL = `
INSERT INTO candles (
    figi,
    interval,
    candle_time,
    open,
    close,
    high,
    low,
    volume,
    server_time
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (figi, interval, candle_time) DO UPDATE
SET open = EXCLUDED.open,
    close = EXCLUDED.close,
    high = EXCLUDED.high,
    low = EXCLUDED.low,
    volume = EXCLUDED.volume,
    server_time = EXCLUDED.server_time,
    updated_at = NOW();
`

	orderbookInsertSQL = `
INSERT INTO orderbook_snapshots (
    figi,
    depth,
    bids,
    asks,
    server_time
)
VALUES ($1, $2, $3::jsonb, $4::jsonb, $5);
`

	instrumentInfoUpsertSQL = `
INSERT INTO instrument_info (
    figi,
    trade_status,
    min_price_increment,
    lot,
    accrued_interest,
    limit_up,
    limit_down,
    server_time
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (figi) DO UPDATE
SET trade_status = EXCLUDED.trade_status,
    min_price_increment = EXCLUDED.min_price_increment,
    lot = EXCLUDED.lot,
    accrued_interest = EXCLUDED.accrued_interest,
    limit_up = EXCLUDED.limit_up,
    limit_down = EXCLUDED.limit_down,
    server_time = EXCLUDED.server_time,
    updated_at = NOW();
`

	streamErrorInsertSQL = `
INSERT INTO stream_errors (
    error,
    request_id,
    server_time
)
VALUES ($1, $2, $3);
`
)

// queue appends the statement persisting ev to batch.
func queue(batch *pgx.Batch, ev schema.Event) error {
	switch e := ev.(type) {
	case schema.CandleEvent:
		return queueCandle(batch, e)
	case schema.OrderbookEvent:
		return queueOrderbook(batch, e)
	case schema.InstrumentInfoEvent:
		return queueInstrumentInfo(batch, e)
	case schema.ErrorEvent:
		requestID := pgtype.Text{String: e.Payload.RequestID, Valid: e.Payload.RequestID != ""}
		batch.Queue(streamErrorInsertSQL, e.Payload.Error, requestID, e.ServerTime)
		return nil
	default:
		return fmt.Errorf("unsupported event %T", ev)
	}
}

func queueCandle(batch *pgx.Batch, e schema.CandleEvent) error {
	c := e.Payload
	var prices [4]pgtype.Numeric
	for i, value := range [4]decimal.Decimal{c.Open, c.Close, c.High, c.Low} {
		n, err := numericFromDecimal(value)
		if err != nil {
			return fmt.Errorf("candle %s: %w", c.FIGI, err)
		}
		prices[i] = n
	}
	batch.Queue(candleUpsertSQL,
		c.FIGI, string(c.Interval), c.Time,
		prices[0], prices[1], prices[2], prices[3],
		c.Volume, e.ServerTime)
	return nil
}

func queueOrderbook(batch *pgx.Batch, e schema.OrderbookEvent) error {
	ob := e.Payload
	bids, err := encodeLevels(ob.Bids)
	if err != nil {
		return fmt.Errorf("orderbook bids: %w", err)
	}
	asks, err := encodeLevels(ob.Asks)
	if err != nil {
		return fmt.Errorf("orderbook asks: %w", err)
	}
	batch.Queue(orderbookInsertSQL, ob.FIGI, ob.Depth, bids, asks, e.ServerTime)
	return nil
}

func queueInstrumentInfo(batch *pgx.Batch, e schema.InstrumentInfoEvent) error {
	info := e.Payload
	increment, err := numericFromDecimal(info.MinPriceIncrement)
	if err != nil {
		return fmt.Errorf("instrument info min_price_increment: %w", err)
	}
	accrued, err := numericFromNull(info.AccruedInterest)
	if err != nil {
		return fmt.Errorf("instrument info accrued_interest: %w", err)
	}
	limitUp, err := numericFromNull(info.LimitUp)
	if err != nil {
		return fmt.Errorf("instrument info limit_up: %w", err)
	}
	limitDown, err := numericFromNull(info.LimitDown)
	if err != nil {
		return fmt.Errorf("instrument info limit_down: %w", err)
	}
	batch.Queue(instrumentInfoUpsertSQL,
		info.FIGI, info.TradeStatus, increment, info.Lot,
		accrued, limitUp, limitDown, e.ServerTime)
	return nil
}

// encodeLevels renders levels as a JSON array of [price, size] pairs.
func encodeLevels(levels []schema.PriceLevel) (string, error) {
	if levels == nil {
		levels = []schema.PriceLevel{}
	}
	data, err := json.Marshal(levels)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
