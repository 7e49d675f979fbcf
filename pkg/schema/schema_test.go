package schema

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tinvest/errs"
)

func TestParseCandleResolution(t *testing.T) {
	for _, r := range Resolutions() {
		got, err := ParseCandleResolution(string(r))
		require.NoError(t, err)
		require.Equal(t, r, got)
	}

	got, err := ParseCandleResolution(" HOUR ")
	require.NoError(t, err)
	require.Equal(t, ResolutionHour, got)

	_, err = ParseCandleResolution("4min")
	require.Error(t, err)
	require.True(t, errs.IsCode(err, errs.CodeInvalid))
}

func TestWireEvent(t *testing.T) {
	require.Equal(t, "candle:subscribe", WireEvent(KindCandle, ActionSubscribe))
	require.Equal(t, "instrument_info:unsubscribe", WireEvent(KindInstrumentInfo, ActionUnsubscribe))
}

func TestSubscriptionValidate(t *testing.T) {
	tests := []struct {
		name    string
		sub     Subscription
		wantErr bool
	}{
		{name: "candle", sub: CandleSubscription{FIGI: "BBG0013HGFT4", Interval: Resolution1Min}},
		{name: "candle empty figi", sub: CandleSubscription{FIGI: " ", Interval: Resolution1Min}, wantErr: true},
		{name: "candle bad interval", sub: CandleSubscription{FIGI: "BBG0013HGFT4", Interval: "7min"}, wantErr: true},
		{name: "orderbook", sub: OrderbookSubscription{FIGI: "BBG0013HGFT4", Depth: 5}},
		{name: "orderbook beyond documented max", sub: OrderbookSubscription{FIGI: "BBG0013HGFT4", Depth: MaxOrderbookDepth + 5}},
		{name: "orderbook zero depth", sub: OrderbookSubscription{FIGI: "BBG0013HGFT4", Depth: 0}, wantErr: true},
		{name: "instrument info", sub: InstrumentInfoSubscription{FIGI: "BBG0013HGFT4"}},
		{name: "instrument info empty figi", sub: InstrumentInfoSubscription{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sub.Validate()
			if tt.wantErr {
				require.True(t, errs.IsCode(err, errs.CodeInvalid), "expected invalid_request, got %v", err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestSubscriptionKeyExcludesRequestID(t *testing.T) {
	a := CandleSubscription{FIGI: "BBG0013HGFT4", Interval: Resolution1Min, RequestID: "a"}
	b := CandleSubscription{FIGI: "BBG0013HGFT4", Interval: Resolution1Min, RequestID: "b"}
	require.Equal(t, a.Key(), b.Key())
	require.Equal(t, "BBG0013HGFT4/1min", a.Identity())
	require.Equal(t, "a", a.CorrelationID())

	ob := OrderbookSubscription{FIGI: "BBG0013HGFT4", Depth: 5, RequestID: "x"}
	require.Equal(t, OrderbookKey{FIGI: "BBG0013HGFT4", Depth: 5}, ob.Key())
	require.Equal(t, "BBG0013HGFT4/5", ob.Identity())
}

func TestNewRequestIDUnique(t *testing.T) {
	require.NotEqual(t, NewRequestID(), NewRequestID())
}

func TestPriceLevelJSON(t *testing.T) {
	var levels []PriceLevel
	require.NoError(t, json.Unmarshal([]byte(`[[64.5, 10], ["64.75", 3]]`), &levels))
	require.Len(t, levels, 2)
	require.True(t, levels[0].Price.Equal(decimal.RequireFromString("64.5")))
	require.True(t, levels[1].Size.Equal(decimal.NewFromInt(3)))

	out, err := json.Marshal(levels[1])
	require.NoError(t, err)
	require.JSONEq(t, `["64.75","3"]`, string(out))

	var bad PriceLevel
	require.Error(t, json.Unmarshal([]byte(`[1]`), &bad))
}

func TestOrderbookBestLevels(t *testing.T) {
	book := Orderbook{
		FIGI:  "BBG0013HGFT4",
		Depth: 2,
		Bids:  []PriceLevel{{Price: decimal.NewFromInt(10), Size: decimal.NewFromInt(1)}},
	}
	bid, ok := book.BestBid()
	require.True(t, ok)
	require.True(t, bid.Price.Equal(decimal.NewFromInt(10)))

	_, ok = book.BestAsk()
	require.False(t, ok)
}

func TestInstrumentInfoOptionalFields(t *testing.T) {
	var info InstrumentInfo
	raw := `{"figi":"BBG0013HGFT4","trade_status":"normal_trading","min_price_increment":0.0025,"lot":1000,"limit_up":70.1}`
	require.NoError(t, json.Unmarshal([]byte(raw), &info))
	require.Equal(t, int64(1000), info.Lot)
	require.False(t, info.AccruedInterest.Valid)
	require.True(t, info.LimitUp.Valid)
	require.True(t, info.LimitUp.Decimal.Equal(decimal.RequireFromString("70.1")))
	require.False(t, info.LimitDown.Valid)
}

func TestEventKinds(t *testing.T) {
	events := []Event{CandleEvent{}, OrderbookEvent{}, InstrumentInfoEvent{}, ErrorEvent{}}
	kinds := []EventKind{KindCandle, KindOrderbook, KindInstrumentInfo, KindError}
	for i, ev := range events {
		require.Equal(t, kinds[i], ev.Kind())
	}
	require.False(t, KindError.Subscribable())
	require.True(t, KindOrderbook.Subscribable())
}
