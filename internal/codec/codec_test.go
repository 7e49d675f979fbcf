package codec

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tinvest/errs"
	"github.com/coachpo/tinvest/pkg/schema"
)

func TestDecodeCandle(t *testing.T) {
	frame := `{"event":"candle","time":"2019-08-07T15:35:00.03Z","payload":{"o":64.0575,"c":64.0575,"h":64.0575,"l":64.0575,"v":156,"time":"2019-08-07T15:35:00Z","interval":"5min","figi":"BBG0013HGFT4"}}`

	ev, err := Decode([]byte(frame))
	require.NoError(t, err)

	candle, ok := ev.(schema.CandleEvent)
	require.True(t, ok, "expected CandleEvent, got %T", ev)

	price := decimal.RequireFromString("64.0575")
	require.True(t, candle.Payload.Open.Equal(price))
	require.True(t, candle.Payload.Close.Equal(price))
	require.True(t, candle.Payload.High.Equal(price))
	require.True(t, candle.Payload.Low.Equal(price))
	require.Equal(t, int64(156), candle.Payload.Volume)
	require.Equal(t, schema.Resolution5Min, candle.Payload.Interval)
	require.Equal(t, "BBG0013HGFT4", candle.Payload.FIGI)
	require.True(t, candle.Payload.Time.Equal(time.Date(2019, 8, 7, 15, 35, 0, 0, time.UTC)))
	require.True(t, candle.Timestamp().Equal(time.Date(2019, 8, 7, 15, 35, 0, 30_000_000, time.UTC)))
}

func TestDecodeOrderbook(t *testing.T) {
	frame := `{"event":"orderbook","time":"2019-08-07T15:35:00Z","payload":{"figi":"BBG0013HGFT4","depth":2,"bids":[[64.3,10],[64.2,4]],"asks":[[64.4,7]]}}`

	ev, err := Decode([]byte(frame))
	require.NoError(t, err)
	book, ok := ev.(schema.OrderbookEvent)
	require.True(t, ok)
	require.Equal(t, 2, book.Payload.Depth)
	require.Len(t, book.Payload.Bids, 2)
	require.Len(t, book.Payload.Asks, 1)
	require.True(t, book.Payload.Bids[1].Price.Equal(decimal.RequireFromString("64.2")))
	require.True(t, book.Payload.Asks[0].Size.Equal(decimal.NewFromInt(7)))
}

func TestDecodeInstrumentInfo(t *testing.T) {
	frame := `{"event":"instrument_info","time":"2019-08-07T15:35:00Z","payload":{"figi":"BBG0013HGFT4","trade_status":"normal_trading","min_price_increment":0.0025,"lot":1000,"accrued_interest":1.5}}`

	ev, err := Decode([]byte(frame))
	require.NoError(t, err)
	info, ok := ev.(schema.InstrumentInfoEvent)
	require.True(t, ok)
	require.Equal(t, "normal_trading", info.Payload.TradeStatus)
	require.True(t, info.Payload.AccruedInterest.Valid)
	require.False(t, info.Payload.LimitUp.Valid)
}

func TestDecodeError(t *testing.T) {
	frame := `{"event":"error","time":"2019-08-07T15:35:00Z","payload":{"error":"Subscription instrument_info:subscribe. FIGI NOOOOOOO not found","request_id":"123ASD1123"}}`

	ev, err := Decode([]byte(frame))
	require.NoError(t, err)
	serverErr, ok := ev.(schema.ErrorEvent)
	require.True(t, ok)
	require.Equal(t, "123ASD1123", serverErr.Payload.RequestID)
	require.Contains(t, serverErr.Payload.Error, "not found")
}

func TestDecodeRejectsBadFrames(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{name: "unknown kind", frame: `{"event":"unknown_kind","time":"2019-08-07T15:35:00Z","payload":{}}`},
		{name: "malformed json", frame: `{"event":"candle",`},
		{name: "missing time", frame: `{"event":"error","payload":{"error":"x"}}`},
		{name: "missing payload", frame: `{"event":"candle","time":"2019-08-07T15:35:00Z"}`},
		{name: "missing figi", frame: `{"event":"orderbook","time":"2019-08-07T15:35:00Z","payload":{"depth":1,"bids":[],"asks":[]}}`},
		{name: "bad price level", frame: `{"event":"orderbook","time":"2019-08-07T15:35:00Z","payload":{"figi":"F","depth":1,"bids":[[1]],"asks":[]}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Decode([]byte(tt.frame))
			require.Nil(t, ev)
			require.True(t, errs.IsCode(err, errs.CodeDecode), "expected decode error, got %v", err)
		})
	}
}

func TestEncode(t *testing.T) {
	tests := []struct {
		name   string
		sub    schema.Subscription
		action schema.Action
		want   string
	}{
		{
			name:   "candle subscribe",
			sub:    schema.CandleSubscription{FIGI: "BBG0013HGFT4", Interval: schema.Resolution1Min},
			action: schema.ActionSubscribe,
			want:   `{"event":"candle:subscribe","figi":"BBG0013HGFT4","interval":"1min"}`,
		},
		{
			name:   "orderbook unsubscribe with request id",
			sub:    schema.OrderbookSubscription{FIGI: "BBG0013HGFT4", Depth: 5, RequestID: "req-1"},
			action: schema.ActionUnsubscribe,
			want:   `{"event":"orderbook:unsubscribe","figi":"BBG0013HGFT4","depth":5,"request_id":"req-1"}`,
		},
		{
			name:   "instrument info subscribe",
			sub:    schema.InstrumentInfoSubscription{FIGI: "BBG0013HGFT4"},
			action: schema.ActionSubscribe,
			want:   `{"event":"instrument_info:subscribe","figi":"BBG0013HGFT4"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.sub, tt.action)
			require.NoError(t, err)
			require.JSONEq(t, tt.want, string(data))
		})
	}
}

func TestEncodeRejectsUnknownAction(t *testing.T) {
	_, err := Encode(schema.InstrumentInfoSubscription{FIGI: "F"}, schema.Action("pause"))
	require.True(t, errs.IsCode(err, errs.CodeInvalid))
}
