package streaming

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/tinvest/pkg/schema"
)

func TestHandlersDispatchByKind(t *testing.T) {
	var candles, errorsSeen int
	h := Handlers{
		Candle: func(_ context.Context, ev schema.CandleEvent) error {
			candles++
			require.Equal(t, testFIGI, ev.Payload.FIGI)
			return nil
		},
		Error: func(context.Context, schema.ErrorEvent) error {
			errorsSeen++
			return nil
		},
	}

	ctx := context.Background()
	require.NoError(t, h.Dispatch(ctx, schema.CandleEvent{Payload: schema.Candle{FIGI: testFIGI}}))
	require.NoError(t, h.Dispatch(ctx, schema.ErrorEvent{}))
	require.NoError(t, h.Dispatch(ctx, schema.OrderbookEvent{}))
	require.Equal(t, 1, candles)
	require.Equal(t, 1, errorsSeen)
}

func TestHandlersDispatchRecoversPanic(t *testing.T) {
	h := Handlers{
		Orderbook: func(context.Context, schema.OrderbookEvent) error {
			panic("boom")
		},
	}
	err := h.Dispatch(context.Background(), schema.OrderbookEvent{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "orderbook handler panic: boom")
}

func TestFanoutDeliversToEverySink(t *testing.T) {
	var a, b atomic.Int32
	failure := errors.New("disk full")
	sink := Fanout(
		func(context.Context, schema.Event) error { a.Add(1); return nil },
		nil,
		func(context.Context, schema.Event) error { b.Add(1); return failure },
	)

	err := sink(context.Background(), schema.ErrorEvent{})
	require.ErrorIs(t, err, failure)
	require.Equal(t, int32(1), a.Load())
	require.Equal(t, int32(1), b.Load())
}

func TestFanoutWithoutSinks(t *testing.T) {
	require.NoError(t, Fanout()(context.Background(), schema.ErrorEvent{}))
}

func TestConsumeStopsOnSinkError(t *testing.T) {
	b := newFakeBroker(t, replyOnSubscribe(candleFrame, errorFrame))
	s := startClient(t, b)
	_, err := s.Candle.Subscribe(context.Background(), testFIGI, schema.Resolution1Min)
	require.NoError(t, err)

	stop := errors.New("stop here")
	var kinds []schema.EventKind
	err = Consume(context.Background(), s, func(_ context.Context, ev schema.Event) error {
		kinds = append(kinds, ev.Kind())
		if ev.Kind() == schema.KindError {
			return stop
		}
		return nil
	})
	require.ErrorIs(t, err, stop)
	require.Equal(t, []schema.EventKind{schema.KindCandle, schema.KindError}, kinds)
}
