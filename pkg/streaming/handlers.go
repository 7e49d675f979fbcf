package streaming

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/coachpo/tinvest/pkg/schema"
)

// Handlers routes events to per-kind callbacks. Nil callbacks skip their kind.
type Handlers struct {
	Candle         func(context.Context, schema.CandleEvent) error
	Orderbook      func(context.Context, schema.OrderbookEvent) error
	InstrumentInfo func(context.Context, schema.InstrumentInfoEvent) error
	Error          func(context.Context, schema.ErrorEvent) error
}

// Dispatch invokes the callback registered for the event kind. A panicking
// callback is reported as an error.
func (h Handlers) Dispatch(ctx context.Context, ev schema.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s handler panic: %v\n%s", ev.Kind(), r, debug.Stack())
		}
	}()
	switch e := ev.(type) {
	case schema.CandleEvent:
		if h.Candle != nil {
			return h.Candle(ctx, e)
		}
	case schema.OrderbookEvent:
		if h.Orderbook != nil {
			return h.Orderbook(ctx, e)
		}
	case schema.InstrumentInfoEvent:
		if h.InstrumentInfo != nil {
			return h.InstrumentInfo(ctx, e)
		}
	case schema.ErrorEvent:
		if h.Error != nil {
			return h.Error(ctx, e)
		}
	}
	return nil
}

// Sink adapts the handlers to a Sink.
func (h Handlers) Sink() Sink {
	return h.Dispatch
}

// Consume feeds every event of s to sink until the stream ends, ctx is done or
// sink fails. The sink error is returned.
func Consume(ctx context.Context, s *Streaming, sink Sink) error {
	for ev := range s.Events(ctx) {
		if err := sink(ctx, ev); err != nil {
			return fmt.Errorf("consume %s event: %w", ev.Kind(), err)
		}
	}
	return ctx.Err()
}
