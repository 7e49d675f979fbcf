package streaming

import (
	"context"

	"github.com/coachpo/tinvest/errs"
	"github.com/coachpo/tinvest/internal/subscription"
	"github.com/coachpo/tinvest/pkg/schema"
)

// SubscribeOption customises a single subscribe or unsubscribe call.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	requestID string
}

// WithRequestID attaches a correlation id echoed by server errors.
func WithRequestID(id string) SubscribeOption {
	return func(o *subscribeOptions) {
		o.requestID = id
	}
}

// WithGeneratedRequestID attaches a fresh random correlation id.
func WithGeneratedRequestID() SubscribeOption {
	return func(o *subscribeOptions) {
		o.requestID = schema.NewRequestID()
	}
}

func requestID(opts []SubscribeOption) string {
	var o subscribeOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o.requestID
}

type registry[K comparable, S subscription.Keyed[K]] struct {
	owner *Streaming
	reg   *subscription.Registry[K, S]
}

func (r registry[K, S]) add(ctx context.Context, op string, sub S) (bool, error) {
	if err := r.usable(op); err != nil {
		return false, err
	}
	if err := sub.Validate(); err != nil {
		return false, err
	}
	return r.reg.Add(ctx, sub), nil
}

func (r registry[K, S]) remove(ctx context.Context, op string, sub S) (bool, error) {
	if err := r.usable(op); err != nil {
		return false, err
	}
	if err := sub.Validate(); err != nil {
		return false, err
	}
	return r.reg.Remove(ctx, sub)
}

func (r registry[K, S]) usable(op string) error {
	if r.owner.State() == StateStopped {
		return errs.New(op, errs.CodeUnavailable,
			errs.WithMessage("streaming client stopped"),
			errs.WithRemediation("create a new client"))
	}
	return nil
}

// CandleAPI manages candle subscriptions.
type CandleAPI struct {
	registry[schema.CandleKey, schema.CandleSubscription]
}

// Subscribe registers the (figi, interval) subscription and sends it when a
// socket is attached. The boolean reports whether the frame was written.
func (a *CandleAPI) Subscribe(ctx context.Context, figi string, interval schema.CandleResolution, opts ...SubscribeOption) (bool, error) {
	return a.add(ctx, "candle/subscribe", schema.CandleSubscription{FIGI: figi, Interval: interval, RequestID: requestID(opts)})
}

// Unsubscribe removes the (figi, interval) subscription.
func (a *CandleAPI) Unsubscribe(ctx context.Context, figi string, interval schema.CandleResolution, opts ...SubscribeOption) (bool, error) {
	return a.remove(ctx, "candle/unsubscribe", schema.CandleSubscription{FIGI: figi, Interval: interval, RequestID: requestID(opts)})
}

// Subscriptions returns the held subscriptions in insertion order.
func (a *CandleAPI) Subscriptions() []schema.CandleSubscription {
	return a.reg.Snapshot()
}

// OrderbookAPI manages order book subscriptions.
type OrderbookAPI struct {
	registry[schema.OrderbookKey, schema.OrderbookSubscription]
}

// Subscribe registers the (figi, depth) subscription.
func (a *OrderbookAPI) Subscribe(ctx context.Context, figi string, depth int, opts ...SubscribeOption) (bool, error) {
	return a.add(ctx, "orderbook/subscribe", schema.OrderbookSubscription{FIGI: figi, Depth: depth, RequestID: requestID(opts)})
}

// Unsubscribe removes the (figi, depth) subscription.
func (a *OrderbookAPI) Unsubscribe(ctx context.Context, figi string, depth int, opts ...SubscribeOption) (bool, error) {
	return a.remove(ctx, "orderbook/unsubscribe", schema.OrderbookSubscription{FIGI: figi, Depth: depth, RequestID: requestID(opts)})
}

// Subscriptions returns the held subscriptions in insertion order.
func (a *OrderbookAPI) Subscriptions() []schema.OrderbookSubscription {
	return a.reg.Snapshot()
}

// InstrumentInfoAPI manages instrument info subscriptions.
type InstrumentInfoAPI struct {
	registry[schema.InstrumentInfoKey, schema.InstrumentInfoSubscription]
}

// Subscribe registers the figi subscription.
func (a *InstrumentInfoAPI) Subscribe(ctx context.Context, figi string, opts ...SubscribeOption) (bool, error) {
	return a.add(ctx, "instrument_info/subscribe", schema.InstrumentInfoSubscription{FIGI: figi, RequestID: requestID(opts)})
}

// Unsubscribe removes the figi subscription.
func (a *InstrumentInfoAPI) Unsubscribe(ctx context.Context, figi string, opts ...SubscribeOption) (bool, error) {
	return a.remove(ctx, "instrument_info/unsubscribe", schema.InstrumentInfoSubscription{FIGI: figi, RequestID: requestID(opts)})
}

// Subscriptions returns the held subscriptions in insertion order.
func (a *InstrumentInfoAPI) Subscriptions() []schema.InstrumentInfoSubscription {
	return a.reg.Snapshot()
}
