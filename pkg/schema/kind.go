// Package schema defines the public subscription and event types of the streaming client.
package schema

import (
	"strings"

	"github.com/coachpo/tinvest/errs"
)

// EventKind identifies the family of a streaming event or subscription.
type EventKind string

const (
	// KindCandle identifies candle (OHLCV) updates.
	KindCandle EventKind = "candle"
	// KindOrderbook identifies order book snapshots.
	KindOrderbook EventKind = "orderbook"
	// KindInstrumentInfo identifies instrument trading status updates.
	KindInstrumentInfo EventKind = "instrument_info"
	// KindError identifies server-reported errors.
	KindError EventKind = "error"
)

// String returns the wire name of the kind.
func (k EventKind) String() string { return string(k) }

// Subscribable reports whether consumers can subscribe to the kind.
func (k EventKind) Subscribable() bool {
	switch k {
	case KindCandle, KindOrderbook, KindInstrumentInfo:
		return true
	case KindError:
		return false
	default:
		return false
	}
}

// Action is the control verb sent for a subscription.
type Action string

const (
	// ActionSubscribe requests delivery of a subscription's events.
	ActionSubscribe Action = "subscribe"
	// ActionUnsubscribe cancels delivery of a subscription's events.
	ActionUnsubscribe Action = "unsubscribe"
)

// WireEvent returns the outbound discriminator for the kind and action, e.g. "candle:subscribe".
func WireEvent(kind EventKind, action Action) string {
	return string(kind) + ":" + string(action)
}

// CandleResolution is the aggregation interval of a candle subscription.
type CandleResolution string

// Supported candle resolutions.
const (
	Resolution1Min  CandleResolution = "1min"
	Resolution2Min  CandleResolution = "2min"
	Resolution3Min  CandleResolution = "3min"
	Resolution5Min  CandleResolution = "5min"
	Resolution10Min CandleResolution = "10min"
	Resolution15Min CandleResolution = "15min"
	Resolution30Min CandleResolution = "30min"
	ResolutionHour  CandleResolution = "hour"
	ResolutionDay   CandleResolution = "day"
	ResolutionWeek  CandleResolution = "week"
	ResolutionMonth CandleResolution = "month"
)

var resolutions = []CandleResolution{
	Resolution1Min,
	Resolution2Min,
	Resolution3Min,
	Resolution5Min,
	Resolution10Min,
	Resolution15Min,
	Resolution30Min,
	ResolutionHour,
	ResolutionDay,
	ResolutionWeek,
	ResolutionMonth,
}

// Resolutions returns every supported candle resolution from the shortest to the longest.
func Resolutions() []CandleResolution {
	out := make([]CandleResolution, len(resolutions))
	copy(out, resolutions)
	return out
}

// Valid reports whether r is a supported resolution.
func (r CandleResolution) Valid() bool {
	for _, candidate := range resolutions {
		if r == candidate {
			return true
		}
	}
	return false
}

func (r CandleResolution) String() string { return string(r) }

// ParseCandleResolution converts the wire name of a resolution.
func ParseCandleResolution(value string) (CandleResolution, error) {
	r := CandleResolution(strings.ToLower(strings.TrimSpace(value)))
	if !r.Valid() {
		return "", errs.New("schema/candle-resolution", errs.CodeInvalid,
			errs.WithMessage("unsupported candle resolution"),
			errs.WithField("interval", value),
			errs.WithRemediation("use one of 1min, 2min, 3min, 5min, 10min, 15min, 30min, hour, day, week, month"))
	}
	return r, nil
}
