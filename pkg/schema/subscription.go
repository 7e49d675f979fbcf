package schema

import (
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/coachpo/tinvest/errs"
)

// MaxOrderbookDepth is the deepest book documented by the server. It is not enforced.
const MaxOrderbookDepth = 20

// Subscription is a consumer-declared stream subscription.
type Subscription interface {
	// Kind returns the event family the subscription delivers.
	Kind() EventKind
	// Identity renders the identity key for logs and errors.
	Identity() string
	// CorrelationID returns the optional request id echoed by server errors.
	CorrelationID() string
	// Validate checks the subscription before it is registered.
	Validate() error
}

// NewRequestID returns a fresh correlation id.
func NewRequestID() string {
	return uuid.NewString()
}

// CandleKey is the identity of a candle subscription.
type CandleKey struct {
	FIGI     string
	Interval CandleResolution
}

// CandleSubscription subscribes to candles of one instrument at one resolution.
type CandleSubscription struct {
	FIGI      string
	Interval  CandleResolution
	RequestID string
}

// Key returns the identity of the subscription.
func (s CandleSubscription) Key() CandleKey {
	return CandleKey{FIGI: s.FIGI, Interval: s.Interval}
}

// Kind implements Subscription.
func (CandleSubscription) Kind() EventKind { return KindCandle }

// Identity implements Subscription.
func (s CandleSubscription) Identity() string { return s.FIGI + "/" + string(s.Interval) }

// CorrelationID implements Subscription.
func (s CandleSubscription) CorrelationID() string { return s.RequestID }

// Validate implements Subscription.
func (s CandleSubscription) Validate() error {
	if err := validateFIGI("schema/candle-subscription", s.FIGI); err != nil {
		return err
	}
	if !s.Interval.Valid() {
		return errs.New("schema/candle-subscription", errs.CodeInvalid,
			errs.WithMessage("unsupported candle resolution"),
			errs.WithField("interval", string(s.Interval)))
	}
	return nil
}

// OrderbookKey is the identity of an order book subscription.
type OrderbookKey struct {
	FIGI  string
	Depth int
}

// OrderbookSubscription subscribes to order book snapshots of one instrument at one depth.
type OrderbookSubscription struct {
	FIGI      string
	Depth     int
	RequestID string
}

// Key returns the identity of the subscription.
func (s OrderbookSubscription) Key() OrderbookKey {
	return OrderbookKey{FIGI: s.FIGI, Depth: s.Depth}
}

// Kind implements Subscription.
func (OrderbookSubscription) Kind() EventKind { return KindOrderbook }

// Identity implements Subscription.
func (s OrderbookSubscription) Identity() string { return s.FIGI + "/" + strconv.Itoa(s.Depth) }

// CorrelationID implements Subscription.
func (s OrderbookSubscription) CorrelationID() string { return s.RequestID }

// Validate implements Subscription.
func (s OrderbookSubscription) Validate() error {
	if err := validateFIGI("schema/orderbook-subscription", s.FIGI); err != nil {
		return err
	}
	if s.Depth < 1 {
		return errs.New("schema/orderbook-subscription", errs.CodeInvalid,
			errs.WithMessage("depth must be positive"),
			errs.WithField("depth", strconv.Itoa(s.Depth)))
	}
	return nil
}

// InstrumentInfoKey is the identity of an instrument info subscription.
type InstrumentInfoKey struct {
	FIGI string
}

// InstrumentInfoSubscription subscribes to status updates of one instrument.
type InstrumentInfoSubscription struct {
	FIGI      string
	RequestID string
}

// Key returns the identity of the subscription.
func (s InstrumentInfoSubscription) Key() InstrumentInfoKey {
	return InstrumentInfoKey{FIGI: s.FIGI}
}

// Kind implements Subscription.
func (InstrumentInfoSubscription) Kind() EventKind { return KindInstrumentInfo }

// Identity implements Subscription.
func (s InstrumentInfoSubscription) Identity() string { return s.FIGI }

// CorrelationID implements Subscription.
func (s InstrumentInfoSubscription) CorrelationID() string { return s.RequestID }

// Validate implements Subscription.
func (s InstrumentInfoSubscription) Validate() error {
	return validateFIGI("schema/instrument-info-subscription", s.FIGI)
}

func validateFIGI(op, figi string) error {
	if strings.TrimSpace(figi) == "" {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("figi required"))
	}
	return nil
}
