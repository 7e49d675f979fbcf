// Package codec translates between streaming wire frames and schema types.
package codec

import (
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/coachpo/tinvest/errs"
	"github.com/coachpo/tinvest/pkg/schema"
)

type envelope struct {
	Event   string          `json:"event"`
	Time    *time.Time      `json:"time"`
	Payload json.RawMessage `json:"payload"`
}

type request struct {
	Event     string `json:"event"`
	FIGI      string `json:"figi"`
	Interval  string `json:"interval,omitempty"`
	Depth     int    `json:"depth,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Decode parses an inbound text frame into a typed event.
func Decode(data []byte) (schema.Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, decodeError("malformed frame", "", err)
	}
	if env.Time == nil {
		return nil, decodeError("missing server time", env.Event, nil)
	}
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return nil, decodeError("missing payload", env.Event, nil)
	}

	switch schema.EventKind(env.Event) {
	case schema.KindCandle:
		var payload schema.Candle
		if err := decodePayload(env, &payload, func() string { return payload.FIGI }); err != nil {
			return nil, err
		}
		return schema.CandleEvent{ServerTime: *env.Time, Payload: payload}, nil
	case schema.KindOrderbook:
		var payload schema.Orderbook
		if err := decodePayload(env, &payload, func() string { return payload.FIGI }); err != nil {
			return nil, err
		}
		return schema.OrderbookEvent{ServerTime: *env.Time, Payload: payload}, nil
	case schema.KindInstrumentInfo:
		var payload schema.InstrumentInfo
		if err := decodePayload(env, &payload, func() string { return payload.FIGI }); err != nil {
			return nil, err
		}
		return schema.InstrumentInfoEvent{ServerTime: *env.Time, Payload: payload}, nil
	case schema.KindError:
		var payload schema.ErrorPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return nil, decodeError("malformed payload", env.Event, err)
		}
		return schema.ErrorEvent{ServerTime: *env.Time, Payload: payload}, nil
	default:
		return nil, decodeError("unknown event", env.Event, nil)
	}
}

func decodePayload(env envelope, dst any, figi func() string) error {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return decodeError("malformed payload", env.Event, err)
	}
	if strings.TrimSpace(figi()) == "" {
		return decodeError("payload missing figi", env.Event, nil)
	}
	return nil
}

func decodeError(message, event string, cause error) error {
	opts := []errs.Option{errs.WithMessage(message)}
	if event != "" {
		opts = append(opts, errs.WithField("event", event))
	}
	if cause != nil {
		opts = append(opts, errs.WithCause(cause))
	}
	return errs.New("codec/decode", errs.CodeDecode, opts...)
}

// Encode serializes a subscription control message for the action.
func Encode(sub schema.Subscription, action schema.Action) ([]byte, error) {
	if action != schema.ActionSubscribe && action != schema.ActionUnsubscribe {
		return nil, errs.New("codec/encode", errs.CodeInvalid,
			errs.WithMessage("unsupported action"),
			errs.WithField("action", string(action)))
	}

	var req request
	switch s := sub.(type) {
	case schema.CandleSubscription:
		req = request{Event: "", FIGI: s.FIGI, Interval: string(s.Interval), Depth: 0, RequestID: s.RequestID}
	case schema.OrderbookSubscription:
		req = request{Event: "", FIGI: s.FIGI, Interval: "", Depth: s.Depth, RequestID: s.RequestID}
	case schema.InstrumentInfoSubscription:
		req = request{Event: "", FIGI: s.FIGI, Interval: "", Depth: 0, RequestID: s.RequestID}
	default:
		return nil, errs.New("codec/encode", errs.CodeInvalid, errs.WithMessage("unsupported subscription type"))
	}
	req.Event = schema.WireEvent(sub.Kind(), action)

	data, err := json.Marshal(req)
	if err != nil {
		return nil, errs.New("codec/encode", errs.CodeInvalid, errs.WithCause(err))
	}
	return data, nil
}
