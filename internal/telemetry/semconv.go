// Package telemetry provides metric instruments and attribute conventions for the streaming client.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys attached to stream metrics.
const (
	// AttrEventType is the inbound event discriminator (candle, orderbook, ...).
	AttrEventType = attribute.Key("event.type")
	// AttrAction is the control verb of an outbound message.
	AttrAction = attribute.Key("action")
	// AttrResult records the outcome of an operation.
	AttrResult = attribute.Key("result")
	// AttrErrorType categorizes failures by error code.
	AttrErrorType = attribute.Key("error.type")
	// AttrConnectionState labels connection lifecycle transitions.
	AttrConnectionState = attribute.Key("connection.state")
)

// Result values.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultDropped = "dropped"
)

// ControlAttributes returns the attributes of an outbound control message.
func ControlAttributes(eventType, action string, sent bool) []attribute.KeyValue {
	result := ResultSuccess
	if !sent {
		result = ResultDropped
	}
	return []attribute.KeyValue{
		AttrEventType.String(eventType),
		AttrAction.String(action),
		AttrResult.String(result),
	}
}
