package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/coachpo/tinvest/streaming"

// Metric names.
const (
	MetricConnectAttempts    = "tinvest.stream.connect.attempts"
	MetricConnectionDuration = "tinvest.stream.connection.duration"
	MetricReconnectWaits     = "tinvest.stream.reconnect.waits"
	MetricFramesReceived     = "tinvest.stream.frames.received"
	MetricDecodeFailures     = "tinvest.stream.decode.failures"
	MetricControlMessages    = "tinvest.stream.control.messages"
	MetricStateTransitions   = "tinvest.stream.state.transitions"
	MetricQueueDepth         = "tinvest.stream.queue.depth"
)

// StreamMetrics bundles the instruments recorded by the streaming client.
// A nil *StreamMetrics records nothing.
type StreamMetrics struct {
	meter              metric.Meter
	connectAttempts    metric.Int64Counter
	connectionDuration metric.Float64Histogram
	reconnectWaits     metric.Int64Counter
	framesReceived     metric.Int64Counter
	decodeFailures     metric.Int64Counter
	controlMessages    metric.Int64Counter
	stateTransitions   metric.Int64Counter
}

// NewStreamMetrics creates the instruments on the provider, or on the global provider when nil.
func NewStreamMetrics(provider metric.MeterProvider) *StreamMetrics {
	var meter metric.Meter
	if provider == nil {
		meter = otel.Meter(meterName)
	} else {
		meter = provider.Meter(meterName)
	}

	m := &StreamMetrics{meter: meter} //nolint:exhaustruct
	m.connectAttempts, _ = meter.Int64Counter(MetricConnectAttempts,
		metric.WithDescription("Websocket connection attempts by result"),
		metric.WithUnit("{attempt}"))
	m.connectionDuration, _ = meter.Float64Histogram(MetricConnectionDuration,
		metric.WithDescription("Lifetime of established websocket connections"),
		metric.WithUnit("s"))
	m.reconnectWaits, _ = meter.Int64Counter(MetricReconnectWaits,
		metric.WithDescription("Reconnect delays entered after recoverable failures"),
		metric.WithUnit("{wait}"))
	m.framesReceived, _ = meter.Int64Counter(MetricFramesReceived,
		metric.WithDescription("Decoded inbound frames by event type"),
		metric.WithUnit("{frame}"))
	m.decodeFailures, _ = meter.Int64Counter(MetricDecodeFailures,
		metric.WithDescription("Inbound frames dropped because they could not be decoded"),
		metric.WithUnit("{frame}"))
	m.controlMessages, _ = meter.Int64Counter(MetricControlMessages,
		metric.WithDescription("Outbound subscribe/unsubscribe messages by result"),
		metric.WithUnit("{message}"))
	m.stateTransitions, _ = meter.Int64Counter(MetricStateTransitions,
		metric.WithDescription("Connection state transitions"),
		metric.WithUnit("{transition}"))
	return m
}

// RecordConnect records the outcome of a connection attempt.
func (m *StreamMetrics) RecordConnect(ctx context.Context, result string) {
	if m == nil || m.connectAttempts == nil {
		return
	}
	m.connectAttempts.Add(ctx, 1, metric.WithAttributes(AttrResult.String(result)))
}

// RecordConnectionDuration records how long an established connection lived.
func (m *StreamMetrics) RecordConnectionDuration(ctx context.Context, d time.Duration) {
	if m == nil || m.connectionDuration == nil {
		return
	}
	m.connectionDuration.Record(ctx, d.Seconds())
}

// RecordReconnectWait records entry into the reconnect delay.
func (m *StreamMetrics) RecordReconnectWait(ctx context.Context, errorType string) {
	if m == nil || m.reconnectWaits == nil {
		return
	}
	m.reconnectWaits.Add(ctx, 1, metric.WithAttributes(AttrErrorType.String(errorType)))
}

// RecordFrame records a decoded inbound frame.
func (m *StreamMetrics) RecordFrame(ctx context.Context, eventType string) {
	if m == nil || m.framesReceived == nil {
		return
	}
	m.framesReceived.Add(ctx, 1, metric.WithAttributes(AttrEventType.String(eventType)))
}

// RecordDecodeFailure records a dropped inbound frame.
func (m *StreamMetrics) RecordDecodeFailure(ctx context.Context) {
	if m == nil || m.decodeFailures == nil {
		return
	}
	m.decodeFailures.Add(ctx, 1)
}

// RecordControl records an outbound control message attempt.
func (m *StreamMetrics) RecordControl(ctx context.Context, eventType, action string, sent bool) {
	if m == nil || m.controlMessages == nil {
		return
	}
	m.controlMessages.Add(ctx, 1, metric.WithAttributes(ControlAttributes(eventType, action, sent)...))
}

// RecordState records a connection state transition.
func (m *StreamMetrics) RecordState(ctx context.Context, state string) {
	if m == nil || m.stateTransitions == nil {
		return
	}
	m.stateTransitions.Add(ctx, 1, metric.WithAttributes(AttrConnectionState.String(state)))
}

// ObserveQueueDepth registers a gauge reporting the output queue length.
// The returned function unregisters the callback.
func (m *StreamMetrics) ObserveQueueDepth(depth func() int) (func(), error) {
	if m == nil || depth == nil {
		return func() {}, nil
	}
	gauge, err := m.meter.Int64ObservableGauge(MetricQueueDepth,
		metric.WithDescription("Events buffered in the output queue"),
		metric.WithUnit("{event}"))
	if err != nil {
		return func() {}, err
	}
	reg, err := m.meter.RegisterCallback(func(_ context.Context, observer metric.Observer) error {
		observer.ObserveInt64(gauge, int64(depth()))
		return nil
	}, gauge)
	if err != nil {
		return func() {}, err
	}
	return func() { _ = reg.Unregister() }, nil
}
