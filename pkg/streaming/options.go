package streaming

import (
	"log"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/coachpo/tinvest/internal/connection"
)

// Defaults applied by New.
const (
	DefaultURL            = connection.DefaultURL
	DefaultReconnectDelay = connection.DefaultReconnectDelay
	DefaultCloseTimeout   = time.Duration(0)
	DefaultReceiveTimeout = 5 * time.Second
	DefaultHeartbeat      = 3 * time.Second
	DefaultStopTimeout    = 10 * time.Second
)

// Session is the transport session shared by every reconnect of a client.
// Stop closes it.
type Session = connection.Session

// NewSession returns a session dialling through client. A nil client uses a dedicated http.Client.
func NewSession(client *http.Client) *Session {
	return connection.NewSession(client)
}

// Option configures a Streaming client.
type Option func(*options)

type options struct {
	url              string
	session          *Session
	httpClient       *http.Client
	reconnectEnabled bool
	reconnectDelay   time.Duration
	closeTimeout     time.Duration
	receiveTimeout   time.Duration
	heartbeat        time.Duration
	dialTimeout      time.Duration
	controlRate      rate.Limit
	controlBurst     int
	logger           *log.Logger
	meterProvider    metric.MeterProvider
}

func defaultOptions() options {
	return options{
		url:              DefaultURL,
		session:          nil,
		httpClient:       nil,
		reconnectEnabled: true,
		reconnectDelay:   DefaultReconnectDelay,
		closeTimeout:     DefaultCloseTimeout,
		receiveTimeout:   DefaultReceiveTimeout,
		heartbeat:        DefaultHeartbeat,
		dialTimeout:      0,
		controlRate:      0,
		controlBurst:     0,
		logger:           defaultLogger(),
		meterProvider:    nil,
	}
}

func defaultLogger() *log.Logger {
	return log.New(os.Stderr, "tinvest ", log.LstdFlags|log.Lmicroseconds)
}

// WithURL overrides the streaming endpoint.
func WithURL(url string) Option {
	return func(o *options) {
		if url != "" {
			o.url = url
		}
	}
}

// WithSession dials through an existing session.
func WithSession(session *Session) Option {
	return func(o *options) {
		if session != nil {
			o.session = session
		}
	}
}

// WithHTTPClient dials through client. Ignored when WithSession is also given.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		if client != nil {
			o.httpClient = client
		}
	}
}

// WithReconnect toggles reconnects and sets the delay after a failed attempt.
func WithReconnect(enabled bool, delay time.Duration) Option {
	return func(o *options) {
		o.reconnectEnabled = enabled
		if delay >= 0 {
			o.reconnectDelay = delay
		}
	}
}

// WithCloseTimeout bounds the websocket close handshake. Zero releases the socket immediately.
func WithCloseTimeout(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.closeTimeout = d
		}
	}
}

// WithReceiveTimeout bounds how long the peer may stay silent; heartbeat pongs
// count as activity. Zero disables the timeout.
func WithReceiveTimeout(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.receiveTimeout = d
		}
	}
}

// WithHeartbeat sets the ping interval. Zero disables pings.
func WithHeartbeat(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.heartbeat = d
		}
	}
}

// WithDialTimeout bounds the websocket handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.dialTimeout = d
		}
	}
}

// WithControlRate paces outbound subscribe/unsubscribe messages.
func WithControlRate(limit rate.Limit, burst int) Option {
	return func(o *options) {
		o.controlRate = limit
		o.controlBurst = burst
	}
}

// WithLogger replaces the default stderr logger. Nil keeps the default.
func WithLogger(logger *log.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMeterProvider records stream metrics on provider instead of the global one.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(o *options) {
		if provider != nil {
			o.meterProvider = provider
		}
	}
}
