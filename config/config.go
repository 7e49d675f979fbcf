// Package config centralises runtime configuration for tinvest streaming binaries.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coachpo/tinvest/pkg/streaming"
)

const (
	// DefaultStreamingURL is the production market-data websocket endpoint.
	DefaultStreamingURL = streaming.DefaultURL
	// DefaultServiceName is reported as the OpenTelemetry service name.
	DefaultServiceName = "tinvest-stream"

	defaultReconnectDelay = streaming.DefaultReconnectDelay
	defaultReceiveTimeout = streaming.DefaultReceiveTimeout
	defaultHeartbeat      = streaming.DefaultHeartbeat
	defaultDialTimeout    = 10 * time.Second
	defaultMetricInterval = 15 * time.Second
	defaultBatchSize      = 256
	defaultFlushInterval  = time.Second
)

// Config is the full configuration tree of a streaming binary.
type Config struct {
	Token         string              `yaml:"token"`
	Streaming     StreamingConfig     `yaml:"streaming"`
	Subscriptions SubscriptionsConfig `yaml:"subscriptions"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Recorder      RecorderConfig      `yaml:"recorder"`
}

// StreamingConfig controls websocket connectivity.
type StreamingConfig struct {
	URL            string        `yaml:"url"`
	Reconnect      *bool         `yaml:"reconnect"`
	ReconnectDelay time.Duration `yaml:"reconnectDelay"`
	CloseTimeout   time.Duration `yaml:"closeTimeout"`
	ReceiveTimeout time.Duration `yaml:"receiveTimeout"`
	Heartbeat      time.Duration `yaml:"heartbeat"`
	DialTimeout    time.Duration `yaml:"dialTimeout"`
	// ControlRate is the number of subscribe/unsubscribe messages per second; zero disables pacing.
	ControlRate  float64 `yaml:"controlRate"`
	ControlBurst int     `yaml:"controlBurst"`
}

// ReconnectEnabled reports whether the reconnect loop is on. It defaults to true.
func (s StreamingConfig) ReconnectEnabled() bool {
	return s.Reconnect == nil || *s.Reconnect
}

// SubscriptionsConfig declares the streams subscribed at startup.
type SubscriptionsConfig struct {
	Candles        []CandleSubscription    `yaml:"candles"`
	Orderbooks     []OrderbookSubscription `yaml:"orderbooks"`
	InstrumentInfo []string                `yaml:"instrumentInfo"`
}

// Empty reports whether no subscription is declared.
func (s SubscriptionsConfig) Empty() bool {
	return len(s.Candles) == 0 && len(s.Orderbooks) == 0 && len(s.InstrumentInfo) == 0
}

// CandleSubscription declares one candle stream.
type CandleSubscription struct {
	FIGI     string `yaml:"figi"`
	Interval string `yaml:"interval"`
}

// OrderbookSubscription declares one order book stream.
type OrderbookSubscription struct {
	FIGI  string `yaml:"figi"`
	Depth int    `yaml:"depth"`
}

// TelemetryConfig configures the OTLP metric exporter.
type TelemetryConfig struct {
	OTLPEndpoint   string        `yaml:"otlpEndpoint"`
	ServiceName    string        `yaml:"serviceName"`
	MetricInterval time.Duration `yaml:"metricInterval"`
}

// RecorderConfig configures the Postgres event recorder. An empty DSN disables it.
type RecorderConfig struct {
	DSN           string        `yaml:"dsn"`
	BatchSize     int           `yaml:"batchSize"`
	FlushInterval time.Duration `yaml:"flushInterval"`
	Migrate       bool          `yaml:"migrate"`
}

// Enabled reports whether a DSN is configured.
func (r RecorderConfig) Enabled() bool { return strings.TrimSpace(r.DSN) != "" }

// Default returns the default configuration. It carries no token.
func Default() Config {
	return Config{
		Token: "",
		Streaming: StreamingConfig{
			URL:            DefaultStreamingURL,
			Reconnect:      nil,
			ReconnectDelay: defaultReconnectDelay,
			CloseTimeout:   0,
			ReceiveTimeout: defaultReceiveTimeout,
			Heartbeat:      defaultHeartbeat,
			DialTimeout:    defaultDialTimeout,
			ControlRate:    0,
			ControlBurst:   0,
		},
		Subscriptions: SubscriptionsConfig{Candles: nil, Orderbooks: nil, InstrumentInfo: nil},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:   "",
			ServiceName:    DefaultServiceName,
			MetricInterval: defaultMetricInterval,
		},
		Recorder: RecorderConfig{
			DSN:           "",
			BatchSize:     defaultBatchSize,
			FlushInterval: defaultFlushInterval,
			Migrate:       false,
		},
	}
}

// applyDefaults fills zero values left by a partial YAML document.
func (c *Config) applyDefaults() {
	def := Default()
	if strings.TrimSpace(c.Streaming.URL) == "" {
		c.Streaming.URL = def.Streaming.URL
	}
	if c.Streaming.ReconnectDelay <= 0 {
		c.Streaming.ReconnectDelay = def.Streaming.ReconnectDelay
	}
	if c.Streaming.ReceiveTimeout == 0 {
		c.Streaming.ReceiveTimeout = def.Streaming.ReceiveTimeout
	}
	if c.Streaming.Heartbeat == 0 {
		c.Streaming.Heartbeat = def.Streaming.Heartbeat
	}
	if c.Streaming.DialTimeout == 0 {
		c.Streaming.DialTimeout = def.Streaming.DialTimeout
	}
	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		c.Telemetry.ServiceName = def.Telemetry.ServiceName
	}
	if c.Telemetry.MetricInterval <= 0 {
		c.Telemetry.MetricInterval = def.Telemetry.MetricInterval
	}
	if c.Recorder.BatchSize <= 0 {
		c.Recorder.BatchSize = def.Recorder.BatchSize
	}
	if c.Recorder.FlushInterval <= 0 {
		c.Recorder.FlushInterval = def.Recorder.FlushInterval
	}
}

// FromEnv returns the defaults overridden by environment variables.
func FromEnv() Config {
	cfg := Default()
	cfg.overrideFromEnv()
	return cfg
}

func (c *Config) overrideFromEnv() {
	if v := env("TINVEST_TOKEN"); v != "" {
		c.Token = v
	}
	if v := env("TINVEST_STREAMING_URL"); v != "" {
		c.Streaming.URL = v
	}
	if v := env("TINVEST_RECONNECT"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.Streaming.Reconnect = &enabled
		}
	}
	envDuration("TINVEST_RECONNECT_DELAY", &c.Streaming.ReconnectDelay)
	envDuration("TINVEST_CLOSE_TIMEOUT", &c.Streaming.CloseTimeout)
	envDuration("TINVEST_RECEIVE_TIMEOUT", &c.Streaming.ReceiveTimeout)
	envDuration("TINVEST_HEARTBEAT", &c.Streaming.Heartbeat)
	envDuration("TINVEST_DIAL_TIMEOUT", &c.Streaming.DialTimeout)
	if v := env("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
	if v := env("OTEL_SERVICE_NAME"); v != "" {
		c.Telemetry.ServiceName = v
	}
	if v := env("TINVEST_RECORDER_DSN"); v != "" {
		c.Recorder.DSN = v
	}
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func envDuration(key string, dst *time.Duration) {
	v := env(key)
	if v == "" {
		return
	}
	if dur, err := time.ParseDuration(v); err == nil {
		*dst = dur
	}
}

// Option mutates a Config when applied via Apply.
type Option func(*Config)

// Apply applies opts to a copy of base.
func Apply(base Config, opts ...Option) Config {
	cfg := base.clone()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithToken overrides the API token.
func WithToken(token string) Option {
	token = strings.TrimSpace(token)
	return func(c *Config) {
		if token != "" {
			c.Token = token
		}
	}
}

// WithStreamingURL overrides the websocket endpoint.
func WithStreamingURL(url string) Option {
	url = strings.TrimSpace(url)
	return func(c *Config) {
		if url != "" {
			c.Streaming.URL = url
		}
	}
}

// WithReconnect toggles the reconnect loop.
func WithReconnect(enabled bool) Option {
	return func(c *Config) {
		c.Streaming.Reconnect = &enabled
	}
}

// WithRecorderDSN enables the Postgres recorder.
func WithRecorderDSN(dsn string) Option {
	dsn = strings.TrimSpace(dsn)
	return func(c *Config) {
		if dsn != "" {
			c.Recorder.DSN = dsn
		}
	}
}

func (c Config) clone() Config {
	out := c
	if c.Streaming.Reconnect != nil {
		enabled := *c.Streaming.Reconnect
		out.Streaming.Reconnect = &enabled
	}
	out.Subscriptions.Candles = append([]CandleSubscription(nil), c.Subscriptions.Candles...)
	out.Subscriptions.Orderbooks = append([]OrderbookSubscription(nil), c.Subscriptions.Orderbooks...)
	out.Subscriptions.InstrumentInfo = append([]string(nil), c.Subscriptions.InstrumentInfo...)
	return out
}
