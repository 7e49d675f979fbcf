package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/coachpo/tinvest/pkg/schema"
	"github.com/coachpo/tinvest/pkg/streaming"
)

// DefaultPath is used when neither a path nor TINVEST_CONFIG is given.
const DefaultPath = "config/tinvest.yaml"

// Load reads the YAML document at path, applies defaults and environment
// overrides, and validates the result. An empty path falls back to
// TINVEST_CONFIG and then DefaultPath.
func Load(ctx context.Context, path string) (Config, error) {
	resolved := resolvePath(path)
	data, err := readFile(resolved)
	if err != nil {
		return Config{}, err
	}
	return parse(ctx, data)
}

// LoadOrDefault behaves like Load but starts from Default when the file does
// not exist.
func LoadOrDefault(ctx context.Context, path string) (Config, error) {
	resolved := resolvePath(path)
	data, err := readFile(resolved)
	if errors.Is(err, fs.ErrNotExist) {
		return parse(ctx, nil)
	}
	if err != nil {
		return Config{}, err
	}
	return parse(ctx, data)
}

// Parse decodes a YAML document the same way Load does.
func Parse(ctx context.Context, r io.Reader) (Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return parse(ctx, data)
}

func parse(ctx context.Context, data []byte) (Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("unmarshal config: %w", err)
		}
	}
	cfg.applyDefaults()
	cfg.overrideFromEnv()
	if err := cfg.Validate(ctx); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func resolvePath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		path = env("TINVEST_CONFIG")
	}
	if path == "" {
		path = DefaultPath
	}
	return filepath.Clean(path)
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- configuration paths are controlled by operators.
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	return data, nil
}

// Validate performs semantic validation. The token is checked by
// ValidateToken so that a config can be inspected before credentials exist.
func (c Config) Validate(ctx context.Context) error {
	_ = ctx
	if strings.TrimSpace(c.Streaming.URL) == "" {
		return fmt.Errorf("streaming url required")
	}
	if !strings.HasPrefix(c.Streaming.URL, "ws://") && !strings.HasPrefix(c.Streaming.URL, "wss://") {
		return fmt.Errorf("streaming url must use ws:// or wss://, got %q", c.Streaming.URL)
	}
	if c.Streaming.ReconnectDelay <= 0 {
		return fmt.Errorf("streaming reconnectDelay must be >0")
	}
	if c.Streaming.CloseTimeout < 0 {
		return fmt.Errorf("streaming closeTimeout must be >=0")
	}
	if c.Streaming.ReceiveTimeout < 0 {
		return fmt.Errorf("streaming receiveTimeout must be >=0")
	}
	if c.Streaming.Heartbeat < 0 {
		return fmt.Errorf("streaming heartbeat must be >=0")
	}
	if c.Streaming.ControlRate < 0 {
		return fmt.Errorf("streaming controlRate must be >=0")
	}

	for i, sub := range c.Subscriptions.Candles {
		if strings.TrimSpace(sub.FIGI) == "" {
			return fmt.Errorf("subscriptions.candles[%d]: figi required", i)
		}
		if _, err := schema.ParseCandleResolution(sub.Interval); err != nil {
			return fmt.Errorf("subscriptions.candles[%d]: %w", i, err)
		}
	}
	for i, sub := range c.Subscriptions.Orderbooks {
		if strings.TrimSpace(sub.FIGI) == "" {
			return fmt.Errorf("subscriptions.orderbooks[%d]: figi required", i)
		}
		if sub.Depth < 1 {
			return fmt.Errorf("subscriptions.orderbooks[%d]: depth must be >=1", i)
		}
	}
	for i, figi := range c.Subscriptions.InstrumentInfo {
		if strings.TrimSpace(figi) == "" {
			return fmt.Errorf("subscriptions.instrumentInfo[%d]: figi required", i)
		}
	}

	if c.Recorder.Enabled() {
		if c.Recorder.BatchSize <= 0 {
			return fmt.Errorf("recorder batchSize must be >0")
		}
		if c.Recorder.FlushInterval <= 0 {
			return fmt.Errorf("recorder flushInterval must be >0")
		}
	}
	return nil
}

// ValidateToken reports a missing API token.
func (c Config) ValidateToken() error {
	if strings.TrimSpace(c.Token) == "" {
		return fmt.Errorf("token required: set TINVEST_TOKEN or the token key")
	}
	return nil
}

// StreamingOptions converts the streaming section into client options.
func (c Config) StreamingOptions() []streaming.Option {
	s := c.Streaming
	opts := []streaming.Option{
		streaming.WithURL(s.URL),
		streaming.WithReconnect(s.ReconnectEnabled(), s.ReconnectDelay),
		streaming.WithCloseTimeout(s.CloseTimeout),
		streaming.WithReceiveTimeout(s.ReceiveTimeout),
		streaming.WithHeartbeat(s.Heartbeat),
		streaming.WithDialTimeout(s.DialTimeout),
	}
	if s.ControlRate > 0 {
		opts = append(opts, streaming.WithControlRate(rate.Limit(s.ControlRate), s.ControlBurst))
	}
	return opts
}
