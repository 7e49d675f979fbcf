// Command tinvest-stream subscribes to the configured market-data streams and
// prints every event as a JSON line, optionally recording them into Postgres.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/tinvest/config"
	"github.com/coachpo/tinvest/internal/migrations"
	"github.com/coachpo/tinvest/internal/recorder"
	"github.com/coachpo/tinvest/lib/telemetry"
	"github.com/coachpo/tinvest/pkg/schema"
	"github.com/coachpo/tinvest/pkg/streaming"
)

const (
	loggerPrefix             = "tinvest-stream "
	startTimeout             = 30 * time.Second
	shutdownTimeout          = 30 * time.Second
	streamingShutdownTimeout = 10 * time.Second
	recorderShutdownTimeout  = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

type flags struct {
	configPath string
	recordDSN  string
	migrate    bool
	quiet      bool
	envFile    string
}

func main() {
	f := parseFlags()
	logger := newLogger()

	if err := loadEnvFile(f.envFile); err != nil {
		logger.Fatalf("load env file: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger, f, os.Stdout); err != nil {
		logger.Fatalf("%v", err)
	}
}

func parseFlags() flags {
	var f flags
	flag.StringVar(&f.configPath, "config", "", fmt.Sprintf("Path to configuration file (default: $TINVEST_CONFIG or %s)", config.DefaultPath))
	flag.StringVar(&f.recordDSN, "record", "", "PostgreSQL DSN to record events into (overrides recorder.dsn)")
	flag.BoolVar(&f.migrate, "migrate", false, "Apply embedded database migrations before recording")
	flag.BoolVar(&f.quiet, "quiet", false, "Do not print events to stdout")
	flag.StringVar(&f.envFile, "env-file", ".env", "Optional dotenv file loaded before configuration")
	flag.Parse()
	return f
}

func newLogger() *log.Logger {
	return log.New(os.Stderr, loggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

// loadEnvFile loads path into the environment. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func run(ctx context.Context, logger *log.Logger, f flags, out io.Writer) error {
	cfg, err := config.LoadOrDefault(ctx, f.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg = config.Apply(cfg, config.WithRecorderDSN(f.recordDSN))
	if f.migrate {
		cfg.Recorder.Migrate = true
	}
	if err := cfg.ValidateToken(); err != nil {
		return err
	}
	if cfg.Subscriptions.Empty() {
		logger.Printf("no subscriptions configured; events will only carry server errors")
	}

	providers, shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}
	if cfg.Telemetry.OTLPEndpoint != "" {
		logger.Printf("telemetry initialised: endpoint=%s, service=%s", cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName)
	}

	var (
		lifecycle conc.WaitGroup
		pgPool    *pgxpool.Pool
		rec       *recorder.Recorder
		unobserve = func() {}
	)
	recCtx, cancelRecorder := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRecorder()

	var client *streaming.Streaming
	shutdown := func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		shutdownStart := time.Now()
		performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
			client:         client,
			cancelRecorder: cancelRecorder,
			lifecycle:      &lifecycle,
			pool:           pgPool,
			unobserve:      unobserve,
			telemetry:      shutdownTelemetry,
		})
		logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
	}
	defer shutdown()

	if cfg.Recorder.Enabled() {
		if cfg.Recorder.Migrate {
			if err := migrations.Apply(ctx, cfg.Recorder.DSN, "", logger); err != nil {
				return fmt.Errorf("migrate recorder database: %w", err)
			}
		}
		pgPool, err = recorder.Connect(ctx, cfg.Recorder.DSN)
		if err != nil {
			return err
		}
		unobserve, err = recorder.ObservePoolMetrics(providers.MeterProvider, pgPool)
		if err != nil {
			logger.Printf("recorder pool metrics unavailable: %v", err)
		}
		rec, err = recorder.New(pgPool, recorder.Config{
			BatchSize:     cfg.Recorder.BatchSize,
			FlushInterval: cfg.Recorder.FlushInterval,
			Logger:        logger,
			MeterProvider: providers.MeterProvider,
		})
		if err != nil {
			return err
		}
		lifecycle.Go(func() {
			if err := rec.Run(recCtx); err != nil {
				logger.Printf("recorder: final flush: %v", err)
			}
		})
		logger.Printf("recording events: batch=%d, flush=%s", cfg.Recorder.BatchSize, cfg.Recorder.FlushInterval)
	}

	opts := append(cfg.StreamingOptions(),
		streaming.WithLogger(logger),
		streaming.WithMeterProvider(providers.MeterProvider),
	)
	client, err = streaming.New(cfg.Token, opts...)
	if err != nil {
		return fmt.Errorf("create streaming client: %w", err)
	}
	subscribed, err := subscribe(ctx, client, cfg.Subscriptions)
	if err != nil {
		return err
	}
	logger.Printf("subscriptions declared: %d", subscribed)

	startCtx, cancelStart := context.WithTimeout(ctx, startTimeout)
	err = client.Start(startCtx)
	cancelStart()
	if err != nil {
		return fmt.Errorf("start streaming client: %w", err)
	}
	logger.Printf("streaming started: url=%s", cfg.Streaming.URL)

	var sinks []streaming.Sink
	if !f.quiet {
		sinks = append(sinks, newPrinter(out).Print)
	}
	if rec != nil {
		sinks = append(sinks, rec.Record)
	}
	consumeErr := streaming.Consume(ctx, client, streaming.Fanout(sinks...))
	if errors.Is(consumeErr, context.Canceled) {
		consumeErr = nil
	}
	logger.Print("stream finished, initiating graceful shutdown")
	return consumeErr
}

// subscribe declares every configured subscription on client and returns how
// many were declared.
func subscribe(ctx context.Context, client *streaming.Streaming, subs config.SubscriptionsConfig) (int, error) {
	count := 0
	for _, c := range subs.Candles {
		interval, err := schema.ParseCandleResolution(c.Interval)
		if err != nil {
			return count, err
		}
		if _, err := client.Candle.Subscribe(ctx, c.FIGI, interval); err != nil {
			return count, fmt.Errorf("subscribe candle %s: %w", c.FIGI, err)
		}
		count++
	}
	for _, o := range subs.Orderbooks {
		if _, err := client.Orderbook.Subscribe(ctx, o.FIGI, o.Depth); err != nil {
			return count, fmt.Errorf("subscribe orderbook %s: %w", o.FIGI, err)
		}
		count++
	}
	for _, figi := range subs.InstrumentInfo {
		if _, err := client.InstrumentInfo.Subscribe(ctx, figi); err != nil {
			return count, fmt.Errorf("subscribe instrument info %s: %w", figi, err)
		}
		count++
	}
	return count, nil
}

type printedEvent struct {
	Event   schema.EventKind `json:"event"`
	Time    time.Time        `json:"time"`
	Payload any              `json:"payload"`
}

type printer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newPrinter(w io.Writer) *printer {
	return &printer{mu: sync.Mutex{}, enc: json.NewEncoder(w)}
}

// Print writes ev as one JSON line.
func (p *printer) Print(_ context.Context, ev schema.Event) error {
	line := printedEvent{Event: ev.Kind(), Time: ev.Timestamp(), Payload: payloadOf(ev)}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enc.Encode(line); err != nil {
		return fmt.Errorf("print event: %w", err)
	}
	return nil
}

func payloadOf(ev schema.Event) any {
	switch e := ev.(type) {
	case schema.CandleEvent:
		return e.Payload
	case schema.OrderbookEvent:
		return e.Payload
	case schema.InstrumentInfoEvent:
		return e.Payload
	case schema.ErrorEvent:
		return e.Payload
	default:
		return ev
	}
}

type gracefulShutdownConfig struct {
	client         *streaming.Streaming
	cancelRecorder context.CancelFunc
	lifecycle      *conc.WaitGroup
	pool           *pgxpool.Pool
	unobserve      func()
	telemetry      func(context.Context) error
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.client != nil {
		shutdownStep("stopping streaming client", streamingShutdownTimeout, cfg.client.Stop)
	}

	if cfg.cancelRecorder != nil {
		cfg.cancelRecorder()
	}
	if cfg.lifecycle != nil {
		shutdownStep("flushing recorder", recorderShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for recorder: %w", stepCtx.Err())
			}
		})
	}
	if cfg.unobserve != nil {
		cfg.unobserve()
	}
	if cfg.pool != nil {
		logger.Print("shutdown: closing database pool")
		cfg.pool.Close()
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetry)
	}
}
