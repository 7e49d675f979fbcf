// Package recorder persists streaming events into Postgres in batches.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/coachpo/tinvest/errs"
	"github.com/coachpo/tinvest/internal/telemetry"
	"github.com/coachpo/tinvest/pkg/schema"
)

const (
	defaultBatchSize     = 256
	defaultFlushInterval = time.Second
	finalFlushTimeout    = 5 * time.Second
)

// Batcher sends a batch of statements. *pgxpool.Pool satisfies it.
type Batcher interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Config tunes a Recorder.
type Config struct {
	// BatchSize triggers a flush from Record once that many events are buffered.
	BatchSize     int
	FlushInterval time.Duration
	Logger        *log.Logger
	MeterProvider metric.MeterProvider
}

// Recorder buffers events and writes them with one batch per flush.
type Recorder struct {
	db            Batcher
	batchSize     int
	flushInterval time.Duration
	logger        *log.Logger
	events        metric.Int64Counter
	flushes       metric.Int64Counter

	mu      sync.Mutex
	pending []schema.Event
	closed  bool

	flushMu sync.Mutex
}

// New returns a recorder writing through db.
func New(db Batcher, cfg Config) (*Recorder, error) {
	if db == nil {
		return nil, errs.New("recorder/new", errs.CodeInvalid, errs.WithMessage("database handle required"))
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	var meter metric.Meter
	if cfg.MeterProvider != nil {
		meter = cfg.MeterProvider.Meter("github.com/coachpo/tinvest/recorder")
	} else {
		meter = otel.Meter("github.com/coachpo/tinvest/recorder")
	}
	events, err := meter.Int64Counter("tinvest.recorder.events",
		metric.WithDescription("Events written to or dropped by the recorder"),
		metric.WithUnit("{event}"))
	if err != nil {
		cfg.Logger.Printf("recorder: events counter unavailable: %v", err)
		events = noop.Int64Counter{}
	}
	flushes, err := meter.Int64Counter("tinvest.recorder.flushes",
		metric.WithDescription("Recorder batch flushes by result"),
		metric.WithUnit("{flush}"))
	if err != nil {
		cfg.Logger.Printf("recorder: flushes counter unavailable: %v", err)
		flushes = noop.Int64Counter{}
	}

	return &Recorder{ //nolint:exhaustruct
		db:            db,
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		logger:        cfg.Logger,
		events:        events,
		flushes:       flushes,
		pending:       make([]schema.Event, 0, cfg.BatchSize),
	}, nil
}

// Record buffers ev and flushes when the batch is full. Its signature matches
// streaming.Sink.
func (r *Recorder) Record(ctx context.Context, ev schema.Event) error {
	if ev == nil {
		return nil
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errs.New("recorder/record", errs.CodeUnavailable, errs.WithMessage("recorder closed"))
	}
	r.pending = append(r.pending, ev)
	full := len(r.pending) >= r.batchSize
	r.mu.Unlock()

	if full {
		return r.Flush(ctx)
	}
	return nil
}

// Pending returns the number of buffered events.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Flush writes every buffered event. Events that cannot be encoded are
// dropped and logged; a failed batch is dropped as a whole.
func (r *Recorder) Flush(ctx context.Context) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	events := r.pending
	r.pending = make([]schema.Event, 0, r.batchSize)
	r.mu.Unlock()
	if len(events) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	queued := events[:0]
	for _, ev := range events {
		if err := queue(batch, ev); err != nil {
			r.logger.Printf("recorder: dropping %s event: %v", ev.Kind(), err)
			r.countEvents(ctx, ev.Kind(), telemetry.ResultDropped, 1)
			continue
		}
		queued = append(queued, ev)
	}
	if batch.Len() == 0 {
		return nil
	}

	results := r.db.SendBatch(ctx, batch)
	var execErr error
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			execErr = fmt.Errorf("statement %d: %w", i, err)
			break
		}
	}
	closeErr := results.Close()
	if err := errors.Join(execErr, closeErr); err != nil {
		r.flushes.Add(ctx, 1, metric.WithAttributes(telemetry.AttrResult.String(telemetry.ResultError)))
		r.countBatch(ctx, queued, telemetry.ResultError)
		return fmt.Errorf("recorder: flush %d events: %w", batch.Len(), err)
	}
	r.flushes.Add(ctx, 1, metric.WithAttributes(telemetry.AttrResult.String(telemetry.ResultSuccess)))
	r.countBatch(ctx, queued, telemetry.ResultSuccess)
	return nil
}

func (r *Recorder) countBatch(ctx context.Context, events []schema.Event, result string) {
	counts := make(map[schema.EventKind]int64, 4)
	for _, ev := range events {
		counts[ev.Kind()]++
	}
	for kind, n := range counts {
		r.countEvents(ctx, kind, result, n)
	}
}

func (r *Recorder) countEvents(ctx context.Context, kind schema.EventKind, result string, n int64) {
	r.events.Add(ctx, n, metric.WithAttributes(
		telemetry.AttrEventType.String(string(kind)),
		telemetry.AttrResult.String(result),
	))
}

// Run flushes on every tick until ctx is done, then performs a final flush.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return r.Close(context.WithoutCancel(ctx))
		case <-ticker.C:
			if err := r.Flush(ctx); err != nil {
				r.logger.Printf("recorder: %v", err)
			}
		}
	}
}

// Close rejects further events and flushes what is buffered.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	flushCtx, cancel := context.WithTimeout(ctx, finalFlushTimeout)
	defer cancel()
	return r.Flush(flushCtx)
}
