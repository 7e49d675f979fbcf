package recorder

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Connect opens a pgx pool for dsn and pings it.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("recorder: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("recorder: ping database: %w", err)
	}
	return pool, nil
}

// PoolStats is the subset of pgxpool statistics exported as gauges.
type PoolStats interface {
	Stat() *pgxpool.Stat
}

// ObservePoolMetrics registers gauges reporting total, idle and acquired
// connections of pool. The returned func unregisters them.
func ObservePoolMetrics(provider metric.MeterProvider, pool PoolStats) (func(), error) {
	if pool == nil {
		return func() {}, nil
	}
	var meter metric.Meter
	if provider != nil {
		meter = provider.Meter("github.com/coachpo/tinvest/recorder")
	} else {
		meter = otel.Meter("github.com/coachpo/tinvest/recorder")
	}

	total, err := meter.Int64ObservableGauge("tinvest.recorder.pool.connections",
		metric.WithDescription("Total connections (idle + acquired + constructing)"),
		metric.WithUnit("{connection}"))
	if err != nil {
		return func() {}, fmt.Errorf("pool connections gauge: %w", err)
	}
	idle, err := meter.Int64ObservableGauge("tinvest.recorder.pool.idle",
		metric.WithDescription("Idle connections ready for checkout"),
		metric.WithUnit("{connection}"))
	if err != nil {
		return func() {}, fmt.Errorf("pool idle gauge: %w", err)
	}
	acquired, err := meter.Int64ObservableGauge("tinvest.recorder.pool.acquired",
		metric.WithDescription("Connections currently acquired by callers"),
		metric.WithUnit("{connection}"))
	if err != nil {
		return func() {}, fmt.Errorf("pool acquired gauge: %w", err)
	}

	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		stat := pool.Stat()
		o.ObserveInt64(total, int64(stat.TotalConns()))
		o.ObserveInt64(idle, int64(stat.IdleConns()))
		o.ObserveInt64(acquired, int64(stat.AcquiredConns()))
		return nil
	}, total, idle, acquired)
	if err != nil {
		return func() {}, fmt.Errorf("register pool callback: %w", err)
	}
	return func() { _ = reg.Unregister() }, nil
}
