package recorder

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/coachpo/tinvest/pkg/schema"
)

type fakeBatcher struct {
	mu      sync.Mutex
	batches [][]*pgx.QueuedQuery
	execErr error
}

func (f *fakeBatcher) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, append([]*pgx.QueuedQuery(nil), b.QueuedQueries...))
	return &fakeResults{err: f.execErr}
}

func (f *fakeBatcher) sent() [][]*pgx.QueuedQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]*pgx.QueuedQuery(nil), f.batches...)
}

type fakeResults struct{ err error }

func (r *fakeResults) Exec() (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag("INSERT 0 1"), r.err
}

func (r *fakeResults) Query() (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (r *fakeResults) QueryRow() pgx.Row {
	return nil
}

func (r *fakeResults) Close() error {
	return nil
}

func newTestRecorder(t *testing.T, db Batcher, batchSize int) (*Recorder, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	rec, err := New(db, Config{
		BatchSize:     batchSize,
		FlushInterval: time.Hour,
		Logger:        log.New(io.Discard, "", 0),
		MeterProvider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
	})
	require.NoError(t, err)
	return rec, reader
}

func candleEvent(figi string) schema.CandleEvent {
	ts := time.Date(2019, 8, 7, 15, 35, 0, 0, time.UTC)
	return schema.CandleEvent{
		ServerTime: ts.Add(time.Second),
		Payload: schema.Candle{
			Open:     decimal.RequireFromString("64.0575"),
			Close:    decimal.RequireFromString("64.0575"),
			High:     decimal.RequireFromString("64.0575"),
			Low:      decimal.RequireFromString("64.0575"),
			Volume:   156,
			Time:     ts,
			Interval: schema.Resolution5Min,
			FIGI:     figi,
		},
	}
}

func TestNewRequiresDatabase(t *testing.T) {
	_, err := New(nil, Config{})
	require.Error(t, err)
}

func TestRecordFlushesWhenBatchIsFull(t *testing.T) {
	db := &fakeBatcher{}
	rec, _ := newTestRecorder(t, db, 2)
	ctx := context.Background()

	require.NoError(t, rec.Record(ctx, candleEvent("BBG0013HGFT4")))
	require.Empty(t, db.sent())
	require.Equal(t, 1, rec.Pending())

	require.NoError(t, rec.Record(ctx, candleEvent("BBG004730N88")))
	batches := db.sent()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 2)
	require.Zero(t, rec.Pending())

	q := batches[0][0]
	require.Contains(t, q.SQL, "INSERT INTO candles")
	require.Equal(t, "BBG0013HGFT4", q.Arguments[0])
	require.Equal(t, "5min", q.Arguments[1])
	open, ok := q.Arguments[3].(pgtype.Numeric)
	require.True(t, ok)
	require.True(t, open.Valid)
	require.Equal(t, int64(156), q.Arguments[7])
}

func TestFlushEncodesEveryEventKind(t *testing.T) {
	db := &fakeBatcher{}
	rec, reader := newTestRecorder(t, db, 100)
	ctx := context.Background()
	ts := time.Date(2019, 8, 7, 15, 35, 0, 0, time.UTC)

	require.NoError(t, rec.Record(ctx, schema.OrderbookEvent{
		ServerTime: ts,
		Payload: schema.Orderbook{
			FIGI:  "BBG0013HGFT4",
			Depth: 2,
			Bids:  []schema.PriceLevel{{Price: decimal.RequireFromString("64.06"), Size: decimal.NewFromInt(10)}},
			Asks:  nil,
		},
	}))
	require.NoError(t, rec.Record(ctx, schema.InstrumentInfoEvent{
		ServerTime: ts,
		Payload: schema.InstrumentInfo{
			FIGI:              "BBG0013HGFT4",
			TradeStatus:       "normal_trading",
			MinPriceIncrement: decimal.RequireFromString("0.0025"),
			Lot:               1000,
			LimitUp:           decimal.NewNullDecimal(decimal.RequireFromString("70.1")),
		},
	}))
	require.NoError(t, rec.Record(ctx, schema.ErrorEvent{
		ServerTime: ts,
		Payload:    schema.ErrorPayload{Error: "Subscription not found", RequestID: ""},
	}))
	require.NoError(t, rec.Flush(ctx))

	batches := db.sent()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 3)

	ob := batches[0][0]
	require.Contains(t, ob.SQL, "INSERT INTO orderbook_snapshots")
	require.JSONEq(t, `[["64.06","10"]]`, ob.Arguments[2].(string))
	require.JSONEq(t, `[]`, ob.Arguments[3].(string))

	info := batches[0][1]
	require.Contains(t, info.SQL, "INSERT INTO instrument_info")
	accrued := info.Arguments[4].(pgtype.Numeric)
	require.False(t, accrued.Valid)
	limitUp := info.Arguments[5].(pgtype.Numeric)
	require.True(t, limitUp.Valid)

	errRow := batches[0][2]
	require.True(t, strings.Contains(errRow.SQL, "INSERT INTO stream_errors"))
	requestID := errRow.Arguments[1].(pgtype.Text)
	require.False(t, requestID.Valid)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Equal(t, int64(3), sumCounter(rm, "tinvest.recorder.events"))
}

func TestFlushReportsBatchFailure(t *testing.T) {
	db := &fakeBatcher{execErr: errors.New("relation \"candles\" does not exist")}
	rec, _ := newTestRecorder(t, db, 100)
	ctx := context.Background()

	require.NoError(t, rec.Record(ctx, candleEvent("BBG0013HGFT4")))
	err := rec.Flush(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "does not exist")
	require.Zero(t, rec.Pending())
}

func TestFlushWithoutEventsSendsNothing(t *testing.T) {
	db := &fakeBatcher{}
	rec, _ := newTestRecorder(t, db, 10)
	require.NoError(t, rec.Flush(context.Background()))
	require.Empty(t, db.sent())
}

func TestCloseFlushesAndRejectsFurtherEvents(t *testing.T) {
	db := &fakeBatcher{}
	rec, _ := newTestRecorder(t, db, 10)
	ctx := context.Background()

	require.NoError(t, rec.Record(ctx, candleEvent("BBG0013HGFT4")))
	require.NoError(t, rec.Close(ctx))
	require.Len(t, db.sent(), 1)

	require.Error(t, rec.Record(ctx, candleEvent("BBG0013HGFT4")))
	require.NoError(t, rec.Close(ctx))
}

func TestRunFlushesOnTickAndOnCancel(t *testing.T) {
	db := &fakeBatcher{}
	rec, err := New(db, Config{BatchSize: 100, FlushInterval: 20 * time.Millisecond, Logger: log.New(io.Discard, "", 0)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()

	require.NoError(t, rec.Record(ctx, candleEvent("BBG0013HGFT4")))
	require.Eventually(t, func() bool { return len(db.sent()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, rec.Record(ctx, candleEvent("BBG004730N88")))
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("run did not return after cancel")
	}
	require.Len(t, db.sent(), 2)
}

type rejectingMeterProvider struct{ noop.MeterProvider }

func (rejectingMeterProvider) Meter(string, ...metric.MeterOption) metric.Meter {
	return rejectingMeter{}
}

type rejectingMeter struct{ noop.Meter }

func (rejectingMeter) Int64Counter(string, ...metric.Int64CounterOption) (metric.Int64Counter, error) {
	return nil, errors.New("instrument rejected")
}

func TestNewLogsUnavailableCounters(t *testing.T) {
	var logs bytes.Buffer
	db := &fakeBatcher{}
	rec, err := New(db, Config{
		BatchSize:     1,
		Logger:        log.New(&logs, "", 0),
		MeterProvider: rejectingMeterProvider{},
	})
	require.NoError(t, err)
	require.Contains(t, logs.String(), "recorder: events counter unavailable: instrument rejected")
	require.Contains(t, logs.String(), "recorder: flushes counter unavailable: instrument rejected")

	require.NoError(t, rec.Record(context.Background(), candleEvent("BBG0013HGFT4")))
	require.Len(t, db.sent(), 1)
}

func TestObservePoolMetricsNilPool(t *testing.T) {
	unregister, err := ObservePoolMetrics(nil, nil)
	require.NoError(t, err)
	unregister()
}

func sumCounter(rm metricdata.ResourceMetrics, name string) int64 {
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}
