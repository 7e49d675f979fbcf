// Package streaming is a persistent market-data websocket client. It replays
// the declared subscriptions on every reconnect and delivers decoded events
// through one ordered stream.
//
//	s, err := streaming.New(token)
//	if err != nil { ... }
//	if err := s.Start(ctx); err != nil { ... }
//	defer s.Stop(context.Background())
//	s.Candle.Subscribe(ctx, "BBG0013HGFT4", schema.Resolution1Min)
//	for ev := range s.Events(ctx) {
//		...
//	}
package streaming

import (
	"context"
	"errors"
	"iter"
	"log"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/tinvest/errs"
	"github.com/coachpo/tinvest/internal/connection"
	"github.com/coachpo/tinvest/internal/queue"
	"github.com/coachpo/tinvest/internal/subscription"
	"github.com/coachpo/tinvest/internal/telemetry"
	"github.com/coachpo/tinvest/pkg/schema"
)

// State is the lifecycle state of a Streaming client.
type State int32

const (
	// StateNotStarted is the state of a freshly constructed client.
	StateNotStarted State = iota
	// StateStarting means Start is waiting for the first connection.
	StateStarting
	// StateRunning means the background connection loop is active.
	StateRunning
	// StateStopping means Stop is tearing the client down.
	StateStopping
	// StateStopped is terminal.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Streaming is the public streaming client.
type Streaming struct {
	Candle         *CandleAPI
	Orderbook      *OrderbookAPI
	InstrumentInfo *InstrumentInfoAPI

	opts    options
	logger  *log.Logger
	metrics *telemetry.StreamMetrics
	session *Session
	manager *connection.Manager
	queue   *queue.Queue

	state atomic.Int32

	mu        sync.Mutex
	wg        conc.WaitGroup
	runCancel context.CancelFunc
	done      chan struct{}
	runErr    error

	stopOnce sync.Once
	stopErr  error

	unobserve func()
}

// New constructs a client authenticating with token. It does not connect.
func New(token string, opts ...Option) (*Streaming, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errs.New("streaming/new", errs.CodeInvalid,
			errs.WithMessage("token required"),
			errs.WithRemediation("pass the API token issued by the broker"))
	}
	o := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	session := o.session
	if session == nil {
		session = NewSession(o.httpClient)
	}
	metrics := telemetry.NewStreamMetrics(o.meterProvider)

	s := &Streaming{ //nolint:exhaustruct
		opts:    o,
		logger:  o.logger,
		metrics: metrics,
		session: session,
		queue:   queue.New(),
	}
	s.Candle = &CandleAPI{registry[schema.CandleKey, schema.CandleSubscription]{
		owner: s,
		reg:   subscription.New[schema.CandleKey, schema.CandleSubscription](schema.KindCandle, o.logger, metrics),
	}}
	s.Orderbook = &OrderbookAPI{registry[schema.OrderbookKey, schema.OrderbookSubscription]{
		owner: s,
		reg:   subscription.New[schema.OrderbookKey, schema.OrderbookSubscription](schema.KindOrderbook, o.logger, metrics),
	}}
	s.InstrumentInfo = &InstrumentInfoAPI{registry[schema.InstrumentInfoKey, schema.InstrumentInfoSubscription]{
		owner: s,
		reg:   subscription.New[schema.InstrumentInfoKey, schema.InstrumentInfoSubscription](schema.KindInstrumentInfo, o.logger, metrics),
	}}

	manager, err := connection.NewManager(connection.Config{
		URL:            o.url,
		Token:          token,
		Session:        session,
		ReceiveTimeout: o.receiveTimeout,
		Heartbeat:      o.heartbeat,
		CloseTimeout:   o.closeTimeout,
		DialTimeout:    o.dialTimeout,
		ControlRate:    o.controlRate,
		ControlBurst:   o.controlBurst,
		Logger:         o.logger,
		Metrics:        metrics,
	}, s.deliver, s.Candle.reg, s.InstrumentInfo.reg, s.Orderbook.reg)
	if err != nil {
		return nil, err
	}
	s.manager = manager

	unobserve, err := metrics.ObserveQueueDepth(s.queue.Len)
	if err != nil {
		s.logger.Printf("streaming: queue depth gauge unavailable: %v", err)
	}
	s.unobserve = unobserve
	return s, nil
}

func (s *Streaming) deliver(ev schema.Event) {
	if serverErr, ok := ev.(schema.ErrorEvent); ok {
		s.logger.Printf("streaming: server error: %s (request_id=%q)", serverErr.Payload.Error, serverErr.Payload.RequestID)
	}
	s.queue.Push(ev)
}

// State returns the lifecycle state.
func (s *Streaming) State() State { return State(s.state.Load()) }

// ConnectionState returns the state of the underlying connection.
func (s *Streaming) ConnectionState() connection.State { return s.manager.State() }

// Pending returns the number of events buffered for the consumer.
func (s *Streaming) Pending() int { return s.queue.Len() }

// Start launches the background connection loop and blocks until the first
// connection is ready, the loop terminates or ctx is done. When the loop
// terminates first its error is returned, e.g. CodeSessionClosed.
func (s *Streaming) Start(ctx context.Context) error {
	s.mu.Lock()
	if !s.state.CompareAndSwap(int32(StateNotStarted), int32(StateStarting)) {
		s.mu.Unlock()
		return errs.New("streaming/start", errs.CodeUnavailable,
			errs.WithMessage("client already started"),
			errs.WithField("state", s.State().String()))
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.runCancel = cancel
	done := make(chan struct{})
	s.done = done
	ready := s.manager.Ready()
	s.wg.Go(func() {
		err := connection.Run(runCtx, s.manager, connection.RunConfig{
			ReconnectEnabled: s.opts.reconnectEnabled,
			ReconnectDelay:   s.opts.reconnectDelay,
			Logger:           s.logger,
			Metrics:          s.metrics,
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Printf("streaming: connection loop stopped: %v", err)
		}
		s.runErr = err
		s.queue.PushEnd()
		close(done)
	})
	s.mu.Unlock()

	select {
	case <-ready:
		s.state.CompareAndSwap(int32(StateStarting), int32(StateRunning))
		return nil
	case <-done:
		s.state.CompareAndSwap(int32(StateStarting), int32(StateRunning))
		if s.runErr != nil {
			return s.runErr
		}
		return errs.New("streaming/start", errs.CodeUnavailable, errs.WithMessage("connection loop ended before ready"))
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next returns the next event in socket order. It reports false once the end
// of the stream is reached or ctx is done.
func (s *Streaming) Next(ctx context.Context) (schema.Event, bool) {
	item, err := s.queue.Pop(ctx)
	if err != nil || item.End {
		return nil, false
	}
	return item.Event, true
}

// Events iterates the stream until its end, ctx is done or the loop body
// breaks. Every exit unsubscribes all subscriptions.
func (s *Streaming) Events(ctx context.Context) iter.Seq[schema.Event] {
	return func(yield func(schema.Event) bool) {
		defer s.unsubscribeAll(context.WithoutCancel(ctx))
		for {
			ev, ok := s.Next(ctx)
			if !ok {
				return
			}
			if !yield(ev) {
				return
			}
		}
	}
}

func (s *Streaming) unsubscribeAll(ctx context.Context) int {
	return s.Candle.reg.UnsubscribeAll(ctx) +
		s.InstrumentInfo.reg.UnsubscribeAll(ctx) +
		s.Orderbook.reg.UnsubscribeAll(ctx)
}

// Stop unsubscribes everything, ends the event stream, releases the socket,
// closes the session and waits for the background loop. It is idempotent and
// safe to call without Start. When ctx expires the loop is cancelled.
func (s *Streaming) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.stopErr = s.stop(ctx)
	})
	return s.stopErr
}

func (s *Streaming) stop(ctx context.Context) error {
	s.mu.Lock()
	prev := State(s.state.Swap(int32(StateStopping)))
	done := s.done
	cancel := s.runCancel
	s.mu.Unlock()

	var stopErr error
	if prev != StateNotStarted {
		unsubscribed := s.unsubscribeAll(context.WithoutCancel(ctx))
		s.logger.Printf("streaming: stopping, unsubscribed %d, %d events pending", unsubscribed, s.queue.Len())
	}
	s.queue.PushEnd()
	s.manager.RequestClose()
	if err := s.manager.WaitClosed(ctx); err != nil {
		stopErr = err
	}
	_ = s.session.Close()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			cancel()
			<-done
			if stopErr == nil {
				stopErr = ctx.Err()
			}
		}
		s.wg.Wait()
		cancel()
	}

	s.Candle.reg.Clear()
	s.InstrumentInfo.reg.Clear()
	s.Orderbook.reg.Clear()
	if s.unobserve != nil {
		s.unobserve()
	}
	s.state.Store(int32(StateStopped))
	return stopErr
}

// Run starts a client, passes it to fn and stops it when fn returns.
func Run(ctx context.Context, token string, fn func(context.Context, *Streaming) error, opts ...Option) (err error) {
	s, err := New(token, opts...)
	if err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultStopTimeout)
		defer cancel()
		err = errors.Join(err, s.Stop(stopCtx))
	}()
	if err := s.Start(ctx); err != nil {
		return err
	}
	return fn(ctx, s)
}
