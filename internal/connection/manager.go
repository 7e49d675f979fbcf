// Package connection owns the streaming websocket: one Manager.Connect call is
// one connection attempt, and Run wraps it in the reconnect loop.
package connection

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/coachpo/tinvest/errs"
	"github.com/coachpo/tinvest/internal/codec"
	"github.com/coachpo/tinvest/internal/subscription"
	"github.com/coachpo/tinvest/internal/telemetry"
	"github.com/coachpo/tinvest/pkg/schema"
)

// DefaultURL is the production streaming endpoint.
const DefaultURL = "wss://api-invest.tinkoff.ru/openapi/md/v1/md-openapi/ws"

const readLimit = 1 << 20

// State is the lifecycle state of the managed connection.
type State int32

const (
	// StateDisconnected means no connection attempt is in progress.
	StateDisconnected State = iota
	// StateConnecting means the handshake is in progress.
	StateConnecting
	// StateConnected means the socket is established and subscriptions were replayed.
	StateConnected
	// StateClosing means the socket is being released.
	StateClosing
	// StateClosed means the attempt has fully finished.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Subscriptions is the view of a subscription registry used during a connection.
type Subscriptions interface {
	Kind() schema.EventKind
	Attach(sender subscription.Sender)
	Detach(sender subscription.Sender)
	ReplayAll(ctx context.Context) int
}

// Config configures a Manager.
type Config struct {
	URL     string
	Token   string
	Session *Session

	// ReceiveTimeout bounds the silence between frames or pongs; zero disables it.
	ReceiveTimeout time.Duration
	// Heartbeat is the ping interval; zero disables pings.
	Heartbeat time.Duration
	// CloseTimeout bounds the close handshake; zero closes immediately.
	CloseTimeout time.Duration
	// DialTimeout bounds the handshake; zero leaves it to the context.
	DialTimeout time.Duration

	// ControlRate paces outbound control messages; zero disables pacing.
	ControlRate  rate.Limit
	ControlBurst int

	Logger  *log.Logger
	Metrics *telemetry.StreamMetrics
}

// Manager establishes the socket, replays the registries and forwards decoded
// events to the sink until the socket ends.
type Manager struct {
	cfg        Config
	registries []Subscriptions
	sink       func(schema.Event)
	limiter    *rate.Limiter
	logger     *log.Logger

	state   atomic.Int32
	ready   *latch
	closing *latch
	closed  *latch
}

// NewManager validates cfg and returns a manager delivering events to sink.
func NewManager(cfg Config, sink func(schema.Event), registries ...Subscriptions) (*Manager, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = DefaultURL
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errs.New("connection/new", errs.CodeInvalid,
			errs.WithMessage("token required"),
			errs.WithRemediation("pass the API token issued by the broker"))
	}
	if sink == nil {
		return nil, errs.New("connection/new", errs.CodeInvalid, errs.WithMessage("event sink required"))
	}
	if cfg.Session == nil {
		cfg.Session = NewSession(nil)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	var limiter *rate.Limiter
	if cfg.ControlRate > 0 {
		burst := cfg.ControlBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(cfg.ControlRate, burst)
	}
	m := &Manager{
		cfg:        cfg,
		registries: registries,
		sink:       sink,
		limiter:    limiter,
		logger:     logger,
		state:      atomic.Int32{},
		ready:      newLatch(false),
		closing:    newLatch(false),
		closed:     newLatch(true),
	}
	return m, nil
}

// State returns the current connection state.
func (m *Manager) State() State { return State(m.state.Load()) }

// Session returns the transport session.
func (m *Manager) Session() *Session { return m.cfg.Session }

// Ready is closed while a connection is established and replayed.
func (m *Manager) Ready() <-chan struct{} { return m.ready.Done() }

// RequestClose asks the current attempt to release its socket and prevents new attempts.
func (m *Manager) RequestClose() { m.closing.Set() }

// CloseRequested reports whether RequestClose has been called.
func (m *Manager) CloseRequested() bool { return m.closing.IsSet() }

// WaitClosed blocks until no connection attempt holds a socket.
func (m *Manager) WaitClosed(ctx context.Context) error { return m.closed.Wait(ctx) }

func (m *Manager) setState(ctx context.Context, s State) {
	if State(m.state.Swap(int32(s))) == s {
		return
	}
	m.cfg.Metrics.RecordState(ctx, s.String())
}

// Connect performs one connection attempt and returns when the socket ends.
// A nil result means the socket ended normally or a close was requested.
func (m *Manager) Connect(ctx context.Context) error {
	const op = "connection/connect"
	session := m.cfg.Session
	m.closed.Clear()
	defer m.closed.Set()
	if session.Closed() {
		return errs.SessionClosed(op)
	}
	if m.closing.IsSet() {
		return nil
	}

	attempt := uuid.NewString()

	m.setState(ctx, StateConnecting)
	conn, err := m.dial(ctx)
	if err != nil {
		m.setState(ctx, StateDisconnected)
		m.cfg.Metrics.RecordConnect(ctx, telemetry.ResultError)
		switch {
		case session.Closed():
			return errs.SessionClosed(op)
		case m.closing.IsSet():
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		}
		code := errs.CodeNetwork
		if errors.Is(err, context.DeadlineExceeded) {
			code = errs.CodeTimeout
		}
		return errs.New(op, code,
			errs.WithMessage("websocket dial failed"),
			errs.WithField("attempt", attempt),
			errs.WithCause(err))
	}
	conn.SetReadLimit(readLimit)

	sock := newSocket(conn, m.limiter, m.cfg.CloseTimeout)
	connectedAt := time.Now()
	m.setState(ctx, StateConnected)
	m.cfg.Metrics.RecordConnect(ctx, telemetry.ResultSuccess)

	for _, reg := range m.registries {
		reg.Attach(sock)
	}
	replayed := 0
	for _, reg := range m.registries {
		replayed += reg.ReplayAll(ctx)
	}
	m.logger.Printf("connection: attempt %s connected, replayed %d subscriptions", attempt, replayed)
	m.ready.Set()

	live := newLiveness()
	connCtx, cancelConn := context.WithCancel(ctx)
	var helpers conc.WaitGroup
	helpers.Go(func() {
		select {
		case <-m.closing.Done():
		case <-session.Done():
		case <-connCtx.Done():
		}
		m.setState(ctx, StateClosing)
		sock.Close()
	})
	if m.cfg.Heartbeat > 0 {
		helpers.Go(func() { m.heartbeat(connCtx, conn, live, attempt) })
	}
	if m.cfg.ReceiveTimeout > 0 {
		helpers.Go(func() { m.watchdog(connCtx, conn, live, attempt) })
	}

	readErr := m.readLoop(connCtx, conn, live)

	cancelConn()
	helpers.Wait()
	for _, reg := range m.registries {
		reg.Detach(sock)
	}
	m.ready.Clear()
	m.setState(ctx, StateClosed)
	m.cfg.Metrics.RecordConnectionDuration(ctx, time.Since(connectedAt))

	switch {
	case session.Closed():
		m.logger.Printf("connection: attempt %s closed with session", attempt)
		return errs.SessionClosed(op)
	case m.closing.IsSet():
		m.logger.Printf("connection: attempt %s closed on request", attempt)
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case readErr != nil:
		m.logger.Printf("connection: attempt %s ended: %v", attempt, readErr)
		return readErr
	default:
		m.logger.Printf("connection: attempt %s ended by server", attempt)
		return nil
	}
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if m.cfg.DialTimeout > 0 {
		var cancelTimeout context.CancelFunc
		dialCtx, cancelTimeout = context.WithTimeout(dialCtx, m.cfg.DialTimeout)
		defer cancelTimeout()
	}

	// A close request or session close aborts an in-flight handshake.
	var watcher conc.WaitGroup
	defer watcher.Wait()
	defer cancel()
	watcher.Go(func() {
		select {
		case <-m.closing.Done():
			cancel()
		case <-m.cfg.Session.Done():
			cancel()
		case <-dialCtx.Done():
		}
	})

	header := http.Header{}
	header.Set("Authorization", "Bearer "+m.cfg.Token)
	conn, resp, err := websocket.Dial(dialCtx, m.cfg.URL, &websocket.DialOptions{ //nolint:exhaustruct
		HTTPClient: m.cfg.Session.Client(),
		HTTPHeader: header,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (m *Manager) heartbeat(ctx context.Context, conn *websocket.Conn, live *liveness, attempt string) {
	ticker := time.NewTicker(m.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		pingCtx, cancel := context.WithTimeout(ctx, m.cfg.Heartbeat)
		err := conn.Ping(pingCtx)
		cancel()
		if err != nil {
			if ctx.Err() == nil && !m.closing.IsSet() {
				m.logger.Printf("connection: attempt %s heartbeat failed: %v", attempt, err)
				_ = conn.CloseNow()
			}
			return
		}
		live.touch()
	}
}

// watchdog closes the socket once the peer has been silent for the receive
// timeout. Frames and pongs both count as activity.
func (m *Manager) watchdog(ctx context.Context, conn *websocket.Conn, live *liveness, attempt string) {
	timeout := m.cfg.ReceiveTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		idle := live.idle()
		if idle < timeout {
			timer.Reset(timeout - idle)
			continue
		}
		live.expire()
		m.logger.Printf("connection: attempt %s silent for %s", attempt, idle.Round(time.Millisecond))
		_ = conn.CloseNow()
		return
	}
}

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn, live *liveness) error {
	const op = "connection/read"
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			switch {
			case live.expired():
				return errs.New(op, errs.CodeTimeout,
					errs.WithMessage("no frame within receive timeout"),
					errs.WithField("timeout", m.cfg.ReceiveTimeout.String()),
					errs.WithCause(err))
			case websocket.CloseStatus(err) != -1:
				return nil
			case ctx.Err() != nil:
				return nil
			}
			return errs.New(op, errs.CodeNetwork, errs.WithCause(err))
		}
		live.touch()
		if typ != websocket.MessageText {
			continue
		}

		ev, err := codec.Decode(data)
		if err != nil {
			m.cfg.Metrics.RecordDecodeFailure(ctx)
			m.logger.Printf("connection: dropping frame: %v", err)
			continue
		}
		m.cfg.Metrics.RecordFrame(ctx, string(ev.Kind()))
		m.sink(ev)
	}
}

// liveness records the last sign of life from the peer.
type liveness struct {
	last    atomic.Int64
	timeout atomic.Bool
}

func newLiveness() *liveness {
	l := &liveness{last: atomic.Int64{}, timeout: atomic.Bool{}}
	l.touch()
	return l
}

func (l *liveness) touch() { l.last.Store(time.Now().UnixNano()) }

func (l *liveness) idle() time.Duration { return time.Since(time.Unix(0, l.last.Load())) }

func (l *liveness) expire() { l.timeout.Store(true) }

func (l *liveness) expired() bool { return l.timeout.Load() }
