package connection

import (
	"context"
	"log"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/coachpo/tinvest/errs"
	"github.com/coachpo/tinvest/internal/telemetry"
)

// DefaultReconnectDelay is the pause between a failed attempt and the next one.
const DefaultReconnectDelay = 3 * time.Second

// RunConfig configures the reconnect loop.
type RunConfig struct {
	ReconnectEnabled bool
	ReconnectDelay   time.Duration
	Logger           *log.Logger
	Metrics          *telemetry.StreamMetrics
}

// Run drives the manager until the session closes, a close is requested or ctx
// is done. With reconnects disabled it performs exactly one attempt. A socket
// that ends normally is redialled immediately; a failed attempt waits the
// reconnect delay first.
func Run(ctx context.Context, m *Manager, cfg RunConfig) error {
	logger := cfg.Logger
	if logger == nil {
		logger = m.logger
	}
	if !cfg.ReconnectEnabled {
		err := m.Connect(ctx)
		m.setState(ctx, StateDisconnected)
		return err
	}

	delay := cfg.ReconnectDelay
	if delay < 0 {
		delay = 0
	}
	policy := backoff.NewConstantBackOff(delay)
	session := m.Session()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if m.CloseRequested() {
			return nil
		}

		err := m.Connect(ctx)
		switch {
		case errs.IsCode(err, errs.CodeSessionClosed):
			return err
		case ctx.Err() != nil:
			m.setState(ctx, StateDisconnected)
			return ctx.Err()
		case err == nil:
			m.setState(ctx, StateDisconnected)
			continue
		}

		m.setState(ctx, StateDisconnected)
		wait := policy.NextBackOff()
		cfg.Metrics.RecordReconnectWait(ctx, errorType(err))
		logger.Printf("connection: reconnecting in %s: %v", wait, err)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-session.Done():
			timer.Stop()
			return errs.SessionClosed("connection/run")
		case <-m.closing.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func errorType(err error) string {
	for _, code := range []errs.Code{errs.CodeTimeout, errs.CodeNetwork} {
		if errs.IsCode(err, code) {
			return string(code)
		}
	}
	return "unknown"
}
