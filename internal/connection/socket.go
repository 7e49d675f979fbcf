package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"
)

const writeTimeout = 5 * time.Second

var errSocketClosed = errors.New("socket closed")

// socket is the write side of one established connection. Control messages are
// paced by a shared limiter.
type socket struct {
	conn         *websocket.Conn
	limiter      *rate.Limiter
	closeTimeout time.Duration

	closed    atomic.Bool
	closeOnce sync.Once
}

func newSocket(conn *websocket.Conn, limiter *rate.Limiter, closeTimeout time.Duration) *socket {
	return &socket{
		conn:         conn,
		limiter:      limiter,
		closeTimeout: closeTimeout,
		closed:       atomic.Bool{},
		closeOnce:    sync.Once{},
	}
}

// Send writes a text frame.
func (s *socket) Send(ctx context.Context, data []byte) error {
	if s.closed.Load() {
		return errSocketClosed
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("pace control message: %w", err)
		}
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := s.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write control message: %w", err)
	}
	return nil
}

// Close releases the connection. With a positive close timeout it performs the
// close handshake and falls back to an immediate close when the peer is slow.
func (s *socket) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if s.closeTimeout <= 0 {
			_ = s.conn.CloseNow()
			return
		}
		done := make(chan struct{})
		go func() {
			_ = s.conn.Close(websocket.StatusNormalClosure, "client closing")
			close(done)
		}()
		timer := time.NewTimer(s.closeTimeout)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			_ = s.conn.CloseNow()
		}
	})
}

// Closed reports whether Close has been called.
func (s *socket) Closed() bool { return s.closed.Load() }
