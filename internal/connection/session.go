package connection

import (
	"net/http"
	"sync"
)

// Session is the transport session shared by every connection attempt. Once
// closed it is never reopened and further attempts fail with CodeSessionClosed.
type Session struct {
	client *http.Client

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewSession wraps client. A nil client uses a dedicated http.Client.
func NewSession(client *http.Client) *Session {
	if client == nil {
		client = &http.Client{} //nolint:exhaustruct
	}
	return &Session{
		client: client,
		mu:     sync.Mutex{},
		closed: false,
		done:   make(chan struct{}),
	}
}

// Client returns the HTTP client used for websocket handshakes.
func (s *Session) Client() *http.Client { return s.client }

// Close marks the session closed and releases idle connections. It is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	s.client.CloseIdleConnections()
	return nil
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} { return s.done }
