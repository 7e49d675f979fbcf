// Package subscription keeps the desired subscription set of one event kind and
// sends its control messages over the currently attached socket.
package subscription

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/coachpo/tinvest/errs"
	"github.com/coachpo/tinvest/internal/codec"
	"github.com/coachpo/tinvest/internal/telemetry"
	"github.com/coachpo/tinvest/pkg/schema"
)

// Sender writes an encoded control message to the live socket.
type Sender interface {
	Send(ctx context.Context, data []byte) error
}

// Keyed is a subscription with a comparable identity key.
type Keyed[K comparable] interface {
	schema.Subscription
	Key() K
}

// Registry is an insertion-ordered set of subscriptions deduplicated by identity key.
// It outlives individual connections; the connection manager attaches a sender
// after each handshake and detaches it on teardown.
type Registry[K comparable, S Keyed[K]] struct {
	kind    schema.EventKind
	logger  *log.Logger
	metrics *telemetry.StreamMetrics

	mu      sync.Mutex
	entries map[K]S
	order   []K
	sender  Sender
}

// New constructs an empty registry for the kind. A nil logger uses log.Default.
func New[K comparable, S Keyed[K]](kind schema.EventKind, logger *log.Logger, metrics *telemetry.StreamMetrics) *Registry[K, S] {
	if logger == nil {
		logger = log.Default()
	}
	return &Registry[K, S]{
		kind:    kind,
		logger:  logger,
		metrics: metrics,
		mu:      sync.Mutex{},
		entries: make(map[K]S),
		order:   nil,
		sender:  nil,
	}
}

// Kind returns the event kind served by the registry.
func (r *Registry[K, S]) Kind() schema.EventKind { return r.kind }

// Attach installs the sender used for subsequent control messages.
func (r *Registry[K, S]) Attach(sender Sender) {
	r.mu.Lock()
	r.sender = sender
	r.mu.Unlock()
}

// Detach removes the sender if it is still the attached one.
func (r *Registry[K, S]) Detach(sender Sender) {
	r.mu.Lock()
	if r.sender == sender {
		r.sender = nil
	}
	r.mu.Unlock()
}

// Add records sub and attempts an immediate subscribe. The first record of an
// identity is kept; repeated calls still send. Reports whether the frame was written.
func (r *Registry[K, S]) Add(ctx context.Context, sub S) bool {
	key := sub.Key()
	r.mu.Lock()
	if _, exists := r.entries[key]; !exists {
		r.entries[key] = sub
		r.order = append(r.order, key)
	}
	r.mu.Unlock()
	return r.send(ctx, sub, schema.ActionSubscribe)
}

// Remove deletes the identity of sub and attempts an unsubscribe. Removing an
// identity that is not held fails with CodeNotSubscribed and changes nothing.
func (r *Registry[K, S]) Remove(ctx context.Context, sub S) (bool, error) {
	key := sub.Key()
	r.mu.Lock()
	held, exists := r.entries[key]
	if !exists {
		r.mu.Unlock()
		return false, errs.NotSubscribed(string(r.kind)+"/unsubscribe", sub.Identity())
	}
	r.deleteLocked(key)
	r.mu.Unlock()

	// The caller's correlation id wins over the one stored at subscribe time.
	if sub.CorrelationID() == "" {
		sub = held
	}
	return r.send(ctx, sub, schema.ActionUnsubscribe), nil
}

// ReplayAll sends subscribe for every held identity in insertion order and
// returns how many frames were written.
func (r *Registry[K, S]) ReplayAll(ctx context.Context) int {
	sent := 0
	for _, sub := range r.Snapshot() {
		if r.send(ctx, sub, schema.ActionSubscribe) {
			sent++
		}
	}
	return sent
}

// UnsubscribeAll sends unsubscribe for every held identity and drops the
// identities whose frame was written. Returns how many were dropped.
func (r *Registry[K, S]) UnsubscribeAll(ctx context.Context) int {
	dropped := 0
	for _, sub := range r.Snapshot() {
		if !r.send(ctx, sub, schema.ActionUnsubscribe) {
			continue
		}
		r.mu.Lock()
		if _, exists := r.entries[sub.Key()]; exists {
			r.deleteLocked(sub.Key())
			dropped++
		}
		r.mu.Unlock()
	}
	return dropped
}

// Snapshot returns the held subscriptions in insertion order.
func (r *Registry[K, S]) Snapshot() []S {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]S, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.entries[key])
	}
	return out
}

// Contains reports whether the identity of sub is held.
func (r *Registry[K, S]) Contains(sub S) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.entries[sub.Key()]
	return exists
}

// Len returns the number of held identities.
func (r *Registry[K, S]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// Clear drops every identity without sending anything.
func (r *Registry[K, S]) Clear() {
	r.mu.Lock()
	r.entries = make(map[K]S)
	r.order = nil
	r.mu.Unlock()
}

func (r *Registry[K, S]) deleteLocked(key K) {
	delete(r.entries, key)
	for i, candidate := range r.order {
		if candidate == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

var errNoSocket = errors.New("no socket attached")

func (r *Registry[K, S]) send(ctx context.Context, sub S, action schema.Action) bool {
	err := r.write(ctx, sub, action)
	sent := err == nil
	r.metrics.RecordControl(ctx, string(r.kind), string(action), sent)
	if err != nil {
		r.logger.Printf("subscription/%s: %s %s not sent: %v", r.kind, action, sub.Identity(), err)
	}
	return sent
}

func (r *Registry[K, S]) write(ctx context.Context, sub S, action schema.Action) error {
	r.mu.Lock()
	sender := r.sender
	r.mu.Unlock()
	if sender == nil {
		return errNoSocket
	}
	data, err := codec.Encode(sub, action)
	if err != nil {
		return err
	}
	return sender.Send(ctx, data)
}
