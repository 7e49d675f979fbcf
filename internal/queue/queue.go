// Package queue provides the unbounded FIFO between the connection goroutine and the consumer.
package queue

import (
	"context"
	"sync"

	"github.com/coachpo/tinvest/pkg/schema"
)

// Item is a queued element: either an event or the end-of-stream marker.
type Item struct {
	Event schema.Event
	End   bool
}

// Queue is an unbounded single-producer single-consumer FIFO of items.
// Push never blocks; Pop blocks until an item is available or ctx is done.
type Queue struct {
	mu     sync.Mutex
	items  []Item
	notify chan struct{}
	ended  bool
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{
		mu:     sync.Mutex{},
		items:  nil,
		notify: make(chan struct{}),
		ended:  false,
	}
}

// Push appends an event.
func (q *Queue) Push(ev schema.Event) {
	q.push(Item{Event: ev, End: false})
}

// PushEnd appends the end-of-stream marker.
func (q *Queue) PushEnd() {
	q.push(Item{Event: nil, End: true})
}

func (q *Queue) push(item Item) {
	q.mu.Lock()
	q.items = append(q.items, item)
	close(q.notify)
	q.notify = make(chan struct{})
	q.mu.Unlock()
}

// Pop removes the oldest item. Once an end marker has been popped every later
// Pop reports end of stream without blocking.
func (q *Queue) Pop(ctx context.Context) (Item, error) {
	for {
		q.mu.Lock()
		if q.ended {
			q.mu.Unlock()
			return Item{Event: nil, End: true}, nil
		}
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = Item{} //nolint:exhaustruct
			q.items = q.items[1:]
			if item.End {
				q.ended = true
			}
			q.mu.Unlock()
			return item, nil
		}
		wait := q.notify
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Item{}, ctx.Err() //nolint:exhaustruct
		case <-wait:
		}
	}
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Ended reports whether the end marker has been consumed.
func (q *Queue) Ended() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ended
}
