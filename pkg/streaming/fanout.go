package streaming

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/tinvest/pkg/schema"
)

// Sink consumes one event.
type Sink func(context.Context, schema.Event) error

// Fanout returns a sink delivering each event to every non-nil sink
// concurrently. Failures of individual sinks are joined into one error.
func Fanout(sinks ...Sink) Sink {
	active := make([]Sink, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			active = append(active, sink)
		}
	}
	switch len(active) {
	case 0:
		return func(context.Context, schema.Event) error { return nil }
	case 1:
		return active[0]
	}
	return func(ctx context.Context, ev schema.Event) error {
		var mu sync.Mutex
		var failures []error
		p := pool.New().WithMaxGoroutines(len(active))
		for idx, sink := range active {
			p.Go(func() {
				defer func() {
					if r := recover(); r != nil {
						mu.Lock()
						failures = append(failures, fmt.Errorf("sink %d panic: %v", idx, r))
						mu.Unlock()
					}
				}()
				if err := sink(ctx, ev); err != nil {
					mu.Lock()
					failures = append(failures, fmt.Errorf("sink %d: %w", idx, err))
					mu.Unlock()
				}
			})
		}
		p.Wait()
		return errors.Join(failures...)
	}
}
