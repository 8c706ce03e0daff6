package radio

import (
	"context"
	"sync"
)

// Dispatcher delivers events to one Handler from a single goroutine, in the
// order they were posted. Post never blocks, so commands running inside the
// handler may post follow-up events safely.
type Dispatcher struct {
	handler Handler

	mu     sync.Mutex
	queue  []Event
	signal chan struct{}
	done   chan struct{}
}

// NewDispatcher returns a dispatcher for handler. Run must be called to start
// delivery.
func NewDispatcher(handler Handler) *Dispatcher {
	return &Dispatcher{
		handler: handler,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Post queues event for delivery.
func (d *Dispatcher) Post(event Event) {
	if event == nil {
		return
	}
	d.mu.Lock()
	d.queue = append(d.queue, event)
	d.mu.Unlock()

	select {
	case d.signal <- struct{}{}:
	default:
	}
}

// Run delivers queued events until ctx is done. Events still queued at that
// point are dropped.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.signal:
		}

		for {
			event, ok := d.next()
			if !ok {
				break
			}
			if ctx.Err() != nil {
				return
			}
			d.handler(event)
		}
	}
}

// Done is closed once Run has returned.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Pending returns the number of queued events.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

func (d *Dispatcher) next() (Event, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return nil, false
	}
	event := d.queue[0]
	d.queue[0] = nil
	d.queue = d.queue[1:]
	return event, true
}
