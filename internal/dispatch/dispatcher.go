// Package dispatch funnels events from background activities into the single
// interactive context allowed to mutate visible state and issue API calls.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the event channel capacity.
const DefaultBuffer = 64

// Handler consumes one event on the interactive context.
type Handler func(Event)

// Dispatcher is a FIFO hand-off between producers and one consumer.
//
// Producers call Emit from their own goroutine; because the channel is FIFO
// and each producer emits sequentially, per-source order is preserved. Emit
// never blocks past Close or the producer's context, so a stopped consumer
// cannot wedge a poller or scheduler.
//
// The event channel is never closed. Close signals through done instead, so a
// late Emit cannot panic.
type Dispatcher struct {
	events chan Event
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger

	delivered atomic.Int64
	dropped   atomic.Int64
}

// Stats are point-in-time counters.
type Stats struct {
	Delivered int64 `json:"delivered"`
	Dropped   int64 `json:"dropped"`
	Queued    int   `json:"queued"`
}

// New creates a Dispatcher with the given buffer (DefaultBuffer if <= 0).
func New(buffer int, logger *slog.Logger) *Dispatcher {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Emit queues ev for the consumer. It returns false if the event was dropped
// because the dispatcher is closed or ctx ended first.
func (d *Dispatcher) Emit(ctx context.Context, ev Event) bool {
	// Closed wins over a free buffer slot.
	select {
	case <-d.done:
		d.drop(ev, "closed")
		return false
	default:
	}

	select {
	case d.events <- ev:
		return true
	case <-d.done:
		d.drop(ev, "closed")
		return false
	case <-ctx.Done():
		d.drop(ev, "producer cancelled")
		return false
	}
}

func (d *Dispatcher) drop(ev Event, reason string) {
	d.dropped.Add(1)
	d.logger.Debug("dispatch: event dropped",
		"reason", reason, "kind", ev.Kind, "source", ev.Source, "machine", ev.MachineID)
}

// Run delivers events to handler one at a time on the calling goroutine until
// ctx is done or Close is called. Events still queued at that point are dropped.
func (d *Dispatcher) Run(ctx context.Context, handler Handler) {
	d.logger.Debug("dispatch: consumer started")
	defer d.logger.Debug("dispatch: consumer stopped")

	for {
		// Prefer shutdown over a ready event.
		select {
		case <-ctx.Done():
			d.drain()
			return
		case <-d.done:
			d.drain()
			return
		default:
		}

		select {
		case <-ctx.Done():
			d.drain()
			return
		case <-d.done:
			d.drain()
			return
		case ev := <-d.events:
			d.delivered.Add(1)
			handler(ev)
		}
	}
}

// drain discards whatever is still buffered so the drop count is accurate.
func (d *Dispatcher) drain() {
	for {
		select {
		case ev := <-d.events:
			d.drop(ev, "consumer stopped")
		default:
			return
		}
	}
}

// Close stops delivery. It is idempotent.
func (d *Dispatcher) Close() {
	d.once.Do(func() { close(d.done) })
}

// Closed reports whether Close has been called.
func (d *Dispatcher) Closed() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

// Stats returns the current counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Delivered: d.delivered.Load(),
		Dropped:   d.dropped.Load(),
		Queued:    len(d.events),
	}
}
