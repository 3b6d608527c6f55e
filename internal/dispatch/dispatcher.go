// Package dispatch demultiplexes the companion processor's two interrupt
// feeds.
//
// The command-complete feed carries a [Ticket] and a result code; the
// Dispatcher looks up the completion callback registered for that ticket
// and runs it exactly once. The transfer-complete feed carries no payload
// and simply fans out to every registered listener.
//
// Both feeds are called from interrupt context, so neither blocks: the
// registry guard is held only to add or remove an entry, never while a
// callback runs.
package dispatch

import (
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/Iron-Ham/iolink/internal/event"
	"github.com/Iron-Ham/iolink/internal/logging"
)

// Ticket identifies one registered completion. The zero Ticket is never
// issued.
type Ticket uint64

// CompletionFunc receives the result code of a finished command. It runs in
// interrupt context and must not block.
type CompletionFunc func(result int32)

// Stats are cumulative dispatcher counters.
type Stats struct {
	Registered uint64
	Completed  uint64
	Cancelled  uint64
	Orphaned   uint64
	Transfers  uint64
	Panics     uint64
}

// Dispatcher routes interrupt-feed signals to their callbacks.
type Dispatcher struct {
	logger *logging.Logger
	bus    *event.Bus

	mu         sync.Mutex
	next       Ticket
	pending    map[Ticket]CompletionFunc
	onTransfer []func()

	registered atomic.Uint64
	completed  atomic.Uint64
	cancelled  atomic.Uint64
	orphaned   atomic.Uint64
	transfers  atomic.Uint64
	panics     atomic.Uint64
}

// New creates a Dispatcher. Both arguments are optional.
func New(logger *logging.Logger, bus *event.Bus) *Dispatcher {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Dispatcher{
		logger:  logger.WithComponent("dispatch"),
		bus:     bus,
		pending: make(map[Ticket]CompletionFunc),
	}
}

// Register records fn as the completion for a new ticket.
func (d *Dispatcher) Register(fn CompletionFunc) Ticket {
	d.mu.Lock()
	d.next++
	t := d.next
	d.pending[t] = fn
	d.mu.Unlock()

	d.registered.Add(1)
	return t
}

// Cancel forgets a ticket whose command was never accepted. It reports
// whether the ticket was still pending.
func (d *Dispatcher) Cancel(t Ticket) bool {
	d.mu.Lock()
	_, ok := d.pending[t]
	delete(d.pending, t)
	d.mu.Unlock()

	if ok {
		d.cancelled.Add(1)
	}
	return ok
}

// CommandComplete is the command-complete feed. It runs the completion
// registered for t with result, once; later signals for the same ticket are
// reported as orphaned.
func (d *Dispatcher) CommandComplete(t Ticket, result int32) {
	d.mu.Lock()
	fn, ok := d.pending[t]
	delete(d.pending, t)
	d.mu.Unlock()

	if !ok {
		d.orphaned.Add(1)
		d.logger.Warn("completion for unknown ticket", "ticket", uint64(t), "result", result)
		d.bus.Publish(event.NewRPCOrphanedEvent(uint64(t), result))
		return
	}

	d.completed.Add(1)
	if fn != nil {
		d.safeCall(t, func() { fn(result) })
	}
	d.bus.Publish(event.NewRPCCompletedEvent(uint64(t), result))
}

// OnTransferComplete adds a listener to the transfer-complete feed.
// Listeners must not block.
func (d *Dispatcher) OnTransferComplete(fn func()) {
	d.mu.Lock()
	d.onTransfer = append(d.onTransfer, fn)
	d.mu.Unlock()
}

// TransferComplete is the transfer-complete feed.
func (d *Dispatcher) TransferComplete() {
	n := d.transfers.Add(1)

	d.mu.Lock()
	listeners := d.onTransfer
	d.mu.Unlock()

	for _, fn := range listeners {
		d.safeCall(0, fn)
	}
	d.bus.Publish(event.NewTransferCompletedEvent(n))
}

// safeCall keeps a panicking callback from taking down the interrupt feed.
func (d *Dispatcher) safeCall(t Ticket, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.panics.Add(1)
			d.logger.Error("completion callback panicked",
				"ticket", uint64(t),
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	fn()
}

// Pending returns the number of registered completions not yet signalled.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Stats returns the cumulative counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Registered: d.registered.Load(),
		Completed:  d.completed.Load(),
		Cancelled:  d.cancelled.Load(),
		Orphaned:   d.orphaned.Load(),
		Transfers:  d.transfers.Load(),
		Panics:     d.panics.Load(),
	}
}
