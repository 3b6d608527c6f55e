// Package firmware is an in-process stand-in for the companion processor.
//
// A Sim accepts remote calls into a bounded command queue, executes them on
// its own goroutine after a configurable latency, and reports each result on
// the command-complete feed. A separate set of DMA slots moves bulk data and
// reports on the transfer-complete feed. Both feeds are driven from the
// Sim's goroutines, which therefore play the part of interrupt context.
package firmware

import (
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/Iron-Ham/iolink/internal/dispatch"
	"github.com/Iron-Ham/iolink/internal/logging"
	"github.com/Iron-Ham/iolink/internal/rpc"
)

// Halted is the fatal invoke code returned once the Sim has been closed.
// Commands still queued at that point complete with the same code.
const Halted int32 = -4

// Version is the value returned by the version procedure.
const Version int32 = 0x0230

// Handler executes one remote procedure and returns its result code.
type Handler func(arg any) int32

// Stats are cumulative simulator counters.
type Stats struct {
	Accepted   uint64
	Busy       uint64
	Rejected   uint64
	Executed   uint64
	Transfers  uint64
	Interrupts uint64
	QueueDepth int
	Queued     int
}

type command struct {
	fid    rpc.FunctionID
	arg    any
	ticket dispatch.Ticket
}

// Sim simulates the companion processor.
type Sim struct {
	d       *dispatch.Dispatcher
	logger  *logging.Logger
	latency time.Duration

	queue chan command
	done  chan struct{}
	wg    conc.WaitGroup

	// mu guards handlers, interrupts and closed. Invoke holds it shared so
	// Close cannot slip between the closed check and the enqueue.
	mu         sync.RWMutex
	handlers   map[rpc.FunctionID]Handler
	interrupts map[string][]func()
	closed     bool
	closeOnce  sync.Once

	dma *DMA
	rtc *rtc

	poweredOff  atomic.Bool
	mediaReady  atomic.Bool
	initialized sync.Map // rpc.FunctionID -> *atomic.Int32

	accepted   atomic.Uint64
	busy       atomic.Uint64
	rejected   atomic.Uint64
	executed   atomic.Uint64
	interruptN atomic.Uint64
}

// New starts a simulator that signals completions on d.
func New(d *dispatch.Dispatcher, opts ...Option) *Sim {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	s := &Sim{
		d:          d,
		logger:     o.logger.WithComponent("firmware"),
		latency:    o.latency,
		queue:      make(chan command, o.queueDepth),
		done:       make(chan struct{}),
		handlers:   make(map[rpc.FunctionID]Handler),
		interrupts: make(map[string][]func()),
		rtc:        newRTC(),
	}
	s.dma = newDMA(o.dmaSlots, o.dmaLatency, d.TransferComplete)
	s.mediaReady.Store(true)
	s.installBuiltins()

	s.wg.Go(s.run)
	return s
}

// Handle installs or replaces the handler for fid.
func (s *Sim) Handle(fid rpc.FunctionID, h Handler) {
	s.mu.Lock()
	s.handlers[fid] = h
	s.mu.Unlock()
}

// Invoke implements rpc.Invoker.
func (s *Sim) Invoke(fid rpc.FunctionID, env *rpc.Envelope) int32 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		s.rejected.Add(1)
		return Halted
	}
	if _, ok := s.handlers[fid]; !ok {
		s.rejected.Add(1)
		s.logger.Debug("invoke of unknown function", "function", fid.String())
		return rpc.ErrNoFunction
	}

	select {
	case s.queue <- command{fid: fid, arg: env.Arg, ticket: env.Ticket}:
		s.accepted.Add(1)
		return rpc.Accepted
	default:
		s.busy.Add(1)
		return rpc.SendBusy
	}
}

// run is the command processor.
func (s *Sim) run() {
	for {
		select {
		case cmd := <-s.queue:
			s.execute(cmd)
		case <-s.done:
			s.flush()
			return
		}
	}
}

func (s *Sim) execute(cmd command) {
	if s.latency > 0 {
		time.Sleep(s.latency)
	}

	s.mu.RLock()
	h := s.handlers[cmd.fid]
	s.mu.RUnlock()

	result := s.call(cmd, h)
	s.executed.Add(1)
	s.d.CommandComplete(cmd.ticket, result)
}

// call runs h, turning a panic into ErrBadArgument so the caller still
// gets a completion.
func (s *Sim) call(cmd command, h Handler) (result int32) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("firmware handler panicked",
				"function", cmd.fid.String(),
				"panic", r,
				"stack", string(debug.Stack()))
			result = rpc.ErrBadArgument
		}
	}()
	if h == nil {
		return rpc.ErrNoFunction
	}
	return h(cmd.arg)
}

// flush completes every command still queued after Close.
func (s *Sim) flush() {
	for {
		select {
		case cmd := <-s.queue:
			s.d.CommandComplete(cmd.ticket, Halted)
		default:
			return
		}
	}
}

// Close stops the command processor. Commands already accepted but not yet
// executed complete with Halted. Close is idempotent.
func (s *Sim) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		close(s.done)
		s.wg.Wait()
		s.dma.stop()
		s.logger.Info("firmware halted", "executed", s.executed.Load())
	})
}

// DMA returns the bulk mover. It implements transfer.Mover.
func (s *Sim) DMA() *DMA {
	return s.dma
}

// OnInterrupt registers fn to run when the named interrupt is raised.
func (s *Sim) OnInterrupt(name string, fn func()) {
	s.mu.Lock()
	s.interrupts[name] = append(s.interrupts[name], fn)
	s.mu.Unlock()
}

// RaiseInterrupt runs every handler registered for name on the calling
// goroutine, which acts as interrupt context. It returns the number of
// handlers run.
func (s *Sim) RaiseInterrupt(name string) int {
	s.mu.RLock()
	handlers := s.interrupts[name]
	s.mu.RUnlock()

	s.interruptN.Add(1)
	for _, fn := range handlers {
		s.safeInterrupt(name, fn)
	}
	return len(handlers)
}

func (s *Sim) safeInterrupt(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("interrupt handler panicked", "interrupt", name, "panic", r)
		}
	}()
	fn()
}

// PoweredOff reports whether the power-off procedure has run.
func (s *Sim) PoweredOff() bool {
	return s.poweredOff.Load()
}

// SetMediaReady sets what the cdvd-ready procedure reports.
func (s *Sim) SetMediaReady(ready bool) {
	s.mediaReady.Store(ready)
}

// InitCount returns how many times the init procedure fid has run.
func (s *Sim) InitCount(fid rpc.FunctionID) int {
	if v, ok := s.initialized.Load(fid); ok {
		return int(v.(*atomic.Int32).Load())
	}
	return 0
}

// Stats returns the cumulative counters.
func (s *Sim) Stats() Stats {
	return Stats{
		Accepted:   s.accepted.Load(),
		Busy:       s.busy.Load(),
		Rejected:   s.rejected.Load(),
		Executed:   s.executed.Load(),
		Transfers:  s.dma.completed.Load(),
		Interrupts: s.interruptN.Load(),
		QueueDepth: cap(s.queue),
		Queued:     len(s.queue),
	}
}
