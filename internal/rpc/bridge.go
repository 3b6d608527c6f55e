// Package rpc issues blocking remote procedure calls to the companion
// processor.
//
// A call goes through the narrow remote-invoke primitive ([Invoker]). An
// accepted call finishes later, when the command-complete interrupt delivers
// the result to the completion registered with the [dispatch.Dispatcher].
// [Bridge.Call] parks the caller until then. The wait cannot be cancelled:
// once the firmware has accepted a command it will write a result, and there
// is no way to take the command back.
package rpc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Iron-Ham/iolink/internal/dispatch"
	"github.com/Iron-Ham/iolink/internal/errors"
	"github.com/Iron-Ham/iolink/internal/logging"
	"github.com/Iron-Ham/iolink/internal/waitq"
)

// Envelope carries one call to the remote-invoke primitive. The invoker
// must eventually signal Ticket on the command-complete feed for every
// envelope it accepts.
type Envelope struct {
	Arg    any
	Ticket dispatch.Ticket
}

// Invoker is the remote-invoke primitive. Invoke returns Accepted, SendBusy
// for a transient refusal, or another negative code for a fatal error.
// Invoke must not block.
type Invoker interface {
	Invoke(fid FunctionID, env *Envelope) int32
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(fid FunctionID, env *Envelope) int32

// Invoke implements Invoker.
func (f InvokerFunc) Invoke(fid FunctionID, env *Envelope) int32 {
	return f(fid, env)
}

// waitContext is the rendezvous between one blocked call and its completion.
type waitContext struct {
	wq        *waitq.Queue
	mu        sync.Mutex
	completed bool
	result    int32
}

func newWaitContext() *waitContext {
	return &waitContext{wq: waitq.New()}
}

// complete is the completion callback. It runs in interrupt context.
func (wc *waitContext) complete(result int32) {
	wc.mu.Lock()
	wc.completed = true
	wc.result = result
	wc.mu.Unlock()
	wc.wq.WakeAll()
}

// await parks until complete has run. It never gives up.
func (wc *waitContext) await() int32 {
	ctx := context.Background()
	wc.mu.Lock()
	for !wc.completed {
		epoch := wc.wq.Epoch()
		wc.mu.Unlock()
		_ = wc.wq.Wait(ctx, epoch)
		wc.mu.Lock()
	}
	result := wc.result
	wc.mu.Unlock()
	return result
}

// Stats are cumulative bridge counters.
type Stats struct {
	Calls       uint64 // blocking calls started
	AsyncCalls  uint64 // CallAsync calls started
	Invokes     uint64 // invoke attempts, including retries
	BusyRetries uint64 // SendBusy results that were retried
	Fatal       uint64 // calls failed by a fatal invoke code
	Exhausted   uint64 // calls failed by the retry budget
	Suspensions uint64 // times a blocking call actually parked
	Stalls      uint64 // completions later than the stall warning
	InFlight    int64  // blocking calls currently waiting
}

// Bridge issues remote calls through an Invoker.
type Bridge struct {
	invoker    Invoker
	dispatcher *dispatch.Dispatcher
	backoff    Backoff
	stall      time.Duration
	logger     *logging.Logger

	calls       atomic.Uint64
	asyncCalls  atomic.Uint64
	invokes     atomic.Uint64
	busyRetries atomic.Uint64
	fatal       atomic.Uint64
	exhausted   atomic.Uint64
	suspensions atomic.Uint64
	stalls      atomic.Uint64
	inFlight    atomic.Int64
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithBackoff sets the send-busy retry policy.
func WithBackoff(b Backoff) Option {
	return func(br *Bridge) { br.backoff = b }
}

// WithStallWarning logs a warning when a completion has not arrived after d.
// The call keeps waiting. Zero disables the warning.
func WithStallWarning(d time.Duration) Option {
	return func(br *Bridge) { br.stall = d }
}

// WithLogger sets the bridge logger.
func WithLogger(logger *logging.Logger) Option {
	return func(br *Bridge) {
		if logger != nil {
			br.logger = logger
		}
	}
}

// New creates a Bridge sending through invoker and receiving completions
// from d.
func New(invoker Invoker, d *dispatch.Dispatcher, opts ...Option) *Bridge {
	b := &Bridge{
		invoker:    invoker,
		dispatcher: d,
		backoff:    DefaultBackoff(),
		logger:     logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.WithComponent("rpc")
	return b
}

// Call invokes fid with arg and blocks until the firmware reports a result.
//
// A fatal invoke code is returned immediately together with a
// *errors.RemoteError matching errors.ErrRemoteFatal; no wait happens. A
// queue that stays busy past the retry budget yields SendBusy and an error
// matching errors.ErrSendBusy. Otherwise the firmware's result is returned
// with a nil error, whatever its value.
func (b *Bridge) Call(fid FunctionID, arg any) (int32, error) {
	b.calls.Add(1)

	wc := newWaitContext()
	env := &Envelope{Arg: arg, Ticket: b.dispatcher.Register(wc.complete)}
	if code, err := b.send(fid, env); err != nil {
		return code, err
	}

	b.inFlight.Add(1)
	defer b.inFlight.Add(-1)

	if b.stall > 0 {
		start := time.Now()
		timer := time.AfterFunc(b.stall, func() {
			b.stalls.Add(1)
			b.logger.Warn("remote call completion overdue",
				"function", fid.String(),
				"ticket", uint64(env.Ticket),
				"waited", time.Since(start).String())
		})
		defer timer.Stop()
	}

	result := wc.await()
	b.suspensions.Add(wc.wq.Suspensions())
	return result, nil
}

// CallAsync invokes fid with arg and returns once the firmware accepted it.
// done runs with the result in interrupt context and must not block. Errors
// are reported as for Call, and done is then never run.
func (b *Bridge) CallAsync(fid FunctionID, arg any, done func(result int32)) error {
	b.asyncCalls.Add(1)

	env := &Envelope{Arg: arg, Ticket: b.dispatcher.Register(done)}
	_, err := b.send(fid, env)
	return err
}

// send runs the invoke/retry loop. On failure the envelope's ticket is
// cancelled.
func (b *Bridge) send(fid FunctionID, env *Envelope) (int32, error) {
	for attempt := 1; ; attempt++ {
		b.invokes.Add(1)
		code := b.invoker.Invoke(fid, env)

		switch {
		case code == Accepted:
			return code, nil

		case code == SendBusy:
			if b.backoff.exhausted(attempt) {
				b.dispatcher.Cancel(env.Ticket)
				b.exhausted.Add(1)
				b.logger.Warn("remote send queue stayed busy",
					"function", fid.String(),
					"attempts", attempt)
				return code, errors.NewRemoteError(fid.String(), code, errors.ErrSendBusy)
			}
			b.busyRetries.Add(1)
			b.backoff.pause(attempt)

		default:
			b.dispatcher.Cancel(env.Ticket)
			b.fatal.Add(1)
			b.logger.Warn("remote call rejected",
				"function", fid.String(),
				"code", code)
			return code, errors.NewRemoteError(fid.String(), code, errors.ErrRemoteFatal)
		}
	}
}

// Stats returns the cumulative counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		Calls:       b.calls.Load(),
		AsyncCalls:  b.asyncCalls.Load(),
		Invokes:     b.invokes.Load(),
		BusyRetries: b.busyRetries.Load(),
		Fatal:       b.fatal.Load(),
		Exhausted:   b.exhausted.Load(),
		Suspensions: b.suspensions.Load(),
		Stalls:      b.stalls.Load(),
		InFlight:    b.inFlight.Load(),
	}
}
