// Package lock implements the shared-resource lock that serializes access to
// one companion-processor subsystem.
//
// A Lock can be held from two kinds of context:
//
//   - caller-context: ordinary goroutines identified by a [CallerID]. They may
//     park in [Lock.Acquire] until the lock frees.
//   - callback-context: interrupt handlers and completion callbacks, identified
//     by a [*CallbackRequest]. They never park; [Lock.CallbackAcquire] either
//     grants immediately or queues the request for a later hand-off.
//
// Both kinds are reentrant for the same identity. When a lock frees, queued
// callback requests are handed the lock in FIFO order before any parked
// caller is woken. An optional grant cap bounds how many callback hand-offs
// may pass parked callers in a row.
//
// The internal guard is never held while a callback runs or while a caller
// is parked, so callbacks may release (or re-acquire) from inside Run.
package lock

import (
	"context"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/Iron-Ham/iolink/internal/errors"
	"github.com/Iron-Ham/iolink/internal/event"
	"github.com/Iron-Ham/iolink/internal/logging"
	"github.com/Iron-Ham/iolink/internal/waitq"
)

// CallerID identifies a caller-context owner. Allocate one per logical
// thread of control with NewCallerID; the zero value is never issued.
type CallerID uint64

var callerSeq atomic.Uint64

// NewCallerID returns a process-unique caller identity.
func NewCallerID() CallerID {
	return CallerID(callerSeq.Add(1))
}

// String implements fmt.Stringer.
func (id CallerID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

type holderKind int

const (
	holderFree holderKind = iota
	holderCaller
	holderCallback
)

// Lock is a reentrant mutual-exclusion lock shared between caller-context and
// callback-context code. Use New to construct one.
type Lock struct {
	name   string
	logger *logging.Logger
	bus    *event.Bus
	wq     *waitq.Queue

	mu       sync.Mutex
	depth    int
	kind     holderKind
	caller   CallerID
	cb       *CallbackRequest
	label    string
	waiting  int
	pending  []*CallbackRequest
	flags    Flags
	draining bool

	grantCap       int
	streak         int  // callback grants made while callers were parked
	yieldToCallers bool // next grant reserved for a parked caller

	stats Stats
}

// Option configures a Lock.
type Option func(*Lock)

// WithLogger sets the logger used for misuse reports and trace lines.
func WithLogger(logger *logging.Logger) Option {
	return func(l *Lock) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithEventBus publishes misuse and yield events on bus.
func WithEventBus(bus *event.Bus) Option {
	return func(l *Lock) { l.bus = bus }
}

// WithGrantCap bounds the consecutive callback hand-offs made while callers
// are parked. After n such grants the next grant goes to a parked caller.
// Zero (the default) keeps callbacks strictly first.
func WithGrantCap(n int) Option {
	return func(l *Lock) {
		if n > 0 {
			l.grantCap = n
		}
	}
}

// WithFlags sets the initial diagnostic flags.
func WithFlags(f Flags) Option {
	return func(l *Lock) { l.flags = f }
}

// New creates a free Lock.
func New(name string, opts ...Option) *Lock {
	l := &Lock{
		name:   name,
		logger: logging.NopLogger(),
		wq:     waitq.New(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.WithDomain(name)
	return l
}

// Name returns the lock's name.
func (l *Lock) Name() string {
	return l.name
}

// Acquire takes the lock for id, parking until it is available. The wait
// cannot be interrupted. reason labels the hold in diagnostics.
func (l *Lock) Acquire(id CallerID, reason string) {
	// A background context is never cancelled, so acquire cannot fail.
	_ = l.acquire(context.Background(), id, reason)
}

// AcquireInterruptible is Acquire with cancellation. If ctx is cancelled
// while parked it returns an error matching errors.ErrInterrupted and the
// lock is not taken. A lock that is immediately available is granted even
// when ctx is already done.
func (l *Lock) AcquireInterruptible(ctx context.Context, id CallerID, reason string) error {
	return l.acquire(ctx, id, reason)
}

func (l *Lock) acquire(ctx context.Context, id CallerID, reason string) error {
	l.mu.Lock()
	for !l.callerMayTake(id) {
		l.waiting++
		epoch := l.wq.Epoch()
		if l.flags.Has(FlagTraceAcquire) {
			l.logger.Debug("caller parked", "caller", id, "reason", reason, "holder", l.holderLocked(), "waiting", l.waiting)
		}
		l.mu.Unlock()

		err := l.wq.Wait(ctx, epoch)

		l.mu.Lock()
		l.waiting--
		if err != nil {
			l.stats.Interrupted++
			resume := l.dropReservationLocked()
			l.mu.Unlock()
			if resume {
				l.handoff()
			}
			return errors.NewLockError("acquire interrupted",
				fmt.Errorf("%w: %w", errors.ErrInterrupted, err)).
				WithDomain(l.name).WithCaller(id.String())
		}
	}

	if l.kind == holderFree {
		l.kind = holderCaller
		l.caller = id
		l.label = reason
		l.streak = 0
		l.yieldToCallers = false
	}
	l.depth++
	l.stats.Acquisitions++
	if l.depth > l.stats.MaxDepth {
		l.stats.MaxDepth = l.depth
	}
	if l.flags.Has(FlagTraceAcquire) {
		l.logger.Debug("caller acquired", "caller", id, "reason", reason, "depth", l.depth)
	}
	l.mu.Unlock()
	return nil
}

// callerMayTake reports whether id can be granted now. Queued callback
// requests go first unless the next grant is reserved for callers.
// Caller holds l.mu.
func (l *Lock) callerMayTake(id CallerID) bool {
	switch l.kind {
	case holderCaller:
		return l.caller == id
	case holderFree:
		return len(l.pending) == 0 || l.yieldToCallers
	default:
		return false
	}
}

// dropReservationLocked clears a caller reservation nobody is left to use.
// It reports whether queued callbacks should be drained. Caller holds l.mu.
func (l *Lock) dropReservationLocked() bool {
	if !l.yieldToCallers || l.waiting > 0 {
		return false
	}
	l.yieldToCallers = false
	l.streak = 0
	return l.kind == holderFree && len(l.pending) > 0
}

// Release drops one level of id's hold. A release by anyone other than the
// current caller-context owner is logged at critical severity, leaves the
// lock untouched and returns an error matching errors.ErrInvalidRelease.
func (l *Lock) Release(id CallerID) error {
	l.mu.Lock()
	if l.kind != holderCaller || l.caller != id {
		holder := l.holderLocked()
		l.stats.Misuse++
		l.mu.Unlock()
		return l.misuse(errors.ErrInvalidRelease, id.String(), holder, false)
	}

	freed := l.dropLocked()
	if l.flags.Has(FlagTraceRelease) {
		l.logger.Debug("caller released", "caller", id, "depth", l.depth)
	}
	l.mu.Unlock()

	if freed {
		l.handoff()
	}
	return nil
}

// dropLocked decrements the hold and clears ownership at zero. It reports
// whether the lock became free. Caller holds l.mu.
func (l *Lock) dropLocked() bool {
	l.depth--
	if l.depth > 0 {
		return false
	}
	l.depth = 0
	l.kind = holderFree
	l.caller = 0
	l.cb = nil
	l.label = ""
	return true
}

// misuse reports a rejected release. Called without l.mu.
func (l *Lock) misuse(kind error, actor, holder string, callback bool) error {
	err := errors.NewLockError("release rejected", kind).
		WithDomain(l.name).WithCaller(actor)
	l.logger.Critical("lock release by non-owner",
		"actor", actor,
		"holder", holder,
		"callback", callback,
		"stack", string(debug.Stack()))
	l.bus.Publish(event.NewLockMisuseEvent(l.name, actor, holder, callback))
	return err
}

// IsHeldBy reports whether id currently holds the lock in caller context.
func (l *Lock) IsHeldBy(id CallerID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.kind == holderCaller && l.caller == id
}

// IsWaitNonEmpty reports whether any caller is parked on the lock. Drivers
// use it after Release to decide whether to yield the processor.
func (l *Lock) IsWaitNonEmpty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waiting > 0
}

// SetDiagnosticFlags replaces the diagnostic flags.
func (l *Lock) SetDiagnosticFlags(f Flags) {
	l.mu.Lock()
	l.flags = f
	l.mu.Unlock()
}

// DiagnosticFlags returns the diagnostic flags.
func (l *Lock) DiagnosticFlags() Flags {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flags
}

// holderLocked describes the current holder. Caller holds l.mu.
func (l *Lock) holderLocked() string {
	switch l.kind {
	case holderCaller:
		return "caller " + l.caller.String()
	case holderCallback:
		return "callback " + l.cb.Name
	default:
		return "free"
	}
}
