package lock

import (
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"github.com/Iron-Ham/iolink/internal/errors"
	"github.com/Iron-Ham/iolink/internal/event"
)

// Verdict is returned by a CallbackRequest's Run to say what happens to the
// grant it was just handed.
type Verdict int

const (
	// Continue keeps the lock held by the request. It must be released later
	// with CallbackRelease, possibly from another context.
	Continue Verdict = iota
	// AutoRelease gives the grant back as soon as Run returns.
	AutoRelease
)

// String implements fmt.Stringer.
func (v Verdict) String() string {
	switch v {
	case Continue:
		return "continue"
	case AutoRelease:
		return "auto-release"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// CallbackRequest asks for a lock from a context that must not block. It is
// created and owned by its caller, and identified by pointer. A request may
// sit in at most one lock's queue at a time.
type CallbackRequest struct {
	// Name labels the request in diagnostics.
	Name string
	// Run is invoked each time the request is granted the lock, with the
	// lock's guard released. It must not block. A nil Run is treated as
	// returning Continue.
	Run func(req *CallbackRequest) Verdict
	// Arg is an optional payload for Run.
	Arg any

	// queuedOn is the lock whose hand-off queue holds the request. It is
	// claimed and cleared by that lock with its guard held, and read by
	// other locks without theirs.
	queuedOn atomic.Pointer[Lock]
}

// NewCallbackRequest creates a CallbackRequest.
func NewCallbackRequest(name string, run func(req *CallbackRequest) Verdict) *CallbackRequest {
	return &CallbackRequest{Name: name, Run: run}
}

// CallbackAcquire tries to take the lock for req without blocking.
//
// If the lock is free with nothing queued ahead, or req already holds it, the
// grant is made and req.Run is called synchronously before CallbackAcquire
// returns nil. Otherwise the result matches errors.ErrBusy and, when
// queueIfBusy is set, req is appended to the hand-off queue (once) to be run
// when the lock frees.
func (l *Lock) CallbackAcquire(req *CallbackRequest, queueIfBusy bool) error {
	l.mu.Lock()

	reentrant := l.kind == holderCallback && l.cb == req
	if !reentrant && !l.callbackMayTakeLocked() {
		l.stats.Busy++
		queued := false
		if queueIfBusy {
			other, ok := l.claimLocked(req)
			if !ok {
				l.mu.Unlock()
				return errors.NewLockError("callback request queued on "+other.name,
					errors.ErrInvalidInput).WithDomain(l.name).WithCaller(req.Name)
			}
			queued = other == nil
		}
		if l.flags.Has(FlagTraceCallback) {
			l.logger.Debug("callback busy", "request", req.Name, "queued", queued,
				"holder", l.holderLocked(), "pending", len(l.pending))
		}
		l.mu.Unlock()
		return errors.NewLockError("lock busy", errors.ErrBusy).
			WithDomain(l.name).WithCaller(req.Name)
	}

	l.grantCallbackLocked(req)
	l.mu.Unlock()

	l.runGranted(req)
	return nil
}

// claimLocked appends req to the hand-off queue unless it is already there.
// It returns the lock req was found queued on (nil if it was appended now)
// and false when that is another lock. Caller holds l.mu.
func (l *Lock) claimLocked(req *CallbackRequest) (*Lock, bool) {
	for {
		if req.queuedOn.CompareAndSwap(nil, l) {
			l.pending = append(l.pending, req)
			return nil, true
		}
		// Another lock may clear its claim between the swap and the load.
		if other := req.queuedOn.Load(); other != nil {
			return other, other == l
		}
	}
}

// callbackMayTakeLocked reports whether a new (non-queued) callback request
// may be granted immediately. Caller holds l.mu.
func (l *Lock) callbackMayTakeLocked() bool {
	if l.kind != holderFree || len(l.pending) > 0 {
		return false
	}
	if l.yieldToCallers {
		return false
	}
	if l.capReachedLocked() {
		l.yieldToCallers = true
		return false
	}
	return true
}

// capReachedLocked reports whether parked callers are owed the next grant.
// Caller holds l.mu.
func (l *Lock) capReachedLocked() bool {
	return l.grantCap > 0 && l.waiting > 0 && l.streak >= l.grantCap
}

// grantCallbackLocked hands the lock to req (or re-enters it). Caller holds l.mu.
func (l *Lock) grantCallbackLocked(req *CallbackRequest) {
	if l.kind == holderFree {
		l.kind = holderCallback
		l.cb = req
		l.label = req.Name
		if l.waiting > 0 {
			l.streak++
		} else {
			l.streak = 0
		}
	}
	l.depth++
	l.stats.CallbackGrants++
	if l.depth > l.stats.MaxDepth {
		l.stats.MaxDepth = l.depth
	}
	if l.flags.Has(FlagTraceCallback) {
		l.logger.Debug("callback granted", "request", req.Name, "depth", l.depth, "waiting", l.waiting)
	}
}

// runGranted invokes req.Run for a grant made by CallbackAcquire and applies
// the verdict. Called without l.mu.
func (l *Lock) runGranted(req *CallbackRequest) {
	verdict := l.invoke(req)
	if verdict != AutoRelease {
		return
	}

	l.mu.Lock()
	freed := false
	if l.kind == holderCallback && l.cb == req {
		freed = l.dropLocked()
	}
	l.mu.Unlock()

	if freed {
		l.handoff()
	}
}

// invoke runs req.Run. A panicking callback gives up its grant.
func (l *Lock) invoke(req *CallbackRequest) (verdict Verdict) {
	if req.Run == nil {
		return Continue
	}
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("callback request panicked",
				"request", req.Name,
				"panic", r,
				"stack", string(debug.Stack()))
			verdict = AutoRelease
		}
	}()
	return req.Run(req)
}

// CallbackRelease drops one level of req's hold. If req is not the current
// callback-context owner the call is logged at critical severity, ignored,
// and the result matches errors.ErrLowLevelViolation.
func (l *Lock) CallbackRelease(req *CallbackRequest) error {
	l.mu.Lock()
	if l.kind != holderCallback || l.cb != req {
		holder := l.holderLocked()
		l.stats.Misuse++
		l.mu.Unlock()
		name := "<nil>"
		if req != nil {
			name = req.Name
		}
		return l.misuse(errors.ErrLowLevelViolation, name, holder, true)
	}

	freed := l.dropLocked()
	if l.flags.Has(FlagTraceCallback) {
		l.logger.Debug("callback released", "request", req.Name, "depth", l.depth)
	}
	l.mu.Unlock()

	if freed {
		l.handoff()
	}
	return nil
}

// handoff runs after the lock became free. It drains queued callback
// requests in FIFO order, then wakes parked callers if the lock is still
// free. Only one goroutine drains a lock at a time; a release made while a
// drain is in progress leaves the work to the active drainer.
// Called without l.mu.
func (l *Lock) handoff() {
	l.mu.Lock()
	if l.draining {
		l.mu.Unlock()
		return
	}
	l.draining = true

	grants := 0
	var yielded *event.LockYieldEvent
	for l.kind == holderFree && len(l.pending) > 0 {
		if l.yieldToCallers && l.waiting > 0 {
			break
		}
		if l.capReachedLocked() {
			l.yieldToCallers = true
			l.stats.Yields++
			ev := event.NewLockYieldEvent(l.name, l.streak, len(l.pending), l.waiting)
			yielded = &ev
			if l.flags.Has(FlagTraceDrain) {
				l.logger.Debug("drain yielding to callers", "streak", l.streak, "pending", len(l.pending), "waiting", l.waiting)
			}
			break
		}
		l.yieldToCallers = false

		req := l.pending[0]
		l.pending[0] = nil
		l.pending = l.pending[1:]
		req.queuedOn.Store(nil)

		l.grantCallbackLocked(req)
		grants++
		l.mu.Unlock()

		verdict := l.invoke(req)

		l.mu.Lock()
		if verdict == AutoRelease && l.kind == holderCallback && l.cb == req {
			l.dropLocked()
		}
	}
	if len(l.pending) == 0 {
		l.pending = nil
	}
	l.draining = false
	wake := l.kind == holderFree && l.waiting > 0
	if l.flags.Has(FlagTraceDrain) && grants > 0 {
		l.logger.Debug("drain finished", "grants", grants, "pending", len(l.pending), "wake", wake)
	}
	l.mu.Unlock()

	if yielded != nil {
		l.bus.Publish(*yielded)
	}
	if wake {
		l.wq.WakeAll()
	}
}
