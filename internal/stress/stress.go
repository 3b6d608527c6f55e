// Package stress drives a running system with concurrent callers and
// interrupt-context callback requests, and checks that no two holders were
// ever inside the same lock at once.
package stress

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"

	"github.com/Iron-Ham/iolink/internal/config"
	"github.com/Iron-Ham/iolink/internal/drivers"
	"github.com/Iron-Ham/iolink/internal/errors"
	"github.com/Iron-Ham/iolink/internal/event"
	"github.com/Iron-Ham/iolink/internal/iolink"
	"github.com/Iron-Ham/iolink/internal/lock"
	"github.com/Iron-Ham/iolink/internal/registry"
	"github.com/Iron-Ham/iolink/internal/rpc"
	"github.com/Iron-Ham/iolink/internal/transfer"
)

// Options control a run.
type Options struct {
	Callers       int           // caller-context workers
	Duration      time.Duration // zero runs until ctx is done
	InterruptRate int           // callback requests per second, zero for none
	TransferEvery int           // every nth caller cycle also moves data, zero for never
	PowerEvery    int           // every nth interrupt is the power button, zero for never
	MisuseProbes  bool          // deliberately release locks the caller does not hold
	HoldFor       time.Duration // extra time spent inside each critical section
	Seed          uint64
}

// OptionsFromConfig maps the stress section of the configuration.
func OptionsFromConfig(cfg config.StressConfig) Options {
	return Options{
		Callers:       cfg.Callers,
		Duration:      cfg.Duration(),
		InterruptRate: cfg.InterruptRateHz,
		TransferEvery: 16,
		Seed:          uint64(time.Now().UnixNano()),
	}
}

// Report summarizes a run.
type Report struct {
	Elapsed time.Duration

	Cycles          uint64 // caller acquire/call/release cycles
	Reentrant       uint64 // cycles that re-entered their lock
	Calls           uint64
	CallErrors      uint64
	Transfers       uint64
	Interrupts      uint64 // callback requests raised
	CallbackRuns    uint64 // callback requests that ran
	CallbackBusy    uint64 // callback requests that had to queue
	DelayedReleases uint64 // callback holds released from a later context
	PowerPresses    uint64
	PowerHolds      uint64 // presses that held the power domain
	InvalidReleases uint64 // misuse probes rejected by the lock
	Interrupted     uint64 // acquires cut short by the end of the run

	// Lock counters moved during the run, and the events published for
	// them. Each pair must agree.
	Misuse       uint64
	MisuseEvents uint64
	Yields       uint64
	YieldEvents  uint64

	MaxDepth   int
	Violations uint64
	Leaked     []string // locks still held or queued after the run
}

// OK reports whether the run saw no exclusion violation, left every lock
// free, and published one event per misuse and yield.
func (r Report) OK() bool {
	return r.Violations == 0 && len(r.Leaked) == 0 && r.EventsMatch()
}

// EventsMatch reports whether the misuse and yield events seen on the bus
// match the lock counters.
func (r Report) EventsMatch() bool {
	return r.MisuseEvents == r.Misuse && r.YieldEvents == r.Yields
}

// slot tracks how many instrumented holders are inside one lock.
type slot struct {
	inside atomic.Int32
}

type runner struct {
	sys   *iolink.System
	opts  Options
	slots map[*lock.Lock]*slot

	// outstanding counts callback holds not yet released.
	outstanding atomic.Int64

	cycles, reentrant, calls, callErrors, transfers atomic.Uint64
	interrupts, cbRuns, cbBusy, delayed, power      atomic.Uint64
	powerHolds                                      atomic.Uint64
	invalid, interrupted, violations                atomic.Uint64

	// Bus events and the lock counters they are checked against.
	misuseEvents, yieldEvents atomic.Uint64
	baseMisuse, baseYields    uint64
}

// settleTimeout bounds the wait for outstanding holds after a run.
const settleTimeout = 2 * time.Second

// Run drives sys until opts.Duration elapses or ctx is done, then waits for
// every outstanding hold to be released.
func Run(ctx context.Context, sys *iolink.System, opts Options) (Report, error) {
	if opts.Callers <= 0 {
		return Report{}, fmt.Errorf("stress: %w: callers must be positive", errors.ErrInvalidInput)
	}
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	r := &runner{sys: sys, opts: opts, slots: make(map[*lock.Lock]*slot)}
	for _, l := range sys.Registry.Locks() {
		r.slots[l] = &slot{}
	}
	r.baseMisuse, r.baseYields = r.lockCounters()

	bus := sys.Bus()
	subs := []uint64{
		bus.Subscribe(event.TypeLockMisuse, func(event.Event) { r.misuseEvents.Add(1) }),
		bus.Subscribe(event.TypeLockYield, func(event.Event) { r.yieldEvents.Add(1) }),
	}
	defer func() {
		for _, id := range subs {
			bus.Unsubscribe(id)
		}
	}()

	if sys.Power != nil {
		pl := sys.Registry.GetLock(registry.Power)
		sys.Power.SetHooks(&drivers.PowerHooks{
			Granted: func() {
				r.enter(pl)
				r.powerHolds.Add(1)
			},
			Releasing: func() { r.leave(pl) },
		})
		defer sys.Power.SetHooks(nil)
	}

	logger := sys.Logger().WithComponent("stress")
	logger.Info("stress run starting",
		"callers", opts.Callers,
		"duration", opts.Duration.String(),
		"interrupt_rate", opts.InterruptRate)

	start := time.Now()
	var background conc.WaitGroup
	if opts.InterruptRate > 0 {
		background.Go(func() { r.interruptLoop(ctx) })
	}

	p := pool.New().WithContext(ctx).WithMaxGoroutines(opts.Callers)
	for i := range opts.Callers {
		p.Go(func(ctx context.Context) error {
			return r.callerLoop(ctx, i)
		})
	}
	err := p.Wait()
	background.Wait()
	r.settle()

	rep := r.report(time.Since(start))
	logger.Info("stress run finished",
		"cycles", rep.Cycles,
		"violations", rep.Violations,
		"leaked", len(rep.Leaked))
	return rep, err
}

func (r *runner) rng(stream int) *rand.Rand {
	return rand.New(rand.NewPCG(r.opts.Seed, uint64(stream)))
}

// enter marks one more holder inside l and reports an overlap.
func (r *runner) enter(l *lock.Lock) {
	if r.slots[l].inside.Add(1) != 1 {
		r.violations.Add(1)
	}
}

func (r *runner) leave(l *lock.Lock) {
	r.slots[l].inside.Add(-1)
}

func (r *runner) callerLoop(ctx context.Context, worker int) error {
	rng := r.rng(worker + 1)
	domains := registry.Domains()

	for n := 1; ctx.Err() == nil; n++ {
		d := domains[rng.IntN(len(domains))]
		l := r.sys.Registry.GetLock(d)
		id := lock.NewCallerID()

		if err := l.AcquireInterruptible(ctx, id, "stress "+d.String()); err != nil {
			if errors.Is(err, errors.ErrInterrupted) {
				r.interrupted.Add(1)
				return nil
			}
			return err
		}
		r.enter(l)

		nested := rng.IntN(4) == 0
		if nested {
			l.Acquire(id, "stress nested")
			r.reentrant.Add(1)
		}

		r.call(d)
		if r.opts.HoldFor > 0 {
			time.Sleep(r.opts.HoldFor)
		}

		if r.opts.MisuseProbes && n%32 == 0 {
			if err := l.Release(lock.NewCallerID()); errors.Is(err, errors.ErrInvalidRelease) {
				r.invalid.Add(1)
			}
		}

		if nested {
			if err := l.Release(id); err != nil {
				return err
			}
		}
		r.leave(l)
		if err := l.Release(id); err != nil {
			return err
		}
		r.cycles.Add(1)

		if r.opts.TransferEvery > 0 && n%r.opts.TransferEvery == 0 {
			r.transfer(ctx, rng)
		}
	}
	return nil
}

// functionFor picks the remote call a cycle on d makes.
func functionFor(d registry.Domain) (rpc.FunctionID, any) {
	switch d {
	case registry.CDVD:
		return rpc.FuncCDVDReady, nil
	case registry.Sound:
		return rpc.FuncSoundInit, nil
	case registry.Pad:
		return rpc.FuncPadInit, nil
	case registry.MemoryCard:
		return rpc.FuncMemoryCardInit, nil
	case registry.Clock:
		return rpc.FuncRTCGet, new(time.Time)
	case registry.Remote:
		return rpc.FuncRemoteInit, nil
	default:
		return rpc.FuncVersion, nil
	}
}

func (r *runner) call(d registry.Domain) {
	fid, arg := functionFor(d)
	r.calls.Add(1)
	if code, err := r.sys.Bridge.Call(fid, arg); err != nil || code < 0 {
		r.callErrors.Add(1)
	}
}

func (r *runner) transfer(ctx context.Context, rng *rand.Rand) {
	req := transfer.Request{
		Direction: transfer.Direction(rng.IntN(2)),
		Channel:   rng.IntN(4),
		Size:      512 << rng.IntN(5),
	}
	id, err := r.sys.Gate.AwaitTransferStart(ctx, req)
	if err != nil {
		return
	}
	if err := r.sys.Gate.AwaitTransferDone(ctx, id); err == nil {
		r.transfers.Add(1)
	}
}

// interruptLoop raises callback requests at the configured rate. A quarter of
// them keep the lock past Run and release it from a timer.
func (r *runner) interruptLoop(ctx context.Context) {
	rng := r.rng(0)
	domains := registry.Domains()
	interval := max(time.Second/time.Duration(r.opts.InterruptRate), time.Microsecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for n := 1; ; n++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if r.opts.PowerEvery > 0 && n%r.opts.PowerEvery == 0 {
			r.power.Add(1)
			r.sys.RaiseInterrupt(drivers.PowerInterrupt)
			continue
		}

		d := domains[rng.IntN(len(domains))]
		l := r.sys.Registry.GetLock(d)
		hold := rng.IntN(4) == 0
		req := lock.NewCallbackRequest(fmt.Sprintf("irq-%s-%d", d, n), func(req *lock.CallbackRequest) lock.Verdict {
			r.enter(l)
			r.cbRuns.Add(1)
			if !hold {
				r.leave(l)
				return lock.AutoRelease
			}
			r.delayed.Add(1)
			r.outstanding.Add(1)
			time.AfterFunc(50*time.Microsecond, func() {
				r.leave(l)
				_ = l.CallbackRelease(req)
				r.outstanding.Add(-1)
			})
			return lock.Continue
		})

		r.interrupts.Add(1)
		if err := l.CallbackAcquire(req, true); errors.Is(err, errors.ErrBusy) {
			r.cbBusy.Add(1)
		}
	}
}

// settle waits for delayed releases and the power button to let go, and for
// events published after a drain unlocks to reach the bus.
func (r *runner) settle() {
	deadline := time.Now().Add(settleTimeout)
	for time.Now().Before(deadline) {
		if r.outstanding.Load() == 0 && r.idle() && r.eventsCaughtUp() {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

func (r *runner) eventsCaughtUp() bool {
	misuse, yields := r.lockCounters()
	return r.misuseEvents.Load() >= misuse-r.baseMisuse &&
		r.yieldEvents.Load() >= yields-r.baseYields
}

// lockCounters sums the misuse and yield counters of every lock.
func (r *runner) lockCounters() (misuse, yields uint64) {
	for _, l := range r.sys.Registry.Locks() {
		st := l.Snapshot().Stats
		misuse += st.Misuse
		yields += st.Yields
	}
	return misuse, yields
}

func (r *runner) idle() bool {
	for _, l := range r.sys.Registry.Locks() {
		st := l.Snapshot()
		if !st.Free() || len(st.Pending) > 0 {
			return false
		}
	}
	return true
}

func (r *runner) report(elapsed time.Duration) Report {
	rep := Report{
		Elapsed:         elapsed,
		Cycles:          r.cycles.Load(),
		Reentrant:       r.reentrant.Load(),
		Calls:           r.calls.Load(),
		CallErrors:      r.callErrors.Load(),
		Transfers:       r.transfers.Load(),
		Interrupts:      r.interrupts.Load(),
		CallbackRuns:    r.cbRuns.Load(),
		CallbackBusy:    r.cbBusy.Load(),
		DelayedReleases: r.delayed.Load(),
		PowerPresses:    r.power.Load(),
		PowerHolds:      r.powerHolds.Load(),
		InvalidReleases: r.invalid.Load(),
		Interrupted:     r.interrupted.Load(),
		Violations:      r.violations.Load(),
		MisuseEvents:    r.misuseEvents.Load(),
		YieldEvents:     r.yieldEvents.Load(),
	}
	misuse, yields := r.lockCounters()
	rep.Misuse = misuse - r.baseMisuse
	rep.Yields = yields - r.baseYields
	for _, e := range r.sys.Registry.Snapshot() {
		rep.MaxDepth = max(rep.MaxDepth, e.State.Stats.MaxDepth)
		if !e.State.Free() || len(e.State.Pending) > 0 {
			rep.Leaked = append(rep.Leaked, e.State.Name)
		}
	}
	return rep
}
