package drivers

import (
	"sync/atomic"

	"github.com/Iron-Ham/iolink/internal/errors"
	"github.com/Iron-Ham/iolink/internal/lock"
	"github.com/Iron-Ham/iolink/internal/logging"
	"github.com/Iron-Ham/iolink/internal/registry"
	"github.com/Iron-Ham/iolink/internal/rpc"
)

// PowerInterrupt is the interrupt line raised by the power button.
const PowerInterrupt = "power"

// PowerButton handles the power button interrupt. Each press takes the
// power domain from interrupt context, asks the firmware to power off, and
// gives the domain back from the completion callback.
//
// The bridge runs inside interrupt or completion context, so it should carry
// a bounded retry budget.
type PowerButton struct {
	lock   *lock.Lock
	bridge *rpc.Bridge
	logger *logging.Logger
	req    *lock.CallbackRequest

	onDone func(result int32)

	hooks  atomic.Pointer[PowerHooks]
	active atomic.Pointer[PowerHooks] // hooks of the press holding the domain

	inFlight atomic.Bool
	presses  atomic.Uint64
	ignored  atomic.Uint64
	handled  atomic.Uint64
	failed   atomic.Uint64
}

// PowerStats are cumulative power button counters.
type PowerStats struct {
	Presses uint64
	Ignored uint64
	Handled uint64
	Failed  uint64
}

// PowerHooks observe the power domain hold of each handled press. Granted
// runs right after the domain is taken, Releasing right before it is given
// back. Both run in interrupt or completion context and must not block.
type PowerHooks struct {
	Granted   func()
	Releasing func()
}

// NewPowerButton creates a PowerButton. onDone, if set, runs in completion
// context with the firmware's result after each handled press.
func NewPowerButton(reg *registry.Registry, bridge *rpc.Bridge, logger *logging.Logger, onDone func(result int32)) *PowerButton {
	if logger == nil {
		logger = logging.NopLogger()
	}
	p := &PowerButton{
		lock:   reg.GetLock(registry.Power),
		bridge: bridge,
		logger: logger.WithComponent("power").WithDomain(registry.Power.String()),
		onDone: onDone,
	}
	p.req = lock.NewCallbackRequest("power-button", p.granted)
	return p
}

// Press is the interrupt handler. A press while an earlier one is still
// being handled is ignored.
func (p *PowerButton) Press() {
	p.presses.Add(1)
	if !p.inFlight.CompareAndSwap(false, true) {
		p.ignored.Add(1)
		return
	}

	err := p.lock.CallbackAcquire(p.req, true)
	switch {
	case err == nil:
	case errors.Is(err, errors.ErrBusy):
		p.logger.Debug("power domain busy, press queued")
	default:
		p.logger.Error("power button could not queue", "error", err)
		p.failed.Add(1)
		p.inFlight.Store(false)
	}
}

// SetHooks installs h for later presses. A press already holding the
// domain keeps the hooks it was granted with. A nil h removes them.
func (p *PowerButton) SetHooks(h *PowerHooks) {
	p.hooks.Store(h)
}

// granted runs with the power domain held.
func (p *PowerButton) granted(*lock.CallbackRequest) lock.Verdict {
	h := p.hooks.Load()
	p.active.Store(h)
	if h != nil && h.Granted != nil {
		h.Granted()
	}

	err := p.bridge.CallAsync(rpc.FuncPowerOff, nil, p.complete)
	if err != nil {
		p.logger.Error("power-off request failed", "error", err)
		p.failed.Add(1)
		p.releasing()
		p.inFlight.Store(false)
		return lock.AutoRelease
	}
	return lock.Continue
}

// releasing runs the Releasing hook of the current hold, once.
func (p *PowerButton) releasing() {
	if h := p.active.Swap(nil); h != nil && h.Releasing != nil {
		h.Releasing()
	}
}

// complete runs in completion context once the firmware has powered off.
func (p *PowerButton) complete(result int32) {
	p.releasing()
	if err := p.lock.CallbackRelease(p.req); err != nil {
		p.logger.Error("power domain release failed", "error", err)
	}
	p.handled.Add(1)
	p.inFlight.Store(false)
	p.logger.Info("power-off complete", "result", result)

	if p.onDone != nil {
		p.onDone(result)
	}
}

// Stats returns the cumulative counters.
func (p *PowerButton) Stats() PowerStats {
	return PowerStats{
		Presses: p.presses.Load(),
		Ignored: p.ignored.Load(),
		Handled: p.handled.Load(),
		Failed:  p.failed.Load(),
	}
}
