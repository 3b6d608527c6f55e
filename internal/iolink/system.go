// Package iolink wires the I/O substrate together: the lock registry, the
// completion dispatcher, the RPC bridge and the transfer gate, plus the
// drivers layered on them.
//
// Start registers both interrupt feeds exactly once. Without an injected
// invoker it boots an in-process firmware simulator and routes the feeds
// from it.
package iolink

import (
	"sync"
	"time"

	"github.com/Iron-Ham/iolink/internal/config"
	"github.com/Iron-Ham/iolink/internal/dispatch"
	"github.com/Iron-Ham/iolink/internal/drivers"
	"github.com/Iron-Ham/iolink/internal/errors"
	"github.com/Iron-Ham/iolink/internal/event"
	"github.com/Iron-Ham/iolink/internal/firmware"
	"github.com/Iron-Ham/iolink/internal/logging"
	"github.com/Iron-Ham/iolink/internal/registry"
	"github.com/Iron-Ham/iolink/internal/rpc"
	"github.com/Iron-Ham/iolink/internal/transfer"
)

// callbackAttempts bounds send-busy retries made from interrupt or
// completion context, where the firmware worker may be the caller.
const callbackAttempts = 32

// System is a running substrate.
type System struct {
	Registry   *registry.Registry
	Dispatcher *dispatch.Dispatcher
	Bridge     *rpc.Bridge
	Gate       *transfer.Gate
	Clock      *drivers.Clock
	Power      *drivers.PowerButton

	// Firmware is the simulator, nil when an invoker was injected.
	Firmware *firmware.Sim

	// CallbackBridge shares the dispatcher with Bridge but gives up after a
	// bounded number of send-busy retries.
	CallbackBridge *rpc.Bridge

	bus    *event.Bus
	logger *logging.Logger

	mu      sync.Mutex
	watcher *config.Watcher
	closed  bool
	started time.Time
}

type options struct {
	invoker rpc.Invoker
	mover   transfer.Mover
	logger  *logging.Logger
	bus     *event.Bus
}

// Option configures Start.
type Option func(*options)

// WithInvoker replaces the firmware simulator with inv. A mover must be
// supplied as well.
func WithInvoker(inv rpc.Invoker, mover transfer.Mover) Option {
	return func(o *options) {
		o.invoker = inv
		o.mover = mover
	}
}

// WithLogger sets the logger shared by every component.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithEventBus sets the event bus shared by every component.
func WithEventBus(bus *event.Bus) Option {
	return func(o *options) { o.bus = bus }
}

// Start builds a System from cfg.
func Start(cfg *config.Config, opts ...Option) (*System, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.NopLogger()
	}
	if o.bus == nil {
		o.bus = event.NewBus(o.logger)
	}
	if o.invoker != nil && o.mover == nil {
		return nil, errors.Wrap(errors.ErrInvalidInput, "injected invoker needs a mover")
	}

	s := &System{
		bus:     o.bus,
		logger:  o.logger.WithComponent("system"),
		started: time.Now(),
	}

	s.Registry = registry.New(
		registry.WithLogger(o.logger),
		registry.WithEventBus(o.bus),
		registry.WithGrantCap(cfg.Lock.GrantCap),
	)
	if err := s.Registry.ApplyDebug(cfg.Lock.Debug); err != nil {
		return nil, err
	}

	s.Dispatcher = dispatch.New(o.logger, o.bus)

	invoker, mover := o.invoker, o.mover
	if invoker == nil {
		fwOpts := append(firmware.FromConfig(cfg.Firmware), firmware.WithLogger(o.logger))
		s.Firmware = firmware.New(s.Dispatcher, fwOpts...)
		invoker, mover = s.Firmware, s.Firmware.DMA()
	}

	backoff := rpc.Backoff{
		Spin:        cfg.RPC.BusySpin,
		Base:        cfg.RPC.BusyBase(),
		Max:         cfg.RPC.BusyMax(),
		MaxAttempts: cfg.RPC.MaxAttempts,
	}
	s.Bridge = rpc.New(invoker, s.Dispatcher,
		rpc.WithBackoff(backoff),
		rpc.WithStallWarning(cfg.RPC.StallWarning()),
		rpc.WithLogger(o.logger))

	cbBackoff := backoff
	cbBackoff.Base = 0
	if cbBackoff.MaxAttempts == 0 || cbBackoff.MaxAttempts > callbackAttempts {
		cbBackoff.MaxAttempts = callbackAttempts
	}
	s.CallbackBridge = rpc.New(invoker, s.Dispatcher,
		rpc.WithBackoff(cbBackoff),
		rpc.WithLogger(o.logger.With("context", "callback")))

	s.Gate = transfer.NewGate(mover, o.logger)
	s.Dispatcher.OnTransferComplete(s.Gate.TransferComplete)

	s.Clock = drivers.NewClock(s.Registry, s.Bridge, o.logger)
	s.Power = drivers.NewPowerButton(s.Registry, s.CallbackBridge, o.logger, nil)
	if s.Firmware != nil {
		s.Firmware.OnInterrupt(drivers.PowerInterrupt, s.Power.Press)
	}

	s.logger.Info("iolink started",
		"locks", len(s.Registry.Locks()),
		"grant_cap", cfg.Lock.GrantCap,
		"simulated", s.Firmware != nil)
	return s, nil
}

// Bus returns the event bus.
func (s *System) Bus() *event.Bus {
	return s.bus
}

// Logger returns the system logger.
func (s *System) Logger() *logging.Logger {
	return s.logger
}

// RaiseInterrupt raises a simulator interrupt line and publishes an
// InterruptEvent. It returns the number of handlers run, or zero without a
// simulator.
func (s *System) RaiseInterrupt(line string) int {
	if s.Firmware == nil {
		return 0
	}
	n := s.Firmware.RaiseInterrupt(line)
	s.bus.Publish(event.NewInterruptEvent(line))
	return n
}

// WatchConfig reloads path whenever it changes and applies the new
// lock.debug table. Every reload attempt publishes a ConfigReloadedEvent.
// Other settings take effect on the next Start.
func (s *System) WatchConfig(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.ErrClosed
	}
	if s.watcher != nil {
		s.watcher.Stop()
		s.watcher = nil
	}

	w, err := config.NewWatcher(path, func(cfg *config.Config, err error) {
		s.reload(path, cfg, err)
	})
	if err != nil {
		return errors.Wrapf(err, "watch %s", path)
	}
	w.Start()
	s.watcher = w
	s.logger.Info("watching config", "path", w.Path())
	return nil
}

// reload runs on the watcher goroutine and must not take s.mu, which is held
// while a watcher is stopped.
func (s *System) reload(path string, cfg *config.Config, err error) {
	if err == nil {
		err = s.Registry.ApplyDebug(cfg.Lock.Debug)
	}
	if err != nil {
		s.logger.Warn("config reload rejected", "path", path, "error", err)
	} else {
		s.logger.Info("config reloaded", "path", path)
	}
	s.bus.Publish(event.NewConfigReloadedEvent(path, err))
}

// Close stops the config watcher and the simulator. It is idempotent.
func (s *System) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	w := s.watcher
	s.watcher = nil
	s.mu.Unlock()

	if w != nil {
		w.Stop()
	}
	if s.Firmware != nil {
		s.Firmware.Close()
	}
	s.logger.Info("iolink stopped", "uptime", time.Since(s.started).String())
}

// Snapshot is a point-in-time view of the whole system.
type Snapshot struct {
	Taken    time.Time
	Uptime   time.Duration
	Locks    []registry.Entry
	Bridge   rpc.Stats
	Dispatch dispatch.Stats
	Transfer transfer.Stats
	Firmware *firmware.Stats
	Power    drivers.PowerStats
}

// Snapshot collects the state of every component.
func (s *System) Snapshot() Snapshot {
	snap := Snapshot{
		Taken:    time.Now(),
		Uptime:   time.Since(s.started),
		Locks:    s.Registry.Snapshot(),
		Bridge:   s.Bridge.Stats(),
		Dispatch: s.Dispatcher.Stats(),
		Transfer: s.Gate.Stats(),
		Power:    s.Power.Stats(),
	}
	if s.Firmware != nil {
		fw := s.Firmware.Stats()
		snap.Firmware = &fw
	}
	return snap
}
