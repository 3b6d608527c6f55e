package firmware

import (
	"time"

	"github.com/Iron-Ham/iolink/internal/config"
	"github.com/Iron-Ham/iolink/internal/logging"
)

type options struct {
	queueDepth int
	latency    time.Duration
	dmaSlots   int
	dmaLatency time.Duration
	logger     *logging.Logger
}

func defaultOptions() options {
	return options{
		queueDepth: 8,
		latency:    200 * time.Microsecond,
		dmaSlots:   4,
		dmaLatency: 200 * time.Microsecond,
		logger:     logging.NopLogger(),
	}
}

// Option configures a Sim.
type Option func(*options)

// WithQueueDepth bounds the command queue. Invoke returns SendBusy when it
// is full.
func WithQueueDepth(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueDepth = n
		}
	}
}

// WithLatency sets how long each command takes to execute.
func WithLatency(d time.Duration) Option {
	return func(o *options) { o.latency = d }
}

// WithDMASlots sets how many bulk transfers may run at once.
func WithDMASlots(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.dmaSlots = n
		}
	}
}

// WithDMALatency sets how long each bulk transfer takes.
func WithDMALatency(d time.Duration) Option {
	return func(o *options) { o.dmaLatency = d }
}

// WithLogger sets the simulator logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// FromConfig maps the firmware section of the configuration to options.
func FromConfig(cfg config.FirmwareConfig) []Option {
	return []Option{
		WithQueueDepth(cfg.QueueDepth),
		WithLatency(cfg.Latency()),
		WithDMASlots(cfg.DMASlots),
		WithDMALatency(cfg.Latency()),
	}
}
