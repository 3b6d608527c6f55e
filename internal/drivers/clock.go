package drivers

import (
	"context"
	"time"

	"github.com/Iron-Ham/iolink/internal/logging"
	"github.com/Iron-Ham/iolink/internal/registry"
	"github.com/Iron-Ham/iolink/internal/rpc"
)

// Clock reads and sets the companion processor's real-time clock.
type Clock struct {
	s session
}

// NewClock creates a Clock. The clock shares its lock with the optical
// media domain.
func NewClock(reg *registry.Registry, bridge *rpc.Bridge, logger *logging.Logger) *Clock {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Clock{s: session{
		lock:   reg.GetLock(registry.Clock),
		bridge: bridge,
		logger: logger.WithComponent("clock").WithDomain(registry.Clock.String()),
	}}
}

// Now returns the current RTC time.
func (c *Clock) Now(ctx context.Context) (time.Time, error) {
	var t time.Time
	if _, err := c.s.call(ctx, "rtc read", rpc.FuncRTCGet, &t); err != nil {
		return time.Time{}, err
	}
	return t, nil
}

// Set writes t to the RTC.
func (c *Clock) Set(ctx context.Context, t time.Time) error {
	_, err := c.s.call(ctx, "rtc write", rpc.FuncRTCSet, t)
	if err == nil {
		c.s.logger.Info("rtc set", "time", t.Format(time.RFC3339))
	}
	return err
}
