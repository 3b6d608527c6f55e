package firmware

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/Iron-Ham/iolink/internal/rpc"
)

// rtc is the companion processor's real-time clock, kept as an offset from
// the host clock.
type rtc struct {
	mu     sync.Mutex
	offset time.Duration
}

func newRTC() *rtc { return &rtc{} }

func (c *rtc) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().Add(c.offset).Truncate(time.Second)
}

func (c *rtc) set(t time.Time) {
	c.mu.Lock()
	c.offset = time.Until(t)
	c.mu.Unlock()
}

func (s *Sim) installBuiltins() {
	s.handlers[rpc.FuncVersion] = func(any) int32 { return Version }

	// rtc-get writes the clock into a *time.Time argument.
	s.handlers[rpc.FuncRTCGet] = func(arg any) int32 {
		out, ok := arg.(*time.Time)
		if !ok || out == nil {
			return rpc.ErrBadArgument
		}
		*out = s.rtc.now()
		return 0
	}
	s.handlers[rpc.FuncRTCSet] = func(arg any) int32 {
		t, ok := arg.(time.Time)
		if !ok {
			return rpc.ErrBadArgument
		}
		s.rtc.set(t)
		return 0
	}

	s.handlers[rpc.FuncPowerOff] = func(any) int32 {
		if s.poweredOff.Swap(true) {
			return 1
		}
		s.logger.Info("power-off requested")
		return 0
	}

	s.handlers[rpc.FuncCDVDReady] = func(any) int32 {
		if s.mediaReady.Load() {
			return 1
		}
		return 0
	}

	for _, fid := range []rpc.FunctionID{
		rpc.FuncSoundInit,
		rpc.FuncPadInit,
		rpc.FuncMemoryCardInit,
		rpc.FuncRemoteInit,
	} {
		s.handlers[fid] = s.initHandler(fid)
	}
}

// initHandler counts invocations of a subsystem init procedure.
func (s *Sim) initHandler(fid rpc.FunctionID) Handler {
	return func(any) int32 {
		v, _ := s.initialized.LoadOrStore(fid, new(atomic.Int32))
		v.(*atomic.Int32).Add(1)
		return 0
	}
}
