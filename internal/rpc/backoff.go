package rpc

import (
	"runtime"
	"time"
)

// maxBackoffShift bounds the exponential growth of the retry delay.
const maxBackoffShift = 10

// Backoff is the send-busy retry policy of a Bridge.
//
// The first Spin retries happen immediately. After that each retry waits
// Base doubled once per retry, capped at Max; a zero Base yields the
// processor instead of sleeping. MaxAttempts bounds the total number of
// invoke attempts of one call, zero meaning no bound.
type Backoff struct {
	Spin        int
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultBackoff returns the policy used when none is configured.
func DefaultBackoff() Backoff {
	return Backoff{
		Spin: 3,
		Base: 50 * time.Microsecond,
		Max:  5 * time.Millisecond,
	}
}

// Delay returns how long to wait before retry number retry (1-based).
func (b Backoff) Delay(retry int) time.Duration {
	if retry <= b.Spin || b.Base <= 0 {
		return 0
	}
	shift := min(retry-b.Spin-1, maxBackoffShift)
	delay := b.Base * time.Duration(1<<uint(shift))
	if b.Max > 0 && delay > b.Max {
		delay = b.Max
	}
	return delay
}

// exhausted reports whether attempts invokes have used up the budget.
func (b Backoff) exhausted(attempts int) bool {
	return b.MaxAttempts > 0 && attempts >= b.MaxAttempts
}

// pause waits before retry number retry.
func (b Backoff) pause(retry int) {
	if retry <= b.Spin {
		return
	}
	if d := b.Delay(retry); d > 0 {
		time.Sleep(d)
		return
	}
	runtime.Gosched()
}
