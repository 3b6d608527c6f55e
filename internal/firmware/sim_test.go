package firmware

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Iron-Ham/iolink/internal/dispatch"
	"github.com/Iron-Ham/iolink/internal/errors"
	"github.com/Iron-Ham/iolink/internal/rpc"
	"github.com/Iron-Ham/iolink/internal/transfer"
)

func newTestSim(t *testing.T, opts ...Option) (*Sim, *rpc.Bridge, *dispatch.Dispatcher) {
	t.Helper()
	d := dispatch.New(nil, nil)
	opts = append([]Option{WithLatency(0), WithDMALatency(time.Millisecond)}, opts...)
	s := New(d, opts...)
	t.Cleanup(s.Close)
	return s, rpc.New(s, d), d
}

func TestSim_Version(t *testing.T) {
	_, b, _ := newTestSim(t)

	got, err := b.Call(rpc.FuncVersion, nil)
	if err != nil {
		t.Fatalf("Call(version) error = %v", err)
	}
	if got != Version {
		t.Errorf("version = %#x, want %#x", got, Version)
	}
}

func TestSim_UnknownFunctionIsFatal(t *testing.T) {
	s, b, _ := newTestSim(t)

	got, err := b.Call(rpc.FunctionID(0x99), nil)
	if got != rpc.ErrNoFunction || !errors.Is(err, errors.ErrRemoteFatal) {
		t.Errorf("Call(0x99) = %d, %v", got, err)
	}
	if b.Stats().Suspensions != 0 {
		t.Error("fatal invoke must not wait")
	}
	if s.Stats().Rejected != 1 {
		t.Errorf("Stats() = %+v", s.Stats())
	}
}

func TestSim_RTC(t *testing.T) {
	_, b, _ := newTestSim(t)

	want := time.Date(2004, 3, 1, 12, 0, 0, 0, time.UTC)
	if code, err := b.Call(rpc.FuncRTCSet, want); err != nil || code != 0 {
		t.Fatalf("rtc-set = %d, %v", code, err)
	}

	var now time.Time
	if code, err := b.Call(rpc.FuncRTCGet, &now); err != nil || code != 0 {
		t.Fatalf("rtc-get = %d, %v", code, err)
	}
	if d := now.Sub(want); d < -time.Second || d > 2*time.Second {
		t.Errorf("rtc-get = %v, want about %v", now, want)
	}

	if code, _ := b.Call(rpc.FuncRTCGet, "not a time"); code != rpc.ErrBadArgument {
		t.Errorf("rtc-get with bad argument = %d, want %d", code, rpc.ErrBadArgument)
	}
}

func TestSim_PowerOffAndInit(t *testing.T) {
	s, b, _ := newTestSim(t)

	if code, _ := b.Call(rpc.FuncPowerOff, nil); code != 0 {
		t.Errorf("first power-off = %d, want 0", code)
	}
	if code, _ := b.Call(rpc.FuncPowerOff, nil); code != 1 {
		t.Errorf("second power-off = %d, want 1", code)
	}
	if !s.PoweredOff() {
		t.Error("PoweredOff() = false")
	}

	for range 3 {
		if _, err := b.Call(rpc.FuncPadInit, nil); err != nil {
			t.Fatal(err)
		}
	}
	if n := s.InitCount(rpc.FuncPadInit); n != 3 {
		t.Errorf("InitCount(pad-init) = %d, want 3", n)
	}
	if n := s.InitCount(rpc.FuncSoundInit); n != 0 {
		t.Errorf("InitCount(sound-init) = %d, want 0", n)
	}

	s.SetMediaReady(false)
	if code, _ := b.Call(rpc.FuncCDVDReady, nil); code != 0 {
		t.Errorf("cdvd-ready = %d, want 0", code)
	}
}

func TestSim_FullQueueIsBusy(t *testing.T) {
	d := dispatch.New(nil, nil)
	s := New(d, WithQueueDepth(1), WithLatency(0))
	defer s.Close()

	gate := make(chan struct{})
	s.Handle(rpc.FuncVersion, func(any) int32 {
		<-gate
		return 0
	})

	invoke := func() int32 {
		return s.Invoke(rpc.FuncVersion, &rpc.Envelope{Ticket: d.Register(nil)})
	}

	// The first command is taken by the worker and blocks in the handler.
	if code := invoke(); code != rpc.Accepted {
		t.Fatalf("first invoke = %d", code)
	}
	deadline := time.Now().Add(time.Second)
	for s.Stats().Queued != 0 {
		if time.Now().After(deadline) {
			t.Fatal("worker never picked up the first command")
		}
		time.Sleep(time.Millisecond)
	}

	if code := invoke(); code != rpc.Accepted {
		t.Fatalf("second invoke = %d, want Accepted", code)
	}
	if code := invoke(); code != rpc.SendBusy {
		t.Errorf("third invoke = %d, want SendBusy", code)
	}
	close(gate)

	if st := s.Stats(); st.Busy != 1 || st.QueueDepth != 1 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestSim_BusyQueueRetriedByBridge(t *testing.T) {
	d := dispatch.New(nil, nil)
	s := New(d, WithQueueDepth(1), WithLatency(200*time.Microsecond))
	defer s.Close()
	b := rpc.New(s, d, rpc.WithBackoff(rpc.Backoff{Spin: 1, Base: 50 * time.Microsecond, Max: time.Millisecond}))

	const n = 16
	var ok atomic.Int32
	done := make(chan struct{})
	for range n {
		go func() {
			if got, err := b.Call(rpc.FuncVersion, nil); err == nil && got == Version {
				ok.Add(1)
			}
			done <- struct{}{}
		}()
	}
	for range n {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("calls did not finish")
		}
	}
	if ok.Load() != n {
		t.Errorf("%d of %d calls succeeded", ok.Load(), n)
	}
}

func TestSim_CloseCompletesQueued(t *testing.T) {
	d := dispatch.New(nil, nil)
	s := New(d, WithQueueDepth(4), WithLatency(0))

	gate := make(chan struct{})
	s.Handle(rpc.FuncVersion, func(any) int32 {
		<-gate
		return 0
	})

	results := make(chan int32, 4)
	for range 3 {
		tk := d.Register(func(r int32) { results <- r })
		if code := s.Invoke(rpc.FuncVersion, &rpc.Envelope{Ticket: tk}); code != rpc.Accepted {
			t.Fatalf("invoke = %d", code)
		}
	}

	closed := make(chan struct{})
	go func() {
		s.Close()
		close(closed)
	}()
	close(gate)
	<-closed

	if code := s.Invoke(rpc.FuncVersion, &rpc.Envelope{}); code != Halted {
		t.Errorf("invoke after Close = %d, want Halted", code)
	}
	if len(results) != 3 {
		t.Errorf("%d completions delivered, want 3", len(results))
	}
	if d.Pending() != 0 {
		t.Errorf("Pending() = %d after Close", d.Pending())
	}
	s.Close()
}

func TestSim_Interrupts(t *testing.T) {
	s, _, _ := newTestSim(t)

	var hits atomic.Int32
	s.OnInterrupt("power", func() { hits.Add(1) })
	s.OnInterrupt("power", func() { panic("broken handler") })
	s.OnInterrupt("power", func() { hits.Add(1) })

	if n := s.RaiseInterrupt("power"); n != 3 {
		t.Errorf("RaiseInterrupt() ran %d handlers, want 3", n)
	}
	if hits.Load() != 2 {
		t.Errorf("hits = %d, want 2", hits.Load())
	}
	if n := s.RaiseInterrupt("reset"); n != 0 {
		t.Errorf("unregistered interrupt ran %d handlers", n)
	}
}

func TestDMA_WithGate(t *testing.T) {
	d := dispatch.New(nil, nil)
	s := New(d, WithDMASlots(1), WithDMALatency(2*time.Millisecond))
	defer s.Close()

	g := transfer.NewGate(s.DMA(), nil)
	d.OnTransferComplete(g.TransferComplete)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var ids []transfer.ID
	for range 3 {
		id, err := g.AwaitTransferStart(ctx, transfer.Request{Size: 4096})
		if err != nil {
			t.Fatalf("AwaitTransferStart() error = %v", err)
		}
		ids = append(ids, id)
	}
	for _, id := range ids {
		if err := g.AwaitTransferDone(ctx, id); err != nil {
			t.Fatalf("AwaitTransferDone(%d) error = %v", id, err)
		}
	}

	if s.DMA().Busy() != 0 {
		t.Errorf("Busy() = %d, want 0", s.DMA().Busy())
	}
	if st := s.Stats(); st.Transfers != 3 {
		t.Errorf("Transfers = %d, want 3", st.Transfers)
	}
	if d.Stats().Transfers != 3 {
		t.Errorf("dispatcher saw %d transfer interrupts", d.Stats().Transfers)
	}
}
