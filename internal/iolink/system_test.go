package iolink

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Iron-Ham/iolink/internal/config"
	"github.com/Iron-Ham/iolink/internal/errors"
	"github.com/Iron-Ham/iolink/internal/event"
	"github.com/Iron-Ham/iolink/internal/lock"
	"github.com/Iron-Ham/iolink/internal/registry"
	"github.com/Iron-Ham/iolink/internal/rpc"
	"github.com/Iron-Ham/iolink/internal/transfer"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Firmware.LatencyUs = 50
	cfg.RPC.StallWarningMs = 0
	return cfg
}

func startTest(t *testing.T, cfg *config.Config, opts ...Option) *System {
	t.Helper()
	s, err := Start(cfg, opts...)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestStart_Simulated(t *testing.T) {
	s := startTest(t, testConfig())

	if s.Firmware == nil {
		t.Fatal("Start without an invoker should boot the simulator")
	}
	got, err := s.Bridge.Call(rpc.FuncVersion, nil)
	if err != nil || got == 0 {
		t.Fatalf("Call(version) = %d, %v", got, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	id, err := s.Gate.AwaitTransferStart(ctx, transfer.Request{Size: 2048})
	if err != nil {
		t.Fatalf("AwaitTransferStart() error = %v", err)
	}
	if err := s.Gate.AwaitTransferDone(ctx, id); err != nil {
		t.Fatalf("AwaitTransferDone() error = %v", err)
	}

	snap := s.Snapshot()
	if len(snap.Locks) != 5 {
		t.Errorf("snapshot has %d locks, want 5", len(snap.Locks))
	}
	if snap.Firmware == nil || snap.Firmware.Executed == 0 {
		t.Errorf("firmware stats missing: %+v", snap.Firmware)
	}
	if snap.Transfer.Started != 1 || snap.Transfer.Finished != 1 {
		t.Errorf("transfer stats = %+v", snap.Transfer)
	}
}

func TestStart_AppliesConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Lock.Debug = map[string][]string{"clock": {"acquire"}}
	s := startTest(t, cfg)

	if f := s.Registry.GetLock(registry.CDVD).DiagnosticFlags(); !f.Has(lock.FlagTraceAcquire) {
		t.Errorf("cdvd flags = %v, want acquire", f)
	}
	if f := s.Registry.GetLock(registry.Sound).DiagnosticFlags(); f != 0 {
		t.Errorf("sound flags = %v, want none", f)
	}
}

func TestStart_RejectsBadDebugTable(t *testing.T) {
	cfg := testConfig()
	cfg.Lock.Debug = map[string][]string{"gpu": {"all"}}
	if _, err := Start(cfg); !errors.Is(err, errors.ErrUnknownDomain) {
		t.Errorf("Start() error = %v, want ErrUnknownDomain", err)
	}
}

func TestStart_InjectedInvoker(t *testing.T) {
	if _, err := Start(testConfig(), WithInvoker(rpc.InvokerFunc(func(rpc.FunctionID, *rpc.Envelope) int32 {
		return rpc.ErrNoFunction
	}), nil)); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("invoker without mover: error = %v", err)
	}

	var s *System
	inv := rpc.InvokerFunc(func(fid rpc.FunctionID, env *rpc.Envelope) int32 {
		go s.Dispatcher.CommandComplete(env.Ticket, int32(fid))
		return rpc.Accepted
	})
	s = startTest(t, testConfig(), WithInvoker(inv, nopMover{}))

	if s.Firmware != nil {
		t.Error("simulator started despite an injected invoker")
	}
	if got, err := s.Bridge.Call(rpc.FuncCDVDReady, nil); err != nil || got != int32(rpc.FuncCDVDReady) {
		t.Errorf("Call() = %d, %v", got, err)
	}
	if n := s.RaiseInterrupt("power"); n != 0 {
		t.Errorf("RaiseInterrupt without a simulator ran %d handlers", n)
	}
}

type nopMover struct{}

func (nopMover) Start(transfer.Request) (transfer.ID, bool) { return 1, true }
func (nopMover) InFlight(transfer.ID) bool                  { return false }

func TestSystem_PowerInterrupt(t *testing.T) {
	bus := event.NewBus(nil)
	lines := make(chan string, 1)
	bus.Subscribe(event.TypeInterrupt, func(e event.Event) {
		lines <- e.(event.InterruptEvent).Line
	})
	s := startTest(t, testConfig(), WithEventBus(bus))

	if n := s.RaiseInterrupt("power"); n != 1 {
		t.Fatalf("RaiseInterrupt(power) ran %d handlers, want 1", n)
	}
	if line := <-lines; line != "power" {
		t.Errorf("interrupt event line = %q", line)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !s.Firmware.PoweredOff() {
		if time.Now().After(deadline) {
			t.Fatal("power button never reached the firmware")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSystem_WatchConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("lock:\n  grant_cap: 4\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	bus := event.NewBus(nil)
	reloads := make(chan event.ConfigReloadedEvent, 4)
	bus.Subscribe(event.TypeConfigReloaded, func(e event.Event) {
		select {
		case reloads <- e.(event.ConfigReloadedEvent):
		default:
		}
	})
	s := startTest(t, testConfig(), WithEventBus(bus))

	if err := s.WatchConfig(path); err != nil {
		t.Fatalf("WatchConfig() error = %v", err)
	}

	body := "lock:\n  debug:\n    pad: [callback, drain]\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	want := lock.FlagTraceCallback | lock.FlagTraceDrain
	pad := s.Registry.GetLock(registry.Pad)
	timeout := time.After(3 * time.Second)
	for pad.DiagnosticFlags() != want {
		select {
		case ev := <-reloads:
			if ev.Err != nil {
				t.Fatalf("reload error = %v", ev.Err)
			}
		case <-timeout:
			t.Fatalf("pad flags = %v after reloads, want %v", pad.DiagnosticFlags(), want)
		}
	}

	s.Close()
	if err := s.WatchConfig(path); !errors.Is(err, errors.ErrClosed) {
		t.Errorf("WatchConfig after Close: error = %v", err)
	}
}
