package stress

import (
	"context"
	"testing"
	"time"

	"github.com/Iron-Ham/iolink/internal/config"
	"github.com/Iron-Ham/iolink/internal/errors"
	"github.com/Iron-Ham/iolink/internal/iolink"
)

func startSystem(t *testing.T, grantCap int) *iolink.System {
	t.Helper()
	cfg := config.Default()
	cfg.Lock.GrantCap = grantCap
	cfg.Firmware.LatencyUs = 20
	cfg.Firmware.QueueDepth = 2
	cfg.RPC.StallWarningMs = 0

	sys, err := iolink.Start(cfg)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(sys.Close)
	return sys
}

func TestRun_NoViolations(t *testing.T) {
	sys := startSystem(t, 4)

	rep, err := Run(context.Background(), sys, Options{
		Callers:       8,
		Duration:      300 * time.Millisecond,
		InterruptRate: 2000,
		TransferEvery: 4,
		PowerEvery:    50,
		MisuseProbes:  true,
		Seed:          1,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if rep.Violations != 0 {
		t.Errorf("Violations = %d, want 0", rep.Violations)
	}
	if len(rep.Leaked) != 0 {
		t.Errorf("Leaked = %v", rep.Leaked)
	}
	if !rep.OK() {
		t.Error("OK() = false")
	}
	if rep.Cycles == 0 || rep.Calls < rep.Cycles {
		t.Errorf("Cycles = %d, Calls = %d", rep.Cycles, rep.Calls)
	}
	if rep.CallErrors != 0 {
		t.Errorf("CallErrors = %d", rep.CallErrors)
	}
	if rep.Interrupts == 0 || rep.CallbackRuns == 0 {
		t.Errorf("Interrupts = %d, CallbackRuns = %d", rep.Interrupts, rep.CallbackRuns)
	}
	if rep.MaxDepth < 1 {
		t.Errorf("MaxDepth = %d", rep.MaxDepth)
	}
	if rep.MisuseEvents != rep.Misuse || rep.Misuse < rep.InvalidReleases {
		t.Errorf("MisuseEvents = %d, Misuse = %d, InvalidReleases = %d",
			rep.MisuseEvents, rep.Misuse, rep.InvalidReleases)
	}
	if rep.YieldEvents != rep.Yields {
		t.Errorf("YieldEvents = %d, Yields = %d", rep.YieldEvents, rep.Yields)
	}
}

func TestRun_PowerHoldsInstrumented(t *testing.T) {
	sys := startSystem(t, 4)

	rep, err := Run(context.Background(), sys, Options{
		Callers:       4,
		Duration:      200 * time.Millisecond,
		InterruptRate: 1000,
		PowerEvery:    2,
		Seed:          5,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !rep.OK() {
		t.Errorf("report not OK: %+v", rep)
	}
	if rep.PowerPresses == 0 || rep.PowerHolds == 0 {
		t.Fatalf("PowerPresses = %d, PowerHolds = %d", rep.PowerPresses, rep.PowerHolds)
	}
	if rep.PowerHolds > rep.PowerPresses {
		t.Errorf("PowerHolds = %d exceeds PowerPresses = %d", rep.PowerHolds, rep.PowerPresses)
	}

}

func TestReport_EventsMatch(t *testing.T) {
	tests := []struct {
		name string
		rep  Report
		want bool
	}{
		{name: "empty", rep: Report{}, want: true},
		{name: "matching", rep: Report{Misuse: 2, MisuseEvents: 2, Yields: 1, YieldEvents: 1}, want: true},
		{name: "missing misuse event", rep: Report{Misuse: 2, MisuseEvents: 1}, want: false},
		{name: "extra yield event", rep: Report{YieldEvents: 1}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.rep.EventsMatch(); got != tt.want {
				t.Errorf("EventsMatch() = %v, want %v", got, tt.want)
			}
			if got := tt.rep.OK(); got != tt.want {
				t.Errorf("OK() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRun_CallersOnly(t *testing.T) {
	sys := startSystem(t, 0)
	subs := sys.Bus().SubscriptionCount()

	rep, err := Run(context.Background(), sys, Options{
		Callers:  4,
		Duration: 100 * time.Millisecond,
		HoldFor:  100 * time.Microsecond,
		Seed:     7,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !rep.OK() {
		t.Errorf("report not OK: %+v", rep)
	}
	if rep.Interrupts != 0 || rep.InvalidReleases != 0 {
		t.Errorf("unexpected interrupt activity: %+v", rep)
	}
	if n := sys.Bus().SubscriptionCount(); n != subs {
		t.Errorf("SubscriptionCount() after Run = %d, want %d", n, subs)
	}
}

func TestRun_StopsOnContext(t *testing.T) {
	sys := startSystem(t, 16)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	rep, err := Run(ctx, sys, Options{Callers: 2, InterruptRate: 500, Seed: 3})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Run took %v after cancellation", elapsed)
	}
	if !rep.OK() {
		t.Errorf("report not OK: %+v", rep)
	}
}

func TestRun_RejectsZeroCallers(t *testing.T) {
	sys := startSystem(t, 0)
	if _, err := Run(context.Background(), sys, Options{}); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("Run() error = %v, want ErrInvalidInput", err)
	}
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default().Stress
	opts := OptionsFromConfig(cfg)
	if opts.Callers != cfg.Callers || opts.Duration != cfg.Duration() || opts.InterruptRate != cfg.InterruptRateHz {
		t.Errorf("OptionsFromConfig() = %+v", opts)
	}
}
