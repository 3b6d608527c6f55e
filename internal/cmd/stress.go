package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/iolink/internal/config"
	"github.com/Iron-Ham/iolink/internal/monitor"
	"github.com/Iron-Ham/iolink/internal/stress"
)

var stressCmd = &cobra.Command{
	Use:   "stress",
	Short: "Hammer the locks from callers and interrupt callbacks",
	Long: `Run concurrent caller-context workers against every domain lock while
interrupt-context callback requests arrive at a fixed rate, then check
that no two holders were ever inside the same lock and that every lock
was left free.

Flags left unset take their values from the stress section of the
configuration. Exits non-zero when the run fails.`,
	RunE: runStress,
}

var (
	stressCallers       int
	stressDuration      time.Duration
	stressRate          int
	stressTransferEvery int
	stressPowerEvery    int
	stressMisuse        bool
	stressHold          time.Duration
	stressSeed          uint64
)

func init() {
	rootCmd.AddCommand(stressCmd)

	f := stressCmd.Flags()
	f.IntVarP(&stressCallers, "callers", "n", 0, "caller-context workers")
	f.DurationVarP(&stressDuration, "duration", "t", 0, "length of the run")
	f.IntVarP(&stressRate, "rate", "r", 0, "callback requests per second")
	f.IntVar(&stressTransferEvery, "transfer-every", 16, "every nth caller cycle also moves data (0 for never)")
	f.IntVar(&stressPowerEvery, "power-every", 0, "every nth interrupt presses the power button (0 for never)")
	f.BoolVar(&stressMisuse, "misuse", true, "probe releases by non-holders")
	f.DurationVar(&stressHold, "hold", 0, "extra time spent inside each critical section")
	f.Uint64Var(&stressSeed, "seed", 0, "random seed (0 picks one)")
}

// stressOptions merges the command flags over the configured defaults.
func stressOptions(cmd *cobra.Command, cfg config.StressConfig) stress.Options {
	opts := stress.OptionsFromConfig(cfg)
	f := cmd.Flags()
	if f.Changed("callers") {
		opts.Callers = stressCallers
	}
	if f.Changed("duration") {
		opts.Duration = stressDuration
	}
	if f.Changed("rate") {
		opts.InterruptRate = stressRate
	}
	if f.Changed("seed") && stressSeed != 0 {
		opts.Seed = stressSeed
	}
	opts.TransferEvery = stressTransferEvery
	opts.PowerEvery = stressPowerEvery
	opts.MisuseProbes = stressMisuse
	opts.HoldFor = stressHold
	return opts
}

func runStress(cmd *cobra.Command, args []string) error {
	sys, cleanup, err := startSystem(false)
	if err != nil {
		return err
	}
	defer cleanup()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	opts := stressOptions(cmd, cfg.Stress)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "stressing %d callers for %s at %d callbacks/s (seed %d)\n",
		opts.Callers, opts.Duration, opts.InterruptRate, opts.Seed)

	rep, err := stress.Run(cmd.Context(), sys, opts)
	fmt.Fprintln(out, monitor.RenderReport(rep))
	if err != nil {
		return err
	}
	switch {
	case rep.Violations > 0 || len(rep.Leaked) > 0:
		return fmt.Errorf("stress run failed: %d violations, %d locks left held", rep.Violations, len(rep.Leaked))
	case !rep.EventsMatch():
		return fmt.Errorf("stress run failed: %d/%d misuse and %d/%d yield events published",
			rep.MisuseEvents, rep.Misuse, rep.YieldEvents, rep.Yields)
	}
	return nil
}
