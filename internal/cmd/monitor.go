package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/x/term"
	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/iolink/internal/config"
	"github.com/Iron-Ham/iolink/internal/drivers"
	"github.com/Iron-Ham/iolink/internal/monitor"
	"github.com/Iron-Ham/iolink/internal/stress"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Watch the locks live",
	Long: `Start a simulated system and show its lock table and bridge counters,
refreshed every monitor.refresh_ms.

With --stress, a stress run drives the system in the background for as
long as the monitor is open. Press i to raise the power button interrupt.`,
	RunE: runMonitor,
}

var monitorStress bool

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().BoolVarP(&monitorStress, "stress", "s", false, "drive the system with a background stress run")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	if !term.IsTerminal(os.Stdout.Fd()) {
		return errors.New("monitor needs a terminal; use 'iolink locks' for a one-shot table")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	sys, cleanup, err := startSystem(true)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	status := make(chan string, 1)
	var wg conc.WaitGroup
	if monitorStress {
		opts := stress.OptionsFromConfig(cfg.Stress)
		opts.Duration = 0
		opts.PowerEvery = 0
		wg.Go(func() {
			status <- fmt.Sprintf("stress: %d callers, %d callbacks/s", opts.Callers, opts.InterruptRate)
			rep, err := stress.Run(ctx, sys, opts)
			switch {
			case err != nil:
				sys.Logger().Error("stress run failed", "error", err.Error())
			case !rep.OK():
				sys.Logger().Error("stress run found violations",
					"violations", rep.Violations,
					"leaked", len(rep.Leaked),
					"events_match", rep.EventsMatch())
			}
		})
	}

	feed := monitor.NewFeed(sys.Bus(), 8)
	defer feed.Close()

	m := monitor.NewModel(sys.Snapshot, cfg.Monitor.Refresh(), func() {
		sys.RaiseInterrupt(drivers.PowerInterrupt)
	}).WithFeed(feed)
	err = monitor.Run(ctx, m, status)

	cancel()
	wg.Wait()
	return err
}
