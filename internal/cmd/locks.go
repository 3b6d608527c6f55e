package cmd

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/iolink/internal/drivers"
	"github.com/Iron-Ham/iolink/internal/monitor"
)

var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "Boot the subsystems and print the lock table",
	Long: `Start a simulated system, run the start-up probes for every subsystem
(each under its own domain lock) and print the resulting lock table.

Clock, power and sysconf share the cdvd lock, so five locks serve eight
domains.`,
	RunE: runLocks,
}

var locksNoBoot bool

func init() {
	rootCmd.AddCommand(locksCmd)
	locksCmd.Flags().BoolVar(&locksNoBoot, "no-boot", false, "skip the start-up probes")
}

func runLocks(cmd *cobra.Command, args []string) error {
	sys, cleanup, err := startSystem(false)
	if err != nil {
		return err
	}
	defer cleanup()

	out := cmd.OutOrStdout()
	if !locksNoBoot {
		results, err := drivers.Boot(cmd.Context(), sys.Registry, sys.Bridge, sys.Logger(), drivers.BootProbes)
		fmt.Fprintln(out, renderProbes(results))
		if err != nil {
			return err
		}
	}

	fmt.Fprintln(out, monitor.RenderLocks(sys.Registry.Snapshot()))
	return nil
}

func renderProbes(results []drivers.ProbeResult) string {
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		status := "ok"
		if r.Err != nil {
			status = r.Err.Error()
		}
		rows = append(rows, []string{
			r.Domain.String(),
			r.Function.String(),
			strconv.Itoa(int(r.Result)),
			status,
		})
	}
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers("DOMAIN", "FUNCTION", "RESULT", "STATUS").
		Rows(rows...).
		Render()
}
