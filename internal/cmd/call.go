package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/iolink/internal/lock"
	"github.com/Iron-Ham/iolink/internal/registry"
	"github.com/Iron-Ham/iolink/internal/rpc"
)

var callCmd = &cobra.Command{
	Use:   "call <function>",
	Short: "Make one remote call under a domain lock",
	Long: `Acquire a domain lock, make one blocking remote call to the simulated
firmware and print the completion result.

rtc-get and rtc-set go through the clock driver. rtc-set takes its value
from --at (RFC 3339), defaulting to now.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: functionNames(),
	RunE:      runCall,
}

var (
	callDomain string
	callAt     string
)

func init() {
	rootCmd.AddCommand(callCmd)
	callCmd.Flags().StringVarP(&callDomain, "domain", "d", "cdvd", "domain lock held across the call")
	callCmd.Flags().StringVar(&callAt, "at", "", "time for rtc-set (RFC 3339)")
}

func functionNames() []string {
	fns := rpc.Functions()
	names := make([]string, len(fns))
	for i, f := range fns {
		names[i] = f.String()
	}
	return names
}

func runCall(cmd *cobra.Command, args []string) error {
	fid, err := rpc.ParseFunction(args[0])
	if err != nil {
		return fmt.Errorf("%w\nKnown functions: %s", err, strings.Join(functionNames(), ", "))
	}
	domain, err := registry.ParseDomain(callDomain)
	if err != nil {
		return err
	}

	sys, cleanup, err := startSystem(false)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	switch fid {
	case rpc.FuncRTCGet:
		now, err := sys.Clock.Now(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, now.Format(time.RFC3339))
		return nil
	case rpc.FuncRTCSet:
		at := time.Now()
		if callAt != "" {
			if at, err = time.Parse(time.RFC3339, callAt); err != nil {
				return fmt.Errorf("invalid --at: %w", err)
			}
		}
		if err := sys.Clock.Set(ctx, at); err != nil {
			return err
		}
		fmt.Fprintf(out, "clock set to %s\n", at.Format(time.RFC3339))
		return nil
	}

	l := sys.Registry.GetLock(domain)
	id := lock.NewCallerID()
	if err := l.AcquireInterruptible(ctx, id, "call "+fid.String()); err != nil {
		return err
	}
	code, err := sys.Bridge.Call(fid, nil)
	if rerr := l.Release(id); rerr != nil && err == nil {
		err = rerr
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%s on %s: %d\n", fid, l.Name(), code)
	return nil
}
