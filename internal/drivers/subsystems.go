package drivers

import (
	"context"
	"fmt"

	"github.com/Iron-Ham/iolink/internal/logging"
	"github.com/Iron-Ham/iolink/internal/registry"
	"github.com/Iron-Ham/iolink/internal/rpc"
)

// Probe is one start-up call made against a domain.
type Probe struct {
	Domain   registry.Domain
	Function rpc.FunctionID
}

// BootProbes are the start-up calls in the order they are made.
var BootProbes = []Probe{
	{registry.CDVD, rpc.FuncVersion},
	{registry.Sound, rpc.FuncSoundInit},
	{registry.Pad, rpc.FuncPadInit},
	{registry.MemoryCard, rpc.FuncMemoryCardInit},
	{registry.Remote, rpc.FuncRemoteInit},
	{registry.CDVD, rpc.FuncCDVDReady},
}

// ProbeResult is the outcome of one Probe.
type ProbeResult struct {
	Probe
	Result int32
	Err    error
}

// Boot runs probes in order, each under its domain lock. It stops at the
// first failure and returns the results so far.
func Boot(ctx context.Context, reg *registry.Registry, bridge *rpc.Bridge, logger *logging.Logger, probes []Probe) ([]ProbeResult, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	logger = logger.WithComponent("boot")

	results := make([]ProbeResult, 0, len(probes))
	for _, p := range probes {
		s := session{lock: reg.GetLock(p.Domain), bridge: bridge, logger: logger}
		code, err := s.call(ctx, "boot "+p.Function.String(), p.Function, nil)
		results = append(results, ProbeResult{Probe: p, Result: code, Err: err})
		if err != nil {
			return results, fmt.Errorf("boot %s on %s: %w", p.Function, p.Domain, err)
		}
		logger.Debug("probe ok", "domain", p.Domain.String(), "function", p.Function.String(), "result", code)
	}
	return results, nil
}
