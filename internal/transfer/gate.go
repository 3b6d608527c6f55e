// Package transfer gates bulk data movement on the companion processor's
// transfer-complete interrupt.
//
// A [Mover] starts transfers and reports whether they are still running. It
// never blocks: when no DMA slot is free, Start simply says so. The [Gate]
// turns those non-blocking attempts into waits by parking on a
// transfer-scoped wait queue that the transfer-complete feed wakes.
package transfer

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/Iron-Ham/iolink/internal/errors"
	"github.com/Iron-Ham/iolink/internal/logging"
	"github.com/Iron-Ham/iolink/internal/waitq"
)

// ID identifies one started transfer.
type ID uint64

// Direction of a transfer relative to the host.
type Direction int

const (
	ToDevice Direction = iota
	FromDevice
)

// String returns "to-device" or "from-device".
func (d Direction) String() string {
	if d == FromDevice {
		return "from-device"
	}
	return "to-device"
}

// Request describes one bulk transfer.
type Request struct {
	Direction Direction
	Channel   int
	Size      int
}

// Mover is the data-movement primitive of the companion processor.
type Mover interface {
	// Start begins req. ok is false when the transfer cannot start yet.
	Start(req Request) (id ID, ok bool)
	// InFlight reports whether id has not finished.
	InFlight(id ID) bool
}

// Stats are cumulative gate counters.
type Stats struct {
	Started     uint64
	Finished    uint64
	Interrupted uint64
	Wakes       uint64
	Suspensions uint64
}

// Gate waits for transfers to start and finish.
type Gate struct {
	mover  Mover
	wq     *waitq.Queue
	logger *logging.Logger

	started     atomic.Uint64
	finished    atomic.Uint64
	interrupted atomic.Uint64
	wakes       atomic.Uint64
}

// NewGate creates a Gate over mover. The caller must route the
// transfer-complete feed to [Gate.TransferComplete].
func NewGate(mover Mover, logger *logging.Logger) *Gate {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Gate{
		mover:  mover,
		wq:     waitq.New(),
		logger: logger.WithComponent("transfer"),
	}
}

// TransferComplete wakes every waiter so it can re-check its condition. It
// is the Gate's listener on the transfer-complete feed.
func (g *Gate) TransferComplete() {
	g.wakes.Add(1)
	g.wq.WakeAll()
}

// AwaitTransferStart starts req, parking until a slot frees up if it cannot
// start right away. A cancelled ctx returns an error matching
// errors.ErrInterrupted and leaves nothing started.
func (g *Gate) AwaitTransferStart(ctx context.Context, req Request) (ID, error) {
	var id ID
	err := g.await(ctx, "start", func() bool {
		var ok bool
		id, ok = g.mover.Start(req)
		return ok
	})
	if err != nil {
		return 0, err
	}
	g.started.Add(1)
	return id, nil
}

// AwaitTransferDone parks until transfer id has finished. A cancelled ctx
// returns an error matching errors.ErrInterrupted; the transfer itself keeps
// running.
func (g *Gate) AwaitTransferDone(ctx context.Context, id ID) error {
	err := g.await(ctx, "done", func() bool {
		return !g.mover.InFlight(id)
	})
	if err != nil {
		return err
	}
	g.finished.Add(1)
	return nil
}

// await repeats attempt until it succeeds. The epoch is taken before each
// attempt so a completion that lands between the attempt and the park is
// not lost.
func (g *Gate) await(ctx context.Context, what string, attempt func() bool) error {
	for {
		epoch := g.wq.Epoch()
		if attempt() {
			return nil
		}
		if err := g.wq.Wait(ctx, epoch); err != nil {
			g.interrupted.Add(1)
			g.logger.Debug("transfer wait interrupted", "wait", what, "error", err)
			return fmt.Errorf("transfer %s: %w: %w", what, errors.ErrInterrupted, err)
		}
	}
}

// Waiting returns the number of goroutines currently parked.
func (g *Gate) Waiting() int {
	return g.wq.Parked()
}

// Stats returns the cumulative counters.
func (g *Gate) Stats() Stats {
	return Stats{
		Started:     g.started.Load(),
		Finished:    g.finished.Load(),
		Interrupted: g.interrupted.Load(),
		Wakes:       g.wakes.Load(),
		Suspensions: g.wq.Suspensions(),
	}
}
