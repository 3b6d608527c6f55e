package drivers

import (
	"context"
	"runtime"

	"github.com/Iron-Ham/iolink/internal/errors"
	"github.com/Iron-Ham/iolink/internal/lock"
	"github.com/Iron-Ham/iolink/internal/logging"
	"github.com/Iron-Ham/iolink/internal/rpc"
)

// session runs blocking remote calls under one domain lock.
type session struct {
	lock   *lock.Lock
	bridge *rpc.Bridge
	logger *logging.Logger
}

// call takes the lock for a fresh caller, invokes fid and releases. A
// non-zero completion result is reported as a *errors.RemoteError.
func (s session) call(ctx context.Context, reason string, fid rpc.FunctionID, arg any) (int32, error) {
	id := lock.NewCallerID()
	if err := s.lock.AcquireInterruptible(ctx, id, reason); err != nil {
		return 0, err
	}
	code, err := s.bridge.Call(fid, arg)
	s.release(id)

	if err != nil {
		return code, err
	}
	if code < 0 {
		return code, errors.NewRemoteError(fid.String(), code, nil)
	}
	return code, nil
}

// release drops the hold and lets parked callers run first if there are any.
func (s session) release(id lock.CallerID) {
	if err := s.lock.Release(id); err != nil {
		s.logger.Error("driver release failed", "error", err)
		return
	}
	if s.lock.IsWaitNonEmpty() {
		runtime.Gosched()
	}
}
