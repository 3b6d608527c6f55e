package event

import "time"

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a string identifier for this event type.
	// Convention: "category.action" (e.g., "rpc.completed", "lock.misuse")
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// baseEvent provides common fields for all events.
// Embed this in concrete event types to satisfy the Event interface.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// Event type names.
const (
	TypeLockMisuse        = "lock.misuse"
	TypeLockYield         = "lock.yield"
	TypeRPCCompleted      = "rpc.completed"
	TypeRPCOrphaned       = "rpc.orphaned"
	TypeTransferCompleted = "transfer.completed"
	TypeInterrupt         = "interrupt.raised"
	TypeConfigReloaded    = "config.reloaded"
)

// -----------------------------------------------------------------------------
// Lock Events
// -----------------------------------------------------------------------------

// LockMisuseEvent is emitted when a release by a non-owner is rejected.
type LockMisuseEvent struct {
	baseEvent
	Lock     string // Lock name
	Actor    string // Caller ID or callback request name attempting the release
	Holder   string // Current holder description
	Callback bool   // True for a callback-context release
}

// NewLockMisuseEvent creates a LockMisuseEvent.
func NewLockMisuseEvent(lock, actor, holder string, callback bool) LockMisuseEvent {
	return LockMisuseEvent{
		baseEvent: newBaseEvent(TypeLockMisuse),
		Lock:      lock,
		Actor:     actor,
		Holder:    holder,
		Callback:  callback,
	}
}

// LockYieldEvent is emitted when a drain stops after the grant cap so that
// parked caller-context waiters get the lock.
type LockYieldEvent struct {
	baseEvent
	Lock    string
	Grants  int // Callback grants made in the cycle
	Pending int // Callback requests still queued
	Waiting int // Caller-context waiters
}

// NewLockYieldEvent creates a LockYieldEvent.
func NewLockYieldEvent(lock string, grants, pending, waiting int) LockYieldEvent {
	return LockYieldEvent{
		baseEvent: newBaseEvent(TypeLockYield),
		Lock:      lock,
		Grants:    grants,
		Pending:   pending,
		Waiting:   waiting,
	}
}

// -----------------------------------------------------------------------------
// Completion Events
// -----------------------------------------------------------------------------

// RPCCompletedEvent is emitted after a command-complete signal has been
// delivered to its registered completion callback.
type RPCCompletedEvent struct {
	baseEvent
	Ticket uint64
	Result int32
}

// NewRPCCompletedEvent creates an RPCCompletedEvent.
func NewRPCCompletedEvent(ticket uint64, result int32) RPCCompletedEvent {
	return RPCCompletedEvent{
		baseEvent: newBaseEvent(TypeRPCCompleted),
		Ticket:    ticket,
		Result:    result,
	}
}

// RPCOrphanedEvent is emitted for a command-complete signal whose ticket has
// no registered callback.
type RPCOrphanedEvent struct {
	baseEvent
	Ticket uint64
	Result int32
}

// NewRPCOrphanedEvent creates an RPCOrphanedEvent.
func NewRPCOrphanedEvent(ticket uint64, result int32) RPCOrphanedEvent {
	return RPCOrphanedEvent{
		baseEvent: newBaseEvent(TypeRPCOrphaned),
		Ticket:    ticket,
		Result:    result,
	}
}

// TransferCompletedEvent is emitted on every transfer-complete signal.
type TransferCompletedEvent struct {
	baseEvent
	Count uint64 // Total transfer-complete signals so far
}

// NewTransferCompletedEvent creates a TransferCompletedEvent.
func NewTransferCompletedEvent(count uint64) TransferCompletedEvent {
	return TransferCompletedEvent{
		baseEvent: newBaseEvent(TypeTransferCompleted),
		Count:     count,
	}
}

// InterruptEvent is emitted when the companion processor raises a named
// device interrupt (power button, remote control, ...).
type InterruptEvent struct {
	baseEvent
	Line string
}

// NewInterruptEvent creates an InterruptEvent.
func NewInterruptEvent(line string) InterruptEvent {
	return InterruptEvent{
		baseEvent: newBaseEvent(TypeInterrupt),
		Line:      line,
	}
}

// -----------------------------------------------------------------------------
// Configuration Events
// -----------------------------------------------------------------------------

// ConfigReloadedEvent is emitted after the config file changed on disk and
// was re-read.
type ConfigReloadedEvent struct {
	baseEvent
	Path string
	Err  error // Non-nil if the new file was rejected
}

// NewConfigReloadedEvent creates a ConfigReloadedEvent.
func NewConfigReloadedEvent(path string, err error) ConfigReloadedEvent {
	return ConfigReloadedEvent{
		baseEvent: newBaseEvent(TypeConfigReloaded),
		Path:      path,
		Err:       err,
	}
}
