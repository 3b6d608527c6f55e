package lock

// Stats are cumulative counters for one lock.
type Stats struct {
	Acquisitions   uint64 // caller-context grants, including reentrant ones
	CallbackGrants uint64 // callback-context grants, including reentrant ones
	Busy           uint64 // CallbackAcquire calls that returned Busy
	Interrupted    uint64 // interruptible acquires cancelled while parked
	Misuse         uint64 // rejected releases
	Yields         uint64 // drains stopped by the grant cap
	MaxDepth       int    // deepest reentrant hold observed
}

// State is a point-in-time copy of a lock for diagnostics.
type State struct {
	Name     string
	Holder   string // "free", "caller <id>" or "callback <name>"
	Label    string // reason given by the current holder
	Depth    int
	Waiting  int
	Pending  []string // queued callback request names, oldest first
	Flags    Flags
	Reserved bool // next grant reserved for a parked caller

	Suspensions uint64 // times a caller actually parked
	Stats       Stats
}

// Free reports whether the lock was unheld.
func (s State) Free() bool {
	return s.Depth == 0
}

// Snapshot returns the current state of the lock.
func (l *Lock) Snapshot() State {
	l.mu.Lock()
	defer l.mu.Unlock()

	pending := make([]string, len(l.pending))
	for i, req := range l.pending {
		pending[i] = req.Name
	}
	return State{
		Name:        l.name,
		Holder:      l.holderLocked(),
		Label:       l.label,
		Depth:       l.depth,
		Waiting:     l.waiting,
		Pending:     pending,
		Flags:       l.flags,
		Reserved:    l.yieldToCallers,
		Suspensions: l.wq.Suspensions(),
		Stats:       l.stats,
	}
}
