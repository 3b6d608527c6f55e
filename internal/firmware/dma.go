package firmware

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/Iron-Ham/iolink/internal/transfer"
)

// DMA is the simulated bulk mover. Each started transfer occupies a slot
// until its latency elapses, then frees it and raises transfer-complete.
type DMA struct {
	slots    int
	latency  time.Duration
	complete func()

	mu      sync.Mutex
	next    transfer.ID
	running map[transfer.ID]*time.Timer
	stopped bool

	started   atomic.Uint64
	refused   atomic.Uint64
	completed atomic.Uint64
}

var _ transfer.Mover = (*DMA)(nil)

func newDMA(slots int, latency time.Duration, complete func()) *DMA {
	return &DMA{
		slots:    slots,
		latency:  latency,
		complete: complete,
		running:  make(map[transfer.ID]*time.Timer),
	}
}

// Start implements transfer.Mover.
func (m *DMA) Start(req transfer.Request) (transfer.ID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped || len(m.running) >= m.slots {
		m.refused.Add(1)
		return 0, false
	}

	m.next++
	id := m.next
	m.running[id] = time.AfterFunc(m.duration(req), func() { m.finish(id) })
	m.started.Add(1)
	return id, true
}

// duration scales the base latency with the transfer size in KiB.
func (m *DMA) duration(req transfer.Request) time.Duration {
	kib := max(1, req.Size/1024)
	return m.latency * time.Duration(min(kib, 16))
}

func (m *DMA) finish(id transfer.ID) {
	m.mu.Lock()
	_, ok := m.running[id]
	delete(m.running, id)
	m.mu.Unlock()

	if ok {
		m.completed.Add(1)
		m.complete()
	}
}

// InFlight implements transfer.Mover.
func (m *DMA) InFlight(id transfer.ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[id]
	return ok
}

// Busy returns the number of occupied slots.
func (m *DMA) Busy() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// stop refuses new transfers and finishes the running ones at once.
func (m *DMA) stop() {
	m.mu.Lock()
	m.stopped = true
	ids := make([]transfer.ID, 0, len(m.running))
	for id, t := range m.running {
		t.Stop()
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.finish(id)
	}
}
