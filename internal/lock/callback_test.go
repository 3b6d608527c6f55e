package lock

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Iron-Ham/iolink/internal/errors"
	"github.com/Iron-Ham/iolink/internal/event"
)

// recorder collects grant order across goroutines.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.events = append(r.events, s)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestCallbackAcquire_FreeRunsSynchronously(t *testing.T) {
	l := New("power")
	ran := false
	req := NewCallbackRequest("button", func(r *CallbackRequest) Verdict {
		ran = true
		if r.Name != "button" {
			t.Errorf("Run got request %q", r.Name)
		}
		return Continue
	})

	if err := l.CallbackAcquire(req, false); err != nil {
		t.Fatalf("CallbackAcquire: %v", err)
	}
	if !ran {
		t.Fatal("Run should be called before CallbackAcquire returns")
	}
	if s := l.Snapshot(); s.Holder != "callback button" || s.Depth != 1 || s.Label != "button" {
		t.Errorf("state = %+v", s)
	}

	if err := l.CallbackRelease(req); err != nil {
		t.Fatalf("CallbackRelease: %v", err)
	}
	if !l.Snapshot().Free() {
		t.Error("lock should be free after CallbackRelease")
	}
}

func TestCallbackAcquire_AutoRelease(t *testing.T) {
	l := New("power")
	req := NewCallbackRequest("tick", func(*CallbackRequest) Verdict { return AutoRelease })

	if err := l.CallbackAcquire(req, false); err != nil {
		t.Fatalf("CallbackAcquire: %v", err)
	}
	if !l.Snapshot().Free() {
		t.Error("AutoRelease should leave the lock free")
	}
}

func TestCallbackAcquire_Reentrant(t *testing.T) {
	l := New("sound")
	runs := 0
	req := NewCallbackRequest("dma", func(*CallbackRequest) Verdict {
		runs++
		return Continue
	})

	for range 3 {
		if err := l.CallbackAcquire(req, false); err != nil {
			t.Fatalf("CallbackAcquire: %v", err)
		}
	}
	if runs != 3 {
		t.Errorf("Run called %d times, want 3", runs)
	}
	if got := l.Snapshot().Depth; got != 3 {
		t.Fatalf("Depth = %d, want 3", got)
	}
	for range 3 {
		if err := l.CallbackRelease(req); err != nil {
			t.Fatalf("CallbackRelease: %v", err)
		}
	}
	if !l.Snapshot().Free() {
		t.Error("balanced callback releases should free the lock")
	}
}

func TestCallbackAcquire_BusyWithoutQueue(t *testing.T) {
	l := New("pad")
	id := NewCallerID()
	l.Acquire(id, "poll")

	ran := false
	req := NewCallbackRequest("irq", func(*CallbackRequest) Verdict {
		ran = true
		return AutoRelease
	})
	err := l.CallbackAcquire(req, false)
	if !errors.Is(err, errors.ErrBusy) {
		t.Fatalf("error = %v, want ErrBusy", err)
	}
	if !errors.IsRetryable(err) {
		t.Error("Busy should be retryable")
	}
	if len(l.Snapshot().Pending) != 0 {
		t.Error("request queued although queueIfBusy was false")
	}

	_ = l.Release(id)
	if ran {
		t.Error("an unqueued request must not run on release")
	}
}

func TestCallbackAcquire_QueuedOnce(t *testing.T) {
	l := New("pad")
	id := NewCallerID()
	l.Acquire(id, "poll")

	runs := 0
	req := NewCallbackRequest("irq", func(*CallbackRequest) Verdict {
		runs++
		return AutoRelease
	})
	for range 3 {
		if err := l.CallbackAcquire(req, true); !errors.Is(err, errors.ErrBusy) {
			t.Fatalf("error = %v, want ErrBusy", err)
		}
	}
	if got := l.Snapshot().Pending; !equalStrings(got, []string{"irq"}) {
		t.Errorf("Pending = %v, want [irq]", got)
	}

	_ = l.Release(id)
	if runs != 1 {
		t.Errorf("Run called %d times, want 1", runs)
	}
}

func TestCallbackAcquire_QueuedOnAnotherLock(t *testing.T) {
	a, b := New("cdvd"), New("sound")
	ida, idb := NewCallerID(), NewCallerID()
	a.Acquire(ida, "hold")
	b.Acquire(idb, "hold")

	req := NewCallbackRequest("irq", nil)
	if err := a.CallbackAcquire(req, true); !errors.Is(err, errors.ErrBusy) {
		t.Fatalf("first queue: %v", err)
	}
	if err := b.CallbackAcquire(req, true); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("second queue error = %v, want ErrInvalidInput", err)
	}
	if len(b.Snapshot().Pending) != 0 {
		t.Error("request must not be queued on two locks")
	}
}

func TestCallbackAcquire_QueueRacesOtherLockDrain(t *testing.T) {
	for i := range 200 {
		a, b := New("cdvd"), New("sound")
		ida, idb := NewCallerID(), NewCallerID()
		a.Acquire(ida, "hold")
		b.Acquire(idb, "hold")

		var runs atomic.Int32
		req := NewCallbackRequest("irq", func(*CallbackRequest) Verdict {
			runs.Add(1)
			return AutoRelease
		})
		if err := a.CallbackAcquire(req, true); !errors.Is(err, errors.ErrBusy) {
			t.Fatalf("iteration %d: queue on a: %v", i, err)
		}

		var wg sync.WaitGroup
		var queueErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = a.Release(ida)
		}()
		go func() {
			defer wg.Done()
			queueErr = b.CallbackAcquire(req, true)
		}()
		wg.Wait()

		want := int32(1)
		switch {
		case errors.Is(queueErr, errors.ErrInvalidInput):
			if n := len(b.Snapshot().Pending); n != 0 {
				t.Fatalf("iteration %d: rejected request left %d pending on b", i, n)
			}
		case errors.Is(queueErr, errors.ErrBusy):
			want = 2
		default:
			t.Fatalf("iteration %d: queue on b: %v", i, queueErr)
		}

		_ = b.Release(idb)
		if got := runs.Load(); got != want {
			t.Fatalf("iteration %d: Run called %d times, want %d", i, got, want)
		}
		if !a.Snapshot().Free() || !b.Snapshot().Free() {
			t.Fatalf("iteration %d: locks left held", i)
		}
		if req.queuedOn.Load() != nil {
			t.Fatalf("iteration %d: request still marked queued", i)
		}
	}
}

func TestCallbackRelease_Violation(t *testing.T) {
	bus := event.NewBus(nil)
	var got []event.LockMisuseEvent
	bus.Subscribe(event.TypeLockMisuse, func(e event.Event) {
		got = append(got, e.(event.LockMisuseEvent))
	})
	l := New("power", WithEventBus(bus))

	owner := NewCallbackRequest("owner", nil)
	stranger := NewCallbackRequest("stranger", nil)
	if err := l.CallbackAcquire(owner, false); err != nil {
		t.Fatal(err)
	}

	before := l.Snapshot()
	err := l.CallbackRelease(stranger)
	if !errors.Is(err, errors.ErrLowLevelViolation) {
		t.Fatalf("error = %v, want ErrLowLevelViolation", err)
	}
	if !errors.IsMisuse(err) {
		t.Error("violation should classify as misuse")
	}
	after := l.Snapshot()
	if after.Holder != before.Holder || after.Depth != before.Depth {
		t.Errorf("state changed: before %+v after %+v", before, after)
	}
	if len(got) != 1 || !got[0].Callback || got[0].Actor != "stranger" || got[0].Holder != "callback owner" {
		t.Errorf("misuse events = %+v", got)
	}

	// A caller-held lock rejects callback releases too.
	_ = l.CallbackRelease(owner)
	id := NewCallerID()
	l.Acquire(id, "hold")
	if err := l.CallbackRelease(owner); !errors.Is(err, errors.ErrLowLevelViolation) {
		t.Errorf("error = %v, want ErrLowLevelViolation", err)
	}
	if !l.IsHeldBy(id) {
		t.Error("caller should still hold the lock")
	}
}

func TestDrain_FIFO(t *testing.T) {
	l := New("cdvd")
	id := NewCallerID()
	l.Acquire(id, "hold")

	rec := &recorder{}
	for _, name := range []string{"e1", "e2", "e3"} {
		req := NewCallbackRequest(name, func(r *CallbackRequest) Verdict {
			rec.add(r.Name)
			return AutoRelease
		})
		if err := l.CallbackAcquire(req, true); !errors.Is(err, errors.ErrBusy) {
			t.Fatalf("queue %s: %v", name, err)
		}
	}

	if err := l.Release(id); err != nil {
		t.Fatal(err)
	}
	if got := rec.list(); !equalStrings(got, []string{"e1", "e2", "e3"}) {
		t.Errorf("grant order = %v, want [e1 e2 e3]", got)
	}
	if !l.Snapshot().Free() {
		t.Error("lock should be free after draining auto-release requests")
	}
}

func TestDrain_StopsAtContinue(t *testing.T) {
	l := New("cdvd")
	id := NewCallerID()
	l.Acquire(id, "hold")

	rec := &recorder{}
	first := NewCallbackRequest("keep", func(r *CallbackRequest) Verdict {
		rec.add(r.Name)
		return Continue
	})
	second := NewCallbackRequest("next", func(r *CallbackRequest) Verdict {
		rec.add(r.Name)
		return AutoRelease
	})
	_ = l.CallbackAcquire(first, true)
	_ = l.CallbackAcquire(second, true)

	_ = l.Release(id)
	if got := rec.list(); !equalStrings(got, []string{"keep"}) {
		t.Fatalf("after Release granted %v, want [keep]", got)
	}
	if s := l.Snapshot(); s.Holder != "callback keep" || !equalStrings(s.Pending, []string{"next"}) {
		t.Fatalf("state = %+v", s)
	}

	// Released later, from another context.
	done := make(chan struct{})
	go func() {
		_ = l.CallbackRelease(first)
		close(done)
	}()
	<-done
	if got := rec.list(); !equalStrings(got, []string{"keep", "next"}) {
		t.Errorf("grant order = %v", got)
	}
}

func TestDrain_SynchronousReleaseInsideRun(t *testing.T) {
	l := New("sound")
	id := NewCallerID()
	l.Acquire(id, "hold")

	rec := &recorder{}
	var self *CallbackRequest
	self = NewCallbackRequest("self", func(r *CallbackRequest) Verdict {
		rec.add(r.Name)
		if err := l.CallbackRelease(self); err != nil {
			t.Errorf("CallbackRelease inside Run: %v", err)
		}
		return Continue
	})
	after := NewCallbackRequest("after", func(r *CallbackRequest) Verdict {
		rec.add(r.Name)
		return AutoRelease
	})
	_ = l.CallbackAcquire(self, true)
	_ = l.CallbackAcquire(after, true)

	_ = l.Release(id)
	if got := rec.list(); !equalStrings(got, []string{"self", "after"}) {
		t.Errorf("grant order = %v, want [self after]", got)
	}
	if !l.Snapshot().Free() {
		t.Error("lock should be free")
	}
}

func TestDrain_CallbacksBeforeCallers(t *testing.T) {
	l := New("cdvd")
	a, b := NewCallerID(), NewCallerID()
	l.Acquire(a, "hold")

	rec := &recorder{}
	acquired := make(chan struct{})
	go func() {
		l.Acquire(b, "waiter")
		rec.add("caller")
		close(acquired)
	}()
	waitFor(t, "caller to park", l.IsWaitNonEmpty)

	cb := NewCallbackRequest("cb", func(r *CallbackRequest) Verdict {
		rec.add(r.Name)
		return Continue
	})
	_ = l.CallbackAcquire(cb, true)

	_ = l.Release(a)
	if s := l.Snapshot(); s.Holder != "callback cb" {
		t.Fatalf("after release holder = %q, want callback cb", s.Holder)
	}
	select {
	case <-acquired:
		t.Fatal("caller acquired ahead of the queued callback")
	case <-time.After(20 * time.Millisecond):
	}

	_ = l.CallbackRelease(cb)
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("caller not woken after the callback released")
	}
	if got := rec.list(); !equalStrings(got, []string{"cb", "caller"}) {
		t.Errorf("order = %v, want [cb caller]", got)
	}
}

func TestCallbackAcquire_NoBargingPastQueue(t *testing.T) {
	l := New("cdvd")
	id := NewCallerID()
	l.Acquire(id, "hold")

	rec := &recorder{}
	queued := NewCallbackRequest("queued", func(r *CallbackRequest) Verdict {
		rec.add(r.Name)
		// While this grant is active a newcomer must queue behind.
		late := NewCallbackRequest("late", func(r *CallbackRequest) Verdict {
			rec.add(r.Name)
			return AutoRelease
		})
		if err := l.CallbackAcquire(late, true); !errors.Is(err, errors.ErrBusy) {
			t.Errorf("late CallbackAcquire = %v, want ErrBusy", err)
		}
		return AutoRelease
	})
	_ = l.CallbackAcquire(queued, true)
	_ = l.Release(id)

	if got := rec.list(); !equalStrings(got, []string{"queued", "late"}) {
		t.Errorf("order = %v, want [queued late]", got)
	}
}

// pingPong builds two requests that re-queue each other until limit runs.
func pingPong(l *Lock, rec *recorder, limit int) *CallbackRequest {
	var runs int
	var a, b *CallbackRequest
	mk := func(name string, other **CallbackRequest) *CallbackRequest {
		return NewCallbackRequest(name, func(*CallbackRequest) Verdict {
			rec.add("cb")
			runs++
			if runs < limit {
				_ = l.CallbackAcquire(*other, true)
			}
			return AutoRelease
		})
	}
	a = mk("ping", &b)
	b = mk("pong", &a)
	return a
}

func TestDrain_StrictCallbackPriorityWithoutCap(t *testing.T) {
	l := New("cdvd")
	owner, waiter := NewCallerID(), NewCallerID()
	l.Acquire(owner, "hold")

	rec := &recorder{}
	acquired := make(chan struct{})
	go func() {
		l.Acquire(waiter, "starved")
		rec.add("caller")
		_ = l.Release(waiter)
		close(acquired)
	}()
	waitFor(t, "caller to park", l.IsWaitNonEmpty)

	_ = l.CallbackAcquire(pingPong(l, rec, 6), true)
	_ = l.Release(owner)

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("caller never acquired")
	}
	want := []string{"cb", "cb", "cb", "cb", "cb", "cb", "caller"}
	if got := rec.list(); !equalStrings(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestDrain_GrantCapReleasesStarvedCaller(t *testing.T) {
	bus := event.NewBus(nil)
	var yields []event.LockYieldEvent
	bus.Subscribe(event.TypeLockYield, func(e event.Event) {
		yields = append(yields, e.(event.LockYieldEvent))
	})
	l := New("cdvd", WithGrantCap(2), WithEventBus(bus))
	owner, waiter := NewCallerID(), NewCallerID()
	l.Acquire(owner, "hold")

	rec := &recorder{}
	acquired := make(chan struct{})
	go func() {
		l.Acquire(waiter, "starved")
		rec.add("caller")
		_ = l.Release(waiter)
		close(acquired)
	}()
	waitFor(t, "caller to park", l.IsWaitNonEmpty)

	_ = l.CallbackAcquire(pingPong(l, rec, 6), true)
	_ = l.Release(owner)

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("caller never acquired")
	}
	waitFor(t, "drain to finish", func() bool {
		s := l.Snapshot()
		return s.Free() && len(s.Pending) == 0
	})

	want := []string{"cb", "cb", "caller", "cb", "cb", "cb", "cb"}
	if got := rec.list(); !equalStrings(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
	if len(yields) != 1 || yields[0].Grants != 2 || yields[0].Waiting != 1 {
		t.Errorf("yield events = %+v", yields)
	}
	if s := l.Snapshot(); s.Reserved || s.Stats.Yields != 1 {
		t.Errorf("after run: Reserved=%v Yields=%d", s.Reserved, s.Stats.Yields)
	}
}

func TestDrain_ReservationDroppedWithoutWaiters(t *testing.T) {
	l := New("cdvd", WithGrantCap(1))
	rec := &recorder{}
	req := NewCallbackRequest("queued", func(r *CallbackRequest) Verdict {
		rec.add(r.Name)
		return AutoRelease
	})

	// A reservation whose last waiter has gone: the lock is free, the queue
	// is non-empty and nobody is parked.
	l.mu.Lock()
	l.yieldToCallers = true
	l.streak = 1
	req.queuedOn.Store(l)
	l.pending = append(l.pending, req)
	resume := l.dropReservationLocked()
	l.mu.Unlock()

	if !resume {
		t.Fatal("dropReservationLocked should ask for a drain")
	}
	l.handoff()

	if got := rec.list(); !equalStrings(got, []string{"queued"}) {
		t.Errorf("granted %v, want [queued]", got)
	}
	if s := l.Snapshot(); !s.Free() || s.Reserved || len(s.Pending) != 0 {
		t.Errorf("state = %+v", s)
	}
}

func TestDropReservation_KeptWhileCallersWait(t *testing.T) {
	l := New("cdvd", WithGrantCap(1))
	l.mu.Lock()
	defer l.mu.Unlock()

	l.yieldToCallers = true
	l.waiting = 1
	if l.dropReservationLocked() {
		t.Error("reservation must be kept while a caller is parked")
	}
	if !l.yieldToCallers {
		t.Error("yieldToCallers cleared with a caller still parked")
	}
}

func TestInvoke_PanicGivesUpGrant(t *testing.T) {
	l := New("pad")
	req := NewCallbackRequest("bad", func(*CallbackRequest) Verdict { panic("boom") })

	if err := l.CallbackAcquire(req, false); err != nil {
		t.Fatalf("CallbackAcquire: %v", err)
	}
	if !l.Snapshot().Free() {
		t.Error("a panicking callback should not keep the lock")
	}
}

func TestVerdict_String(t *testing.T) {
	tests := []struct {
		v    Verdict
		want string
	}{
		{Continue, "continue"},
		{AutoRelease, "auto-release"},
		{Verdict(9), "verdict(9)"},
	}
	for _, tt := range tests {
		if got := tt.v.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", int(tt.v), got, tt.want)
		}
	}
}
