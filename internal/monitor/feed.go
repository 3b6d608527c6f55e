package monitor

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Iron-Ham/iolink/internal/event"
)

// FeedEntry is one line of the recent-events pane.
type FeedEntry struct {
	At    time.Time
	Type  string
	Text  string
	Alarm bool // misuse or a rejected config
}

// Feed keeps the most recent noteworthy bus events for display. Completion
// events are too frequent to show and are skipped.
type Feed struct {
	bus *event.Bus
	sub uint64

	mu      sync.Mutex
	entries []FeedEntry
	next    int
	full    bool
}

// NewFeed subscribes to every event on bus and keeps the last size entries.
func NewFeed(bus *event.Bus, size int) *Feed {
	if size <= 0 {
		size = 8
	}
	f := &Feed{bus: bus, entries: make([]FeedEntry, size)}
	f.sub = bus.SubscribeAll(f.handle)
	return f
}

// handle runs on the publishing goroutine.
func (f *Feed) handle(e event.Event) {
	entry, ok := describe(e)
	if !ok {
		return
	}
	f.mu.Lock()
	f.entries[f.next] = entry
	f.next = (f.next + 1) % len(f.entries)
	if f.next == 0 {
		f.full = true
	}
	f.mu.Unlock()
}

func describe(e event.Event) (FeedEntry, bool) {
	entry := FeedEntry{At: e.Timestamp(), Type: e.EventType()}
	switch ev := e.(type) {
	case event.LockMisuseEvent:
		ctx := "caller"
		if ev.Callback {
			ctx = "callback"
		}
		entry.Text = fmt.Sprintf("%s: %s release by %s, held by %s", ev.Lock, ctx, ev.Actor, ev.Holder)
		entry.Alarm = true
	case event.LockYieldEvent:
		entry.Text = fmt.Sprintf("%s: drain yielded after %d grants, %d pending, %d waiting",
			ev.Lock, ev.Grants, ev.Pending, ev.Waiting)
	case event.RPCOrphanedEvent:
		entry.Text = fmt.Sprintf("ticket %d completed with no waiter, result %d", ev.Ticket, ev.Result)
	case event.InterruptEvent:
		entry.Text = "interrupt " + ev.Line
	case event.ConfigReloadedEvent:
		if ev.Err != nil {
			entry.Text = fmt.Sprintf("%s rejected: %v", ev.Path, ev.Err)
			entry.Alarm = true
		} else {
			entry.Text = ev.Path + " reloaded"
		}
	default:
		return FeedEntry{}, false
	}
	return entry, true
}

// Recent returns the kept entries, oldest first.
func (f *Feed) Recent() []FeedEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.full {
		return append([]FeedEntry(nil), f.entries[:f.next]...)
	}
	out := make([]FeedEntry, 0, len(f.entries))
	out = append(out, f.entries[f.next:]...)
	return append(out, f.entries[:f.next]...)
}

// Close unsubscribes the feed from the bus.
func (f *Feed) Close() {
	f.bus.Unsubscribe(f.sub)
}

// RenderEvents draws the recent-events pane.
func RenderEvents(entries []FeedEntry) string {
	lines := []string{sectionStyle.Render("recent events")}
	if len(entries) == 0 {
		lines = append(lines, mutedStyle.Render("none"))
	}
	for _, e := range entries {
		text := e.Text
		if e.Alarm {
			text = errorStyle.Render(text)
		}
		lines = append(lines, mutedStyle.Render(e.At.Format("15:04:05.000")+" ")+text)
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}
