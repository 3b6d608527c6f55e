package monitor

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/charmbracelet/x/ansi"

	"github.com/Iron-Ham/iolink/internal/iolink"
	"github.com/Iron-Ham/iolink/internal/registry"
	"github.com/Iron-Ham/iolink/internal/stress"
)

// cellWidth caps free-text cells so a long label cannot push the table past
// the terminal.
const cellWidth = 24

var lockHeaders = []string{"LOCK", "DOMAINS", "HOLDER", "DEPTH", "LABEL", "WAITING", "PENDING", "FLAGS", "GRANTS", "YIELDS", "MISUSE"}

// Render draws a snapshot as text. It has no side effects.
func Render(snap iolink.Snapshot) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("iolink"))
	b.WriteString("\n")
	b.WriteString(RenderLocks(snap.Locks))
	b.WriteString("\n")
	b.WriteString(renderCounters(snap))
	return b.String()
}

// RenderLocks draws the lock table.
func RenderLocks(entries []registry.Entry) string {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		st := e.State
		rows = append(rows, []string{
			st.Name,
			domainList(e.Domains),
			st.Holder,
			strconv.Itoa(st.Depth),
			fit(dash(st.Label), cellWidth),
			strconv.Itoa(st.Waiting),
			fit(pendingList(st.Pending), cellWidth),
			st.Flags.String(),
			strconv.FormatUint(st.Stats.Acquisitions+st.Stats.CallbackGrants, 10),
			strconv.FormatUint(st.Stats.Yields, 10),
			strconv.FormatUint(st.Stats.Misuse, 10),
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(tableBorderStyle).
		Headers(lockHeaders...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if row < 0 || row >= len(entries) {
				return cellStyle
			}
			st := entries[row].State
			switch lockHeaders[col] {
			case "HOLDER":
				return cellStyle.Foreground(holderColor(st.Holder))
			case "WAITING":
				if st.Waiting > 0 {
					return cellStyle.Foreground(warningColor).Bold(true)
				}
			case "MISUSE":
				if st.Stats.Misuse > 0 {
					return cellStyle.Foreground(errorColor).Bold(true)
				}
			}
			return cellStyle
		})
	return t.Render()
}

func renderCounters(snap iolink.Snapshot) string {
	br := snap.Bridge
	bridge := []string{
		sectionStyle.Render("rpc"),
		kv("calls", br.Calls),
		kv("async", br.AsyncCalls),
		kv("invokes", br.Invokes),
		kv("busy retries", br.BusyRetries),
		kv("fatal", br.Fatal),
		kv("exhausted", br.Exhausted),
		kv("suspensions", br.Suspensions),
		kv("stalls", br.Stalls),
		kv("in flight", br.InFlight),
	}

	d := snap.Dispatch
	tr := snap.Transfer
	feeds := []string{
		sectionStyle.Render("interrupts"),
		kv("completed", d.Completed),
		kv("orphaned", d.Orphaned),
		kv("transfers", d.Transfers),
		kv("panics", d.Panics),
		sectionStyle.Render("transfers"),
		kv("started", tr.Started),
		kv("finished", tr.Finished),
		kv("interrupted", tr.Interrupted),
	}

	var fw []string
	if f := snap.Firmware; f != nil {
		fw = []string{
			sectionStyle.Render("firmware"),
			kv("accepted", f.Accepted),
			kv("busy", f.Busy),
			kv("rejected", f.Rejected),
			kv("executed", f.Executed),
			kv("queue", fmt.Sprintf("%d/%d", f.Queued, f.QueueDepth)),
			kv("power presses", snap.Power.Presses),
			kv("power handled", snap.Power.Handled),
		}
	}

	cols := []string{
		boxStyle.Render(strings.Join(bridge, "\n")),
		boxStyle.Render(strings.Join(feeds, "\n")),
	}
	if fw != nil {
		cols = append(cols, boxStyle.Render(strings.Join(fw, "\n")))
	}
	out := lipgloss.JoinHorizontal(lipgloss.Top, cols...)
	return out + "\n" + mutedStyle.Render("uptime "+snap.Uptime.Truncate(time.Millisecond).String())
}

// RenderReport draws a stress run report.
func RenderReport(rep stress.Report) string {
	verdict := okStyle.Render("PASS")
	if !rep.OK() {
		verdict = errorStyle.Render("FAIL")
	}

	lines := []string{
		sectionStyle.Render("stress run ") + verdict,
		kv("elapsed", rep.Elapsed.Truncate(time.Millisecond)),
		kv("cycles", rep.Cycles),
		kv("reentrant", rep.Reentrant),
		kv("calls", rep.Calls),
		kv("call errors", rep.CallErrors),
		kv("transfers", rep.Transfers),
		kv("interrupts", rep.Interrupts),
		kv("callback runs", rep.CallbackRuns),
		kv("callback busy", rep.CallbackBusy),
		kv("delayed releases", rep.DelayedReleases),
		kv("power presses", rep.PowerPresses),
		kv("power holds", rep.PowerHolds),
		kv("invalid releases", rep.InvalidReleases),
		kv("misuse events", fmt.Sprintf("%d/%d", rep.MisuseEvents, rep.Misuse)),
		kv("yield events", fmt.Sprintf("%d/%d", rep.YieldEvents, rep.Yields)),
		kv("max depth", rep.MaxDepth),
		kv("violations", rep.Violations),
	}
	if !rep.EventsMatch() {
		lines = append(lines, errorStyle.Render("event counts disagree with lock counters"))
	}
	if len(rep.Leaked) > 0 {
		lines = append(lines, errorStyle.Render("leaked: "+strings.Join(rep.Leaked, ", ")))
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}

func kv(label string, v any) string {
	return mutedStyle.Render(fmt.Sprintf("%-16s", label)) + fmt.Sprint(v)
}

func domainList(ds []registry.Domain) string {
	names := make([]string, len(ds))
	for i, d := range ds {
		names[i] = d.String()
	}
	return strings.Join(names, ",")
}

func pendingList(names []string) string {
	switch len(names) {
	case 0:
		return "-"
	case 1, 2:
		return strings.Join(names, ",")
	default:
		return fmt.Sprintf("%s,%s +%d", names[0], names[1], len(names)-2)
	}
}

// fit truncates s to width columns, keeping escape sequences intact.
func fit(s string, width int) string {
	if width <= 3 {
		return "..."
	}
	if lipgloss.Width(s) <= width {
		return s
	}
	return ansi.Truncate(s, width, "...")
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
