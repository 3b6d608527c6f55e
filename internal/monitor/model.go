// Package monitor shows a live view of the lock registry and the RPC bridge.
package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/Iron-Ham/iolink/internal/iolink"
)

// SnapshotFunc returns the state to display.
type SnapshotFunc func() iolink.Snapshot

type keyMap struct {
	Pause     key.Binding
	Interrupt key.Binding
	Quit      key.Binding
}

func defaultKeyMap() keyMap {
	return keyMap{
		Pause: key.NewBinding(
			key.WithKeys("p", " "),
			key.WithHelp("p", "pause"),
		),
		Interrupt: key.NewBinding(
			key.WithKeys("i"),
			key.WithHelp("i", "power button"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c", "esc"),
			key.WithHelp("q", "quit"),
		),
	}
}

// ShortHelp implements help.KeyMap.
func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Pause, k.Interrupt, k.Quit}
}

// FullHelp implements help.KeyMap.
func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp()}
}

type tickMsg time.Time

// StatusMsg replaces the status line under the tables.
type StatusMsg string

// Model is the Bubbletea model of the monitor.
type Model struct {
	source      SnapshotFunc
	refresh     time.Duration
	onInterrupt func()
	feed        *Feed

	snap     iolink.Snapshot
	status   string
	paused   bool
	presses  int
	keys     keyMap
	help     help.Model
	quitting bool
}

// NewModel creates a Model polling source every refresh. onInterrupt, if
// set, is bound to the power button key.
func NewModel(source SnapshotFunc, refresh time.Duration, onInterrupt func()) Model {
	if refresh <= 0 {
		refresh = 100 * time.Millisecond
	}
	return Model{
		source:      source,
		refresh:     refresh,
		onInterrupt: onInterrupt,
		snap:        source(),
		keys:        defaultKeyMap(),
		help:        help.New(),
	}
}

// WithFeed returns a copy of m that shows f's recent events under the
// counters.
func (m Model) WithFeed(f *Feed) Model {
	m.feed = f
	return m
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.refresh, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return m.tick()
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		if !m.paused {
			m.snap = m.source()
		}
		return m, m.tick()

	case StatusMsg:
		m.status = string(msg)
		return m, nil

	case tea.WindowSizeMsg:
		m.help.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, m.keys.Pause):
			m.paused = !m.paused
			return m, nil
		case key.Matches(msg, m.keys.Interrupt):
			if m.onInterrupt != nil {
				m.onInterrupt()
				m.presses++
			}
			return m, nil
		}
	}
	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	out := Render(m.snap) + "\n"
	if m.feed != nil {
		out += RenderEvents(m.feed.Recent()) + "\n"
	}
	if m.paused {
		out += warningStyle.Render("paused") + "  "
	}
	if m.status != "" {
		out += mutedStyle.Render(m.status)
	}
	return out + "\n" + m.help.View(m.keys) + "\n"
}

// Run shows the monitor until the user quits or ctx is done. Messages sent
// on status replace the status line.
func Run(ctx context.Context, m Model, status <-chan string) error {
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))

	if status != nil {
		go func() {
			for {
				select {
				case s, ok := <-status:
					if !ok {
						return
					}
					p.Send(StatusMsg(s))
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
