// ABOUTME: Bubbletea model for the playout monitor
// ABOUTME: Polls the engine status and renders queue, chains and watchdog state
package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/Resonate-Protocol/playout/internal/protocol"
	"github.com/Resonate-Protocol/playout/pkg/timing"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Controller is the engine as seen by the monitor.
type Controller interface {
	Status() protocol.Status
	SetVolume(v int)
	Skip() error
	Pause()
	Play()
	Seek(position timing.Ticks) error
}

// seekStep is how far the right arrow moves the current passage.
const seekStep = 10 * time.Second

// Model represents the TUI state
type Model struct {
	ctrl   Controller
	name   string
	period time.Duration

	status     protocol.Status
	polled     bool
	lastErr    error
	startTime  time.Time
	showChains bool
	quitting   bool

	width  int
	height int
}

type tickMsg time.Time

// StatusMsg carries a fresh status document
type StatusMsg protocol.Status

// errMsg reports a failed control action
type errMsg struct{ err error }

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			MarginBottom(1)
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86"))
	valueStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("250"))
	sectionStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("220"))
	alertStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	faintStyle   = lipgloss.NewStyle().Faint(true)
)

// NewModel creates a monitor polling ctrl every period.
func NewModel(ctrl Controller, name string, period time.Duration) Model {
	if period <= 0 {
		period = 250 * time.Millisecond
	}
	return Model{ctrl: ctrl, name: name, period: period, startTime: time.Now()}
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.poll(), m.tick())
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.period, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) poll() tea.Cmd {
	if m.ctrl == nil {
		return nil
	}
	ctrl := m.ctrl
	return func() tea.Msg { return StatusMsg(ctrl.Status()) }
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case tickMsg:
		return m, tea.Batch(m.poll(), m.tick())
	case StatusMsg:
		m.status = protocol.Status(msg)
		m.polled = true
	case errMsg:
		m.lastErr = msg.err
	}
	return m, nil
}

// handleKey handles keyboard input
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit
	case "up":
		m.setVolume(m.status.Mixer.Volume + 5)
		return m, m.poll()
	case "down":
		m.setVolume(m.status.Mixer.Volume - 5)
		return m, m.poll()
	case "s":
		if m.ctrl == nil {
			return m, nil
		}
		ctrl := m.ctrl
		return m, func() tea.Msg {
			if err := ctrl.Skip(); err != nil {
				return errMsg{err}
			}
			return StatusMsg(ctrl.Status())
		}
	case " ":
		if m.ctrl == nil {
			return m, nil
		}
		if m.status.Mixer.Paused {
			m.ctrl.Play()
		} else {
			m.ctrl.Pause()
		}
		m.status.Mixer.Paused = !m.status.Mixer.Paused
		return m, m.poll()
	case "right":
		if m.ctrl == nil {
			return m, nil
		}
		ctrl := m.ctrl
		target := timing.Ticks(m.status.Mixer.PositionTicks) + timing.FromMillis(seekStep.Milliseconds())
		return m, func() tea.Msg {
			if err := ctrl.Seek(target); err != nil {
				return errMsg{err}
			}
			return StatusMsg(ctrl.Status())
		}
	case "c":
		m.showChains = !m.showChains
	}
	return m, nil
}

func (m *Model) setVolume(v int) {
	v = max(0, min(100, v))
	m.status.Mixer.Volume = v
	if m.ctrl != nil {
		m.ctrl.SetVolume(v)
	}
}

// View renders the TUI
func (m Model) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}
	if !m.polled {
		return "Loading..."
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("Playout · " + m.name))
	b.WriteString("\n\n")

	m.field(&b, "Uptime: ", time.Since(m.startTime).Round(time.Second).String())
	m.field(&b, "Mixer: ", fmt.Sprintf("%s at %s", m.status.Mixer.State, formatMs(m.status.Mixer.PositionMs)))
	m.field(&b, "Volume: ", fmt.Sprintf("[%s] %d%%", renderBar(m.status.Mixer.Volume, 100, 10), m.status.Mixer.Volume))
	if m.status.Mixer.UnderrunFrames > 0 {
		m.field(&b, "Underruns: ", fmt.Sprintf("%d frames", m.status.Mixer.UnderrunFrames))
	}
	b.WriteString("\n")

	m.renderQueue(&b)
	if m.showChains {
		m.renderChains(&b)
	}
	m.renderWatchdog(&b)

	if m.lastErr != nil {
		b.WriteString(alertStyle.Render("Error: " + m.lastErr.Error()))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(faintStyle.Render("space: pause/play  →: +10s  ↑/↓: volume  s: skip  c: chains  q: quit"))
	return b.String()
}

func (m Model) field(b *strings.Builder, name, value string) {
	b.WriteString(headerStyle.Render(name))
	b.WriteString(valueStyle.Render(value))
	b.WriteString("\n")
}

func (m Model) renderQueue(b *strings.Builder) {
	b.WriteString(sectionStyle.Render(fmt.Sprintf("Queue (%d)", len(m.status.Queue))))
	b.WriteString("\n")
	if len(m.status.Queue) == 0 {
		b.WriteString(valueStyle.Render("  Empty"))
		b.WriteString("\n\n")
		return
	}
	for _, e := range m.status.Queue {
		title := e.Title
		if title == "" {
			title = e.File
		}
		chain := "-"
		if e.ChainID != nil {
			chain = fmt.Sprintf("%d", *e.ChainID)
		}
		fmt.Fprintf(b, "  %-10s %s", e.Position, truncate(title, 40))
		b.WriteString(valueStyle.Render(fmt.Sprintf(" (chain %s, %s)", chain, e.Priority)))
		b.WriteString("\n")
	}
	b.WriteString("\n")
}

func (m Model) renderChains(b *strings.Builder) {
	b.WriteString(sectionStyle.Render(fmt.Sprintf("Chains (%d)", len(m.status.Chains))))
	b.WriteString("\n")
	for _, c := range m.status.Chains {
		line := fmt.Sprintf("  %2d %-9s", c.ID, c.State)
		if c.EntryID != "" {
			line += fmt.Sprintf(" %dms buffered, %d Hz source, %s", c.BufferedMs, c.SourceSampleRate, c.Priority)
		}
		b.WriteString(valueStyle.Render(line))
		b.WriteString("\n")
	}
	if len(m.status.Pending) > 0 {
		b.WriteString(valueStyle.Render(fmt.Sprintf("  %d pending", len(m.status.Pending))))
		b.WriteString("\n")
	}
	b.WriteString("\n")
}

func (m Model) renderWatchdog(b *strings.Builder) {
	wd := m.status.Watchdog
	if wd.Interventions == 0 {
		m.field(b, "Watchdog: ", "no interventions")
		return
	}
	b.WriteString(headerStyle.Render("Watchdog: "))
	b.WriteString(alertStyle.Render(fmt.Sprintf("%d interventions (last: %s)", wd.Interventions, wd.LastType)))
	b.WriteString("\n")
}

// Utility functions
func renderBar(value, max, width int) string {
	filled := (value * width) / max
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

func truncate(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length-3] + "..."
}

func formatMs(ms int64) string {
	return fmt.Sprintf("%d:%02d", ms/60000, (ms/1000)%60)
}
