// ABOUTME: Bubbletea model for the timesyncd dashboard
// ABOUTME: Defines dashboard state and update logic
package ui

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Model represents the TUI state
type Model struct {
	// Node
	nodeAddr string
	codec    string
	mode     string

	// Sync
	offset   float64
	synced   bool
	syncing  bool
	rounds   int
	lastSync time.Time
	lastErr  string
	quality  string

	// Peers
	peers  []string
	rttP50 time.Duration
	rttP99 time.Duration

	// Reference
	ntpDrift    time.Duration
	hasNTPDrift bool

	// Debug
	showDebug bool

	// Dimensions
	width  int
	height int

	controls *Controls
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return nil
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case StatusMsg:
		m.applyStatus(msg)
	}

	return m, nil
}

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	s := ""
	s += m.renderHeader()
	s += m.renderSync()
	s += m.renderPeers()

	if m.showDebug {
		s += m.renderDebug()
	}

	s += m.renderHelp()

	return s
}

// renderHeader renders node identity
func (m Model) renderHeader() string {
	return fmt.Sprintf(`┌─ timesyncd ──────────────────────────────────────────┐
│ Node:   %-45s │
│ Mode:   %-45s │
├──────────────────────────────────────────────────────┤
`, truncate(m.nodeAddr, 45), truncate(fmt.Sprintf("%s (%s)", m.mode, m.codec), 45))
}

// renderSync renders offset and round status
func (m Model) renderSync() string {
	syncIcon := "✗"
	syncText := "Not synced"
	switch {
	case m.syncing:
		syncIcon = "…"
		syncText = "Syncing"
	case m.synced:
		syncIcon = "✓"
		syncText = fmt.Sprintf("Offset %+.3fms", m.offset)
	}

	last := "never"
	if !m.lastSync.IsZero() {
		last = m.lastSync.Format("15:04:05")
	}

	s := fmt.Sprintf("│ Sync:   %s %-43s │\n", syncIcon, truncate(syncText, 43))
	s += fmt.Sprintf("│ Rounds: %-6d Last: %-32s │\n", m.rounds, last)
	if m.quality != "" {
		s += fmt.Sprintf("│ Health: %-45s │\n", m.quality)
	}

	if m.hasNTPDrift {
		s += fmt.Sprintf("│ NTP:    drift %-39s │\n", fmt.Sprintf("%+.3fms", float64(m.ntpDrift)/float64(time.Millisecond)))
	}
	if m.lastErr != "" {
		s += fmt.Sprintf("│ Error:  %-45s │\n", truncate(m.lastErr, 45))
	}

	return s
}

// renderPeers renders the peer list and round trip percentiles
func (m Model) renderPeers() string {
	s := "├──────────────────────────────────────────────────────┤\n"
	s += fmt.Sprintf("│ Peers (%d)  RTT p50: %-9s p99: %-14s │\n",
		len(m.peers), formatDuration(m.rttP50), formatDuration(m.rttP99))

	if len(m.peers) == 0 {
		s += "│   (none)                                             │\n"
	}
	for _, peer := range m.peers {
		s += fmt.Sprintf("│   %-50s │\n", truncate(peer, 50))
	}
	s += "│                                                      │\n"
	return s
}

// renderHelp renders keyboard shortcuts
func (m Model) renderHelp() string {
	return `│ s:Sync now  d:Debug  q:Quit                          │
└──────────────────────────────────────────────────────┘
`
}

// renderDebug renders debug information
func (m Model) renderDebug() string {
	return fmt.Sprintf(`│ DEBUG:                                               │
│   Offset: %-42s │
│   Window: %-42s │
`, fmt.Sprintf("%+.6fms", m.offset), fmt.Sprintf("%dx%d", m.width, m.height))
}

// handleKey handles keyboard input
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		if m.controls != nil {
			select {
			case m.controls.Quit <- struct{}{}:
			default:
			}
		}
		return m, tea.Quit
	case "s":
		if m.controls != nil && !m.syncing {
			select {
			case m.controls.SyncNow <- struct{}{}:
			default:
			}
		}
	case "d":
		m.showDebug = !m.showDebug
	}

	return m, nil
}

// applyStatus updates model from status message
func (m *Model) applyStatus(msg StatusMsg) {
	if msg.NodeAddr != "" {
		m.nodeAddr = msg.NodeAddr
	}
	if msg.Codec != "" {
		m.codec = msg.Codec
	}
	if msg.Mode != "" {
		m.mode = msg.Mode
	}
	if msg.Offset != nil {
		m.offset = *msg.Offset
		m.synced = true
	}
	if msg.Syncing != nil {
		m.syncing = *msg.Syncing
		if !m.syncing {
			m.rounds++
			m.lastSync = msg.At
		}
	}
	if msg.Peers != nil {
		m.peers = msg.Peers
	}
	if msg.RTTP50 != 0 || msg.RTTP99 != 0 {
		m.rttP50 = msg.RTTP50
		m.rttP99 = msg.RTTP99
	}
	if msg.Quality != "" {
		m.quality = msg.Quality
	}
	if msg.NTPDrift != nil {
		m.ntpDrift = *msg.NTPDrift
		m.hasNTPDrift = true
	}
	if msg.Err != nil {
		m.lastErr = msg.Err.Error()
	}
}

// StatusMsg updates TUI state; zero fields leave the current value untouched
type StatusMsg struct {
	NodeAddr string
	Codec    string
	Mode     string
	Offset   *float64
	Syncing  *bool
	At       time.Time
	Peers    []string
	RTTP50   time.Duration
	RTTP99   time.Duration
	Quality  string
	NTPDrift *time.Duration
	Err      error
}

// Utility functions
func truncate(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length-3] + "..."
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return "-"
	}
	return d.Round(time.Microsecond).String()
}
