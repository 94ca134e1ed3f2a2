// ABOUTME: TUI initialization and control
// ABOUTME: Wraps bubbletea program for the timesyncd dashboard
package ui

import (
	tea "github.com/charmbracelet/bubbletea"
)

// Controls carries user requests from the dashboard to the daemon
type Controls struct {
	SyncNow chan struct{}
	Quit    chan struct{}
}

// NewControls creates a new control handler
func NewControls() *Controls {
	return &Controls{
		SyncNow: make(chan struct{}, 1),
		Quit:    make(chan struct{}, 1),
	}
}

// NewModel creates a new TUI model
func NewModel(ctrl *Controls) Model {
	return Model{
		mode:     "peers",
		codec:    "json",
		controls: ctrl,
	}
}

// Run creates the TUI program; the caller starts it
func Run(ctrl *Controls) *tea.Program {
	return tea.NewProgram(NewModel(ctrl), tea.WithAltScreen())
}

// Ptr returns a pointer to v, for optional StatusMsg fields
func Ptr[T any](v T) *T {
	return &v
}
