// ABOUTME: TUI initialization and control
// ABOUTME: Runs the monitor program until the user quits or ctx ends
package ui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Run shows the monitor until the user quits or ctx is done.
func Run(ctx context.Context, ctrl Controller, name string) error {
	p := tea.NewProgram(NewModel(ctrl, name, 250*time.Millisecond), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if ctx.Err() != nil {
		return nil
	}
	return err
}
