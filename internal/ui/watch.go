// Package ui renders the live session dashboard.
package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"stepline/internal/domain"
	"stepline/internal/engine"
)

var (
	Lavender = lipgloss.Color("#b4befe")
	Sapphire = lipgloss.Color("#74c7ec")
	Green    = lipgloss.Color("#a6e3a1")
	Peach    = lipgloss.Color("#fab387")
	Surface1 = lipgloss.Color("#45475a")
	Subtext0 = lipgloss.Color("#a6adc8")

	pane = lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(Lavender).
		Padding(1, 2)
	title   = lipgloss.NewStyle().Foreground(Sapphire).Bold(true)
	label   = lipgloss.NewStyle().Foreground(Subtext0).Width(10)
	value   = lipgloss.NewStyle().Bold(true)
	muted   = lipgloss.NewStyle().Foreground(Subtext0)
	hot     = lipgloss.NewStyle().Foreground(Peach).Bold(true)
	barFill = lipgloss.NewStyle().Foreground(Green)
	barRest = lipgloss.NewStyle().Foreground(Surface1)
)

const barWidth = 30

// UpdateMsg carries one engine update into the program.
type UpdateMsg engine.Update

// DoneMsg reports that the watched session has ended.
type DoneMsg struct{ Err error }

// Model is the watch dashboard. It only renders what it is sent.
type Model struct {
	Title     string
	Target    int
	update    engine.Update
	completed []domain.Challenge
	done      bool
	err       error
}

func New(title string, target int) Model {
	return Model{Title: title, Target: target}
}

func (m Model) Init() tea.Cmd { return nil }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case UpdateMsg:
		m.update = engine.Update(msg)
		m.completed = append(m.completed, msg.Completed...)
	case DoneMsg:
		m.done = true
		m.err = msg.Err
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m Model) View() string {
	s := m.update.Snapshot
	var b strings.Builder
	b.WriteString(title.Render(m.Title))
	b.WriteString("\n\n")
	row := func(k, v string) {
		b.WriteString(label.Render(k))
		b.WriteString(value.Render(v))
		b.WriteString("\n")
	}
	row("steps", fmt.Sprintf("%d / %d", s.CumulativeSteps, m.Target))
	row("distance", fmt.Sprintf("%.2f km", s.DistanceKm))
	row("calories", fmt.Sprintf("%.1f kcal", s.Calories))
	row("elapsed", formatElapsed(s.ElapsedMinutes))
	b.WriteString("\n")
	b.WriteString(progressBar(m.update.Progress, barWidth))
	b.WriteString(fmt.Sprintf(" %3.0f%%\n", clamp(m.update.Progress)*100))
	if len(m.completed) > 0 {
		b.WriteString("\n")
		for _, c := range m.completed {
			b.WriteString(hot.Render("★ " + c.Title))
			b.WriteString(muted.Render(fmt.Sprintf("  %d steps", c.StepThreshold)))
			b.WriteString("\n")
		}
	}
	b.WriteString("\n")
	switch {
	case m.err != nil:
		b.WriteString(hot.Render("session failed: " + m.err.Error()))
	case m.done:
		b.WriteString(muted.Render("session ended, q to quit"))
	default:
		b.WriteString(muted.Render("q to stop"))
	}
	return pane.Render(b.String())
}

func clamp(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

func progressBar(p float64, width int) string {
	filled := int(clamp(p)*float64(width) + 0.5)
	return barFill.Render(strings.Repeat("█", filled)) + barRest.Render(strings.Repeat("░", width-filled))
}

func formatElapsed(minutes float64) string {
	d := time.Duration(minutes * float64(time.Minute)).Round(time.Second)
	return d.String()
}

// Watch runs the dashboard for sess until the user quits or ctx ends.
// Quitting does not stop the session; the caller decides that.
func Watch(ctx context.Context, e *engine.Engine, sess *engine.Session, target int) error {
	m := New(fmt.Sprintf("stepline · %s", sess.Source), target)
	m.update = engine.Update{Snapshot: sess.Snapshot()}
	p := tea.NewProgram(m, tea.WithContext(ctx))
	unsubscribe := e.Subscribe(func(u engine.Update) { p.Send(UpdateMsg(u)) })
	defer unsubscribe()
	go func() {
		select {
		case <-sess.Done():
			p.Send(DoneMsg{Err: sess.Err()})
		case <-ctx.Done():
		}
	}()
	_, err := p.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
