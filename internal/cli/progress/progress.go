// Package progress draws a live progress line for a run on a terminal.
package progress

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/megannissel/invest-routedem-tfa-range/internal/engine"
	"github.com/megannissel/invest-routedem-tfa-range/pkg/core"
)

// TaskDoneMsg reports a task that reached a terminal state.
type TaskDoneMsg engine.Result

// RunDoneMsg ends the display.
type RunDoneMsg struct{}

var mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))

// Model is the bubbletea model of a run in progress.
type Model struct {
	total    int
	done     int
	failed   int
	last     string
	finished bool
	spinner  spinner.Model
	bar      progress.Model
}

// New returns a model for a run of total tasks.
func New(total int) Model {
	return Model{
		total:   total,
		spinner: spinner.New(spinner.WithSpinner(spinner.Dot)),
		bar:     progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
	}
}

// Percent returns the completed fraction in [0, 1].
func (m Model) Percent() float64 {
	if m.total == 0 {
		return 1
	}
	return float64(m.done) / float64(m.total)
}

// Init starts the spinner.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles task completions and spinner ticks.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case TaskDoneMsg:
		m.done++
		if msg.Status == core.TaskRunStatusFailed {
			m.failed++
		}
		m.last = msg.Key
		return m, nil
	case RunDoneMsg:
		m.finished = true
		return m, tea.Quit
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View renders the progress line. It is empty once the run is done so
// the report that follows starts on a clean line.
func (m Model) View() string {
	if m.finished {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %d/%d tasks", m.spinner.View(), m.bar.ViewAs(m.Percent()), m.done, m.total)
	if m.failed > 0 {
		fmt.Fprintf(&b, ", %d failed", m.failed)
	}
	if m.last != "" {
		b.WriteString("  " + mutedStyle.Render(m.last))
	}
	b.WriteString("\n")
	return b.String()
}

// Display runs a Model on w until Stop is called.
type Display struct {
	prog *tea.Program
	done chan struct{}
}

// Start draws a progress display for total tasks on w.
func Start(w io.Writer, total int) *Display {
	d := &Display{
		prog: tea.NewProgram(New(total), tea.WithOutput(w), tea.WithInput(nil)),
		done: make(chan struct{}),
	}
	go func() {
		defer close(d.done)
		_, _ = d.prog.Run()
	}()
	return d
}

// TaskDone reports a finished task. It is safe to call from any goroutine.
func (d *Display) TaskDone(res engine.Result) {
	d.prog.Send(TaskDoneMsg(res))
}

// Stop ends the display and waits for the terminal to be restored.
func (d *Display) Stop() {
	d.prog.Send(RunDoneMsg{})
	<-d.done
}
