package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"mac-updater/internal/updater"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const displayStopTimeout = 500 * time.Millisecond

var (
	accentColor = lipgloss.Color("#7D56F4")
	dimColor    = lipgloss.Color("#6272A4")

	spinnerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF79C6"))

	stageStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(accentColor)

	detailStyle = lipgloss.NewStyle().
			Foreground(dimColor)
)

var stageLabels = map[updater.Step]string{
	updater.StepTerminate: "Stopping",
	updater.StepPatch:     "Patching",
	updater.StepLaunch:    "Relaunching",
}

func stageLabel(step updater.Step) string {
	if label, ok := stageLabels[step]; ok {
		return label
	}
	return "Updating"
}

type stageMsg struct {
	step   updater.Step
	detail string
}

type stopMsg struct{}

// stageModel is the bubbletea model behind the terminal display.
type stageModel struct {
	spinner spinner.Model
	stage   string
	detail  string
	started bool
	done    bool
}

func newStageModel() stageModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = spinnerStyle
	return stageModel{spinner: s}
}

func (m stageModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m stageModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case stageMsg:
		m.stage = stageLabel(msg.step)
		m.detail = msg.detail
		m.started = true
		return m, nil
	case stopMsg:
		m.done = true
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m stageModel) View() string {
	if m.done || !m.started {
		return ""
	}
	var b strings.Builder
	b.WriteString(m.spinner.View())
	b.WriteString(" ")
	b.WriteString(stageStyle.Render(m.stage))
	if m.detail != "" {
		b.WriteString(" ")
		b.WriteString(detailStyle.Render(m.detail))
	}
	return b.String()
}

// terminalDisplay runs an inline bubbletea program showing the current step.
// Relayed stdout is printed above the spinner line, so it reaches the
// terminal in the same order and with the same content as without the
// display.
type terminalDisplay struct {
	out     io.Writer
	program *tea.Program
	done    chan struct{}

	mu      sync.Mutex
	stopped bool
}

func newTerminalDisplay(w io.Writer) *terminalDisplay {
	program := tea.NewProgram(
		newStageModel(),
		tea.WithOutput(w),
		tea.WithInput(nil),
		tea.WithoutSignalHandler(), // run installs its own handler
	)
	d := &terminalDisplay{
		out:     w,
		program: program,
		done:    make(chan struct{}),
	}
	go func() {
		_, _ = program.Run()
		close(d.done)
	}()
	return d
}

// Stage implements updater.StageReporter.
func (d *terminalDisplay) Stage(step updater.Step, detail string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.program.Send(stageMsg{step: step, detail: detail})
}

// Write prints p above the spinner. Each call carries one relayed chunk
// ending in a newline.
func (d *terminalDisplay) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return d.out.Write(p)
	}

	// Println blocks until the event loop takes the line, and the loop is
	// gone once Run has returned.
	line := strings.TrimSuffix(string(p), "\n")
	printed := make(chan struct{})
	go func() {
		d.program.Println(line)
		close(printed)
	}()
	select {
	case <-printed:
		return len(p), nil
	case <-d.done:
		select {
		case <-printed:
			return len(p), nil
		default:
		}
		return d.out.Write(p)
	}
}

// Stop quits the program, flushing pending output, and waits for it.
func (d *terminalDisplay) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()

	d.program.Send(stopMsg{})
	select {
	case <-d.done:
	case <-time.After(displayStopTimeout):
		d.program.Kill()
		<-d.done
		_, _ = fmt.Fprint(d.out, "\r\033[K")
	}
}
