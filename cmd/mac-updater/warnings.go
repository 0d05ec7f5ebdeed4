package main

import (
	"fmt"
	"io"
	"strings"

	"mac-updater/internal/updater"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"
)

const (
	warningWidth       = 80
	maxExcerptLines    = 6
	warningIndentation = "  "
)

var (
	warningColor = lipgloss.Color("#FFB86C")
	excerptColor = lipgloss.Color("#6272A4")

	warningStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(warningColor)

	excerptStyle = lipgloss.NewStyle().
			Foreground(excerptColor)
)

// printStepWarnings reports patch and launch steps that exited non-zero,
// with the tail of their stderr. killall exiting non-zero only means nothing
// was running, so the terminate step is never reported.
func printStepWarnings(w io.Writer, report updater.Report) {
	for _, s := range report.NonZero() {
		if s.Step == updater.StepTerminate {
			continue
		}
		header := fmt.Sprintf("warning: %s step exited with status %d (%s)", s.Step, s.ExitCode, s.CommandLine())
		_, _ = fmt.Fprintln(w, warningStyle.Render(header))

		excerpt := stderrExcerpt(s.Stderr)
		if excerpt == "" {
			continue
		}
		wrapped := wordwrap.String(excerpt, warningWidth-len(warningIndentation))
		for _, line := range strings.Split(wrapped, "\n") {
			_, _ = fmt.Fprintln(w, excerptStyle.Render(warningIndentation+line))
		}
	}
}

// stderrExcerpt returns the last non-blank lines of stderr.
func stderrExcerpt(stderr []byte) string {
	var lines []string
	for _, line := range strings.Split(string(stderr), "\n") {
		line = strings.TrimRight(line, "\r \t")
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) > maxExcerptLines {
		lines = lines[len(lines)-maxExcerptLines:]
	}
	return strings.Join(lines, "\n")
}
