package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62"))

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")).
			Italic(true)

	replyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("255"))

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("135")).
			Width(24)
)

// terminalSurface prints a streamed reply. Render receives the full text each
// time, so only the unseen suffix is written.
type terminalSurface struct {
	mu       sync.Mutex
	out      io.Writer
	status   io.Writer
	printed  string
	lineOpen bool
}

func newTerminalSurface(out, status io.Writer) *terminalSurface {
	return &terminalSurface{out: out, status: status}
}

func (s *terminalSurface) Render(fullText string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	suffix := fullText
	if strings.HasPrefix(fullText, s.printed) {
		suffix = fullText[len(s.printed):]
	} else if s.lineOpen {
		fmt.Fprintln(s.out)
	}
	if suffix != "" {
		fmt.Fprint(s.out, replyStyle.Render(suffix))
		s.lineOpen = true
	}
	s.printed = fullText
}

func (s *terminalSurface) Status(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lineOpen {
		fmt.Fprintln(s.out)
		s.lineOpen = false
	}
	fmt.Fprintln(s.status, statusStyle.Render(message))
}

func printField(w io.Writer, label, value string) {
	fmt.Fprintln(w, labelStyle.Render(label)+value)
}
