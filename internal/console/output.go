package console

import (
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

var (
	headingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// decorate styles registry and worker output for a terminal.
func decorate(line string) string {
	switch {
	case strings.HasPrefix(line, "=== ") && strings.HasSuffix(line, " ==="):
		return headingStyle.Render(line)
	case strings.Contains(line, " has encountered an error - "), strings.HasPrefix(line, "Unable to "):
		return errorStyle.Render(line)
	case strings.HasPrefix(line, "Usage: "):
		return dimStyle.Render(line)
	}
	return line
}

// Writer is a line-oriented Output for non-interactive consoles.
// Prefill hints are kept for inspection but never typed for the user.
type Writer struct {
	mu     sync.Mutex
	w      io.Writer
	styled bool
	hint   string
}

func NewWriter(w io.Writer, styled bool) *Writer {
	return &Writer{w: w, styled: styled}
}

func (o *Writer) Print(line string) {
	if o.styled {
		line = decorate(line)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	_, _ = io.WriteString(o.w, line+"\n")
}

func (o *Writer) SetInput(line string) {
	o.mu.Lock()
	o.hint = line
	o.mu.Unlock()
}

// Hint returns the last prefill offered by the registry.
func (o *Writer) Hint() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hint
}
