package console

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

const screenLimit = 2000

// screen is the scrollback shared between workers and the bubbletea loop.
// Print never blocks on the program; the model polls it on a tick.
type screen struct {
	mu         sync.Mutex
	lines      []string
	prefill    string
	hasPrefill bool
}

func (s *screen) append(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, strings.Split(line, "\n")...)
	if over := len(s.lines) - screenLimit; over > 0 {
		s.lines = append([]string(nil), s.lines[over:]...)
	}
}

func (s *screen) tail(n int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.lines) {
		n = len(s.lines)
	}
	return append([]string(nil), s.lines[len(s.lines)-n:]...)
}

func (s *screen) setPrefill(line string) {
	s.mu.Lock()
	s.prefill, s.hasPrefill = line, true
	s.mu.Unlock()
}

func (s *screen) takePrefill() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	line, ok := s.prefill, s.hasPrefill
	s.prefill, s.hasPrefill = "", false
	return line, ok
}

// TUI is a full-screen console. It is also the Output handed to workers.
type TUI struct {
	screen *screen
}

func NewTUI() *TUI {
	return &TUI{screen: &screen{}}
}

func (t *TUI) Print(line string) { t.screen.append(line) }

func (t *TUI) SetInput(line string) { t.screen.setPrefill(line) }

// Run blocks until the operator quits or ctx is cancelled.
func (t *TUI) Run(ctx context.Context, shell *Shell, cancel context.CancelFunc) error {
	// An interrupted program can leave the terminal without ICRNL.
	defer bestEffortResetTTY()

	m := newModel(ctx, shell, t.screen)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithInput(os.Stdin), tea.WithOutput(os.Stdout))
	_, err := p.Run()
	if cancel != nil {
		cancel()
	}
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

type ctxDoneMsg struct{}

type refreshMsg struct{}

type execDoneMsg struct {
	quit bool
}

type model struct {
	ctx    context.Context
	shell  *Shell
	screen *screen

	width  int
	height int

	input        []rune
	cursor       int
	inputHistory []string
	histIdx      int
	histSaved    string
	busy         bool
}

func newModel(ctx context.Context, shell *Shell, s *screen) model {
	return model{ctx: ctx, shell: shell, screen: s}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(waitCtxDone(m.ctx), refreshCmd())
}

func refreshCmd() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(time.Time) tea.Msg { return refreshMsg{} })
}

func waitCtxDone(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		<-ctx.Done()
		return ctxDoneMsg{}
	}
}

func executeCmd(ctx context.Context, shell *Shell, line string) tea.Cmd {
	return func() tea.Msg {
		return execDoneMsg{quit: shell.Execute(ctx, line)}
	}
}

func (m model) applyPrefill() model {
	if line, ok := m.screen.takePrefill(); ok {
		m.input = []rune(line)
		m.cursor = len(m.input)
	}
	return m
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case ctxDoneMsg:
		return m, tea.Quit

	case refreshMsg:
		if !m.busy {
			m = m.applyPrefill()
		}
		return m, refreshCmd()

	case execDoneMsg:
		m.busy = false
		if msg.quit {
			return m, tea.Quit
		}
		return m.applyPrefill(), nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "ctrl+d":
			return m, tea.Quit

		case "enter", "ctrl+m", "ctrl+j":
			if m.busy {
				return m, nil
			}
			line := strings.TrimSpace(string(m.input))
			m.input = nil
			m.cursor = 0
			m.histIdx = len(m.inputHistory)
			m.histSaved = ""
			if line == "" {
				return m, nil
			}
			m.inputHistory = append(m.inputHistory, line)
			m.histIdx = len(m.inputHistory)
			m.screen.append("> " + line)
			m.busy = true
			return m, executeCmd(m.ctx, m.shell, line)

		case "up", "ctrl+p":
			return m.historyPrev(), nil
		case "down", "ctrl+n":
			return m.historyNext(), nil

		case "backspace":
			m.input, m.cursor = deleteRuneLeft(m.input, m.cursor)
			return m, nil
		case "delete":
			m.input, m.cursor = deleteRuneRight(m.input, m.cursor)
			return m, nil
		case " ":
			m.input, m.cursor = insertRunes(m.input, m.cursor, []rune{' '})
			return m, nil

		case "left", "ctrl+b":
			if m.cursor > 0 {
				m.cursor--
			}
			return m, nil
		case "right", "ctrl+f":
			if m.cursor < len(m.input) {
				m.cursor++
			}
			return m, nil
		case "home", "ctrl+a":
			m.cursor = 0
			return m, nil
		case "end", "ctrl+e":
			m.cursor = len(m.input)
			return m, nil
		case "ctrl+k":
			if m.cursor < len(m.input) {
				m.input = append([]rune(nil), m.input[:m.cursor]...)
			}
			return m, nil
		case "ctrl+u":
			m.input = nil
			m.cursor = 0
			return m, nil
		case "ctrl+w", "alt+backspace":
			m.input, m.cursor = deleteWordLeft(m.input, m.cursor)
			return m, nil
		}

		if msg.Type == tea.KeyRunes && len(msg.Runes) > 0 {
			filtered := make([]rune, 0, len(msg.Runes))
			for _, r := range msg.Runes {
				if r < 0x20 {
					continue
				}
				filtered = append(filtered, r)
			}
			if len(filtered) > 0 {
				m.input, m.cursor = insertRunes(m.input, m.cursor, filtered)
			}
		}
		return m, nil
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder

	b.WriteString(headingStyle.Render(fmt.Sprintf("drover: %s <task> ... | help | Ctrl+D to exit", m.shell.prefix)))
	b.WriteString("\n\n")

	available := m.height - 4
	if available < 3 {
		available = 3
	}
	for _, l := range m.screen.tail(available) {
		b.WriteString(decorate(l))
		b.WriteString("\n")
	}

	b.WriteString("\n> ")
	b.WriteString(renderCursor(m.input, m.cursor))
	b.WriteString("\n")
	return b.String()
}

func (m model) historyPrev() model {
	if len(m.inputHistory) == 0 {
		return m
	}
	if m.histIdx == len(m.inputHistory) {
		m.histSaved = string(m.input)
	}
	if m.histIdx > 0 {
		m.histIdx--
		m.input = []rune(m.inputHistory[m.histIdx])
		m.cursor = len(m.input)
	}
	return m
}

func (m model) historyNext() model {
	if len(m.inputHistory) == 0 {
		return m
	}
	if m.histIdx < len(m.inputHistory)-1 {
		m.histIdx++
		m.input = []rune(m.inputHistory[m.histIdx])
		m.cursor = len(m.input)
		return m
	}
	if m.histIdx == len(m.inputHistory)-1 {
		m.histIdx = len(m.inputHistory)
		m.input = []rune(m.histSaved)
		m.cursor = len(m.input)
	}
	return m
}
