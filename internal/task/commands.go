package task

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Handler runs a command with the words that followed its key.
type Handler func(args []string)

// Command is one entry of a worker's command table.
type Command struct {
	Key         string
	Usage       string
	Description string
	Handler     Handler
}

type commandTable struct {
	mu   sync.RWMutex
	cmds map[string]Command
}

func (t *commandTable) register(c Command) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cmds == nil {
		t.cmds = make(map[string]Command)
	}
	t.cmds[c.Key] = c
}

func (t *commandTable) lookup(key string) (Command, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.cmds[key]
	return c, ok
}

func (t *commandTable) sorted() []Command {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Command, 0, len(t.cmds))
	for _, c := range t.cmds {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// RegisterCommand adds or replaces the handler for key.
func (w *Worker) RegisterCommand(key, usage, description string, h Handler) {
	w.commands.register(Command{Key: key, Usage: usage, Description: description, Handler: h})
}

// Usage returns "Usage: <Name> {k1|k2|...}" with keys sorted.
func (w *Worker) Usage() string {
	cmds := w.commands.sorted()
	keys := make([]string, len(cmds))
	for i, c := range cmds {
		keys[i] = c.Key
	}
	return fmt.Sprintf("Usage: %s {%s}", w.name, strings.Join(keys, "|"))
}

// PrintVerboseUsage prints the usage line and one "key usage: description"
// line per command.
func (w *Worker) PrintVerboseUsage() {
	w.Print(w.Usage())
	for _, c := range w.commands.sorted() {
		head := c.Key
		if c.Usage != "" {
			head += " " + c.Usage
		}
		w.Print(head + ": " + c.Description)
	}
}

// PrintCommandUsage prints the usage of a single command.
func (w *Worker) PrintCommandUsage(key string) {
	c, ok := w.commands.lookup(key)
	if !ok {
		return
	}
	w.Print(strings.TrimSpace(fmt.Sprintf("Usage: %s %s %s", w.name, c.Key, c.Usage)))
}

// HandleInput routes words to the command table. A panicking handler is
// reported as an error instead of taking the caller down.
func (w *Worker) HandleInput(words []string) (err error) {
	if len(words) == 0 {
		w.Print(w.Usage())
		return nil
	}
	c, ok := w.commands.lookup(words[0])
	if !ok {
		w.Print("Unknown key - " + words[0])
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("command %q: %v", words[0], r)
		}
	}()
	c.Handler(words[1:])
	return nil
}

func (w *Worker) registerBuiltinCommands() {
	w.RegisterCommand("t", "timeout", "Set the timeout for the task in milliseconds", w.handleTimeout)
	w.RegisterCommand("off", "", "Deactivate the task", func(args []string) {
		if len(args) != 0 {
			w.PrintCommandUsage("off")
			return
		}
		w.Stop()
	})
	w.RegisterCommand("pause", "", "Pause or resume the task", func(args []string) {
		if len(args) != 0 {
			w.PrintCommandUsage("pause")
			return
		}
		w.TogglePause()
	})
	w.RegisterCommand("info", "key", "Get information about a command key", w.handleInfo)
}

func (w *Worker) handleTimeout(args []string) {
	if len(args) != 1 {
		w.PrintCommandUsage("t")
		return
	}
	ms, err := parseMillis(args[0])
	if err != nil {
		w.Print("Wrong timeout value!")
		return
	}
	eff, clamped := w.SetTimeout(ms)
	if clamped {
		w.Print("Too small timeout!")
	}
	w.Print(fmt.Sprintf("Current timeout is %d milliseconds", eff.Milliseconds()))
}

func (w *Worker) handleInfo(args []string) {
	if len(args) != 1 {
		w.PrintCommandUsage("info")
		return
	}
	c, ok := w.commands.lookup(args[0])
	if !ok {
		w.Print("Unknown key")
		w.PrintVerboseUsage()
		return
	}
	w.Print(c.Description)
}
