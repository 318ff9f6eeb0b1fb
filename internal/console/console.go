// Package console reads operator lines and routes them to the task
// registry or the event bus.
package console

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/go-drover/internal/task"
)

// Dispatcher handles the words that follow the console prefix.
type Dispatcher interface {
	Dispatch(ctx context.Context, words []string) error
}

// Publisher delivers a line to bus subscribers.
type Publisher interface {
	Publish(topic, text string) int
}

// Config wires a Shell.
type Config struct {
	Prefix     string
	Dispatcher Dispatcher
	Bus        Publisher
	Out        task.Output
	Logger     *slog.Logger
}

// Shell interprets one console line at a time.
type Shell struct {
	prefix     string
	dispatcher Dispatcher
	bus        Publisher
	out        task.Output
	logger     *slog.Logger
}

func NewShell(cfg Config) *Shell {
	if cfg.Prefix == "" {
		cfg.Prefix = "bot"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Out == nil {
		cfg.Out = task.OutputFunc(func(string) {})
	}
	return &Shell{
		prefix:     strings.ToLower(cfg.Prefix),
		dispatcher: cfg.Dispatcher,
		bus:        cfg.Bus,
		out:        cfg.Out,
		logger:     cfg.Logger,
	}
}

// Execute runs a single line and reports whether the console should exit.
func (s *Shell) Execute(ctx context.Context, line string) bool {
	words := strings.Fields(line)
	if len(words) == 0 {
		return false
	}

	switch strings.ToLower(words[0]) {
	case s.prefix:
		if s.dispatcher == nil {
			s.out.Print("No task registry is loaded")
			return false
		}
		if err := s.dispatcher.Dispatch(ctx, words[1:]); err != nil {
			s.logger.Debug("console dispatch failed", "line", line, "error", err)
		}
	case "emit":
		s.emit(words[1:])
	case "help":
		s.help()
	case "quit", "exit":
		return true
	default:
		s.out.Print(fmt.Sprintf("Unknown command %q. Type help for a list of commands.", words[0]))
	}
	return false
}

func (s *Shell) emit(args []string) {
	if len(args) < 2 {
		s.out.Print("Usage: emit <topic> <text>")
		return
	}
	if s.bus == nil {
		s.out.Print("No event bus is attached")
		return
	}
	n := s.bus.Publish(args[0], strings.Join(args[1:], " "))
	s.logger.Debug("console emit", "topic", args[0], "subscribers", n)
}

func (s *Shell) help() {
	s.out.Print("Commands:")
	s.out.Print("  " + s.prefix + "              list tasks and registry commands")
	s.out.Print("  emit <topic> <text>  publish a line on the event bus")
	s.out.Print("  help             show this help")
	s.out.Print("  quit             exit")
}
