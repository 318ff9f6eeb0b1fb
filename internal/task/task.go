// Package task holds the behaviour every task type shares: one background
// worker per instance, cooperative pause and cancellation, a keyed command
// table, and teardown that releases every event bus subscription exactly once.
package task

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/go-drover/internal/bus"
)

// NameSuffix marks a type's simple name as a task candidate.
const NameSuffix = "_task"

// Registration is what a type's self-registration entry point yields.
type Registration struct {
	Description  string
	Abbreviation string
}

// Type is a resolvable task type. Types in the reloadable namespace are
// defined by one loader generation; host-owned types live for the process.
type Type interface {
	// Name is the fully qualified dotted name, e.g. "tasks.guard_task".
	Name() string
	// Registration runs the self-registration entry point. Types without one
	// return an error.
	Registration() (Registration, error)
	// New constructs a fresh body for one worker.
	New() (Body, error)
}

// Body is the concrete behaviour of one task instance.
//
// Setup runs once before the worker starts and may register commands and
// subscriptions. Work runs on the worker goroutine; it should call
// Worker.Checkpoint at every iteration boundary and return when ctx is done.
type Body interface {
	Setup(w *Worker) error
	Work(ctx context.Context, w *Worker) error
}

// EventBus is the subscription side of the message bus.
type EventBus interface {
	Subscribe(topicPrefix string, filter bus.Filter, callback bus.Callback) bus.Token
	Unsubscribe(token bus.Token) bool
}

// StopSignaler flushes one queued host action.
type StopSignaler interface {
	StopAction()
}

// Output receives console lines.
type Output interface {
	Print(line string)
}

// OutputFunc adapts a function to Output.
type OutputFunc func(line string)

func (f OutputFunc) Print(line string) { f(line) }

// Env carries the collaborators and limits shared by all workers.
type Env struct {
	Bus     EventBus
	Actions StopSignaler
	Out     Output
	Logger  *slog.Logger

	Recorder RunRecorder
	Metrics  Metrics

	DefaultTimeout time.Duration
	MinTimeout     time.Duration
	StopSignals    int
}

func (e Env) withDefaults() Env {
	if e.Logger == nil {
		e.Logger = slog.Default()
	}
	if e.Out == nil {
		e.Out = OutputFunc(func(string) {})
	}
	if e.MinTimeout <= 0 {
		e.MinTimeout = 100 * time.Millisecond
	}
	if e.DefaultTimeout < e.MinTimeout {
		e.DefaultTimeout = e.MinTimeout
	}
	if e.Recorder == nil {
		e.Recorder = nopRecorder{}
	}
	if e.Metrics == nil {
		e.Metrics = nopMetrics{}
	}
	return e
}

// SimpleName returns the last dotted segment of a type name.
func SimpleName(typeName string) string {
	if i := strings.LastIndexByte(typeName, '.'); i >= 0 {
		return typeName[i+1:]
	}
	return typeName
}

// IsTaskName reports whether typeName follows the task naming convention.
func IsTaskName(typeName string) bool {
	simple := SimpleName(typeName)
	return len(simple) > len(NameSuffix) && strings.HasSuffix(simple, NameSuffix)
}
