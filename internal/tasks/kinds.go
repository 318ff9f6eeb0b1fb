// Package tasks holds the compiled-in task behaviours: the kinds archive
// manifests select from and the host-owned task types.
package tasks

import (
	"fmt"

	"github.com/basket/go-drover/internal/archive"
	"github.com/basket/go-drover/internal/task"
)

// Issuer queues a named host action.
type Issuer interface {
	Issue(name string)
}

// Publisher publishes a line on the event bus.
type Publisher interface {
	Publish(topic, text string) int
}

// Kinds returns the behaviours a manifest may name.
func Kinds() map[string]archive.Kind {
	return map[string]archive.Kind{
		"guard":  newGuard,
		"repeat": newRepeat,
		"wasm":   newWasm,
	}
}

// RegisterHostTypes adds the compiled-in task types to catalog.
func RegisterHostTypes(catalog *archive.Catalog) error {
	for _, t := range []task.Type{heartbeatType{}} {
		if err := catalog.Register(t); err != nil {
			return fmt.Errorf("register host types: %w", err)
		}
	}
	return nil
}

func issuer(w *task.Worker) (Issuer, bool) {
	i, ok := w.Actions().(Issuer)
	return i, ok
}

func publisher(w *task.Worker) (Publisher, bool) {
	p, ok := w.Bus().(Publisher)
	return p, ok
}
