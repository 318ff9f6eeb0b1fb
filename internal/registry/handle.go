package registry

import (
	"github.com/basket/go-drover/internal/task"
)

// Descriptor is the registration of one task type in one generation.
type Descriptor struct {
	TypeName     string
	Description  string
	Abbreviation string
	Handle       *Handle
}

// SimpleName returns the type's simple name.
func (d *Descriptor) SimpleName() string { return task.SimpleName(d.TypeName) }

// Handle is the registry's stable reference to a task type. It owns at most
// one worker. All fields are guarded by the owning Registry's lock.
type Handle struct {
	typ        task.Type
	generation int
	worker     *task.Worker
}

func (h *Handle) TypeName() string { return h.typ.Name() }

func (h *Handle) SimpleName() string { return task.SimpleName(h.typ.Name()) }

func (h *Handle) Generation() int { return h.generation }

func (h *Handle) instantiate(env task.Env, abbrev string, onStopped func(*Handle, *task.Worker)) error {
	w, err := task.New(h.typ, env, task.Options{
		Abbrev:     abbrev,
		Generation: h.generation,
		OnStopped:  func(w *task.Worker) { onStopped(h, w) },
	})
	if err != nil {
		return err
	}
	h.worker = w
	return nil
}

func (h *Handle) start() {
	if h.worker != nil {
		h.worker.Start()
	}
}

func (h *Handle) stop() {
	if h.worker != nil {
		h.worker.Stop()
	}
}

// active reports whether a worker exists and has not been cancelled.
func (h *Handle) active() bool {
	return h.worker != nil && !h.worker.Interrupted() && !h.worker.Finished()
}

func (h *Handle) finished() bool {
	return h.worker == nil || h.worker.Finished()
}
