package registry

import (
	"context"
	"fmt"
	"strings"

	droverotel "github.com/basket/go-drover/internal/otel"
	"github.com/basket/go-drover/internal/task"
)

// Dispatch handles one console command. words are the tokens that followed
// the registry prefix.
func (r *Registry) Dispatch(ctx context.Context, words []string) error {
	ctx, span := droverotel.StartSpan(ctx, r.cfg.Tracer, "registry.dispatch",
		droverotel.AttrCommand.String(strings.Join(words, " ")))
	defer span.End()

	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if len(words) == 0 {
		r.mu.Lock()
		r.printUsageLocked()
		r.mu.Unlock()
		r.prefill(r.cfg.Prefix + " ")
		return nil
	}

	switch words[0] {
	case VerbReload:
		return r.reload(ctx)
	case VerbOff:
		r.StopAll()
		return nil
	case VerbPause:
		r.togglePauseAll()
		r.prefill(r.cfg.Prefix + " " + VerbPause)
		return nil
	}

	r.mu.Lock()
	d, ok := r.byAbbrev[words[0]]
	if !ok {
		r.out.Print(fmt.Sprintf("Didn't find a task with abbreviation %q", words[0]))
		r.printUsageLocked()
		r.mu.Unlock()
		return nil
	}
	if len(words) == 1 {
		r.printDescriptionLocked(d)
		r.mu.Unlock()
		r.prefill(r.cfg.Prefix + " " + d.Abbreviation + " ")
		return nil
	}
	if words[1] == "on" {
		defer r.mu.Unlock()
		return r.activateLocked(d)
	}
	h := d.Handle
	if !h.active() {
		r.mu.Unlock()
		r.out.Print(h.SimpleName() + " is not running!")
		return nil
	}
	w := h.worker
	r.mu.Unlock()

	if err := w.HandleInput(words[1:]); err != nil {
		r.out.Print("Unable to configure " + w.Name())
		r.out.Print(err.Error())
		r.logger.Warn("task command failed", "task", w.Name(), "command", strings.Join(words[1:], " "), "error", err)
		return nil
	}
	r.prefill(r.cfg.Prefix + " " + d.Abbreviation + " ")
	return nil
}

func (r *Registry) reload(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.stopAllLocked()
	if err := r.buildLocked(ctx); err != nil {
		r.out.Print("Unable to reload tasks: " + err.Error())
		return err
	}
	names := make([]string, len(r.descriptors))
	for i, d := range r.descriptors {
		names[i] = d.Handle.SimpleName()
	}
	if len(names) == 0 {
		r.out.Print("Reloaded, no tasks found")
	} else {
		r.out.Print("Reloaded " + strings.Join(names, ", "))
	}
	return nil
}

func (r *Registry) activateLocked(d *Descriptor) error {
	if r.closed {
		return ErrClosed
	}
	h := d.Handle
	if h.active() {
		r.out.Print(h.SimpleName() + " is already on")
		return nil
	}
	if !h.finished() {
		r.out.Print(h.SimpleName() + " is still stopping")
		return nil
	}
	if err := h.instantiate(r.cfg.Env, d.Abbreviation, r.OnWorkerStopped); err != nil {
		r.out.Print("Unable to start " + h.SimpleName() + ": " + err.Error())
		r.logger.Error("task instantiation failed", "type", h.TypeName(), "error", err)
		return fmt.Errorf("%w: %s: %v", ErrInstantiate, h.TypeName(), err)
	}
	h.start()
	r.out.Print(h.SimpleName() + " is on!")
	r.printDescriptionLocked(d)
	return nil
}

// togglePauseAll pauses every running worker or resumes the ones a previous
// global pause held. Individually paused workers are left alone.
func (r *Registry) togglePauseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for w := range r.heldByPause {
		if w.Finished() || w.Interrupted() {
			delete(r.heldByPause, w)
		}
	}
	if r.paused && len(r.heldByPause) == 0 {
		r.paused = false
	}

	if r.paused {
		for w := range r.heldByPause {
			w.Resume()
		}
		clear(r.heldByPause)
		r.paused = false
		r.out.Print("All tasks have been resumed!")
		return
	}

	var running []*task.Worker
	held := 0
	for _, d := range r.descriptors {
		if !d.Handle.active() {
			continue
		}
		if w := d.Handle.worker; w.Paused() {
			held++
		} else {
			running = append(running, w)
		}
	}
	if len(running) == 0 {
		if held > 0 {
			r.out.Print("All running tasks are already paused")
		} else {
			r.out.Print("No tasks are running!")
		}
		return
	}
	for _, w := range running {
		w.Pause()
		r.heldByPause[w] = struct{}{}
	}
	r.paused = true
	r.out.Print("All tasks have been paused!")
}

func (r *Registry) printUsageLocked() {
	keys := make([]string, 0, len(r.descriptors)+3)
	for _, d := range r.descriptors {
		keys = append(keys, d.Abbreviation)
	}
	keys = append(keys, VerbPause, VerbOff, VerbReload)
	r.out.Print(fmt.Sprintf("Usage: %s {%s}", r.cfg.Prefix, strings.Join(keys, "|")))
	for _, d := range r.descriptors {
		r.out.Print(d.Abbreviation + ": " + d.Description)
	}
}

func (r *Registry) printDescriptionLocked(d *Descriptor) {
	h := d.Handle
	r.out.Print("=== " + h.SimpleName() + " ===")
	r.out.Print(d.Description)
	if h.active() {
		r.out.Print(h.SimpleName() + " is running")
		h.worker.PrintVerboseUsage()
		return
	}
	r.out.Print(h.SimpleName() + " is not running!")
	r.out.Print(fmt.Sprintf("Type %q to activate the task", r.cfg.Prefix+" "+d.Abbreviation+" on"))
}

func (r *Registry) prefill(line string) {
	if p, ok := r.out.(Prompter); ok {
		p.SetInput(line)
	}
}
