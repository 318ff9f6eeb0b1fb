// Package registry discovers task types through a loader generation and
// routes console commands to them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	droverotel "github.com/basket/go-drover/internal/otel"
	"github.com/basket/go-drover/internal/task"
)

var (
	ErrArchiveUnavailable = errors.New("archive unavailable")
	ErrRegistration       = errors.New("registration failed")
	ErrInstantiate        = errors.New("instantiate failed")
	ErrClosed             = errors.New("registry closed")
)

// Registry-level verbs. They shadow any task abbreviation.
const (
	VerbReload = "reload"
	VerbOff    = "off"
	VerbPause  = "pause"
)

// Generation is one loader instance.
type Generation interface {
	Entries() ([]string, error)
	Resolve(name string) (task.Type, error)
	Close(ctx context.Context) error
}

// OpenFunc creates the loader for a new generation.
type OpenFunc func(ctx context.Context, generation int) (Generation, error)

// Prompter is implemented by outputs that can prefill the next input line.
type Prompter interface {
	SetInput(line string)
}

// GenerationRecord summarizes one successful build.
type GenerationRecord struct {
	Generation  int
	Source      string
	Descriptors int
	Skipped     int
	BuiltAt     time.Time
}

type GenerationRecorder interface {
	RecordGeneration(ctx context.Context, rec GenerationRecord) error
}

type Metrics interface {
	GenerationBuilt(ctx context.Context, descriptors, skipped int)
	BuildFailed(ctx context.Context)
}

type Config struct {
	// Prefix is the console command that reaches the registry, e.g. "bot".
	Prefix string
	// Source labels the archive in logs and history.
	Source string
	Open   OpenFunc
	Env    task.Env
	Logger *slog.Logger

	Recorder GenerationRecorder
	Metrics  Metrics
	Tracer   trace.Tracer
	// DrainTimeout bounds how long a superseded generation waits for its
	// workers before its loader is closed.
	DrainTimeout time.Duration
}

// Registry owns the descriptor set of the current generation and every
// handle's worker reference. One mutex serializes all of it.
type Registry struct {
	cfg    Config
	logger *slog.Logger
	out    task.Output

	mu          sync.Mutex
	gen         Generation
	generation  int
	descriptors []*Descriptor
	byAbbrev    map[string]*Descriptor
	paused      bool
	heldByPause map[*task.Worker]struct{}
	closed      bool

	retiring sync.WaitGroup
}

func New(cfg Config) *Registry {
	if cfg.Prefix == "" {
		cfg.Prefix = "bot"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer("drover")
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Second
	}
	if cfg.Env.Logger == nil {
		cfg.Env.Logger = cfg.Logger
	}
	out := cfg.Env.Out
	if out == nil {
		out = task.OutputFunc(func(string) {})
		cfg.Env.Out = out
	}
	return &Registry{
		cfg:         cfg,
		logger:      cfg.Logger.With("component", "registry"),
		out:         out,
		byAbbrev:    map[string]*Descriptor{},
		heldByPause: map[*task.Worker]struct{}{},
	}
}

// Build scans a new loader generation and replaces the descriptor set. If
// the archive cannot be opened the previous set stays in place.
func (r *Registry) Build(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	return r.buildLocked(ctx)
}

func (r *Registry) buildLocked(ctx context.Context) error {
	next := r.generation + 1
	ctx, span := droverotel.StartSpan(ctx, r.cfg.Tracer, "registry.build", droverotel.AttrGeneration.Int(next))
	defer span.End()

	fail := func(err error) error {
		err = fmt.Errorf("%w: %v", ErrArchiveUnavailable, err)
		r.logger.Error("registry build failed, keeping previous tasks",
			"generation", next, "kept", len(r.descriptors), "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "archive unavailable")
		if r.cfg.Metrics != nil {
			r.cfg.Metrics.BuildFailed(ctx)
		}
		return err
	}

	gen, err := r.cfg.Open(ctx, next)
	if err != nil {
		return fail(err)
	}
	names, err := gen.Entries()
	if err != nil {
		_ = gen.Close(ctx)
		return fail(err)
	}

	descs, skipErrs := r.scan(gen, next, names)
	if len(skipErrs) > 0 {
		r.logger.Warn("task candidates skipped", "generation", next, "count", len(skipErrs), "error", errors.Join(skipErrs...))
	}

	old, oldWorkers := r.gen, r.liveWorkersLocked()
	r.gen = gen
	r.generation = next
	r.descriptors = descs
	r.byAbbrev = make(map[string]*Descriptor, len(descs))
	for _, d := range descs {
		r.byAbbrev[d.Abbreviation] = d
	}
	r.paused = false
	clear(r.heldByPause)

	if old != nil {
		r.retire(old, oldWorkers)
	}

	span.SetAttributes(attribute.Int("drover.descriptors", len(descs)), attribute.Int("drover.skipped", len(skipErrs)))
	r.logger.Info("registry built", "generation", next, "descriptors", len(descs), "skipped", len(skipErrs))
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.GenerationBuilt(ctx, len(descs), len(skipErrs))
	}
	if r.cfg.Recorder != nil {
		rec := GenerationRecord{
			Generation:  next,
			Source:      r.cfg.Source,
			Descriptors: len(descs),
			Skipped:     len(skipErrs),
			BuiltAt:     time.Now().UTC(),
		}
		if err := r.cfg.Recorder.RecordGeneration(ctx, rec); err != nil {
			r.logger.Warn("record generation failed", "error", err)
		}
	}
	return nil
}

// scan resolves every candidate and runs its self-registration. Failures
// skip the candidate only.
func (r *Registry) scan(gen Generation, generation int, names []string) ([]*Descriptor, []error) {
	var (
		descs []*Descriptor
		errs  []error
		seen  = map[string]string{}
	)
	for _, name := range names {
		if !task.IsTaskName(name) {
			continue
		}
		typ, err := gen.Resolve(name)
		if err != nil {
			r.logger.Warn("task type unresolved", "type", name, "error", err)
			errs = append(errs, fmt.Errorf("resolve %s: %w", name, err))
			continue
		}
		reg, err := register(typ)
		if err == nil {
			err = checkAbbreviation(reg.Abbreviation, seen)
		}
		if err != nil {
			r.logger.Warn("task registration failed", "type", name, "error", err)
			errs = append(errs, fmt.Errorf("%w: %s: %v", ErrRegistration, name, err))
			continue
		}
		seen[reg.Abbreviation] = name
		descs = append(descs, &Descriptor{
			TypeName:     name,
			Description:  reg.Description,
			Abbreviation: reg.Abbreviation,
			Handle:       &Handle{typ: typ, generation: generation},
		})
		r.logger.Debug("task registered", "type", name, "abbrev", reg.Abbreviation)
	}
	return descs, errs
}

func register(typ task.Type) (reg task.Registration, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("registration panicked: %v", r)
		}
	}()
	return typ.Registration()
}

func checkAbbreviation(abbrev string, seen map[string]string) error {
	switch {
	case strings.TrimSpace(abbrev) == "" || strings.ContainsAny(abbrev, " \t"):
		return fmt.Errorf("invalid abbreviation %q", abbrev)
	case abbrev == VerbReload || abbrev == VerbOff || abbrev == VerbPause:
		return fmt.Errorf("abbreviation %q is a reserved word", abbrev)
	}
	if owner, dup := seen[abbrev]; dup {
		return fmt.Errorf("abbreviation %q already used by %s", abbrev, owner)
	}
	return nil
}

// retire closes a superseded generation once its workers have stopped or
// the drain timeout has passed.
func (r *Registry) retire(old Generation, workers []*task.Worker) {
	r.retiring.Add(1)
	go func() {
		defer r.retiring.Done()
		if !waitWorkers(workers, r.cfg.DrainTimeout) {
			r.logger.Warn("superseded generation still has running workers, closing anyway")
		}
		if err := old.Close(context.Background()); err != nil {
			r.logger.Warn("close superseded generation failed", "error", err)
		}
	}()
}

// waitWorkers reports whether every worker finished within timeout.
func waitWorkers(workers []*task.Worker, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for _, w := range workers {
		select {
		case <-w.Done():
		case <-deadline.C:
			return false
		}
	}
	return true
}

// Descriptors returns the current descriptor set in registration order.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Descriptor, len(r.descriptors))
	for i, d := range r.descriptors {
		out[i] = *d
	}
	return out
}

// Generation returns the number of the current generation (0 before the
// first successful build).
func (r *Registry) Generation() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generation
}

// Lookup returns the handle registered under abbrev.
func (r *Registry) Lookup(abbrev string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.byAbbrev[abbrev]
	if !ok {
		return nil, false
	}
	return d.Handle, true
}

// IsActive reports whether h has a worker that has not been cancelled.
func (r *Registry) IsActive(h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return h.active()
}

// Worker returns h's current worker, if any.
func (r *Registry) Worker(h *Handle) *task.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return h.worker
}

// GlobalPaused reports the global pause flag.
func (r *Registry) GlobalPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

// OnWorkerStopped clears h's worker reference if it still points at w.
// Calls for superseded handles or replaced workers are no-ops.
func (r *Registry) OnWorkerStopped(h *Handle, w *task.Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h.worker == w {
		h.worker = nil
	}
	delete(r.heldByPause, w)
}

// StopAll requests cancellation of every active worker.
func (r *Registry) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopAllLocked()
}

func (r *Registry) stopAllLocked() {
	for _, d := range r.descriptors {
		if d.Handle.active() {
			d.Handle.stop()
		}
	}
}

func (r *Registry) liveWorkersLocked() []*task.Worker {
	var out []*task.Worker
	for _, d := range r.descriptors {
		if w := d.Handle.worker; w != nil {
			out = append(out, w)
		}
	}
	return out
}

// Close stops every worker, waits for them up to the drain timeout and
// releases the current generation.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.stopAllLocked()
	workers := r.liveWorkersLocked()
	gen := r.gen
	r.gen = nil
	r.mu.Unlock()

	var drainErr error
	if !waitWorkers(workers, r.cfg.DrainTimeout) {
		drainErr = fmt.Errorf("drain workers: %w", context.DeadlineExceeded)
	}
	r.retiring.Wait()
	if gen != nil {
		if err := gen.Close(ctx); err != nil {
			return errors.Join(drainErr, err)
		}
	}
	return drainErr
}
