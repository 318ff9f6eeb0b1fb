package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-drover/internal/actions"
	"github.com/basket/go-drover/internal/archive"
	"github.com/basket/go-drover/internal/bus"
	"github.com/basket/go-drover/internal/config"
	droverotel "github.com/basket/go-drover/internal/otel"
	"github.com/basket/go-drover/internal/persistence"
	"github.com/basket/go-drover/internal/registry"
	"github.com/basket/go-drover/internal/sandbox/wasm"
	"github.com/basket/go-drover/internal/task"
	"github.com/basket/go-drover/internal/tasks"
)

// runtime is the set of long-lived collaborators shared by the console,
// the scheduler and the watcher.
type runtime struct {
	cfg      config.Config
	logger   *slog.Logger
	bus      *bus.Bus
	queue    *actions.Queue
	store    *persistence.Store
	registry *registry.Registry
}

type runtimeOptions struct {
	Out     task.Output
	Store   *persistence.Store
	Metrics *droverotel.Metrics
	Tracer  trace.Tracer
}

func newSource(cfg config.Config, logger *slog.Logger) (*archive.Source, error) {
	catalog := archive.NewCatalog()
	if err := tasks.RegisterHostTypes(catalog); err != nil {
		return nil, fmt.Errorf("register host types: %w", err)
	}
	return archive.NewSource(archive.SourceConfig{
		Path:      cfg.ArchivePath,
		Namespace: cfg.Namespace,
		Host:      catalog,
		Kinds:     tasks.Kinds(),
		Wasm: wasm.Config{
			Logger:           logger,
			MemoryLimitPages: cfg.Wasm.MemoryLimitPages,
			StepTimeout:      time.Duration(cfg.Wasm.StepTimeoutMS) * time.Millisecond,
		},
		Logger: logger,
	}), nil
}

func newRuntime(cfg config.Config, logger *slog.Logger, opts runtimeOptions) (*runtime, error) {
	source, err := newSource(cfg, logger)
	if err != nil {
		return nil, err
	}

	rt := &runtime{
		cfg:    cfg,
		logger: logger,
		bus:    bus.New(),
		store:  opts.Store,
	}
	// Performed actions are announced on the bus so tasks can react to them.
	rt.queue = actions.NewQueue(func(_ context.Context, name string) {
		n := rt.bus.Publish(bus.TopicAction, name)
		logger.Debug("action performed", "component", "actions", "action", name, "subscribers", n)
	}, 0, logger)

	env := task.Env{
		Bus:            rt.bus,
		Actions:        rt.queue,
		Out:            opts.Out,
		Logger:         logger,
		DefaultTimeout: time.Duration(cfg.DefaultTimeoutMS) * time.Millisecond,
		MinTimeout:     time.Duration(cfg.MinTimeoutMS) * time.Millisecond,
		StopSignals:    cfg.PauseStopSignals,
	}
	regCfg := registry.Config{
		Prefix: cfg.CommandPrefix,
		Source: source.Path(),
		Open: func(ctx context.Context, generation int) (registry.Generation, error) {
			l, err := source.Open(ctx, generation)
			if err != nil {
				return nil, err
			}
			return l, nil
		},
		Logger:       logger,
		DrainTimeout: time.Duration(cfg.DrainTimeoutSeconds) * time.Second,
	}
	if opts.Store != nil {
		env.Recorder = opts.Store
		regCfg.Recorder = opts.Store
	}
	if opts.Metrics != nil {
		env.Metrics = opts.Metrics
		regCfg.Metrics = opts.Metrics
	}
	if opts.Tracer != nil {
		regCfg.Tracer = opts.Tracer
	}
	regCfg.Env = env
	rt.registry = registry.New(regCfg)
	return rt, nil
}

// Close stops every worker and waits for retired generations.
func (rt *runtime) Close(ctx context.Context) error {
	return rt.registry.Close(ctx)
}
