package wasm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
)

// Fault reason codes for guest compilation and step invocations.
const (
	FaultCompile        = "WASM_COMPILE"
	FaultNoExport       = "WASM_NO_EXPORT"
	FaultTimeout        = "WASM_TIMEOUT"
	FaultMemoryExceeded = "WASM_MEMORY_EXCEEDED"
	FaultExecError      = "WASM_FAULT"
	FaultClosed         = "WASM_HOST_CLOSED"
)

// StepExport is the guest function called once per worker iteration.
const StepExport = "step"

// Step results understood by the host. Any other value is a fault.
const (
	StepContinue int32 = 0
	StepFinished int32 = 1
)

// StepFault is a structured error for guest failures.
type StepFault struct {
	Reason string // one of the Fault* constants
	Module string
	Detail string
}

func (e *StepFault) Error() string {
	return fmt.Sprintf("%s: module=%s: %s", e.Reason, e.Module, e.Detail)
}

// DefaultMemoryLimitPages is 160 pages = 10MB (each WASM page = 64KB).
const DefaultMemoryLimitPages = 160

// DefaultStepTimeout is the wall-clock limit for a single step call.
const DefaultStepTimeout = 2 * time.Second

type Config struct {
	Logger *slog.Logger
	// MemoryLimitPages caps memory per module (1 page = 64KB). 0 uses DefaultMemoryLimitPages.
	MemoryLimitPages uint32
	// StepTimeout caps wall-clock time per step. 0 uses DefaultStepTimeout.
	StepTimeout time.Duration
}

// Host owns one wazero runtime. A loader generation creates its own Host so
// that guest code compiled for one generation is never shared with the next.
type Host struct {
	logger      *slog.Logger
	runtime     wazero.Runtime
	stepTimeout time.Duration

	hostFunctions map[string]struct{}

	mu        sync.Mutex
	closed    bool
	instances map[string]api.Module
}

func NewHost(ctx context.Context, cfg Config) (*Host, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	memPages := cfg.MemoryLimitPages
	if memPages == 0 {
		memPages = DefaultMemoryLimitPages
	}
	stepTimeout := cfg.StepTimeout
	if stepTimeout == 0 {
		stepTimeout = DefaultStepTimeout
	}

	runtimeCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(memPages).
		WithCloseOnContextDone(true)

	h := &Host{
		logger:        cfg.Logger.With("component", "wasm"),
		runtime:       wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		stepTimeout:   stepTimeout,
		hostFunctions: map[string]struct{}{},
		instances:     map[string]api.Module{},
	}

	builder := h.runtime.NewHostModuleBuilder("host")
	builder.NewFunctionBuilder().WithFunc(h.hostPrint).Export("print")
	builder.NewFunctionBuilder().WithFunc(h.hostAction).Export("action")
	builder.NewFunctionBuilder().WithFunc(h.hostLog).Export("log")
	for _, name := range []string{"host.print", "host.action", "host.log"} {
		h.hostFunctions[name] = struct{}{}
	}

	if _, err := builder.Instantiate(ctx); err != nil {
		_ = h.runtime.Close(ctx)
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}
	return h, nil
}

func (h *Host) HasHostFunction(name string) bool {
	_, ok := h.hostFunctions[name]
	return ok
}

// Close releases every instance and the runtime with its compiled code.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	for name, mod := range h.instances {
		_ = mod.Close(ctx)
		delete(h.instances, name)
	}
	h.mu.Unlock()
	return h.runtime.Close(ctx)
}

// InstanceCount reports how many guest instances are live.
func (h *Host) InstanceCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.instances)
}

// Module is guest code compiled by one Host.
type Module struct {
	host     *Host
	name     string
	compiled wazero.CompiledModule
}

// Compile validates wasmBytes and checks the step export.
func (h *Host) Compile(ctx context.Context, name string, wasmBytes []byte) (*Module, error) {
	compiled, err := h.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, &StepFault{Reason: FaultCompile, Module: name, Detail: err.Error()}
	}
	def, ok := compiled.ExportedFunctions()[StepExport]
	if !ok {
		_ = compiled.Close(ctx)
		return nil, &StepFault{Reason: FaultNoExport, Module: name, Detail: "missing " + StepExport + " export"}
	}
	if len(def.ParamTypes()) != 0 || len(def.ResultTypes()) != 1 || def.ResultTypes()[0] != api.ValueTypeI32 {
		_ = compiled.Close(ctx)
		return nil, &StepFault{Reason: FaultNoExport, Module: name, Detail: StepExport + " must have signature () -> i32"}
	}
	h.logger.Info("wasm module compiled", "module", name, "bytes", len(wasmBytes))
	return &Module{host: h, name: name, compiled: compiled}, nil
}

func (m *Module) Name() string { return m.name }

// Instance is one worker's private instantiation of a Module.
type Instance struct {
	host   *Host
	name   string
	module api.Module
	step   api.Function
}

// Instantiate creates a guest instance. instanceName must be unique within
// the host.
func (m *Module) Instantiate(ctx context.Context, instanceName string) (*Instance, error) {
	h := m.host
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, &StepFault{Reason: FaultClosed, Module: m.name, Detail: "host closed"}
	}
	h.mu.Unlock()

	mod, err := h.runtime.InstantiateModule(ctx, m.compiled, wazero.NewModuleConfig().WithName(instanceName))
	if err != nil {
		return nil, fmt.Errorf("instantiate wasm module %s: %w", m.name, err)
	}

	h.mu.Lock()
	h.instances[instanceName] = mod
	h.mu.Unlock()
	return &Instance{host: h, name: instanceName, module: mod, step: mod.ExportedFunction(StepExport)}, nil
}

// Step calls the guest's step export. Guest callbacks go to the Guest
// attached to ctx with WithGuest.
func (i *Instance) Step(ctx context.Context) (int32, error) {
	callCtx, cancel := context.WithTimeout(ctx, i.host.stepTimeout)
	defer cancel()

	results, err := i.step.Call(callCtx)
	if err != nil {
		return 0, classifyFault(i.name, err)
	}
	if len(results) == 0 {
		return 0, &StepFault{Reason: FaultExecError, Module: i.name, Detail: "step returned no result"}
	}
	return int32(results[0]), nil
}

func (i *Instance) Close(ctx context.Context) error {
	i.host.mu.Lock()
	delete(i.host.instances, i.name)
	i.host.mu.Unlock()
	return i.module.Close(ctx)
}

// classifyFault maps a guest execution error to a StepFault.
func classifyFault(moduleName string, err error) *StepFault {
	if errors.Is(err, context.DeadlineExceeded) {
		return &StepFault{Reason: FaultTimeout, Module: moduleName, Detail: err.Error()}
	}
	if errors.Is(err, context.Canceled) {
		return &StepFault{Reason: FaultTimeout, Module: moduleName, Detail: "canceled"}
	}
	// wazero raises sys.ExitError on context-driven termination.
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		return &StepFault{Reason: FaultTimeout, Module: moduleName, Detail: err.Error()}
	}
	errMsg := err.Error()
	if strings.Contains(errMsg, "memory") {
		return &StepFault{Reason: FaultMemoryExceeded, Module: moduleName, Detail: errMsg}
	}
	return &StepFault{Reason: FaultExecError, Module: moduleName, Detail: errMsg}
}
