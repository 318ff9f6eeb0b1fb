package wasm_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/basket/go-drover/internal/sandbox/wasm"
	"github.com/basket/go-drover/internal/sandbox/wasm/wasmtest"
)

func newHost(t *testing.T) *wasm.Host {
	t.Helper()
	h, err := wasm.NewHost(context.Background(), wasm.Config{})
	if err != nil {
		t.Fatalf("new wasm host: %v", err)
	}
	t.Cleanup(func() { _ = h.Close(context.Background()) })
	return h
}

func TestHost_RegistersHostFunctions(t *testing.T) {
	h := newHost(t)
	for _, name := range []string{"host.print", "host.action", "host.log"} {
		if !h.HasHostFunction(name) {
			t.Fatalf("missing host function: %s", name)
		}
	}
}

func TestHost_StepResults(t *testing.T) {
	tests := []struct {
		name string
		wasm []byte
		want int32
	}{
		{"continue", wasmtest.StepReturning(0), wasm.StepContinue},
		{"finished", wasmtest.StepReturning(1), wasm.StepFinished},
		{"custom", wasmtest.StepReturning(7), 7},
	}
	h := newHost(t)
	ctx := context.Background()
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mod, err := h.Compile(ctx, tc.name, tc.wasm)
			if err != nil {
				t.Fatalf("compile: %v", err)
			}
			inst, err := mod.Instantiate(ctx, tc.name+"#1")
			if err != nil {
				t.Fatalf("instantiate: %v", err)
			}
			defer inst.Close(ctx)

			got, err := inst.Step(ctx)
			if err != nil {
				t.Fatalf("step: %v", err)
			}
			if got != tc.want {
				t.Fatalf("step = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestHost_CompileFaults(t *testing.T) {
	tests := []struct {
		name   string
		wasm   []byte
		reason string
	}{
		{"garbage", []byte("not a wasm module"), wasm.FaultCompile},
		{"missing export", wasmtest.NoStep(), wasm.FaultNoExport},
	}
	h := newHost(t)
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.Compile(context.Background(), tc.name, tc.wasm)
			var fault *wasm.StepFault
			if !errors.As(err, &fault) {
				t.Fatalf("expected StepFault, got %v", err)
			}
			if fault.Reason != tc.reason {
				t.Fatalf("reason = %s, want %s", fault.Reason, tc.reason)
			}
		})
	}
}

func TestHost_TrapIsExecFault(t *testing.T) {
	h := newHost(t)
	ctx := context.Background()
	mod, err := h.Compile(ctx, "trap", wasmtest.Trap())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	inst, err := mod.Instantiate(ctx, "trap#1")
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	defer inst.Close(ctx)

	_, err = inst.Step(ctx)
	var fault *wasm.StepFault
	if !errors.As(err, &fault) || fault.Reason != wasm.FaultExecError {
		t.Fatalf("expected %s fault, got %v", wasm.FaultExecError, err)
	}
}

func TestHost_GuestPrintReachesCallback(t *testing.T) {
	h := newHost(t)
	mod, err := h.Compile(context.Background(), "hello", wasmtest.PrintHello())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	inst, err := mod.Instantiate(context.Background(), "hello#1")
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	defer inst.Close(context.Background())

	var mu sync.Mutex
	var printed []string
	ctx := wasm.WithGuest(context.Background(), wasm.Guest{
		Print: func(line string) {
			mu.Lock()
			printed = append(printed, line)
			mu.Unlock()
		},
	})
	if _, err := inst.Step(ctx); err != nil {
		t.Fatalf("step: %v", err)
	}
	if len(printed) != 1 || printed[0] != "hello" {
		t.Fatalf("printed = %q, want [hello]", printed)
	}

	// Without a guest attached the call still succeeds.
	if _, err := inst.Step(context.Background()); err != nil {
		t.Fatalf("step without guest: %v", err)
	}
}

func TestHost_InstancesTrackedAndClosed(t *testing.T) {
	h, err := wasm.NewHost(context.Background(), wasm.Config{})
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	ctx := context.Background()
	mod, err := h.Compile(ctx, "counter", wasmtest.StepReturning(0))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	a, err := mod.Instantiate(ctx, "counter#a")
	if err != nil {
		t.Fatalf("instantiate a: %v", err)
	}
	if _, err := mod.Instantiate(ctx, "counter#b"); err != nil {
		t.Fatalf("instantiate b: %v", err)
	}
	if got := h.InstanceCount(); got != 2 {
		t.Fatalf("instances = %d, want 2", got)
	}
	_ = a.Close(ctx)
	if got := h.InstanceCount(); got != 1 {
		t.Fatalf("instances after close = %d, want 1", got)
	}

	if err := h.Close(ctx); err != nil {
		t.Fatalf("close host: %v", err)
	}
	if err := h.Close(ctx); err != nil {
		t.Fatalf("second close: %v", err)
	}
	_, err = mod.Instantiate(ctx, "counter#c")
	var fault *wasm.StepFault
	if !errors.As(err, &fault) || fault.Reason != wasm.FaultClosed {
		t.Fatalf("instantiate after close: %v", err)
	}
}
