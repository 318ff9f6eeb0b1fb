package wasm

import (
	"context"
	"strings"

	"github.com/tetratelabs/wazero/api"
)

// Guest receives the side effects a guest asks the host for during a step.
type Guest struct {
	Print  func(line string)
	Action func(name string)
}

type guestKey struct{}

// WithGuest attaches the callbacks for one worker's step calls.
func WithGuest(ctx context.Context, g Guest) context.Context {
	return context.WithValue(ctx, guestKey{}, g)
}

func guestFrom(ctx context.Context) Guest {
	g, _ := ctx.Value(guestKey{}).(Guest)
	return g
}

// readWASMString reads a string from WASM linear memory at the given pointer and length.
func readWASMString(module api.Module, ptr, length uint32) (string, bool) {
	mem := module.Memory()
	if mem == nil {
		return "", false
	}
	data, ok := mem.Read(ptr, length)
	if !ok {
		return "", false
	}
	return string(data), true
}

func (h *Host) hostPrint(ctx context.Context, module api.Module, ptr uint32, length uint32) {
	line, ok := readWASMString(module, ptr, length)
	if !ok {
		h.logger.Warn("host.print: failed to read line from wasm memory", "ptr", ptr, "len", length)
		return
	}
	if g := guestFrom(ctx); g.Print != nil {
		g.Print(line)
	}
}

func (h *Host) hostAction(ctx context.Context, module api.Module, ptr uint32, length uint32) {
	name, ok := readWASMString(module, ptr, length)
	if !ok {
		h.logger.Warn("host.action: failed to read action from wasm memory", "ptr", ptr, "len", length)
		return
	}
	if g := guestFrom(ctx); g.Action != nil {
		g.Action(name)
	}
}

func (h *Host) hostLog(ctx context.Context, module api.Module, levelPtr uint32, levelLen uint32, msgPtr uint32, msgLen uint32) {
	level, ok := readWASMString(module, levelPtr, levelLen)
	if !ok {
		level = "info"
	}
	msg, ok := readWASMString(module, msgPtr, msgLen)
	if !ok {
		h.logger.Warn("host.log: failed to read message from wasm memory")
		return
	}

	logger := h.logger.With("module", module.Name())
	switch strings.ToLower(level) {
	case "error":
		logger.Error("wasm guest log", "msg", msg)
	case "warn":
		logger.Warn("wasm guest log", "msg", msg)
	case "debug":
		logger.Debug("wasm guest log", "msg", msg)
	default:
		logger.Info("wasm guest log", "msg", msg)
	}
}
