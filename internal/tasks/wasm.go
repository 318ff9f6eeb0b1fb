package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/go-drover/internal/archive"
	"github.com/basket/go-drover/internal/sandbox/wasm"
	"github.com/basket/go-drover/internal/task"
)

// guestBody runs a compiled guest's step export once per iteration. Each
// worker gets its own instance.
type guestBody struct {
	module *wasm.Module
}

func newWasm(spec archive.Spec) (task.Body, error) {
	if spec.Module == nil {
		return nil, fmt.Errorf("%s: wasm kind needs a wasm entry", spec.TypeName)
	}
	return &guestBody{module: spec.Module}, nil
}

func (b *guestBody) Setup(*task.Worker) error { return nil }

func (b *guestBody) Work(ctx context.Context, w *task.Worker) error {
	inst, err := b.module.Instantiate(ctx, w.Name()+"-"+w.RunID())
	if err != nil {
		return err
	}
	defer inst.Close(context.Background())

	guest := wasm.Guest{
		Print: func(line string) { w.Print(w.Name() + ": " + line) },
		Action: func(name string) {
			if i, ok := issuer(w); ok {
				i.Issue(strings.TrimSpace(name))
			}
		},
	}
	stepCtx := wasm.WithGuest(ctx, guest)

	return w.Loop(func(context.Context) (bool, error) {
		code, err := inst.Step(stepCtx)
		if err != nil {
			if ctx.Err() != nil {
				return true, ctx.Err()
			}
			var fault *wasm.StepFault
			if errors.As(err, &fault) {
				w.Logger().Warn("guest step failed", "reason", fault.Reason, "detail", fault.Detail)
			}
			return true, err
		}
		switch code {
		case wasm.StepContinue:
			return false, nil
		case wasm.StepFinished:
			return true, nil
		default:
			return true, fmt.Errorf("guest step returned %d", code)
		}
	})
}
