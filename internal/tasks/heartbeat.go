package tasks

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/basket/go-drover/internal/bus"
	"github.com/basket/go-drover/internal/task"
)

// HeartbeatTypeName is the host-owned heartbeat task.
const HeartbeatTypeName = "core.heartbeat_task"

type heartbeatType struct{}

func (heartbeatType) Name() string { return HeartbeatTypeName }

func (heartbeatType) Registration() (task.Registration, error) {
	return task.Registration{
		Description:  "Publishes a numbered heartbeat line on the event bus every iteration",
		Abbreviation: "hb",
	}, nil
}

func (heartbeatType) New() (task.Body, error) { return &heartbeat{}, nil }

type heartbeat struct {
	beats atomic.Int64
}

func (h *heartbeat) Setup(w *task.Worker) error {
	if _, ok := publisher(w); !ok {
		return fmt.Errorf("event bus cannot publish")
	}
	w.RegisterCommand("n", "", "Show the number of beats sent", func(args []string) {
		if len(args) != 0 {
			w.PrintCommandUsage("n")
			return
		}
		w.Print(fmt.Sprintf("%d beats sent", h.beats.Load()))
	})
	return nil
}

func (h *heartbeat) Work(ctx context.Context, w *task.Worker) error {
	p, _ := publisher(w)
	return w.Loop(func(context.Context) (bool, error) {
		n := h.beats.Add(1)
		p.Publish(bus.TopicHeartbeat, fmt.Sprintf("%s #%d", w.RunID(), n))
		return false, nil
	})
}
