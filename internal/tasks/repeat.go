package tasks

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/basket/go-drover/internal/archive"
	"github.com/basket/go-drover/internal/task"
)

// repeat issues one host action per iteration.
//
// Settings: action (required), count (0 repeats until stopped).
type repeat struct {
	mu     sync.Mutex
	action string
	count  int
	issued int
}

func newRepeat(spec archive.Spec) (task.Body, error) {
	action := spec.Settings.String("action", "")
	if action == "" {
		return nil, fmt.Errorf("%s: repeat needs an action setting", spec.TypeName)
	}
	count := spec.Settings.Int("count", 0)
	if count < 0 {
		return nil, fmt.Errorf("%s: count must not be negative", spec.TypeName)
	}
	return &repeat{action: action, count: count}, nil
}

func (r *repeat) Setup(w *task.Worker) error {
	if _, ok := issuer(w); !ok {
		return fmt.Errorf("no action dispatcher")
	}
	w.RegisterCommand("a", "action", "Change the repeated action", func(args []string) {
		if len(args) != 1 {
			w.PrintCommandUsage("a")
			return
		}
		r.mu.Lock()
		r.action = args[0]
		r.mu.Unlock()
		w.Print("Repeating " + args[0])
	})
	w.RegisterCommand("n", "count", "Stop after count more actions, 0 for no limit", func(args []string) {
		n, err := 0, error(nil)
		if len(args) == 1 {
			n, err = strconv.Atoi(args[0])
		}
		if len(args) != 1 || err != nil || n < 0 {
			w.PrintCommandUsage("n")
			return
		}
		r.mu.Lock()
		r.count, r.issued = n, 0
		r.mu.Unlock()
	})
	return nil
}

func (r *repeat) Work(ctx context.Context, w *task.Worker) error {
	i, _ := issuer(w)
	return w.Loop(func(context.Context) (bool, error) {
		r.mu.Lock()
		action := r.action
		r.issued++
		done := r.count > 0 && r.issued >= r.count
		r.mu.Unlock()

		i.Issue(action)
		return done, nil
	})
}
