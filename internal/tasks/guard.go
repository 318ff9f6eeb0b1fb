package tasks

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/basket/go-drover/internal/archive"
	"github.com/basket/go-drover/internal/bus"
	"github.com/basket/go-drover/internal/task"
)

// guard watches bus lines for keywords and raises an alarm on a match.
//
// Settings: topic (default "event"), keywords (list), alarm (action issued
// on each alarm, optional).
type guard struct {
	topic string
	alarm string

	mu       sync.Mutex
	keywords []string
	last     string

	hits   atomic.Int32
	alarms atomic.Int32
}

func newGuard(spec archive.Spec) (task.Body, error) {
	g := &guard{
		topic: spec.Settings.String("topic", bus.TopicEvent),
		alarm: spec.Settings.String("alarm", ""),
	}
	g.setKeywords(spec.Settings.Strings("keywords"))
	return g, nil
}

func (g *guard) setKeywords(words []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.keywords = g.keywords[:0]
	for _, k := range words {
		g.keywords = append(g.keywords, strings.ToLower(k))
	}
}

func (g *guard) match(text string) bool {
	lower := strings.ToLower(text)
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, k := range g.keywords {
		if strings.Contains(lower, k) {
			g.last = text
			return true
		}
	}
	return false
}

func (g *guard) Setup(w *task.Worker) error {
	w.RegisterCommand("k", "keyword...", "Replace the watched keywords", func(args []string) {
		if len(args) == 0 {
			w.PrintCommandUsage("k")
			return
		}
		g.setKeywords(args)
		w.Print("Watching for " + strings.Join(args, ", "))
	})
	w.RegisterCommand("s", "", "Show alarm count", func(args []string) {
		if len(args) != 0 {
			w.PrintCommandUsage("s")
			return
		}
		w.Print(fmt.Sprintf("%d alarms raised", g.alarms.Load()))
	})
	return nil
}

func (g *guard) Work(ctx context.Context, w *task.Worker) error {
	if _, err := w.Subscribe(g.topic, g.match, func() { g.hits.Add(1) }); err != nil {
		return err
	}
	return w.Loop(func(context.Context) (bool, error) {
		if g.hits.Swap(0) == 0 {
			return false, nil
		}
		g.alarms.Add(1)
		g.mu.Lock()
		last := g.last
		g.mu.Unlock()
		w.Print(w.Name() + " alarm: " + last)
		w.Logger().Info("guard alarm", "line", last)
		if i, ok := issuer(w); ok && g.alarm != "" {
			i.Issue(g.alarm)
		}
		return false, nil
	})
}
