// Package actions is the host's action dispatcher. Tasks queue named actions
// and a single performer drains them at a fixed pace.
package actions

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Performer carries out one action.
type Performer func(ctx context.Context, name string)

// Queue holds pending actions in issue order.
type Queue struct {
	mu      sync.Mutex
	pending []string
	wake    chan struct{}

	perform  Performer
	interval time.Duration
	logger   *slog.Logger

	performed int
	dropped   int
}

func NewQueue(perform Performer, interval time.Duration, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &Queue{
		wake:     make(chan struct{}, 1),
		perform:  perform,
		interval: interval,
		logger:   logger.With("component", "actions"),
	}
}

// Issue appends an action.
func (q *Queue) Issue(name string) {
	if name == "" {
		return
	}
	q.mu.Lock()
	q.pending = append(q.pending, name)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// StopAction drops the oldest queued action, if any.
func (q *Queue) StopAction() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return
	}
	q.logger.Debug("queued action dropped", "action", q.pending[0])
	q.pending = q.pending[1:]
	q.dropped++
}

// Pending returns a copy of the queued actions.
func (q *Queue) Pending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.pending...)
}

// Stats reports how many actions were performed and dropped.
func (q *Queue) Stats() (performed, dropped int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.performed, q.dropped
}

func (q *Queue) next() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return "", false
	}
	name := q.pending[0]
	q.pending = q.pending[1:]
	q.performed++
	return name, true
}

// Run drains the queue until ctx is done, performing at most one action per
// interval.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()
	for {
		name, ok := q.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}
		if q.perform != nil {
			q.perform(ctx, name)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
