package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/basket/go-drover/internal/bus"
)

var (
	// ErrNotRunning is returned when a worker operation needs a started worker.
	ErrNotRunning = errors.New("task: worker not running")
	// ErrStopped is returned for operations on a worker that is tearing down.
	ErrStopped = errors.New("task: worker stopped")
	// ErrNoBus is returned by Subscribe when the environment has no event bus.
	ErrNoBus = errors.New("task: no event bus")
)

type State int32

const (
	Created State = iota
	Running
	Paused
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Options identify a worker inside its registry generation.
type Options struct {
	Abbrev     string
	Generation int
	// OnStopped runs once from teardown, after every subscription is gone.
	OnStopped func(*Worker)
}

// Worker is one running instance of a task type.
type Worker struct {
	typeName   string
	name       string
	abbrev     string
	generation int
	runID      string

	body      Body
	env       Env
	logger    *slog.Logger
	onStopped func(*Worker)

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	cond   *sync.Cond
	state  State
	paused bool
	subs   []bus.Token

	commands commandTable
	timeout  atomic.Int64

	stopRequested atomic.Bool
	startOnce     sync.Once
	teardownOnce  sync.Once
	done          chan struct{}
}

// New constructs a worker for typ. Construction failures, including a
// panicking constructor or Setup, are returned to the caller.
func New(typ Type, env Env, opts Options) (w *Worker, err error) {
	env = env.withDefaults()
	name := SimpleName(typ.Name())

	defer func() {
		if r := recover(); r != nil {
			w = nil
			err = fmt.Errorf("construct %s: %v", name, r)
		}
	}()

	body, err := typ.New()
	if err != nil {
		return nil, fmt.Errorf("construct %s: %w", name, err)
	}
	if body == nil {
		return nil, fmt.Errorf("construct %s: nil body", name)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runID := uuid.NewString()
	w = &Worker{
		typeName:   typ.Name(),
		name:       name,
		abbrev:     opts.Abbrev,
		generation: opts.Generation,
		runID:      runID,
		body:       body,
		env:        env,
		onStopped:  opts.OnStopped,
		ctx:        ctx,
		cancel:     cancel,
		state:      Created,
		done:       make(chan struct{}),
	}
	w.logger = env.Logger.With(
		"component", "worker",
		"task", name,
		"abbrev", opts.Abbrev,
		"run_id", runID,
		"generation", opts.Generation,
	)
	w.cond = sync.NewCond(&w.mu)
	w.timeout.Store(int64(env.DefaultTimeout))
	w.registerBuiltinCommands()

	if err := body.Setup(w); err != nil {
		cancel()
		return nil, fmt.Errorf("setup %s: %w", name, err)
	}
	return w, nil
}

// Start launches the worker goroutine. Only the first call has an effect.
func (w *Worker) Start() {
	w.startOnce.Do(func() {
		w.mu.Lock()
		cancelled := w.ctx.Err() != nil
		if !cancelled {
			w.state = Running
		}
		w.mu.Unlock()

		if cancelled {
			go w.teardown(OutcomeCancelled, "")
			return
		}

		rec := RunRecord{
			RunID:      w.runID,
			TypeName:   w.typeName,
			Abbrev:     w.abbrev,
			Generation: w.generation,
			StartedAt:  time.Now().UTC(),
		}
		if err := w.env.Recorder.RecordRunStart(context.Background(), rec); err != nil {
			w.logger.Warn("record run start failed", "error", err)
		}
		w.env.Metrics.WorkerStarted(context.Background(), w.typeName)
		w.logger.Info("worker started")
		go w.run()
	})
}

func (w *Worker) run() {
	outcome, detail := w.work()
	w.teardown(outcome, detail)
}

func (w *Worker) work() (outcome, detail string) {
	defer func() {
		if r := recover(); r != nil {
			detail = fmt.Sprint(r)
			w.logger.Error("task fault", "fault", detail, "stack", string(debug.Stack()))
			w.Print(fmt.Sprintf("%s has encountered an error - %s", w.name, detail))
			outcome = OutcomeFault
		}
	}()

	err := w.body.Work(w.ctx, w)
	if w.ctx.Err() != nil && (err == nil || errors.Is(err, context.Canceled)) {
		return OutcomeCancelled, ""
	}
	if err != nil {
		w.logger.Error("task fault", "error", err)
		w.Print(fmt.Sprintf("%s has encountered an error - %v", w.name, err))
		return OutcomeFault, err.Error()
	}
	return OutcomeCompleted, ""
}

func (w *Worker) teardown(outcome, detail string) {
	w.teardownOnce.Do(func() {
		w.mu.Lock()
		w.state = Stopping
		subs := w.subs
		w.subs = nil
		w.mu.Unlock()

		for _, tok := range subs {
			w.env.Bus.Unsubscribe(tok)
		}
		w.cancel()

		w.mu.Lock()
		w.state = Stopped
		w.paused = false
		w.cond.Broadcast()
		w.mu.Unlock()

		if err := w.env.Recorder.RecordRunEnd(context.Background(), w.runID, outcome, detail); err != nil {
			w.logger.Warn("record run end failed", "error", err)
		}
		w.env.Metrics.WorkerStopped(context.Background(), w.typeName, outcome)
		w.logger.Info("worker stopped", "outcome", outcome, "subscriptions_released", len(subs))

		if w.onStopped != nil {
			w.onStopped(w)
		}
		w.Print(w.name + " was stopped")
		close(w.done)
	})
}

// Stop requests cancellation. A worker blocked at its pause checkpoint is
// woken so it observes the request. Repeated calls are no-ops.
func (w *Worker) Stop() {
	if w.Finished() || !w.stopRequested.CompareAndSwap(false, true) {
		return
	}
	w.Print("Deactivating " + w.name)

	w.mu.Lock()
	if w.state == Running || w.state == Paused {
		w.state = Stopping
	}
	w.cancel()
	w.cond.Broadcast()
	w.mu.Unlock()
}

// Pause sets the pause flag and flushes queued host actions. The worker
// blocks at its next checkpoint.
func (w *Worker) Pause() {
	w.mu.Lock()
	if w.paused || w.state != Running {
		w.mu.Unlock()
		return
	}
	w.paused = true
	w.state = Paused
	w.mu.Unlock()

	if w.env.Actions != nil {
		for i := 0; i < w.env.StopSignals; i++ {
			w.env.Actions.StopAction()
		}
	}
	w.logger.Info("worker paused")
	w.Print(w.name + " is paused.")
}

// Resume clears the pause flag and wakes the worker.
func (w *Worker) Resume() {
	w.mu.Lock()
	if !w.paused {
		w.mu.Unlock()
		return
	}
	w.paused = false
	if w.state == Paused {
		w.state = Running
	}
	w.cond.Broadcast()
	w.mu.Unlock()

	w.logger.Info("worker resumed")
	w.Print(w.name + " is resumed.")
}

func (w *Worker) TogglePause() {
	if w.Paused() {
		w.Resume()
	} else {
		w.Pause()
	}
}

// Checkpoint blocks while the worker is paused and returns the context
// error once cancellation has been requested.
func (w *Worker) Checkpoint() error {
	w.mu.Lock()
	for w.paused && w.ctx.Err() == nil {
		w.cond.Wait()
	}
	w.mu.Unlock()
	return w.ctx.Err()
}

// Sleep waits one iteration timeout or until cancellation.
func (w *Worker) Sleep() error {
	timer := time.NewTimer(w.Timeout())
	defer timer.Stop()
	select {
	case <-w.ctx.Done():
		return w.ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Loop runs step once per iteration: checkpoint, step, sleep. It returns
// when step reports done, step fails, or the worker is cancelled.
func (w *Worker) Loop(step func(ctx context.Context) (done bool, err error)) error {
	for {
		if err := w.Checkpoint(); err != nil {
			return err
		}
		start := time.Now()
		done, err := step(w.ctx)
		w.env.Metrics.Iteration(w.ctx, w.typeName, time.Since(start))
		if err != nil || done {
			return err
		}
		if err := w.Sleep(); err != nil {
			return err
		}
	}
}

// Subscribe registers a bus callback owned by this worker. It is released
// at teardown. Subscriptions are only accepted while the worker is running.
// A callback that is mid-delivery when teardown unsubscribes it may still
// finish, so callbacks should tolerate a stopped worker.
func (w *Worker) Subscribe(topicPrefix string, filter bus.Filter, callback bus.Callback) (bus.Token, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.state {
	case Created:
		return "", ErrNotRunning
	case Stopping, Stopped:
		return "", ErrStopped
	}
	if w.env.Bus == nil {
		return "", ErrNoBus
	}
	tok := w.env.Bus.Subscribe(topicPrefix, filter, callback)
	w.subs = append(w.subs, tok)
	return tok, nil
}

// Unsubscribe releases one subscription before teardown.
func (w *Worker) Unsubscribe(tok bus.Token) {
	w.mu.Lock()
	found := false
	for i, t := range w.subs {
		if t == tok {
			w.subs = append(w.subs[:i], w.subs[i+1:]...)
			found = true
			break
		}
	}
	w.mu.Unlock()
	if found {
		w.env.Bus.Unsubscribe(tok)
	}
}

// SubscriptionCount reports how many bus subscriptions the worker holds.
func (w *Worker) SubscriptionCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.subs)
}

// SetTimeout sets the iteration timeout, clamping to the configured floor.
func (w *Worker) SetTimeout(d time.Duration) (effective time.Duration, clamped bool) {
	if d < w.env.MinTimeout {
		d = w.env.MinTimeout
		clamped = true
	}
	w.timeout.Store(int64(d))
	return d, clamped
}

func (w *Worker) Timeout() time.Duration {
	return time.Duration(w.timeout.Load())
}

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) Paused() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.paused
}

// Interrupted reports whether cancellation has been requested.
func (w *Worker) Interrupted() bool {
	return w.ctx.Err() != nil
}

// Finished reports whether teardown has completed.
func (w *Worker) Finished() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// Done is closed when teardown completes.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Name is the type's simple name.
func (w *Worker) Name() string { return w.name }

func (w *Worker) TypeName() string { return w.typeName }

func (w *Worker) Abbrev() string { return w.abbrev }

func (w *Worker) RunID() string { return w.runID }

func (w *Worker) Generation() int { return w.generation }

func (w *Worker) Logger() *slog.Logger { return w.logger }

// Bus exposes the event bus for bodies that publish as well as subscribe.
func (w *Worker) Bus() EventBus { return w.env.Bus }

// Actions exposes the host action dispatcher.
func (w *Worker) Actions() StopSignaler { return w.env.Actions }

// Print writes one console line.
func (w *Worker) Print(line string) {
	w.env.Out.Print(line)
}

// parseMillis accepts a 32-bit millisecond count.
func parseMillis(raw string) (time.Duration, error) {
	ms, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 32)
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}
