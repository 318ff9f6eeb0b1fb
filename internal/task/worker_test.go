package task

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/go-drover/internal/bus"
	"github.com/basket/go-drover/internal/telemetry"
)

type captureOutput struct {
	mu    sync.Mutex
	lines []string
}

func (c *captureOutput) Print(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, line)
}

func (c *captureOutput) Lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

func (c *captureOutput) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = nil
}

func (c *captureOutput) Has(line string) bool {
	for _, l := range c.Lines() {
		if l == line {
			return true
		}
	}
	return false
}

type countingBus struct {
	*bus.Bus
	mu    sync.Mutex
	unsub map[bus.Token]int
}

func newCountingBus() *countingBus {
	return &countingBus{Bus: bus.New(), unsub: make(map[bus.Token]int)}
}

func (b *countingBus) Unsubscribe(tok bus.Token) bool {
	b.mu.Lock()
	b.unsub[tok]++
	b.mu.Unlock()
	return b.Bus.Unsubscribe(tok)
}

func (b *countingBus) UnsubscribeCalls(tok bus.Token) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unsub[tok]
}

type countingActions struct{ n atomic.Int32 }

func (a *countingActions) StopAction() { a.n.Add(1) }

type memRecorder struct {
	mu       sync.Mutex
	started  []RunRecord
	outcomes map[string]string
}

func (r *memRecorder) RecordRunStart(_ context.Context, rec RunRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, rec)
	return nil
}

func (r *memRecorder) RecordRunEnd(_ context.Context, runID, outcome, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcomes == nil {
		r.outcomes = make(map[string]string)
	}
	r.outcomes[runID] = outcome
	return nil
}

func (r *memRecorder) Outcome(runID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcomes[runID]
}

type stubType struct {
	name string
	newf func() (Body, error)
}

func (s stubType) Name() string { return s.name }

func (s stubType) Registration() (Registration, error) {
	return Registration{Description: "stub", Abbreviation: "s"}, nil
}

func (s stubType) New() (Body, error) { return s.newf() }

// probeBody subscribes once and counts loop iterations.
type probeBody struct {
	iterations atomic.Int32
	token      atomic.Value
	setupErr   error
	work       func(ctx context.Context, w *Worker) error
}

func (p *probeBody) Setup(w *Worker) error {
	w.RegisterCommand("x", "value", "first x", func([]string) {})
	return p.setupErr
}

func (p *probeBody) Work(ctx context.Context, w *Worker) error {
	if p.work != nil {
		return p.work(ctx, w)
	}
	tok, err := w.Subscribe(bus.TopicEvent, nil, func() {})
	if err != nil {
		return err
	}
	p.token.Store(tok)
	return w.Loop(func(context.Context) (bool, error) {
		p.iterations.Add(1)
		return false, nil
	})
}

type harness struct {
	out      *captureOutput
	bus      *countingBus
	actions  *countingActions
	recorder *memRecorder
	stopped  atomic.Int32
}

func newHarness() *harness {
	return &harness{
		out:      &captureOutput{},
		bus:      newCountingBus(),
		actions:  &countingActions{},
		recorder: &memRecorder{},
	}
}

func (h *harness) env() Env {
	return Env{
		Bus:            h.bus,
		Actions:        h.actions,
		Out:            h.out,
		Recorder:       h.recorder,
		Logger:         telemetry.Discard(),
		MinTimeout:     10 * time.Millisecond,
		DefaultTimeout: 10 * time.Millisecond,
		StopSignals:    3,
	}
}

func (h *harness) newWorker(t *testing.T, body Body) *Worker {
	t.Helper()
	typ := stubType{name: "tasks.probe_task", newf: func() (Body, error) { return body, nil }}
	w, err := New(typ, h.env(), Options{
		Abbrev:     "p",
		Generation: 1,
		OnStopped:  func(*Worker) { h.stopped.Add(1) },
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	return w
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitDone(t *testing.T, w *Worker) {
	t.Helper()
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("worker %s did not finish", w.Name())
	}
}

func TestWorker_TimeoutCommand(t *testing.T) {
	tests := []struct {
		name        string
		words       []string
		wantLines   []string
		wantTimeout time.Duration
	}{
		{
			name:        "valid",
			words:       []string{"t", "500"},
			wantLines:   []string{"Current timeout is 500 milliseconds"},
			wantTimeout: 500 * time.Millisecond,
		},
		{
			name:        "below floor is clamped",
			words:       []string{"t", "3"},
			wantLines:   []string{"Too small timeout!", "Current timeout is 10 milliseconds"},
			wantTimeout: 10 * time.Millisecond,
		},
		{
			name:        "not a number",
			words:       []string{"t", "soon"},
			wantLines:   []string{"Wrong timeout value!"},
			wantTimeout: 10 * time.Millisecond,
		},
		{
			name:        "out of range",
			words:       []string{"t", "10000000000000"},
			wantLines:   []string{"Wrong timeout value!"},
			wantTimeout: 10 * time.Millisecond,
		},
		{
			name:        "missing argument",
			words:       []string{"t"},
			wantLines:   []string{"Usage: probe_task t timeout"},
			wantTimeout: 10 * time.Millisecond,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness()
			w := h.newWorker(t, &probeBody{})
			if err := w.HandleInput(tc.words); err != nil {
				t.Fatalf("handle input: %v", err)
			}
			got := h.out.Lines()
			if strings.Join(got, "\n") != strings.Join(tc.wantLines, "\n") {
				t.Fatalf("output = %q, want %q", got, tc.wantLines)
			}
			if w.Timeout() != tc.wantTimeout {
				t.Fatalf("timeout = %v, want %v", w.Timeout(), tc.wantTimeout)
			}
		})
	}
}

func TestWorker_InfoAndUnknownKey(t *testing.T) {
	h := newHarness()
	w := h.newWorker(t, &probeBody{})

	_ = w.HandleInput([]string{"info", "t"})
	if !h.out.Has("Set the timeout for the task in milliseconds") {
		t.Fatalf("info t output = %q", h.out.Lines())
	}

	h.out.Reset()
	_ = w.HandleInput([]string{"info", "nope"})
	lines := h.out.Lines()
	if len(lines) < 2 || lines[0] != "Unknown key" || lines[1] != w.Usage() {
		t.Fatalf("info unknown output = %q", lines)
	}

	h.out.Reset()
	_ = w.HandleInput([]string{"info"})
	if !h.out.Has("Usage: probe_task info key") {
		t.Fatalf("info arity output = %q", h.out.Lines())
	}

	h.out.Reset()
	_ = w.HandleInput([]string{"jump"})
	if got := h.out.Lines(); len(got) != 1 || got[0] != "Unknown key - jump" {
		t.Fatalf("unknown key output = %q", got)
	}
	if w.State() != Created {
		t.Fatalf("state = %v, want created", w.State())
	}
}

func TestWorker_UsageAndReplacement(t *testing.T) {
	h := newHarness()
	w := h.newWorker(t, &probeBody{})

	if got, want := w.Usage(), "Usage: probe_task {info|off|pause|t|x}"; got != want {
		t.Fatalf("usage = %q, want %q", got, want)
	}

	w.RegisterCommand("x", "value", "second x", func([]string) { h.out.Print("replaced") })
	_ = w.HandleInput([]string{"x", "1"})
	if !h.out.Has("replaced") {
		t.Fatal("later registration should replace the earlier handler")
	}

	h.out.Reset()
	w.PrintVerboseUsage()
	lines := h.out.Lines()
	if len(lines) != 6 {
		t.Fatalf("verbose usage lines = %q", lines)
	}
	if lines[5] != "x value: second x" {
		t.Fatalf("verbose usage last line = %q", lines[5])
	}
	if lines[2] != "off: Deactivate the task" {
		t.Fatalf("verbose usage off line = %q", lines[2])
	}
}

func TestWorker_HandlerPanicIsReported(t *testing.T) {
	h := newHarness()
	w := h.newWorker(t, &probeBody{})
	w.RegisterCommand("boom", "", "panics", func([]string) { panic("bad input") })

	err := w.HandleInput([]string{"boom"})
	if err == nil || !strings.Contains(err.Error(), "bad input") {
		t.Fatalf("expected recovered panic error, got %v", err)
	}
}

func TestWorker_PauseBlocksAtCheckpoint(t *testing.T) {
	h := newHarness()
	body := &probeBody{}
	w := h.newWorker(t, body)
	w.Start()
	defer w.Stop()

	waitFor(t, "first iterations", func() bool { return body.iterations.Load() > 2 })

	w.Pause()
	if !w.Paused() || w.State() != Paused {
		t.Fatalf("paused=%v state=%v", w.Paused(), w.State())
	}
	if got := h.actions.n.Load(); got != 3 {
		t.Fatalf("stop signals = %d, want 3", got)
	}

	time.Sleep(50 * time.Millisecond)
	before := body.iterations.Load()
	time.Sleep(100 * time.Millisecond)
	if after := body.iterations.Load(); after != before {
		t.Fatalf("paused worker kept iterating: %d -> %d", before, after)
	}

	w.Resume()
	if w.Paused() || w.State() != Running {
		t.Fatalf("after resume paused=%v state=%v", w.Paused(), w.State())
	}
	waitFor(t, "iterations after resume", func() bool { return body.iterations.Load() > before })
	if !h.out.Has("probe_task is paused.") || !h.out.Has("probe_task is resumed.") {
		t.Fatalf("output = %q", h.out.Lines())
	}
}

func TestWorker_PauseCommandToggles(t *testing.T) {
	h := newHarness()
	w := h.newWorker(t, &probeBody{})
	w.Start()
	defer w.Stop()

	_ = w.HandleInput([]string{"pause"})
	if !w.Paused() {
		t.Fatal("pause command should pause")
	}
	_ = w.HandleInput([]string{"pause"})
	if w.Paused() {
		t.Fatal("second pause command should resume")
	}
}

func TestWorker_StopWakesPausedWorker(t *testing.T) {
	h := newHarness()
	body := &probeBody{}
	w := h.newWorker(t, body)
	w.Start()
	waitFor(t, "first iteration", func() bool { return body.iterations.Load() > 0 })

	w.Pause()
	time.Sleep(30 * time.Millisecond)
	_ = w.HandleInput([]string{"off"})
	waitDone(t, w)

	if !w.Interrupted() || !w.Finished() {
		t.Fatalf("interrupted=%v finished=%v", w.Interrupted(), w.Finished())
	}
	if w.State() != Stopped {
		t.Fatalf("state = %v, want stopped", w.State())
	}
	if got := h.stopped.Load(); got != 1 {
		t.Fatalf("onStopped calls = %d, want 1", got)
	}
	if got := h.recorder.Outcome(w.RunID()); got != OutcomeCancelled {
		t.Fatalf("outcome = %q, want %q", got, OutcomeCancelled)
	}
	if !h.out.Has("Deactivating probe_task") || !h.out.Has("probe_task was stopped") {
		t.Fatalf("output = %q", h.out.Lines())
	}
}

func TestWorker_TeardownReleasesSubscriptionsOnce(t *testing.T) {
	h := newHarness()
	body := &probeBody{}
	w := h.newWorker(t, body)

	if _, err := w.Subscribe("early", nil, func() {}); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("subscribe before start: %v", err)
	}

	w.Start()
	waitFor(t, "subscription", func() bool { return body.token.Load() != nil })
	tok := body.token.Load().(bus.Token)

	w.Stop()
	w.Stop()
	waitDone(t, w)
	w.Stop()

	if got := h.bus.UnsubscribeCalls(tok); got != 1 {
		t.Fatalf("unsubscribe calls = %d, want 1", got)
	}
	if got := h.bus.SubscriberCount(); got != 0 {
		t.Fatalf("bus still holds %d subscriptions", got)
	}
	if w.SubscriptionCount() != 0 {
		t.Fatalf("worker still tracks %d subscriptions", w.SubscriptionCount())
	}
	if _, err := w.Subscribe("late", nil, func() {}); !errors.Is(err, ErrStopped) {
		t.Fatalf("subscribe after stop: %v", err)
	}
	if got := h.stopped.Load(); got != 1 {
		t.Fatalf("onStopped calls = %d, want 1", got)
	}
}

func TestWorker_FaultsEndTheRun(t *testing.T) {
	tests := []struct {
		name string
		work func(ctx context.Context, w *Worker) error
		want string
	}{
		{
			name: "panic",
			work: func(context.Context, *Worker) error { panic("lost connection") },
			want: OutcomeFault,
		},
		{
			name: "error",
			work: func(context.Context, *Worker) error { return errors.New("inventory full") },
			want: OutcomeFault,
		},
		{
			name: "completion",
			work: func(context.Context, *Worker) error { return nil },
			want: OutcomeCompleted,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness()
			w := h.newWorker(t, &probeBody{work: tc.work})
			w.Start()
			waitDone(t, w)

			if got := h.recorder.Outcome(w.RunID()); got != tc.want {
				t.Fatalf("outcome = %q, want %q", got, tc.want)
			}
			if got := h.stopped.Load(); got != 1 {
				t.Fatalf("onStopped calls = %d, want 1", got)
			}
		})
	}
}

func TestWorker_FaultKeepsSubscriptionsBalanced(t *testing.T) {
	h := newHarness()
	var tok bus.Token
	w := h.newWorker(t, &probeBody{work: func(ctx context.Context, w *Worker) error {
		var err error
		tok, err = w.Subscribe(bus.TopicEvent, nil, func() {})
		if err != nil {
			return err
		}
		panic("crash after subscribing")
	}})
	w.Start()
	waitDone(t, w)

	if got := h.bus.UnsubscribeCalls(tok); got != 1 {
		t.Fatalf("unsubscribe calls = %d, want 1", got)
	}
	if h.bus.SubscriberCount() != 0 {
		t.Fatal("crashed worker leaked a subscription")
	}
}

func TestWorker_StopBeforeStart(t *testing.T) {
	h := newHarness()
	w := h.newWorker(t, &probeBody{})
	w.Stop()
	w.Start()
	waitDone(t, w)
	if got := h.stopped.Load(); got != 1 {
		t.Fatalf("onStopped calls = %d, want 1", got)
	}
}

func TestNew_PropagatesConstructionFailure(t *testing.T) {
	h := newHarness()
	tests := []struct {
		name string
		typ  Type
	}{
		{
			name: "constructor error",
			typ: stubType{name: "tasks.bad_task", newf: func() (Body, error) {
				return nil, errors.New("missing settings")
			}},
		},
		{
			name: "constructor panic",
			typ: stubType{name: "tasks.bad_task", newf: func() (Body, error) {
				panic("nil map")
			}},
		},
		{
			name: "setup error",
			typ: stubType{name: "tasks.bad_task", newf: func() (Body, error) {
				return &probeBody{setupErr: errors.New("bad keyword")}, nil
			}},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w, err := New(tc.typ, h.env(), Options{})
			if err == nil {
				t.Fatal("expected construction error")
			}
			if w != nil {
				t.Fatal("expected nil worker on failure")
			}
			if !strings.Contains(err.Error(), "bad_task") {
				t.Fatalf("error should name the task: %v", err)
			}
		})
	}
}

func TestIsTaskName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"tasks.guard_task", true},
		{"tasks.sub.repeat_task", true},
		{"tasks.helpers", false},
		{"tasks._task", false},
		{"guard_task", true},
		{"tasks.guard_tasks", false},
	}
	for _, tc := range tests {
		if got := IsTaskName(tc.name); got != tc.want {
			t.Errorf("IsTaskName(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}
}
