// Package cron issues configured console commands into the registry on cron
// schedules.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/go-drover/internal/config"
	droverotel "github.com/basket/go-drover/internal/otel"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow) and descriptors such as "@hourly" or "@every 10m".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Dispatcher receives the command words of a fired schedule.
type Dispatcher interface {
	Dispatch(ctx context.Context, words []string) error
}

type Config struct {
	Schedules  []config.ScheduleConfig
	Dispatcher Dispatcher
	// Prefix is stripped from a command that starts with it.
	Prefix   string
	Logger   *slog.Logger
	Tracer   trace.Tracer
	Interval time.Duration // tick interval; defaults to 1 second if zero
}

type entry struct {
	name     string
	expr     string
	schedule cronlib.Schedule
	words    []string
	next     time.Time
}

// Scheduler checks its schedules every interval and dispatches the ones
// that are due.
type Scheduler struct {
	dispatch Dispatcher
	logger   *slog.Logger
	tracer   trace.Tracer
	interval time.Duration

	mu      sync.Mutex
	entries []*entry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler parses every schedule. An invalid expression or an empty
// command is an error.
func NewScheduler(cfg Config) (*Scheduler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(droverotel.TracerName)
	}

	s := &Scheduler{
		dispatch: cfg.Dispatcher,
		logger:   logger.With("component", "cron"),
		tracer:   tracer,
		interval: interval,
	}
	for i, sc := range cfg.Schedules {
		sched, err := cronParser.Parse(sc.Cron)
		if err != nil {
			return nil, fmt.Errorf("schedules[%d] %q: %w", i, sc.Cron, err)
		}
		words := strings.Fields(sc.Command)
		if cfg.Prefix != "" && len(words) > 0 && words[0] == cfg.Prefix {
			words = words[1:]
		}
		if len(words) == 0 {
			return nil, fmt.Errorf("schedules[%d]: empty command", i)
		}
		name := sc.Name
		if name == "" {
			name = fmt.Sprintf("schedule-%d", i+1)
		}
		s.entries = append(s.entries, &entry{name: name, expr: sc.Cron, schedule: sched, words: words})
	}
	return s, nil
}

// Len returns the number of schedules.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Start arms every schedule from now and runs the loop in a background
// goroutine until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.arm(time.Now())
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "schedules", s.Len(), "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) arm(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		e.next = e.schedule.Next(now)
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

// tick fires every schedule due at now and re-arms it. It returns how many
// fired.
func (s *Scheduler) tick(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if !e.next.IsZero() && !now.Before(e.next) {
			due = append(due, e)
			e.next = e.schedule.Next(now)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		s.fire(ctx, e)
	}
	return len(due)
}

func (s *Scheduler) fire(ctx context.Context, e *entry) {
	ctx, span := droverotel.StartSpan(ctx, s.tracer, "cron.fire",
		droverotel.AttrSchedule.String(e.name),
		droverotel.AttrCommand.String(strings.Join(e.words, " ")),
	)
	defer span.End()

	if err := s.dispatch.Dispatch(ctx, e.words); err != nil {
		span.RecordError(err)
		s.logger.Error("cron: scheduled command failed",
			"schedule_name", e.name,
			"command", strings.Join(e.words, " "),
			"error", err,
		)
		return
	}
	s.logger.Info("cron: schedule fired",
		"schedule_name", e.name,
		"cron_expr", e.expr,
	)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
