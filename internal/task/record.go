package task

import (
	"context"
	"time"
)

// Run outcomes recorded when a worker finishes.
const (
	OutcomeCompleted = "completed"
	OutcomeCancelled = "cancelled"
	OutcomeFault     = "fault"
)

// RunRecord describes one worker run for the history store.
type RunRecord struct {
	RunID      string
	TypeName   string
	Abbrev     string
	Generation int
	StartedAt  time.Time
}

// RunRecorder persists worker runs. Errors are logged, never fatal.
type RunRecorder interface {
	RecordRunStart(ctx context.Context, rec RunRecord) error
	RecordRunEnd(ctx context.Context, runID, outcome, detail string) error
}

// Metrics receives worker lifecycle measurements.
type Metrics interface {
	WorkerStarted(ctx context.Context, typeName string)
	WorkerStopped(ctx context.Context, typeName, outcome string)
	Iteration(ctx context.Context, typeName string, d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RecordRunStart(context.Context, RunRecord) error { return nil }

func (nopRecorder) RecordRunEnd(context.Context, string, string, string) error { return nil }

type nopMetrics struct{}

func (nopMetrics) WorkerStarted(context.Context, string) {}

func (nopMetrics) WorkerStopped(context.Context, string, string) {}

func (nopMetrics) Iteration(context.Context, string, time.Duration) {}
