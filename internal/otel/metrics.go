package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the worker and registry instruments. It satisfies both
// task.Metrics and registry.Metrics.
type Metrics struct {
	WorkersActive     metric.Int64UpDownCounter
	Runs              metric.Int64Counter
	RunOutcomes       metric.Int64Counter
	IterationDuration metric.Float64Histogram
	Generations       metric.Int64Counter
	BuildFailures     metric.Int64Counter
	SkippedCandidates metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.WorkersActive, err = meter.Int64UpDownCounter("drover.workers.active",
		metric.WithDescription("Workers currently running or paused"),
	)
	if err != nil {
		return nil, err
	}

	m.Runs, err = meter.Int64Counter("drover.runs",
		metric.WithDescription("Workers started"),
	)
	if err != nil {
		return nil, err
	}

	m.RunOutcomes, err = meter.Int64Counter("drover.runs.finished",
		metric.WithDescription("Workers torn down, by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.IterationDuration, err = meter.Float64Histogram("drover.iteration.duration",
		metric.WithDescription("Duration of one work loop step in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.Generations, err = meter.Int64Counter("drover.registry.generations",
		metric.WithDescription("Successful registry builds"),
	)
	if err != nil {
		return nil, err
	}

	m.BuildFailures, err = meter.Int64Counter("drover.registry.build_failures",
		metric.WithDescription("Registry builds that kept the previous set"),
	)
	if err != nil {
		return nil, err
	}

	m.SkippedCandidates, err = meter.Int64Counter("drover.registry.skipped",
		metric.WithDescription("Task candidates skipped during a build"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) WorkerStarted(ctx context.Context, typeName string) {
	attrs := metric.WithAttributes(AttrTaskType.String(typeName))
	m.WorkersActive.Add(ctx, 1, attrs)
	m.Runs.Add(ctx, 1, attrs)
}

func (m *Metrics) WorkerStopped(ctx context.Context, typeName, outcome string) {
	m.WorkersActive.Add(ctx, -1, metric.WithAttributes(AttrTaskType.String(typeName)))
	m.RunOutcomes.Add(ctx, 1, metric.WithAttributes(
		AttrTaskType.String(typeName),
		AttrOutcome.String(outcome),
	))
}

func (m *Metrics) Iteration(ctx context.Context, typeName string, d time.Duration) {
	m.IterationDuration.Record(ctx, d.Seconds(), metric.WithAttributes(AttrTaskType.String(typeName)))
}

func (m *Metrics) GenerationBuilt(ctx context.Context, descriptors, skipped int) {
	m.Generations.Add(ctx, 1, metric.WithAttributes(attribute.Int("drover.descriptors", descriptors)))
	if skipped > 0 {
		m.SkippedCandidates.Add(ctx, int64(skipped))
	}
}

func (m *Metrics) BuildFailed(ctx context.Context) {
	m.BuildFailures.Add(ctx, 1)
}
