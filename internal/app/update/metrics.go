package update

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// UpdateMetrics defines the metrics operations the orchestrator records.
type UpdateMetrics interface {
	IncRunsStarted(ctx context.Context)
	IncRunsCommitted(ctx context.Context)
	IncRunsFailed(ctx context.Context, phase string)
	IncTakeovers(ctx context.Context)
	IncLockContention(ctx context.Context)

	ObserveFetchDuration(ctx context.Context, d time.Duration)
	ObserveApplyDuration(ctx context.Context, d time.Duration)
	ObserveRunDuration(ctx context.Context, d time.Duration)
	ObservePrimitivesChanged(ctx context.Context, count int)
}

type updateMetrics struct {
	runsStarted    metric.Int64Counter
	runsCommitted  metric.Int64Counter
	runsFailed     metric.Int64Counter
	takeovers      metric.Int64Counter
	lockContention metric.Int64Counter

	fetchDuration     metric.Float64Histogram
	applyDuration     metric.Float64Histogram
	runDuration       metric.Float64Histogram
	primitivesChanged metric.Int64Histogram
}

const namespace = "updater"

// NewUpdateMetrics creates a new update metrics instance.
func NewUpdateMetrics(mp metric.MeterProvider) (*updateMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(updateMetrics)
	var err error

	if m.runsStarted, err = meter.Int64Counter(
		"runs_started_total",
		metric.WithDescription("Total number of update runs started"),
	); err != nil {
		return nil, err
	}

	if m.runsCommitted, err = meter.Int64Counter(
		"runs_committed_total",
		metric.WithDescription("Total number of update runs committed"),
	); err != nil {
		return nil, err
	}

	if m.runsFailed, err = meter.Int64Counter(
		"runs_failed_total",
		metric.WithDescription("Total number of update runs that failed, by phase"),
	); err != nil {
		return nil, err
	}

	if m.takeovers, err = meter.Int64Counter(
		"takeovers_total",
		metric.WithDescription("Total number of stale locks forcibly reclaimed"),
	); err != nil {
		return nil, err
	}

	if m.lockContention, err = meter.Int64Counter(
		"lock_contention_total",
		metric.WithDescription("Total number of runs skipped because the lock was held"),
	); err != nil {
		return nil, err
	}

	if m.fetchDuration, err = meter.Float64Histogram(
		"fetch_duration_seconds",
		metric.WithDescription("Time taken to fetch a changeset"),
	); err != nil {
		return nil, err
	}

	if m.applyDuration, err = meter.Float64Histogram(
		"apply_duration_seconds",
		metric.WithDescription("Time taken to apply a changeset"),
	); err != nil {
		return nil, err
	}

	if m.runDuration, err = meter.Float64Histogram(
		"run_duration_seconds",
		metric.WithDescription("End-to-end duration of an update run"),
	); err != nil {
		return nil, err
	}

	if m.primitivesChanged, err = meter.Int64Histogram(
		"primitives_changed",
		metric.WithDescription("Number of primitives touched by one changeset"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *updateMetrics) IncRunsStarted(ctx context.Context)   { m.runsStarted.Add(ctx, 1) }
func (m *updateMetrics) IncRunsCommitted(ctx context.Context) { m.runsCommitted.Add(ctx, 1) }
func (m *updateMetrics) IncTakeovers(ctx context.Context)     { m.takeovers.Add(ctx, 1) }
func (m *updateMetrics) IncLockContention(ctx context.Context) {
	m.lockContention.Add(ctx, 1)
}

func (m *updateMetrics) IncRunsFailed(ctx context.Context, phase string) {
	m.runsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("phase", phase)))
}

func (m *updateMetrics) ObserveFetchDuration(ctx context.Context, d time.Duration) {
	m.fetchDuration.Record(ctx, d.Seconds())
}

func (m *updateMetrics) ObserveApplyDuration(ctx context.Context, d time.Duration) {
	m.applyDuration.Record(ctx, d.Seconds())
}

func (m *updateMetrics) ObserveRunDuration(ctx context.Context, d time.Duration) {
	m.runDuration.Record(ctx, d.Seconds())
}

func (m *updateMetrics) ObservePrimitivesChanged(ctx context.Context, count int) {
	m.primitivesChanged.Record(ctx, int64(count))
}
