package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/slok/sbxd/internal/model"
)

const meterName = "github.com/slok/sbxd/internal/monitor"

type recorder struct {
	usage  metric.Float64Gauge
	alerts metric.Int64Counter
	fails  metric.Int64Counter
}

func newRecorder(mp metric.MeterProvider) (*recorder, error) {
	meter := mp.Meter(meterName)

	usage, err := meter.Float64Gauge("sbxd.resource.usage",
		metric.WithDescription("Resource usage percent of sandboxes and the host."),
		metric.WithUnit("%"))
	if err != nil {
		return nil, fmt.Errorf("could not create usage gauge: %w", err)
	}

	alerts, err := meter.Int64Counter("sbxd.monitor.alerts",
		metric.WithDescription("Resource threshold alerts emitted."))
	if err != nil {
		return nil, fmt.Errorf("could not create alerts counter: %w", err)
	}

	fails, err := meter.Int64Counter("sbxd.monitor.stats.failures",
		metric.WithDescription("Failed sandbox stats samples."))
	if err != nil {
		return nil, fmt.Errorf("could not create failures counter: %w", err)
	}

	return &recorder{usage: usage, alerts: alerts, fails: fails}, nil
}

func (r *recorder) recordUsage(ctx context.Context, subject string, u model.ResourceUsage) {
	for m, v := range map[model.Metric]float64{
		model.MetricCPU:    u.CPUPercent,
		model.MetricMemory: u.MemoryPercent,
		model.MetricDisk:   u.DiskPercent,
	} {
		r.usage.Record(ctx, v, metric.WithAttributes(
			attribute.String("subject", subject),
			attribute.String("metric", string(m)),
		))
	}
}

func (r *recorder) recordAlert(ctx context.Context, a model.Alert) {
	r.alerts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("subject", a.Subject()),
		attribute.String("metric", string(a.Metric)),
	))
}

func (r *recorder) recordFailure(ctx context.Context, sandboxID string) {
	r.fails.Add(ctx, 1, metric.WithAttributes(attribute.String("subject", sandboxID)))
}
