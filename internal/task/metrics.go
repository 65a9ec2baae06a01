package task

import (
	"context"
	"runtime"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/qcflow/internal/telemetry"
)

type engineMetrics struct {
	attrs            metric.MeasurementOption
	dataReceived     metric.Int64Counter
	cycleDuration    metric.Float64Histogram
	publishDuration  metric.Float64Histogram
	objectsPublished metric.Int64Counter
}

// newEngineMetrics creates the instruments of one engine. Gauges read the
// engine stats on collection.
func newEngineMetrics(e *Engine) *engineMetrics {
	meter := telemetry.Meter("qcflow/task")
	attrSet := attribute.NewSet(
		attribute.String("task", e.cfg.Name),
		attribute.String("detector", e.cfg.Detector),
	)
	m := &engineMetrics{attrs: metric.WithAttributeSet(attrSet)}

	m.dataReceived, _ = meter.Int64Counter("qc_data_received",
		metric.WithDescription("Data slices passed to monitor"))
	m.cycleDuration, _ = meter.Float64Histogram("qc_cycle_duration",
		metric.WithDescription("Wall-clock duration of a cycle"), metric.WithUnit("s"))
	m.publishDuration, _ = meter.Float64Histogram("qc_publish_duration",
		metric.WithDescription("Duration of the publish phase"), metric.WithUnit("s"))
	m.objectsPublished, _ = meter.Int64Counter("qc_objects_published",
		metric.WithDescription("Objects sent on data-out"))

	observe := metric.WithAttributeSet(attrSet)
	_, _ = meter.Int64ObservableGauge("qc_objects_published_total",
		metric.WithDescription("Objects published since the start of the activity"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(e.Stats().ObjectsPublishedTotal, observe)
			return nil
		}),
	)
	_, _ = meter.Float64ObservableGauge("qc_objects_rate",
		metric.WithDescription("Objects published per second over the last cycle"),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			s := e.Stats()
			o.Observe(s.ObjectsRate, observe)
			o.Observe(s.WindowRate, metric.WithAttributes(
				attribute.String("task", e.cfg.Name),
				attribute.String("detector", e.cfg.Detector),
				attribute.String("window", e.cfg.RateWindow.String()),
			))
			return nil
		}),
	)
	_, _ = meter.Float64ObservableGauge("qc_activity_duration",
		metric.WithDescription("Time since the start of the activity"), metric.WithUnit("s"),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			o.Observe(e.Stats().ActivityDuration.Seconds(), observe)
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("qc_memory_usage",
		metric.WithDescription("Heap bytes in use by the process"), metric.WithUnit("By"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			o.Observe(int64(ms.HeapInuse), observe)
			return nil
		}),
	)
	return m
}
