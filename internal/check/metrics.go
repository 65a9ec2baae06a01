package check

import (
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/qcflow/internal/telemetry"
)

type runnerMetrics struct {
	received metric.Int64Counter
	executed metric.Int64Counter
	qoStored metric.Int64Counter
	moStored metric.Int64Counter
}

func newRunnerMetrics(name string) runnerMetrics {
	meter := telemetry.Meter("qcflow/check/" + name)
	var m runnerMetrics
	m.received, _ = meter.Int64Counter("qc_objects_received",
		metric.WithDescription("Monitor objects received by the check runner"))
	m.executed, _ = meter.Int64Counter("qc_checks_executed",
		metric.WithDescription("Check evaluations"))
	m.qoStored, _ = meter.Int64Counter("qc_qo_stored",
		metric.WithDescription("Quality objects written to the repository"))
	m.moStored, _ = meter.Int64Counter("qc_mo_stored",
		metric.WithDescription("Monitor objects written to the repository"))
	return m
}
