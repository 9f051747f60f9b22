// Package telemetry exposes what migration runs do as Prometheus metrics and
// OpenTelemetry spans.
package telemetry

import (
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/root-talis/shinka/migration"
)

const DefaultNamespace = "shinka"

// Metrics holds the collectors of one engine on a private registry. All
// methods are safe on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	UnitsTotal     *prometheus.CounterVec
	UnitDuration   *prometheus.HistogramVec
	LockWait       prometheus.Histogram
	SchemaVersion  prometheus.Gauge
	LastRunSeconds prometheus.Gauge
	PendingUnits   prometheus.Gauge
}

func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),

		UnitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_total",
			Help:      "Migration units run, by operation and outcome",
		}, []string{"operation", "status"}),

		UnitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "unit_duration_seconds",
			Help:      "Time spent running a single migration unit",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"operation"}),

		LockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for the migration lock",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),

		SchemaVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "schema_version",
			Help:      "Highest successfully applied version, as a number",
		}),

		LastRunSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time of the last completed run",
		}),

		PendingUnits: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_units",
			Help:      "Loaded units not applied yet",
		}),
	}

	m.registry.MustRegister(m.UnitsTotal, m.UnitDuration, m.LockWait, m.SchemaVersion, m.LastRunSeconds, m.PendingUnits)

	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveUnit records one unit run; operation is "apply" or "rollback".
func (m *Metrics) ObserveUnit(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}

	status := "success"
	if err != nil {
		status = "failure"
	}

	m.UnitsTotal.WithLabelValues(operation, status).Inc()
	m.UnitDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *Metrics) ObserveLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.LockWait.Observe(d.Seconds())
}

func (m *Metrics) SetSchemaVersion(v migration.Version) {
	if m == nil {
		return
	}

	if v == "" {
		m.SchemaVersion.Set(0)
		return
	}

	if n, err := strconv.ParseFloat(string(v), 64); err == nil {
		m.SchemaVersion.Set(n)
	}
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.PendingUnits.Set(float64(n))
}

func (m *Metrics) MarkRun(at time.Time) {
	if m == nil {
		return
	}
	m.LastRunSeconds.Set(float64(at.Unix()))
}

// WriteToTextfile writes the metrics in the format of the node exporter
// textfile collector.
func (m *Metrics) WriteToTextfile(path string) error {
	if m == nil {
		return nil
	}

	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}

	return nil
}
