// Package metrics exports the outcome of the last backup run in the
// Prometheus text format for node_exporter's textfile collector.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kebairia/redis-backup/internal/backup"
)

const namespace = "redis_backup"

// Recorder holds the gauges describing one run.
type Recorder struct {
	registry *prometheus.Registry

	lastRun      prometheus.Gauge
	lastSuccess  prometheus.Gauge
	lastDuration prometheus.Gauge
	dryRun       prometheus.Gauge
	targetOK     *prometheus.GaugeVec
	targetBytes  *prometheus.GaugeVec
	targetTime   *prometheus.GaugeVec
}

// NewRecorder registers the run gauges on a private registry.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last backup run started.",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_success",
			Help:      "1 if every target of the last run succeeded, 0 otherwise.",
		}),
		lastDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_duration_seconds",
			Help:      "Wall time of the last backup run.",
		}),
		dryRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_dry_run",
			Help:      "1 if the last run only planned transfers.",
		}),
		targetOK: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "target_success",
			Help:      "1 if the transfer to the target succeeded in the last run.",
		}, []string{"target", "kind"}),
		targetBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "target_bytes",
			Help:      "Bytes shipped to the target in the last run.",
		}, []string{"target", "kind"}),
		targetTime: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "target_duration_seconds",
			Help:      "Transfer time to the target in the last run.",
		}, []string{"target", "kind"}),
	}
	r.registry.MustRegister(r.lastRun, r.lastSuccess, r.lastDuration, r.dryRun, r.targetOK, r.targetBytes, r.targetTime)
	return r
}

// Observe loads the gauges from run.
func (r *Recorder) Observe(run *backup.Run) {
	r.lastRun.Set(float64(run.StartedAt.Unix()))
	r.lastDuration.Set(run.Duration().Seconds())
	r.lastSuccess.Set(boolGauge(run.Status() == backup.StatusSucceeded))
	r.dryRun.Set(boolGauge(run.Attempt.DryRun))
	for _, o := range run.Outcomes {
		labels := prometheus.Labels{"target": o.Target.BucketRoot, "kind": string(o.Target.Kind)}
		r.targetOK.With(labels).Set(boolGauge(o.Status != backup.StatusFailed))
		r.targetBytes.With(labels).Set(float64(o.SizeBytes))
		r.targetTime.With(labels).Set(o.Duration.Seconds())
	}
}

// WriteTextfile atomically replaces path with the current gauges.
func (r *Recorder) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics textfile %s: %w", path, err)
	}
	return nil
}

// Gatherer exposes the registry, mainly for tests.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	return r.registry
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
