// Package metrics tracks per-operation timing and status the way
// kubernetes-csi-external-snapshotter's pkg/metrics tracks CreateSnapshot /
// DeleteSnapshot durations: a labeled histogram recording how long each
// Driver operation took and whether it succeeded. Since the Driver is a
// one-shot CLI invocation rather than a long-lived server, there is no
// HTTP handler here — WriteTextfile renders the registry to the node-exporter
// textfile-collector format on exit instead of serving /metrics.
package metrics

import (
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

const (
	subsystem                     = "btrfs_vault"
	operationLatencyMetricName    = "operation_total_seconds"
	operationLatencyMetricHelpMsg = "Total number of seconds spent on a Driver operation"

	labelOperationName   = "operation_name"
	labelOperationStatus = "operation_status"

	// StatusSuccess and StatusFailure are the values recorded in the
	// operation_status label.
	StatusSuccess = "success"
	StatusFailure = "failure"
)

var metricBuckets = []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 3600}

// Recorder tracks operation durations for one Driver invocation.
type Recorder struct {
	registry  *prometheus.Registry
	operation *prometheus.HistogramVec
}

// New returns a Recorder with its own private registry, so one Driver
// invocation's textfile export never mixes with another's.
func New() *Recorder {
	r := &Recorder{registry: prometheus.NewRegistry()}
	r.operation = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Subsystem: subsystem,
		Name:      operationLatencyMetricName,
		Help:      operationLatencyMetricHelpMsg,
		Buckets:   metricBuckets,
	}, []string{labelOperationName, labelOperationStatus})
	r.registry.MustRegister(r.operation)
	return r
}

// Observe records how long an operation ran and whether it succeeded.
func (r *Recorder) Observe(operation, status string, d time.Duration) {
	r.operation.WithLabelValues(operation, status).Observe(d.Seconds())
}

// Time runs fn, records its duration labeled success/failure by whether fn
// returned an error, and returns that error unchanged.
func (r *Recorder) Time(operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	status := StatusSuccess
	if err != nil {
		status = StatusFailure
	}
	r.Observe(operation, status, time.Since(start))
	return err
}

// WriteTextfile renders the registry in the Prometheus text exposition
// format to path via a sibling temp file plus atomic rename, matching the
// node_exporter textfile collector's own write discipline so a concurrent
// scrape never observes a partially written file.
func (r *Recorder) WriteTextfile(path string) error {
	families, err := r.registry.Gather()
	if err != nil {
		return fmt.Errorf("metrics: gathering: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("metrics: creating %s: %w", tmp, err)
	}
	defer os.Remove(tmp)

	enc := expfmt.NewEncoder(f, expfmt.FmtText)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			f.Close()
			return fmt.Errorf("metrics: encoding %s: %w", mf.GetName(), err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("metrics: closing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("metrics: renaming %s to %s: %w", tmp, path, err)
	}
	return nil
}
