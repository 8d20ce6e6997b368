package metrics

import "github.com/marmos91/pwlog/pkg/writelog"

// NewWriteLogMetrics creates a new Prometheus-backed writelog.Metrics
// instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
// When nil is returned, callers should pass nil to the write log, which
// results in zero overhead.
//
// Example usage:
//
//	// With metrics enabled
//	metrics.InitRegistry()
//	wlMetrics := metrics.NewWriteLogMetrics()
//	wl := writelog.New(cfg, lower, wlMetrics)
//
//	// Without metrics (zero overhead)
//	wl := writelog.New(cfg, lower, nil)
func NewWriteLogMetrics() writelog.Metrics {
	if !IsEnabled() || newPrometheusWriteLogMetrics == nil {
		return nil
	}
	return newPrometheusWriteLogMetrics()
}

// newPrometheusWriteLogMetrics is implemented in
// pkg/metrics/prometheus/writelog.go. This indirection avoids import
// cycles while keeping the API clean.
var newPrometheusWriteLogMetrics func() writelog.Metrics

// RegisterWriteLogMetricsConstructor registers the Prometheus writelog
// metrics constructor. Called by pkg/metrics/prometheus during package
// initialization.
func RegisterWriteLogMetricsConstructor(constructor func() writelog.Metrics) {
	newPrometheusWriteLogMetrics = constructor
}
