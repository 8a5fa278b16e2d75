package datapath

import (
	"github.com/dataplane-run/datapath/internal/telemetry"
)

// Metrics, Observer and friends are re-exported from internal/telemetry so
// every component (which cannot import this root package) and every
// caller of this package share one metrics type.
type Metrics = telemetry.Metrics
type MetricsSnapshot = telemetry.MetricsSnapshot
type Observer = telemetry.Observer
type NoOpObserver = telemetry.NoOpObserver
type MetricsObserver = telemetry.MetricsObserver
type PrometheusObserver = telemetry.PrometheusObserver

var LatencyBuckets = telemetry.LatencyBuckets

var (
	NewMetrics            = telemetry.NewMetrics
	NewMetricsObserver    = telemetry.NewMetricsObserver
	NewPrometheusObserver = telemetry.NewPrometheusObserver
)
