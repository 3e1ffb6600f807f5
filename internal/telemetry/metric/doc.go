// Package metric provides Prometheus metrics for ddrqd.
//
//   - prometheus.go: DDRQRegistry, implementing internal/ddrq/driver's
//     MetricsSink, plus the Go/process runtime collectors
//
// Metrics are exposed at /metrics in Prometheus format via Handler.
package metric
