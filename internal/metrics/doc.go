// Package metrics provides Prometheus metrics for observability.
package metrics
