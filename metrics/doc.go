// Package metrics provides Prometheus metrics for the shell gateway.
//
// Metrics are registered on a dedicated registry rather than the global
// default so tests can build as many instances as they need. The gateway
// serves the registry on /metrics.
package metrics
