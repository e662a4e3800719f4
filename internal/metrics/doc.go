// Package metrics provides Prometheus metrics for the HTTP surface and the
// graph engine.
// This package is internal and should not be imported by external projects.
package metrics
