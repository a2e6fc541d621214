// Package metrics defines Rookery's Prometheus collectors. All collectors are
// package-level and registered at init; the HTTP surface exposes them via
// Handler() on /metrics.
package metrics
