// Package metrics defines the panel's Prometheus collectors: session
// connection health, lifecycle operation outcomes, transfer and backup
// counters, and scheduler run timings. Exposed over /metrics by pkg/api.
package metrics
