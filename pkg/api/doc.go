// Package api serves the panel's operational HTTP interface: server
// lifecycle operations, transfers, backups, schedule runs, live console
// state, and the health, readiness, and metrics endpoints.
package api
