// Package log wraps zerolog with panel-wide defaults and child-logger helpers
// for the common identifying fields (component, server, node, schedule).
// Call Init once at startup; packages derive children via the With* helpers.
package log
