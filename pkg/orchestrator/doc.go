// Package orchestrator implements the server lifecycle state machine:
// provisioning, reinstall, deletion, power actions, and suspension. Status
// transitions are persisted with conditional updates so only one lifecycle
// operation can hold a server at a time, and every failure path lands the
// server in an explicit terminal status.
package orchestrator
