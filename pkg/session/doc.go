// Package session maintains live websocket sessions to server daemons. Each
// session authenticates against the daemon socket, streams console output,
// stats samples, and lifecycle events into bounded in-memory state, refreshes
// expiring tokens without dropping the connection, and reconnects with
// exponential backoff when the connection is lost uncleanly.
package session
