// Package backup manages server backups through the node daemon: creation
// with record-first bookkeeping, locked-aware deletion, restore gating, and
// reconciliation of local records against the daemon's backup list.
package backup
