/*
Package storage persists panel state in an embedded BoltDB database.

One bucket per entity (servers, nodes, allocations, transfers, backups,
schedules, schedule tasks), JSON-encoded values keyed by ID, upsert write
semantics. Lookup misses wrap ErrNotFound so callers distinguish "missing"
from real failures with errors.Is.

UpdateServerStatusIf is the one non-CRUD primitive: a compare-and-swap of the
server status inside a single write transaction. Lifecycle workflows use it
to enforce the one-operation-in-flight-per-server invariant durably, so the
guarantee holds across process restarts rather than depending on an
in-memory lock.
*/
package storage
