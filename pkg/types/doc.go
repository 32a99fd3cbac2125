/*
Package types defines the shared domain model for the panel: servers, nodes,
allocations, transfers, backups, and schedules.

These are plain data structures persisted by pkg/storage and acted on by the
orchestration packages. The type that carries the most weight is
Server.Status: it is the durable record of which long-running lifecycle
operation a server is undergoing, and the workflows enforce "one operation in
flight per server" by checking it (together with non-archived transfer
records) before starting anything new.
*/
package types
