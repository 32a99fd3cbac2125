package storage

import (
	"errors"

	"github.com/RepGraphics/panel-sub000/pkg/types"
)

var (
	// ErrNotFound is wrapped by all lookup failures so callers can test for
	// missing records with errors.Is.
	ErrNotFound = errors.New("record not found")

	// ErrStatusConflict is returned by UpdateServerStatusIf when the stored
	// status no longer matches the expected one.
	ErrStatusConflict = errors.New("server status conflict")
)

// Store defines the interface for panel state storage.
// Implemented by the BoltDB-backed store.
type Store interface {
	// Servers
	CreateServer(server *types.Server) error
	GetServer(id string) (*types.Server, error)
	GetServerByUUID(uuid string) (*types.Server, error)
	ListServers() ([]*types.Server, error)
	UpdateServer(server *types.Server) error
	DeleteServer(id string) error
	CountServersByNode(nodeID string) (int, error)

	// UpdateServerStatusIf atomically moves a server from one status to
	// another. It fails with ErrStatusConflict if the stored status differs
	// from expected, closing the check-then-write race between concurrent
	// lifecycle operations.
	UpdateServerStatusIf(id string, from, to types.ServerStatus) error

	// Nodes
	CreateNode(node *types.Node) error
	GetNode(id string) (*types.Node, error)
	ListNodes() ([]*types.Node, error)
	UpdateNode(node *types.Node) error
	DeleteNode(id string) error

	// Allocations
	CreateAllocation(alloc *types.Allocation) error
	GetAllocation(id string) (*types.Allocation, error)
	ListAllocations() ([]*types.Allocation, error)
	ListAllocationsByNode(nodeID string) ([]*types.Allocation, error)
	ListAllocationsByServer(serverID string) ([]*types.Allocation, error)
	UpdateAllocation(alloc *types.Allocation) error
	DeleteAllocation(id string) error

	// Transfers (append-only: updated, never deleted)
	CreateTransfer(transfer *types.Transfer) error
	GetTransfer(id string) (*types.Transfer, error)
	UpdateTransfer(transfer *types.Transfer) error
	ListTransfersByServer(serverID string) ([]*types.Transfer, error)
	// ActiveTransfer returns the non-archived transfer for a server, or
	// ErrNotFound when none is pending.
	ActiveTransfer(serverID string) (*types.Transfer, error)

	// Backups
	CreateBackup(backup *types.Backup) error
	GetBackup(id string) (*types.Backup, error)
	UpdateBackup(backup *types.Backup) error
	DeleteBackup(id string) error
	ListBackupsByServer(serverID string) ([]*types.Backup, error)

	// Schedules
	CreateSchedule(schedule *types.Schedule) error
	GetSchedule(id string) (*types.Schedule, error)
	UpdateSchedule(schedule *types.Schedule) error
	DeleteSchedule(id string) error
	ListSchedules() ([]*types.Schedule, error)
	ListSchedulesByServer(serverID string) ([]*types.Schedule, error)

	// Schedule tasks
	CreateScheduleTask(task *types.ScheduleTask) error
	UpdateScheduleTask(task *types.ScheduleTask) error
	DeleteScheduleTask(id string) error
	// ListTasksBySchedule returns tasks ordered by SequenceID ascending.
	ListTasksBySchedule(scheduleID string) ([]*types.ScheduleTask, error)

	// Utility
	Close() error
}
