package types

import (
	"time"
)

// Server represents one managed game-server instance. The persisted Status
// field is the single source of truth for which long-running lifecycle
// operation (if any) the server is currently undergoing.
type Server struct {
	ID           string
	UUID         string
	Name         string
	NodeID       string
	AllocationID string
	Status       ServerStatus
	Suspended    bool
	Limits       ServerLimits
	Startup      StartupConfig
	// LastPowerState is the most recent power state reported by the daemon.
	// It is advisory: the daemon updates its own state asynchronously.
	LastPowerState PowerState
	InstalledAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ServerStatus is the persisted lifecycle status enum. The empty string means
// "normal": no long-running operation in flight. Suspension is an orthogonal
// flag on Server, not a status.
type ServerStatus string

const (
	ServerStatusNormal         ServerStatus = ""
	ServerStatusInstalling     ServerStatus = "installing"
	ServerStatusInstalled      ServerStatus = "installed"
	ServerStatusInstallFailed  ServerStatus = "install_failed"
	ServerStatusTransferring   ServerStatus = "transferring"
	ServerStatusTransferFailed ServerStatus = "transfer_failed"
	ServerStatusDeleting       ServerStatus = "deleting"
	ServerStatusDeletionFailed ServerStatus = "deletion_failed"
)

// ServerLimits describes the resource envelope handed to the daemon when a
// server is provisioned or reinstalled.
type ServerLimits struct {
	MemoryMB  int64
	SwapMB    int64
	DiskMB    int64
	IOWeight  int
	CPUPct    int
	OOMKiller bool
}

// StartupConfig carries the egg/startup metadata forwarded to the daemon.
type StartupConfig struct {
	Image       string
	Command     string
	Environment map[string]string
	EggID       string
}

// PowerState is the daemon-reported process state of a server.
type PowerState string

const (
	PowerStateOffline  PowerState = "offline"
	PowerStateStarting PowerState = "starting"
	PowerStateRunning  PowerState = "running"
	PowerStateStopping PowerState = "stopping"
)

// PowerAction is a power command issued to the daemon.
type PowerAction string

const (
	PowerActionStart   PowerAction = "start"
	PowerActionStop    PowerAction = "stop"
	PowerActionRestart PowerAction = "restart"
	PowerActionKill    PowerAction = "kill"
)

// ValidPowerAction reports whether a is one of the four daemon power actions.
func ValidPowerAction(a PowerAction) bool {
	switch a {
	case PowerActionStart, PowerActionStop, PowerActionRestart, PowerActionKill:
		return true
	}
	return false
}

// Node represents a remote node agent (daemon) host.
type Node struct {
	ID          string
	Name        string
	Address     string // host reachable from the panel
	DaemonPort  int
	DaemonToken string
	Maintenance bool
	CreatedAt   time.Time
}

// Allocation is an (ip, port) pair on a node, assignable to at most one
// server. ServerID is empty while unassigned. A server has exactly one
// primary allocation.
type Allocation struct {
	ID       string
	NodeID   string
	IP       string
	Port     int
	ServerID string
	Primary  bool
}

// Assigned reports whether the allocation is bound to a server.
func (a *Allocation) Assigned() bool { return a.ServerID != "" }

// Transfer records one attempt to move a server between nodes. Records are
// append-only: they are archived with an outcome, never deleted.
type Transfer struct {
	ID                       string
	ServerID                 string
	OldNodeID                string
	NewNodeID                string
	OldAllocationID          string
	NewAllocationID          string
	OldAdditionalAllocations []string
	NewAdditionalAllocations []string
	// Successful is nil while the transfer is pending.
	Successful *bool
	Archived   bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Backup records one backup of a server. The record is created before the
// daemon call so a failed call still leaves an unsuccessful record behind.
type Backup struct {
	ID          string // daemon-facing UUID
	ServerID    string
	Name        string
	Checksum    string
	Bytes       int64
	Successful  bool
	Locked      bool
	CompletedAt *time.Time
	CreatedAt   time.Time
}

// Schedule is a cron-triggered, ordered sequence of daemon actions.
type Schedule struct {
	ID        string
	ServerID  string
	Name      string
	Cron      CronExpression
	Enabled   bool
	LastRunAt *time.Time
	NextRunAt *time.Time
	CreatedAt time.Time
}

// CronExpression is a minimal 5-field cron spec. Each field is either "*" or
// an exact integer; ranges, steps, and lists are not supported.
type CronExpression struct {
	Minute  string
	Hour    string
	Day     string
	Month   string
	Weekday string
}

// String renders the expression in standard field order.
func (c CronExpression) String() string {
	return c.Minute + " " + c.Hour + " " + c.Day + " " + c.Month + " " + c.Weekday
}

// TaskAction is the kind of daemon action a schedule task performs.
type TaskAction string

const (
	TaskActionCommand TaskAction = "command"
	TaskActionPower   TaskAction = "power"
	TaskActionBackup  TaskAction = "backup"
)

// ScheduleTask is one step in a schedule. SequenceID ordering determines
// execution order within a run.
type ScheduleTask struct {
	ID                string
	ScheduleID        string
	SequenceID        int
	Action            TaskAction
	Payload           string
	OffsetSeconds     int
	ContinueOnFailure bool
	Queued            bool
}

// ResourceUsage is a utilization snapshot reported by the daemon.
type ResourceUsage struct {
	MemoryBytes      int64
	MemoryLimitBytes int64
	CPUAbsolute      float64
	DiskBytes        int64
	NetworkRxBytes   int64
	NetworkTxBytes   int64
	Uptime           int64
	State            PowerState
}
