package remote

// Message is the event-stream envelope used in both directions on a daemon
// websocket. Args is decoded per event by the session layer.
type Message struct {
	Event string   `json:"event"`
	Args  []string `json:"args,omitempty"`
}

// Client -> daemon events.
const (
	EventAuth        = "auth"
	EventSendLogs    = "send logs"
	EventSendStats   = "send stats"
	EventSendCommand = "send command"
	EventSetState    = "set state"
)

// Daemon -> client events.
const (
	EventAuthSuccess            = "auth success"
	EventAuthFailed             = "auth failed"
	EventStatus                 = "status"
	EventConsoleOutput          = "console output"
	EventInstallOutput          = "install output"
	EventDaemonMessage          = "daemon message"
	EventDaemonError            = "daemon error"
	EventInstallStarted         = "install started"
	EventInstallCompleted       = "install completed"
	EventTransferStatus         = "transfer status"
	EventTransferLogs           = "transfer logs"
	EventBackupCompleted        = "backup completed"
	EventBackupRestoreCompleted = "backup restore completed"
	EventStats                  = "stats"
	EventTokenExpiring          = "token expiring"
	EventTokenExpired           = "token expired"
)
