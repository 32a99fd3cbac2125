package orchestrator

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/RepGraphics/panel-sub000/pkg/log"
)

// OpOptions adjust a mutating lifecycle operation. When UserID is set and
// SkipAudit is not, an audit entry is recorded once the operation reaches a
// terminal outcome.
type OpOptions struct {
	UserID    string
	SkipAudit bool
}

// AuditEntry records who performed which lifecycle action on which server.
type AuditEntry struct {
	Action   string
	ServerID string
	UserID   string
	Metadata map[string]string
	At       time.Time
}

// Auditor receives audit entries for completed operations.
type Auditor interface {
	Record(entry AuditEntry)
}

// LogAuditor emits audit entries to the structured log.
type LogAuditor struct {
	logger zerolog.Logger
}

// NewLogAuditor creates the default log-backed auditor.
func NewLogAuditor() *LogAuditor {
	return &LogAuditor{logger: log.WithComponent("audit")}
}

func (a *LogAuditor) Record(entry AuditEntry) {
	ev := a.logger.Info().
		Str("action", entry.Action).
		Str("server_id", entry.ServerID).
		Str("user_id", entry.UserID).
		Time("at", entry.At)
	for k, v := range entry.Metadata {
		ev = ev.Str(k, v)
	}
	ev.Msg("Audit")
}
