package schedule

import (
	"context"

	"github.com/RepGraphics/panel-sub000/pkg/backup"
	"github.com/RepGraphics/panel-sub000/pkg/orchestrator"
	"github.com/RepGraphics/panel-sub000/pkg/session"
	"github.com/RepGraphics/panel-sub000/pkg/types"
)

// PanelExecutor routes task actions to the live subsystems: console commands
// over the server's session, power actions through the lifecycle
// orchestrator, and backups through the backup workflow.
type PanelExecutor struct {
	Sessions  *session.Manager
	Lifecycle *orchestrator.Orchestrator
	Backups   *backup.Workflow
}

func (e *PanelExecutor) SendCommand(_ context.Context, serverID, command string) error {
	return e.Sessions.SendCommand(serverID, command)
}

func (e *PanelExecutor) PowerAction(ctx context.Context, serverID string, action types.PowerAction) error {
	return e.Lifecycle.PowerAction(ctx, serverID, action, &orchestrator.OpOptions{SkipAudit: true})
}

func (e *PanelExecutor) CreateBackup(ctx context.Context, serverID, name string) error {
	_, err := e.Backups.Create(ctx, serverID, name, nil)
	return err
}
