package backup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/RepGraphics/panel-sub000/pkg/events"
	"github.com/RepGraphics/panel-sub000/pkg/log"
	"github.com/RepGraphics/panel-sub000/pkg/metrics"
	"github.com/RepGraphics/panel-sub000/pkg/remote"
	"github.com/RepGraphics/panel-sub000/pkg/storage"
	"github.com/RepGraphics/panel-sub000/pkg/types"
)

// ErrLocked is returned when deletion is attempted on a locked backup.
var ErrLocked = errors.New("backup is locked")

// Workflow orchestrates server backups against the node daemon. Local
// records are written before daemon calls, so a failed call always leaves an
// unsuccessful record rather than nothing.
type Workflow struct {
	store    storage.Store
	provider remote.Provider
	broker   *events.Broker
	logger   zerolog.Logger
}

// New creates a backup workflow.
func New(store storage.Store, provider remote.Provider, broker *events.Broker) *Workflow {
	return &Workflow{
		store:    store,
		provider: provider,
		broker:   broker,
		logger:   log.WithComponent("backup"),
	}
}

func (w *Workflow) clientFor(server *types.Server) (remote.API, error) {
	node, err := w.store.GetNode(server.NodeID)
	if err != nil {
		return nil, fmt.Errorf("resolving node for server %s: %w", server.ID, err)
	}
	return w.provider.ClientFor(node), nil
}

// DefaultName generates the backup name used when the caller supplies none,
// for example backups created by scheduled tasks.
func DefaultName(at time.Time) string {
	return "Backup at " + at.Format("2006-01-02 15:04:05")
}

// Create records a backup and asks the daemon to take it. The record is
// inserted unsuccessful before the daemon call; when the call fails, the
// record stays behind as evidence and the error is returned.
func (w *Workflow) Create(ctx context.Context, serverID, name string, ignore []string) (*types.Backup, error) {
	server, err := w.store.GetServer(serverID)
	if err != nil {
		return nil, fmt.Errorf("creating backup: %w", err)
	}
	if name == "" {
		name = DefaultName(time.Now())
	}

	record := &types.Backup{
		ID:        uuid.NewString(),
		ServerID:  serverID,
		Name:      name,
		CreatedAt: time.Now(),
	}
	if err := w.store.CreateBackup(record); err != nil {
		return nil, fmt.Errorf("creating backup: %w", err)
	}

	client, err := w.clientFor(server)
	if err != nil {
		metrics.BackupOperationsTotal.WithLabelValues("create", "failure").Inc()
		return nil, err
	}
	details, err := client.CreateBackup(ctx, server.UUID, &remote.BackupRequest{
		UUID:   record.ID,
		Name:   name,
		Ignore: ignore,
	})
	if err != nil {
		metrics.BackupOperationsTotal.WithLabelValues("create", "failure").Inc()
		w.logger.Warn().Err(err).Str("server_id", serverID).Str("backup_id", record.ID).
			Msg("Daemon backup failed, keeping unsuccessful record")
		return nil, fmt.Errorf("creating backup for server %s: %w", serverID, err)
	}

	record.Checksum = details.Checksum
	record.Bytes = details.Bytes
	record.Successful = true
	if details.CompletedAt != nil {
		record.CompletedAt = details.CompletedAt
	} else {
		now := time.Now()
		record.CompletedAt = &now
	}
	if err := w.store.UpdateBackup(record); err != nil {
		return nil, fmt.Errorf("creating backup: %w", err)
	}

	metrics.BackupOperationsTotal.WithLabelValues("create", "success").Inc()
	w.broker.PublishServer(events.EventBackupCreated, serverID, record.Name)
	return record, nil
}

// Delete removes a backup, daemon first, so a local record is never dropped
// while the daemon still serves the backup. Locked backups are rejected. A
// daemon not-found response counts as already deleted.
func (w *Workflow) Delete(ctx context.Context, backupID string) error {
	record, err := w.store.GetBackup(backupID)
	if err != nil {
		return fmt.Errorf("deleting backup: %w", err)
	}
	if record.Locked {
		return fmt.Errorf("deleting backup %s: %w", backupID, ErrLocked)
	}
	server, err := w.store.GetServer(record.ServerID)
	if err != nil {
		return fmt.Errorf("deleting backup: %w", err)
	}
	client, err := w.clientFor(server)
	if err != nil {
		return err
	}

	if err := client.DeleteBackup(ctx, server.UUID, backupID); err != nil && !remote.IsNotFound(err) {
		metrics.BackupOperationsTotal.WithLabelValues("delete", "failure").Inc()
		return fmt.Errorf("deleting backup %s from daemon: %w", backupID, err)
	}
	if err := w.store.DeleteBackup(backupID); err != nil {
		return fmt.Errorf("deleting backup: %w", err)
	}
	metrics.BackupOperationsTotal.WithLabelValues("delete", "success").Inc()
	w.broker.PublishServer(events.EventBackupDeleted, record.ServerID, record.Name)
	return nil
}

// Restore asks the daemon to restore a backup, optionally truncating the
// server's existing data first. Only successful backups can be restored.
// Completion arrives asynchronously over the server's session stream.
func (w *Workflow) Restore(ctx context.Context, backupID string, truncate bool) error {
	record, err := w.store.GetBackup(backupID)
	if err != nil {
		return fmt.Errorf("restoring backup: %w", err)
	}
	if !record.Successful {
		return fmt.Errorf("restoring backup %s: backup is not marked successful", backupID)
	}
	server, err := w.store.GetServer(record.ServerID)
	if err != nil {
		return fmt.Errorf("restoring backup: %w", err)
	}
	client, err := w.clientFor(server)
	if err != nil {
		return err
	}

	if err := client.RestoreBackup(ctx, server.UUID, backupID, truncate); err != nil {
		metrics.BackupOperationsTotal.WithLabelValues("restore", "failure").Inc()
		return fmt.Errorf("restoring backup %s: %w", backupID, err)
	}
	metrics.BackupOperationsTotal.WithLabelValues("restore", "success").Inc()
	w.broker.PublishServer(events.EventBackupRestored, record.ServerID, record.Name)
	return nil
}

// Lock marks a backup as protected from deletion. Local flag only, the
// daemon is not involved.
func (w *Workflow) Lock(backupID string) error {
	return w.setLocked(backupID, true)
}

// Unlock clears the deletion protection flag.
func (w *Workflow) Unlock(backupID string) error {
	return w.setLocked(backupID, false)
}

func (w *Workflow) setLocked(backupID string, locked bool) error {
	record, err := w.store.GetBackup(backupID)
	if err != nil {
		return fmt.Errorf("updating backup lock: %w", err)
	}
	if record.Locked == locked {
		return nil
	}
	record.Locked = locked
	if err := w.store.UpdateBackup(record); err != nil {
		return fmt.Errorf("updating backup lock: %w", err)
	}
	return nil
}

// SyncReport summarizes one reconciliation pass against a daemon's backup
// list.
type SyncReport struct {
	Updated int
	Created int
	Errors  []string
}

// Sync reconciles local backup records with the daemon's list for a server:
// matching records get their checksum, size, and completion refreshed;
// daemon backups with no local record are inserted. Local records the daemon
// no longer reports are deliberately kept. Per-item failures are collected
// into the report instead of aborting the pass.
func (w *Workflow) Sync(ctx context.Context, serverID string) (*SyncReport, error) {
	server, err := w.store.GetServer(serverID)
	if err != nil {
		return nil, fmt.Errorf("syncing backups: %w", err)
	}
	client, err := w.clientFor(server)
	if err != nil {
		return nil, err
	}
	remoteBackups, err := client.ListBackups(ctx, server.UUID)
	if err != nil {
		metrics.BackupOperationsTotal.WithLabelValues("sync", "failure").Inc()
		return nil, fmt.Errorf("syncing backups for server %s: %w", serverID, err)
	}

	local, err := w.store.ListBackupsByServer(serverID)
	if err != nil {
		return nil, fmt.Errorf("syncing backups: %w", err)
	}
	byID := make(map[string]*types.Backup, len(local))
	for _, b := range local {
		byID[b.ID] = b
	}

	report := &SyncReport{}
	for _, rb := range remoteBackups {
		if record, ok := byID[rb.UUID]; ok {
			record.Checksum = rb.Checksum
			record.Bytes = rb.Bytes
			record.Successful = rb.Successful
			if rb.CompletedAt != nil {
				record.CompletedAt = rb.CompletedAt
			}
			if err := w.store.UpdateBackup(record); err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("update %s: %v", rb.UUID, err))
				continue
			}
			report.Updated++
			continue
		}

		name := rb.Name
		if name == "" {
			name = DefaultName(time.Now())
		}
		record := &types.Backup{
			ID:          rb.UUID,
			ServerID:    serverID,
			Name:        name,
			Checksum:    rb.Checksum,
			Bytes:       rb.Bytes,
			Successful:  rb.Successful,
			CompletedAt: rb.CompletedAt,
			CreatedAt:   time.Now(),
		}
		if err := w.store.CreateBackup(record); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("create %s: %v", rb.UUID, err))
			continue
		}
		report.Created++
	}

	metrics.BackupOperationsTotal.WithLabelValues("sync", "success").Inc()
	w.logger.Info().Str("server_id", serverID).Int("updated", report.Updated).
		Int("created", report.Created).Int("errors", len(report.Errors)).Msg("Backups synced")
	return report, nil
}
