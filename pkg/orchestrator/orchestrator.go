package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/RepGraphics/panel-sub000/pkg/events"
	"github.com/RepGraphics/panel-sub000/pkg/log"
	"github.com/RepGraphics/panel-sub000/pkg/metrics"
	"github.com/RepGraphics/panel-sub000/pkg/remote"
	"github.com/RepGraphics/panel-sub000/pkg/storage"
	"github.com/RepGraphics/panel-sub000/pkg/types"
)

// Default polling cadences for the long-running daemon operations.
var (
	defaultInstallPoll = Policy{Attempts: 60, Interval: 5 * time.Second}
	defaultDeletePoll  = Policy{Attempts: 20, Interval: 3 * time.Second}
)

const defaultPowerRefreshDelay = 2 * time.Second

// Orchestrator drives the server lifecycle state machine: provisioning,
// reinstall, deletion, power actions, and suspension. All daemon calls go
// through the node's remote client; all state transitions are persisted
// before and after the remote work so a restart never loses track of an
// operation in flight.
type Orchestrator struct {
	store    storage.Store
	provider remote.Provider
	broker   *events.Broker
	auditor  Auditor
	logger   zerolog.Logger

	installPoll       Policy
	deletePoll        Policy
	powerRefreshDelay time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithAuditor replaces the default log-backed auditor.
func WithAuditor(a Auditor) Option {
	return func(o *Orchestrator) { o.auditor = a }
}

// WithInstallPoll overrides the provisioning/reinstall poll policy.
func WithInstallPoll(p Policy) Option {
	return func(o *Orchestrator) { o.installPoll = p }
}

// WithDeletePoll overrides the deletion poll policy.
func WithDeletePoll(p Policy) Option {
	return func(o *Orchestrator) { o.deletePoll = p }
}

// WithPowerRefreshDelay overrides the deferred power-state refresh delay.
func WithPowerRefreshDelay(d time.Duration) Option {
	return func(o *Orchestrator) { o.powerRefreshDelay = d }
}

// New creates a lifecycle orchestrator.
func New(store storage.Store, provider remote.Provider, broker *events.Broker, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:             store,
		provider:          provider,
		broker:            broker,
		auditor:           NewLogAuditor(),
		logger:            log.WithComponent("orchestrator"),
		installPoll:       defaultInstallPoll,
		deletePoll:        defaultDeletePoll,
		powerRefreshDelay: defaultPowerRefreshDelay,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) clientFor(server *types.Server) (remote.API, *types.Node, error) {
	node, err := o.store.GetNode(server.NodeID)
	if err != nil {
		return nil, nil, fmt.Errorf("resolving node for server %s: %w", server.ID, err)
	}
	return o.provider.ClientFor(node), node, nil
}

func (o *Orchestrator) audit(action, serverID string, opts *OpOptions, metadata map[string]string) {
	if opts == nil || opts.UserID == "" || opts.SkipAudit {
		return
	}
	o.auditor.Record(AuditEntry{
		Action:   action,
		ServerID: serverID,
		UserID:   opts.UserID,
		Metadata: metadata,
		At:       time.Now(),
	})
}

// buildCreateRequest assembles the daemon provisioning payload from the
// server record and its allocations.
func (o *Orchestrator) buildCreateRequest(server *types.Server) (*remote.CreateServerRequest, error) {
	allocs, err := o.store.ListAllocationsByServer(server.ID)
	if err != nil {
		return nil, fmt.Errorf("listing allocations for server %s: %w", server.ID, err)
	}
	specs := make([]remote.AllocationSpec, 0, len(allocs))
	for _, a := range allocs {
		specs = append(specs, remote.AllocationSpec{
			IP:      a.IP,
			Port:    a.Port,
			Primary: a.ID == server.AllocationID,
		})
	}
	return &remote.CreateServerRequest{
		UUID:        server.UUID,
		Image:       server.Startup.Image,
		Command:     server.Startup.Command,
		Environment: server.Startup.Environment,
		Limits: remote.ServerLimits{
			MemoryMB:  server.Limits.MemoryMB,
			SwapMB:    server.Limits.SwapMB,
			DiskMB:    server.Limits.DiskMB,
			IOWeight:  server.Limits.IOWeight,
			CPUPct:    server.Limits.CPUPct,
			OOMKiller: server.Limits.OOMKiller,
		},
		Allocations:       specs,
		StartOnCompletion: true,
	}, nil
}

// waitForInstallState polls the daemon until the server reports running or
// offline. Authentication errors abort immediately; anything else keeps
// polling until the attempt budget runs out.
func (o *Orchestrator) waitForInstallState(ctx context.Context, client remote.API, uuid string) error {
	return o.installPoll.Poll(ctx, func(ctx context.Context) (bool, error) {
		details, err := client.ServerDetails(ctx, uuid)
		if err != nil {
			if remote.IsAuthentication(err) {
				return false, err
			}
			return false, nil
		}
		switch details.State {
		case types.PowerStateRunning, types.PowerStateOffline:
			return true, nil
		}
		return false, nil
	})
}

// Provision installs a new server on its node's daemon. The server must be
// in the normal (empty) status. On any failure the status becomes
// install_failed, a best-effort remote delete cleans up the partial server,
// and the original error is returned.
func (o *Orchestrator) Provision(ctx context.Context, serverID string, opts *OpOptions) error {
	server, err := o.store.GetServer(serverID)
	if err != nil {
		return fmt.Errorf("provisioning: %w", err)
	}
	if err := o.store.UpdateServerStatusIf(serverID, types.ServerStatusNormal, types.ServerStatusInstalling); err != nil {
		return fmt.Errorf("provisioning server %s: %w", serverID, err)
	}
	o.broker.PublishServer(events.EventServerInstalling, serverID, "server installation started")

	timer := metrics.NewTimer()
	client, node, err := o.clientFor(server)
	if err == nil {
		err = o.runInstall(ctx, client, server)
	}
	if err != nil {
		o.failInstall(ctx, client, server, true)
		metrics.LifecycleOperationsTotal.WithLabelValues("provision", "failure").Inc()
		o.audit("server.provision", serverID, opts, map[string]string{"outcome": "failure"})
		return fmt.Errorf("provisioning server %s: %w", serverID, err)
	}

	now := time.Now()
	server.Status = types.ServerStatusInstalled
	server.InstalledAt = &now
	server.UpdatedAt = now
	if err := o.store.UpdateServer(server); err != nil {
		return fmt.Errorf("provisioning server %s: %w", serverID, err)
	}

	timer.ObserveDuration(metrics.ProvisionDuration)
	metrics.LifecycleOperationsTotal.WithLabelValues("provision", "success").Inc()
	o.broker.PublishServer(events.EventServerInstalled, serverID, "server installed")
	o.audit("server.provision", serverID, opts, map[string]string{"outcome": "success"})
	o.logger.Info().Str("server_id", serverID).Str("node_id", node.ID).
		Dur("took", timer.Duration()).Msg("Server provisioned")
	return nil
}

func (o *Orchestrator) runInstall(ctx context.Context, client remote.API, server *types.Server) error {
	req, err := o.buildCreateRequest(server)
	if err != nil {
		return err
	}
	if err := client.CreateServer(ctx, req); err != nil {
		return fmt.Errorf("daemon create: %w", err)
	}
	if err := o.waitForInstallState(ctx, client, server.UUID); err != nil {
		return fmt.Errorf("waiting for install: %w", err)
	}
	return nil
}

// failInstall marks the server install_failed and, when cleanupRemote is
// set, attempts to delete the partially created remote server. A not-found
// response from the daemon is treated as successful cleanup.
func (o *Orchestrator) failInstall(ctx context.Context, client remote.API, server *types.Server, cleanupRemote bool) {
	server.Status = types.ServerStatusInstallFailed
	server.UpdatedAt = time.Now()
	if err := o.store.UpdateServer(server); err != nil {
		o.logger.Error().Err(err).Str("server_id", server.ID).Msg("Failed to persist install_failed status")
	}
	o.broker.PublishServer(events.EventServerInstallFailed, server.ID, "server installation failed")

	if !cleanupRemote || client == nil {
		return
	}
	if err := client.DeleteServer(ctx, server.UUID); err != nil && !remote.IsNotFound(err) {
		o.logger.Warn().Err(err).Str("server_id", server.ID).Msg("Rollback delete of partial server failed")
	}
}

// Reinstall re-runs the installation on the server's current node. Identity
// and allocations are preserved; installedAt is cleared before the daemon
// call and set again on success.
func (o *Orchestrator) Reinstall(ctx context.Context, serverID string, opts *OpOptions) error {
	server, err := o.store.GetServer(serverID)
	if err != nil {
		return fmt.Errorf("reinstalling: %w", err)
	}
	if err := o.store.UpdateServerStatusIf(serverID, types.ServerStatusInstalled, types.ServerStatusInstalling); err != nil {
		return fmt.Errorf("reinstalling server %s: %w", serverID, err)
	}
	server.Status = types.ServerStatusInstalling
	server.InstalledAt = nil
	server.UpdatedAt = time.Now()
	if err := o.store.UpdateServer(server); err != nil {
		return fmt.Errorf("reinstalling server %s: %w", serverID, err)
	}
	o.broker.PublishServer(events.EventServerInstalling, serverID, "server reinstall started")

	client, _, err := o.clientFor(server)
	if err == nil {
		if err = client.ReinstallServer(ctx, server.UUID); err == nil {
			err = o.waitForInstallState(ctx, client, server.UUID)
		}
	}
	if err != nil {
		// No remote cleanup on reinstall failure: the server still exists on
		// the daemon and deleting it would destroy its data.
		o.failInstall(ctx, nil, server, false)
		metrics.LifecycleOperationsTotal.WithLabelValues("reinstall", "failure").Inc()
		o.audit("server.reinstall", serverID, opts, map[string]string{"outcome": "failure"})
		return fmt.Errorf("reinstalling server %s: %w", serverID, err)
	}

	now := time.Now()
	server.Status = types.ServerStatusInstalled
	server.InstalledAt = &now
	server.UpdatedAt = now
	if err := o.store.UpdateServer(server); err != nil {
		return fmt.Errorf("reinstalling server %s: %w", serverID, err)
	}
	metrics.LifecycleOperationsTotal.WithLabelValues("reinstall", "success").Inc()
	o.broker.PublishServer(events.EventServerInstalled, serverID, "server reinstalled")
	o.audit("server.reinstall", serverID, opts, map[string]string{"outcome": "success"})
	return nil
}

// Delete removes the server from its daemon and, once the daemon no longer
// knows it, removes the persisted record and frees its allocations. When the
// daemon cannot be reached the status becomes deletion_failed and the record
// is kept. When the daemon stays reachable but the server never disappears,
// the status is left as deleting for operator follow-up.
func (o *Orchestrator) Delete(ctx context.Context, serverID string, opts *OpOptions) error {
	server, err := o.store.GetServer(serverID)
	if err != nil {
		return fmt.Errorf("deleting: %w", err)
	}
	switch server.Status {
	case types.ServerStatusInstalling, types.ServerStatusTransferring, types.ServerStatusDeleting:
		return fmt.Errorf("deleting server %s: operation already in progress (status %q)", serverID, server.Status)
	}
	if err := o.store.UpdateServerStatusIf(serverID, server.Status, types.ServerStatusDeleting); err != nil {
		return fmt.Errorf("deleting server %s: %w", serverID, err)
	}
	server.Status = types.ServerStatusDeleting

	client, _, err := o.clientFor(server)
	if err != nil {
		return o.failDelete(serverID, opts, err)
	}
	if err := client.DeleteServer(ctx, server.UUID); err != nil && !remote.IsNotFound(err) {
		return o.failDelete(serverID, opts, fmt.Errorf("daemon delete: %w", err))
	}

	err = o.deletePoll.Poll(ctx, func(ctx context.Context) (bool, error) {
		_, err := client.ServerDetails(ctx, server.UUID)
		if remote.IsNotFound(err) {
			return true, nil
		}
		if remote.IsAuthentication(err) {
			return false, err
		}
		return false, nil
	})
	if err != nil {
		// Status stays deleting so an operator can see the stuck operation.
		metrics.LifecycleOperationsTotal.WithLabelValues("delete", "timeout").Inc()
		o.audit("server.delete", serverID, opts, map[string]string{"outcome": "timeout"})
		return fmt.Errorf("deleting server %s: daemon still reports the server: %w", serverID, err)
	}

	if err := o.freeAllocations(serverID); err != nil {
		o.logger.Warn().Err(err).Str("server_id", serverID).Msg("Failed to free allocations during delete")
	}
	if err := o.store.DeleteServer(serverID); err != nil {
		return fmt.Errorf("deleting server %s: %w", serverID, err)
	}
	metrics.LifecycleOperationsTotal.WithLabelValues("delete", "success").Inc()
	o.broker.PublishServer(events.EventServerDeleted, serverID, "server deleted")
	o.audit("server.delete", serverID, opts, map[string]string{"outcome": "success"})
	o.logger.Info().Str("server_id", serverID).Msg("Server deleted")
	return nil
}

func (o *Orchestrator) failDelete(serverID string, opts *OpOptions, cause error) error {
	if err := o.store.UpdateServerStatusIf(serverID, types.ServerStatusDeleting, types.ServerStatusDeletionFailed); err != nil {
		o.logger.Error().Err(err).Str("server_id", serverID).Msg("Failed to persist deletion_failed status")
	}
	metrics.LifecycleOperationsTotal.WithLabelValues("delete", "failure").Inc()
	o.broker.PublishServer(events.EventServerDeleteFailed, serverID, "server deletion failed")
	o.audit("server.delete", serverID, opts, map[string]string{"outcome": "failure"})
	o.logger.Error().Err(cause).Str("server_id", serverID).Msg("Server deletion failed")
	return fmt.Errorf("deleting server %s: %w", serverID, cause)
}

func (o *Orchestrator) freeAllocations(serverID string) error {
	allocs, err := o.store.ListAllocationsByServer(serverID)
	if err != nil {
		return err
	}
	for _, a := range allocs {
		a.ServerID = ""
		a.Primary = false
		if err := o.store.UpdateAllocation(a); err != nil {
			return err
		}
	}
	return nil
}

// PowerAction sends a fire-and-forget power command to the daemon and
// schedules a deferred refresh of the persisted power state, since daemons
// apply power changes asynchronously.
func (o *Orchestrator) PowerAction(ctx context.Context, serverID string, action types.PowerAction, opts *OpOptions) error {
	if !types.ValidPowerAction(action) {
		return fmt.Errorf("invalid power action %q", action)
	}
	server, err := o.store.GetServer(serverID)
	if err != nil {
		return fmt.Errorf("power action: %w", err)
	}
	client, _, err := o.clientFor(server)
	if err != nil {
		return fmt.Errorf("power action: %w", err)
	}
	if err := client.Power(ctx, server.UUID, action); err != nil {
		return fmt.Errorf("power action %s on server %s: %w", action, serverID, err)
	}

	time.AfterFunc(o.powerRefreshDelay, func() { o.refreshPowerState(serverID) })
	o.broker.PublishServer(events.EventServerPowerAction, serverID, string(action))
	o.audit("server.power", serverID, opts, map[string]string{"action": string(action)})
	return nil
}

func (o *Orchestrator) refreshPowerState(serverID string) {
	server, err := o.store.GetServer(serverID)
	if err != nil {
		return
	}
	client, _, err := o.clientFor(server)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	details, err := client.ServerDetails(ctx, server.UUID)
	if err != nil {
		o.logger.Debug().Err(err).Str("server_id", serverID).Msg("Deferred power state refresh failed")
		return
	}
	server.LastPowerState = details.State
	server.UpdatedAt = time.Now()
	if err := o.store.UpdateServer(server); err != nil {
		o.logger.Debug().Err(err).Str("server_id", serverID).Msg("Failed to persist refreshed power state")
	}
}

// Suspend stops the server best-effort and flips the suspended flag. A stop
// failure never fails the suspend: suspension must work even against a
// degraded daemon.
func (o *Orchestrator) Suspend(ctx context.Context, serverID string, opts *OpOptions) error {
	return o.setSuspended(ctx, serverID, true, opts)
}

// Unsuspend clears the suspended flag. No daemon call is made.
func (o *Orchestrator) Unsuspend(ctx context.Context, serverID string, opts *OpOptions) error {
	return o.setSuspended(ctx, serverID, false, opts)
}

func (o *Orchestrator) setSuspended(ctx context.Context, serverID string, suspended bool, opts *OpOptions) error {
	server, err := o.store.GetServer(serverID)
	if err != nil {
		return fmt.Errorf("suspension: %w", err)
	}
	if server.Suspended == suspended {
		return nil
	}

	action, event := "server.unsuspend", events.EventServerUnsuspended
	if suspended {
		action, event = "server.suspend", events.EventServerSuspended
		if client, _, err := o.clientFor(server); err == nil {
			if err := client.Power(ctx, server.UUID, types.PowerActionStop); err != nil {
				o.logger.Warn().Err(err).Str("server_id", serverID).Msg("Stop before suspend failed")
			}
		}
	}

	server.Suspended = suspended
	server.UpdatedAt = time.Now()
	if err := o.store.UpdateServer(server); err != nil {
		return fmt.Errorf("suspension: %w", err)
	}
	o.broker.PublishServer(event, serverID, "")
	o.audit(action, serverID, opts, nil)
	return nil
}
