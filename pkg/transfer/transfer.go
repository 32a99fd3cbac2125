package transfer

import (
	"context"
	"errors"
	"fmt"
	"strings"
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

// capacityWarningThreshold is the soft per-node server count above which
// validation emits a warning. Not a hard limit.
const capacityWarningThreshold = 50

// Options describe a requested transfer: the server to move and its new home.
type Options struct {
	ServerID              string
	TargetNodeID          string
	TargetAllocationID    string
	AdditionalAllocations []string
}

// ValidationResult is the outcome of validating transfer options. Warnings
// never block a transfer; any error does.
type ValidationResult struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

// ValidationError aggregates validation failures into one error.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return "transfer validation failed: " + strings.Join(e.Errors, ", ")
}

// Workflow orchestrates the control-plane side of moving a server between
// nodes: allocation snapshot and swap, status bookkeeping, and the archived
// transfer record. The byte-level data migration is the daemon pair's own
// business.
type Workflow struct {
	store    storage.Store
	provider remote.Provider
	broker   *events.Broker
	logger   zerolog.Logger
}

// New creates a transfer workflow.
func New(store storage.Store, provider remote.Provider, broker *events.Broker) *Workflow {
	return &Workflow{
		store:    store,
		provider: provider,
		broker:   broker,
		logger:   log.WithComponent("transfer"),
	}
}

// Validate checks the transfer options without mutating any state. Checks
// run in a fixed order and accumulate; only a missing record stops the
// checks that depend on it.
func (w *Workflow) Validate(opts Options) (*ValidationResult, error) {
	res := &ValidationResult{}

	server, err := w.store.GetServer(opts.ServerID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			res.Errors = append(res.Errors, "server not found")
			return res, nil
		}
		return nil, fmt.Errorf("validating transfer: %w", err)
	}

	if _, err := w.store.ActiveTransfer(opts.ServerID); err == nil {
		res.Errors = append(res.Errors, "a transfer is already in progress for this server")
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("validating transfer: %w", err)
	}

	if server.Suspended {
		res.Warnings = append(res.Warnings, "server is suspended")
	}

	node, err := w.store.GetNode(opts.TargetNodeID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			res.Errors = append(res.Errors, "target node not found")
			return res, nil
		}
		return nil, fmt.Errorf("validating transfer: %w", err)
	}
	if node.Maintenance {
		res.Errors = append(res.Errors, "target node is under maintenance")
	}
	if node.ID == server.NodeID {
		res.Errors = append(res.Errors, "target node matches the server's current node")
	}

	w.validateAllocation(res, opts.TargetAllocationID, opts.TargetNodeID, "target allocation")
	for _, id := range opts.AdditionalAllocations {
		w.validateAllocation(res, id, opts.TargetNodeID, fmt.Sprintf("additional allocation %s", id))
	}

	count, err := w.store.CountServersByNode(opts.TargetNodeID)
	if err != nil {
		return nil, fmt.Errorf("validating transfer: %w", err)
	}
	if count >= capacityWarningThreshold {
		res.Warnings = append(res.Warnings, fmt.Sprintf("target node already hosts %d servers", count))
	}

	res.Valid = len(res.Errors) == 0
	return res, nil
}

func (w *Workflow) validateAllocation(res *ValidationResult, id, nodeID, label string) {
	alloc, err := w.store.GetAllocation(id)
	if err != nil {
		res.Errors = append(res.Errors, label+" not found")
		return
	}
	if alloc.Assigned() {
		res.Errors = append(res.Errors, label+" is already assigned")
	}
	if alloc.NodeID != nodeID {
		res.Errors = append(res.Errors, label+" does not belong to the target node")
	}
}

// Create re-validates, snapshots the server's current allocations, inserts a
// pending transfer record, and flips the server status to transferring.
func (w *Workflow) Create(ctx context.Context, opts Options) (*types.Transfer, error) {
	res, err := w.Validate(opts)
	if err != nil {
		return nil, err
	}
	if !res.Valid {
		return nil, &ValidationError{Errors: res.Errors}
	}

	server, err := w.store.GetServer(opts.ServerID)
	if err != nil {
		return nil, fmt.Errorf("creating transfer: %w", err)
	}
	allocs, err := w.store.ListAllocationsByServer(opts.ServerID)
	if err != nil {
		return nil, fmt.Errorf("creating transfer: %w", err)
	}
	var oldAdditional []string
	for _, a := range allocs {
		if a.ID != server.AllocationID {
			oldAdditional = append(oldAdditional, a.ID)
		}
	}

	if err := w.store.UpdateServerStatusIf(opts.ServerID, server.Status, types.ServerStatusTransferring); err != nil {
		return nil, fmt.Errorf("creating transfer: %w", err)
	}

	now := time.Now()
	transfer := &types.Transfer{
		ID:                       uuid.NewString(),
		ServerID:                 opts.ServerID,
		OldNodeID:                server.NodeID,
		NewNodeID:                opts.TargetNodeID,
		OldAllocationID:          server.AllocationID,
		NewAllocationID:          opts.TargetAllocationID,
		OldAdditionalAllocations: oldAdditional,
		NewAdditionalAllocations: opts.AdditionalAllocations,
		CreatedAt:                now,
		UpdatedAt:                now,
	}
	if err := w.store.CreateTransfer(transfer); err != nil {
		// Roll the status flip back so the server is not stuck transferring.
		if rerr := w.store.UpdateServerStatusIf(opts.ServerID, types.ServerStatusTransferring, server.Status); rerr != nil {
			w.logger.Error().Err(rerr).Str("server_id", opts.ServerID).Msg("Failed to roll back transferring status")
		}
		return nil, fmt.Errorf("creating transfer: %w", err)
	}

	w.logger.Info().Str("server_id", opts.ServerID).Str("transfer_id", transfer.ID).
		Str("target_node", opts.TargetNodeID).Msg("Transfer created")
	return transfer, nil
}

// Start performs the remote side of a pending transfer: it creates the
// server on the target daemon and completes the transfer with the outcome.
// Any remote error completes the transfer as failed and is returned.
func (w *Workflow) Start(ctx context.Context, transferID string) error {
	transfer, err := w.store.GetTransfer(transferID)
	if err != nil {
		return fmt.Errorf("starting transfer: %w", err)
	}
	if transfer.Archived {
		return fmt.Errorf("starting transfer %s: transfer is already archived", transferID)
	}
	server, err := w.store.GetServer(transfer.ServerID)
	if err != nil {
		return fmt.Errorf("starting transfer: %w", err)
	}
	targetNode, err := w.store.GetNode(transfer.NewNodeID)
	if err != nil {
		return fmt.Errorf("starting transfer: %w", err)
	}

	w.broker.PublishServer(events.EventTransferStarted, server.ID, "server transfer started")

	req, err := w.buildCreateRequest(server, transfer)
	if err == nil {
		err = w.provider.ClientFor(targetNode).CreateServer(ctx, req)
	}
	if err != nil {
		if cerr := w.Complete(ctx, transferID, false); cerr != nil {
			w.logger.Error().Err(cerr).Str("transfer_id", transferID).Msg("Failed to complete failed transfer")
		}
		return fmt.Errorf("starting transfer %s: %w", transferID, err)
	}
	return w.Complete(ctx, transferID, true)
}

func (w *Workflow) buildCreateRequest(server *types.Server, transfer *types.Transfer) (*remote.CreateServerRequest, error) {
	specs := make([]remote.AllocationSpec, 0, 1+len(transfer.NewAdditionalAllocations))
	primary, err := w.store.GetAllocation(transfer.NewAllocationID)
	if err != nil {
		return nil, fmt.Errorf("resolving target allocation: %w", err)
	}
	specs = append(specs, remote.AllocationSpec{IP: primary.IP, Port: primary.Port, Primary: true})
	for _, id := range transfer.NewAdditionalAllocations {
		alloc, err := w.store.GetAllocation(id)
		if err != nil {
			return nil, fmt.Errorf("resolving additional allocation: %w", err)
		}
		specs = append(specs, remote.AllocationSpec{IP: alloc.IP, Port: alloc.Port})
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
		Allocations: specs,
	}, nil
}

// Complete finalizes a pending transfer. On success the server is rehomed:
// node and primary allocation reassigned, old allocations freed, new ones
// bound, and the status set to installing since the server must be
// reinstalled on its new node. On failure the status becomes
// transfer_failed. Either way the transfer record is archived with the
// outcome.
func (w *Workflow) Complete(ctx context.Context, transferID string, success bool) error {
	transfer, err := w.store.GetTransfer(transferID)
	if err != nil {
		return fmt.Errorf("completing transfer: %w", err)
	}
	if transfer.Archived {
		return fmt.Errorf("completing transfer %s: transfer is already archived", transferID)
	}
	server, err := w.store.GetServer(transfer.ServerID)
	if err != nil {
		return fmt.Errorf("completing transfer: %w", err)
	}

	if success {
		if err := w.rehome(server, transfer); err != nil {
			return fmt.Errorf("completing transfer %s: %w", transferID, err)
		}
		metrics.TransfersTotal.WithLabelValues("success").Inc()
		w.broker.PublishServer(events.EventTransferCompleted, server.ID, "server transfer completed")
	} else {
		server.Status = types.ServerStatusTransferFailed
		server.UpdatedAt = time.Now()
		if err := w.store.UpdateServer(server); err != nil {
			return fmt.Errorf("completing transfer %s: %w", transferID, err)
		}
		metrics.TransfersTotal.WithLabelValues("failure").Inc()
		w.broker.PublishServer(events.EventTransferFailed, server.ID, "server transfer failed")
	}

	transfer.Successful = &success
	transfer.Archived = true
	transfer.UpdatedAt = time.Now()
	if err := w.store.UpdateTransfer(transfer); err != nil {
		return fmt.Errorf("completing transfer %s: %w", transferID, err)
	}
	w.logger.Info().Str("transfer_id", transferID).Bool("successful", success).Msg("Transfer archived")
	return nil
}

func (w *Workflow) rehome(server *types.Server, transfer *types.Transfer) error {
	free := append([]string{transfer.OldAllocationID}, transfer.OldAdditionalAllocations...)
	for _, id := range free {
		alloc, err := w.store.GetAllocation(id)
		if err != nil {
			return err
		}
		alloc.ServerID = ""
		alloc.Primary = false
		if err := w.store.UpdateAllocation(alloc); err != nil {
			return err
		}
	}

	primary, err := w.store.GetAllocation(transfer.NewAllocationID)
	if err != nil {
		return err
	}
	primary.ServerID = server.ID
	primary.Primary = true
	if err := w.store.UpdateAllocation(primary); err != nil {
		return err
	}
	for _, id := range transfer.NewAdditionalAllocations {
		alloc, err := w.store.GetAllocation(id)
		if err != nil {
			return err
		}
		alloc.ServerID = server.ID
		alloc.Primary = false
		if err := w.store.UpdateAllocation(alloc); err != nil {
			return err
		}
	}

	server.NodeID = transfer.NewNodeID
	server.AllocationID = transfer.NewAllocationID
	server.Status = types.ServerStatusInstalling
	server.UpdatedAt = time.Now()
	return w.store.UpdateServer(server)
}

// Cancel aborts a pending transfer: the server status is reset to normal and
// the transfer is archived as unsuccessful. Archived transfers cannot be
// cancelled.
func (w *Workflow) Cancel(ctx context.Context, transferID string) error {
	transfer, err := w.store.GetTransfer(transferID)
	if err != nil {
		return fmt.Errorf("cancelling transfer: %w", err)
	}
	if transfer.Archived {
		return fmt.Errorf("cancelling transfer %s: transfer is already archived", transferID)
	}
	server, err := w.store.GetServer(transfer.ServerID)
	if err != nil {
		return fmt.Errorf("cancelling transfer: %w", err)
	}

	server.Status = types.ServerStatusNormal
	server.UpdatedAt = time.Now()
	if err := w.store.UpdateServer(server); err != nil {
		return fmt.Errorf("cancelling transfer: %w", err)
	}

	failed := false
	transfer.Successful = &failed
	transfer.Archived = true
	transfer.UpdatedAt = time.Now()
	if err := w.store.UpdateTransfer(transfer); err != nil {
		return fmt.Errorf("cancelling transfer: %w", err)
	}
	metrics.TransfersTotal.WithLabelValues("cancelled").Inc()
	w.broker.PublishServer(events.EventTransferCancelled, server.ID, "server transfer cancelled")
	return nil
}
