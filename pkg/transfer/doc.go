// Package transfer moves servers between nodes at the control-plane level:
// validation, allocation snapshot and swap, and transfer record bookkeeping.
// Transfer records are append-only and archived with their outcome.
package transfer
