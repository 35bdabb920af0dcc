// Package signer implements the polymorphic Signer capability: local-key,
// remote-HSM, and transaction-manager-queue backends. The call pipeline
// dispatches by capability (IsAutoSend), not by a string type tag.
package signer

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Signer is consumed by the Call Pipeline to produce a signed transaction,
// or, for the queue backend, a terminal receipt it fetched itself.
type Signer interface {
	// Address is the account the signer signs and submits on behalf of.
	Address() common.Address

	// IsAutoSend reports whether this backend also submits the
	// transaction (only QueueManager), so the call pipeline
	// knows whether it still has to call SendRawTransaction itself.
	IsAutoSend() bool

	// Sign produces a signed transaction (LocalKey, RemoteHSM) or blocks
	// until the backend's own submission reaches a terminal state
	// (QueueManager) and returns the resulting receipt.
	Sign(ctx context.Context, tx *types.Transaction) (Result, error)
}

// Result carries exactly one of SignedTx (caller must submit) or Receipt
// (backend already submitted and confirmed).
type Result struct {
	SignedTx *types.Transaction
	Receipt  *types.Receipt
}
