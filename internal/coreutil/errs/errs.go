// Package errs defines the transfer engine's sentinel errors, grouped by
// propagation tier and wrapped contextually at call sites with
// fmt.Errorf("%w", ...).
package errs

import "errors"

// Transient RPC errors. Absorbed by the RPC Client's retry loop; surfaced
// only after exhausting attempts.
var (
	ErrEndpointOffline = errors.New("endpoint offline")
	ErrRPCAttempt      = errors.New("rpc attempt failed")
	ErrRPCExhausted    = errors.New("rpc attempts exhausted")
)

// Security errors. Abort the current batch without submitting; recorded in
// the error-category registry; retried next pass.
var (
	ErrBlockDepth = errors.New("block depth check failed")
	ErrBlockAge   = errors.New("block age check failed")
	ErrS2SQuorum  = errors.New("s2s quorum not reached")
)

// Signing errors. Abort the current batch; recorded; retried next pass.
var (
	ErrSignerBackend = errors.New("signer backend error")
	ErrSignerTimeout = errors.New("signer timed out")
)

// Contract errors. Abort the current pass.
var (
	ErrDryRun       = errors.New("dry run reverted")
	ErrContractCall = errors.New("contract call reverted")
	ErrPostMessage  = errors.New("PostMessageError emitted on destination")
)

// Decoding errors.
var (
	ErrInvalidLog = errors.New("invalid log")
)

// Fatal startup errors. Only these terminate the process.
var (
	ErrMissingEndpoint  = errors.New("missing chain endpoint configuration")
	ErrUnreadableKey    = errors.New("unable to read signing key")
	ErrInvalidSignerCfg = errors.New("invalid signer backend configuration")
)
