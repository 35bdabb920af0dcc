// Package types holds the data model shared across the transfer engine:
// chain endpoints, messages, batches, and per-direction loop state.
package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Direction names a transfer path. S2S carries the sibling chain pair in
// extra fields on the caller's side; the string itself only distinguishes
// the three loop kinds for metrics and the error-category registry.
type Direction string

const (
	DirectionM2S Direction = "M2S"
	DirectionS2M Direction = "S2M"
	DirectionS2S Direction = "S2S"
)

// NodeEndpoint is one validator/node of an S-chain's roster, used by the
// S→S verifier to query the same OutgoingMessage on every node.
type NodeEndpoint struct {
	Name   string
	RPCURL string
}

// ChainEndpoint identifies a chain the agent talks to. Immutable for the
// duration of a run. NodeRoster is populated only for S-chains that can be
// the source of an S→S transfer.
type ChainEndpoint struct {
	Name       string
	ChainID    *big.Int
	RPCURL     string
	NodeRoster []NodeEndpoint
}

// IsMainnet reports whether this endpoint is the trusted root chain.
func (c ChainEndpoint) IsMainnet() bool {
	return c.Name == "Mainnet"
}

// Message is one OutgoingMessage event, keyed by MsgCounter within a
// (source, destination) pair.
type Message struct {
	Sender              common.Address
	DestinationContract common.Address
	Data                []byte
	MsgCounter          uint64
	SavedBlockNumber    uint64
}

// ReferenceLogRecord is one link of the reverse linked list produced by the
// walk-back-by-reference scan optimization.
type ReferenceLogRecord struct {
	CurrentMessage               uint64
	PreviousOutgoingMessageBlock uint64
	CurrentBlockID               uint64
}

// Signature is the threshold-BLS aggregate wire encoding agreed with the
// destination proxy.
type Signature struct {
	BLSSignature [2]*big.Int
	HashA        *big.Int
	HashB        *big.Int
	Counter      string
}

// ZeroSignature is the all-zero stub signature used only in test mode.
func ZeroSignature() Signature {
	return Signature{
		BLSSignature: [2]*big.Int{big.NewInt(0), big.NewInt(0)},
		HashA:        big.NewInt(0),
		HashB:        big.NewInt(0),
		Counter:      "0",
	}
}

// OutgoingBatch is a contiguous slice of messages with a single aggregate
// signature. Only constructed when len(Messages) >= 1 and StartCounter
// equals the destination's incoming counter at submission time.
type OutgoingBatch struct {
	SourceChain  string
	DestChain    string
	StartCounter uint64
	Messages     []Message
	Signature    Signature
}

// TransferLoopState is the per-direction state published to the
// coordinator and exposed for observability.
type TransferLoopState struct {
	IsInProgress          bool
	WasInProgress         bool
	StepsDone             int
	CurrentTransferSerial uint64
}
