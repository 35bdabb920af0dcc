package contracts

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/streaming-dev/ima-agent/internal/coreutil/errs"
	"github.com/streaming-dev/ima-agent/internal/types"
)

// outgoingMessageDataArgs decodes the non-indexed portion of
// OutgoingMessage(bytes32 indexed, uint256 indexed, address indexed,
// address dstContract, bytes data): the event ABI's data encodes the last
// two (non-indexed) parameters.
var outgoingMessageDataArgs abi.Arguments

// postMessageErrorDataArgs decodes PostMessageError(uint256 msgCounter,
// bytes reason): neither parameter is declared indexed, so both live
// in the log's data and the log carries only the event-signature topic.
var postMessageErrorDataArgs abi.Arguments

// previousMessageReferenceDataArgs decodes PreviousMessageReference(uint256
// currentMessage, uint256 previousOutgoingMessageBlockId): neither parameter
// is indexed, so both live in the log's data.
var previousMessageReferenceDataArgs abi.Arguments

func init() {
	addrTy, err := abi.NewType("address", "", nil)
	if err != nil {
		panic(err)
	}
	bytesTy, err := abi.NewType("bytes", "", nil)
	if err != nil {
		panic(err)
	}
	uint256Ty, err := abi.NewType("uint256", "", nil)
	if err != nil {
		panic(err)
	}
	outgoingMessageDataArgs = abi.Arguments{
		{Name: "dstContract", Type: addrTy},
		{Name: "data", Type: bytesTy},
	}
	postMessageErrorDataArgs = abi.Arguments{
		{Name: "msgCounter", Type: uint256Ty},
		{Name: "reason", Type: bytesTy},
	}
	previousMessageReferenceDataArgs = abi.Arguments{
		{Name: "currentMessage", Type: uint256Ty},
		{Name: "previousOutgoingMessageBlockId", Type: uint256Ty},
	}
}

// EncodeOutgoingMessageData packs the non-indexed (dstContract, data)
// portion of an OutgoingMessage log, the inverse of
// DecodeOutgoingMessageLog. Used by tests to build fixture logs.
func EncodeOutgoingMessageData(dstContract common.Address, data []byte) ([]byte, error) {
	return outgoingMessageDataArgs.Pack(dstContract, data)
}

// DecodeOutgoingMessageLog decodes one OutgoingMessage log into the core's
// Message type: the indexed msgCounter and srcContract topics,
// plus the non-indexed dstContract/data from the log's data payload.
func DecodeOutgoingMessageLog(l gethtypes.Log) (types.Message, error) {
	if len(l.Topics) != 4 {
		return types.Message{}, fmt.Errorf("%w: OutgoingMessage log has %d topics, want 4", errs.ErrInvalidLog, len(l.Topics))
	}
	values, err := outgoingMessageDataArgs.Unpack(l.Data)
	if err != nil {
		return types.Message{}, fmt.Errorf("%w: unpacking OutgoingMessage data: %v", errs.ErrInvalidLog, err)
	}
	dstContract, ok := values[0].(common.Address)
	if !ok {
		return types.Message{}, fmt.Errorf("%w: OutgoingMessage dstContract field has unexpected type", errs.ErrInvalidLog)
	}
	data, ok := values[1].([]byte)
	if !ok {
		return types.Message{}, fmt.Errorf("%w: OutgoingMessage data field has unexpected type", errs.ErrInvalidLog)
	}

	return types.Message{
		Sender:              common.BytesToAddress(l.Topics[3].Bytes()),
		DestinationContract: dstContract,
		Data:                data,
		MsgCounter:          l.Topics[2].Big().Uint64(),
		SavedBlockNumber:    l.BlockNumber,
	}, nil
}

// DecodePostMessageErrorLog decodes PostMessageError(uint256 msgCounter,
// bytes reason). Neither parameter is indexed, so
// both live in the log's data and a real log carries exactly one topic
// (the event signature).
func DecodePostMessageErrorLog(l gethtypes.Log) (counter uint64, reason []byte, err error) {
	if len(l.Topics) != 1 {
		return 0, nil, fmt.Errorf("%w: PostMessageError log has %d topics, want 1", errs.ErrInvalidLog, len(l.Topics))
	}
	values, unpackErr := postMessageErrorDataArgs.Unpack(l.Data)
	if unpackErr != nil {
		return 0, nil, fmt.Errorf("%w: unpacking PostMessageError data: %v", errs.ErrInvalidLog, unpackErr)
	}
	msgCounter, ok := values[0].(*big.Int)
	if !ok {
		return 0, nil, fmt.Errorf("%w: PostMessageError msgCounter field has unexpected type", errs.ErrInvalidLog)
	}
	reasonBytes, ok := values[1].([]byte)
	if !ok {
		return 0, nil, fmt.Errorf("%w: PostMessageError reason field has unexpected type", errs.ErrInvalidLog)
	}
	return msgCounter.Uint64(), reasonBytes, nil
}

// EncodePostMessageErrorData packs the (msgCounter, reason) data payload of
// a PostMessageError log, the inverse of DecodePostMessageErrorLog. Used by
// tests to build fixture logs against the declared ABI.
func EncodePostMessageErrorData(msgCounter uint64, reason []byte) ([]byte, error) {
	return postMessageErrorDataArgs.Pack(new(big.Int).SetUint64(msgCounter), reason)
}

// DecodePreviousOutgoingMessageBlockID reads the
// previousOutgoingMessageBlockId field of a
// PreviousMessageReference(uint256 currentMessage, uint256
// previousOutgoingMessageBlockId) log. Neither parameter
// is indexed, so both live in the log's data behind a single topic.
func DecodePreviousOutgoingMessageBlockID(l gethtypes.Log) (uint64, error) {
	if len(l.Topics) != 1 {
		return 0, fmt.Errorf("%w: PreviousMessageReference log has %d topics, want 1", errs.ErrInvalidLog, len(l.Topics))
	}
	values, err := previousMessageReferenceDataArgs.Unpack(l.Data)
	if err != nil {
		return 0, fmt.Errorf("%w: unpacking PreviousMessageReference data: %v", errs.ErrInvalidLog, err)
	}
	prevBlock, ok := values[1].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("%w: PreviousMessageReference previousOutgoingMessageBlockId field has unexpected type", errs.ErrInvalidLog)
	}
	return prevBlock.Uint64(), nil
}

// EncodePreviousMessageReferenceData packs the (currentMessage,
// previousOutgoingMessageBlockId) data payload of a PreviousMessageReference
// log, the inverse of DecodePreviousOutgoingMessageBlockID. Used by tests to
// build fixture logs against the declared ABI.
func EncodePreviousMessageReferenceData(currentMessage, previousOutgoingMessageBlockID uint64) ([]byte, error) {
	return previousMessageReferenceDataArgs.Pack(
		new(big.Int).SetUint64(currentMessage),
		new(big.Int).SetUint64(previousOutgoingMessageBlockID),
	)
}
