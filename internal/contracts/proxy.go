// Package contracts implements the source/destination message-proxy ABI
// consumed by the core: the OutgoingMessage / PreviousMessageReference
// / PostMessageError event signatures, the postIncomingMessages call
// encoding, and the message-hash wire encoding agreed between the
// destination proxy and the signer.
package contracts

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/streaming-dev/ima-agent/internal/types"
)

// Event signatures.
var (
	OutgoingMessageEventSig          = []byte("OutgoingMessage(bytes32,uint256,address,address,bytes)")
	PreviousMessageReferenceEventSig = []byte("PreviousMessageReference(uint256,uint256)")
	PostMessageErrorEventSig         = []byte("PostMessageError(uint256,bytes)")
)

// Event topic hashes, used by the Event Scanner to build getLogs filters.
var (
	OutgoingMessageTopic          = crypto.Keccak256Hash(OutgoingMessageEventSig)
	PreviousMessageReferenceTopic = crypto.Keccak256Hash(PreviousMessageReferenceEventSig)
	PostMessageErrorTopic         = crypto.Keccak256Hash(PostMessageErrorEventSig)
)

// DstChainHash hashes a destination chain name into the indexed topic used
// to filter OutgoingMessage logs to only the pair of interest.
func DstChainHash(dstChainName string) common.Hash {
	return crypto.Keccak256Hash([]byte(dstChainName))
}

// MsgCounterTopic encodes a message counter as a 32-byte indexed topic.
func MsgCounterTopic(counter uint64) common.Hash {
	return common.BigToHash(new(big.Int).SetUint64(counter))
}

// HashMessages computes the wire hash the destination proxy and signer
// agree on: keccak(concat_for_each_message(bytes20(sender),
// bytes20(destinationContract), data)).
func HashMessages(messages []types.Message) common.Hash {
	var buf []byte
	for _, m := range messages {
		buf = append(buf, m.Sender.Bytes()...)
		buf = append(buf, m.DestinationContract.Bytes()...)
		buf = append(buf, m.Data...)
	}
	return crypto.Keccak256Hash(buf)
}

// messageProxyABI holds the minimal set of call signatures the core needs
// to encode against the destination/source message-proxy contract.
var messageProxyABI abi.ABI

func init() {
	const abiJSON = `[
		{"name":"getOutgoingMessagesCounter","type":"function","stateMutability":"view",
		 "inputs":[{"name":"dstChainName","type":"string"}],
		 "outputs":[{"name":"","type":"uint256"}]},
		{"name":"getIncomingMessagesCounter","type":"function","stateMutability":"view",
		 "inputs":[{"name":"srcChainName","type":"string"}],
		 "outputs":[{"name":"","type":"uint256"}]},
		{"name":"getLastOutgoingMessageBlockId","type":"function","stateMutability":"view",
		 "inputs":[{"name":"dstChainName","type":"string"}],
		 "outputs":[{"name":"","type":"uint256"}]},
		{"name":"postIncomingMessages","type":"function","stateMutability":"nonpayable",
		 "inputs":[
			{"name":"srcChainName","type":"string"},
			{"name":"startingCounter","type":"uint256"},
			{"name":"messages","type":"tuple[]","components":[
				{"name":"sender","type":"address"},
				{"name":"destinationContract","type":"address"},
				{"name":"data","type":"bytes"}
			]},
			{"name":"sig","type":"tuple","components":[
				{"name":"blsSignature","type":"uint256[2]"},
				{"name":"hashA","type":"uint256"},
				{"name":"hashB","type":"uint256"},
				{"name":"counter","type":"string"}
			]}
		 ],
		 "outputs":[]}
	]`
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		panic(err)
	}
	messageProxyABI = parsed
}

// messageTuple and sigTuple mirror the ABI tuple layout above for packing.
type messageTuple struct {
	Sender              common.Address
	DestinationContract common.Address
	Data                []byte
}

type sigTuple struct {
	BlsSignature [2]*big.Int
	HashA        *big.Int
	HashB        *big.Int
	Counter      string
}

// PackGetOutgoingMessagesCounter encodes getOutgoingMessagesCounter(dstChainName).
func PackGetOutgoingMessagesCounter(dstChainName string) ([]byte, error) {
	return messageProxyABI.Pack("getOutgoingMessagesCounter", dstChainName)
}

// PackGetIncomingMessagesCounter encodes getIncomingMessagesCounter(srcChainName).
func PackGetIncomingMessagesCounter(srcChainName string) ([]byte, error) {
	return messageProxyABI.Pack("getIncomingMessagesCounter", srcChainName)
}

// PackGetLastOutgoingMessageBlockId encodes getLastOutgoingMessageBlockId(dstChainName).
func PackGetLastOutgoingMessageBlockId(dstChainName string) ([]byte, error) {
	return messageProxyABI.Pack("getLastOutgoingMessageBlockId", dstChainName)
}

// PackPostIncomingMessages encodes postIncomingMessages(srcChainName,
// startingCounter, messages, sig) from a signed batch.
func PackPostIncomingMessages(batch types.OutgoingBatch) ([]byte, error) {
	tuples := make([]messageTuple, len(batch.Messages))
	for i, m := range batch.Messages {
		tuples[i] = messageTuple{
			Sender:              m.Sender,
			DestinationContract: m.DestinationContract,
			Data:                m.Data,
		}
	}
	return messageProxyABI.Pack(
		"postIncomingMessages",
		batch.SourceChain,
		new(big.Int).SetUint64(batch.StartCounter),
		tuples,
		sigTuple{
			BlsSignature: batch.Signature.BLSSignature,
			HashA:        batch.Signature.HashA,
			HashB:        batch.Signature.HashB,
			Counter:      batch.Signature.Counter,
		},
	)
}

// UnpackUint256Result unpacks a single uint256 return value, the shape of
// every counter/blockId view call above.
func UnpackUint256Result(method string, data []byte) (uint64, error) {
	out, err := messageProxyABI.Unpack(method, data)
	if err != nil {
		return 0, err
	}
	v := out[0].(*big.Int)
	return v.Uint64(), nil
}
