package scanner

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/streaming-dev/ima-agent/internal/contracts"
	"github.com/streaming-dev/ima-agent/internal/rpc"
	"github.com/streaming-dev/ima-agent/internal/types"
)

// ErrReferenceLogsUnavailable signals that the source contract does not
// emit PreviousMessageReference (older contracts), so the caller should
// fall back to Progressive then Iterative.
var ErrReferenceLogsUnavailable = errors.New("reference log chain unavailable")

// WalkBackByReference builds the reverse ReferenceLogRecord linked list
// by following PreviousMessageReference(currentMessage,
// previousOutgoingMessageBlockId) backward from the newest outgoing
// message down to floorCounter inclusive. It returns one record
// per message in [floorCounter, ceilCounter), bounding each subsequent
// getLogs query to an exact block.
//
// anchorBlock seeds the walk at the newest outgoing message's block; the
// caller normally reads it from the source proxy's
// getLastOutgoingMessageBlockId view. Passing 0 discovers the anchor with
// a full log scan instead.
func (s *Scanner) WalkBackByReference(
	ctx context.Context,
	contractAddr common.Address,
	dstChainHash common.Hash,
	floorCounter, ceilCounter uint64,
	anchorBlock uint64,
) ([]types.ReferenceLogRecord, error) {
	if ceilCounter <= floorCounter {
		return nil, nil
	}

	if anchorBlock == 0 {
		found, err := s.latestOutgoingMessageBlock(ctx, contractAddr, dstChainHash, ceilCounter-1)
		if err != nil {
			return nil, err
		}
		if found == nil {
			return nil, ErrReferenceLogsUnavailable
		}
		anchorBlock = *found
	}

	records := make([]types.ReferenceLogRecord, 0, ceilCounter-floorCounter)
	currentBlock := anchorBlock
	for counter := ceilCounter - 1; ; counter-- {
		refLogs, err := s.src.GetLogs(ctx, ethereum.FilterQuery{
			Addresses: []common.Address{contractAddr},
			Topics:    [][]common.Hash{{contracts.PreviousMessageReferenceTopic}},
			FromBlock: big.NewInt(int64(currentBlock)),
			ToBlock:   big.NewInt(int64(currentBlock)),
		}, rpc.DefaultOptions(3))
		if err != nil || len(refLogs) == 0 {
			return nil, ErrReferenceLogsUnavailable
		}

		// Newest-matching log in the block wins.
		prevBlock, err := contracts.DecodePreviousOutgoingMessageBlockID(refLogs[len(refLogs)-1])
		if err != nil {
			return nil, err
		}

		records = append(records, types.ReferenceLogRecord{
			CurrentMessage:               counter,
			PreviousOutgoingMessageBlock: prevBlock,
			CurrentBlockID:               currentBlock,
		})

		if counter == floorCounter {
			break
		}
		currentBlock = prevBlock
	}
	return records, nil
}

// latestOutgoingMessageBlock finds the block containing the OutgoingMessage
// for msgCounter, the fallback anchor discovery when the proxy's
// getLastOutgoingMessageBlockId view was unavailable.
func (s *Scanner) latestOutgoingMessageBlock(
	ctx context.Context,
	contractAddr common.Address,
	dstChainHash common.Hash,
	msgCounter uint64,
) (*uint64, error) {
	topic := contracts.MsgCounterTopic(msgCounter)
	q := Query{
		Contract:        contractAddr,
		DstChainHash:    dstChainHash,
		MsgCounterTopic: &topic,
		EventTopic:      contracts.OutgoingMessageTopic,
	}
	res, err := s.ScanFullRange(ctx, q, Options{ProgressiveEventsScan: true, WindowSize: DefaultWindowSize, MaxWindows: DefaultMaxWindows})
	if err != nil {
		return nil, err
	}
	if len(res.Logs) == 0 {
		return nil, nil
	}
	b := res.Logs[len(res.Logs)-1].BlockNumber
	return &b, nil
}
