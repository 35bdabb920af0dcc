package e2e

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/streaming-dev/ima-agent/internal/batch"
	"github.com/streaming-dev/ima-agent/internal/callpipeline"
	"github.com/streaming-dev/ima-agent/internal/contracts"
	"github.com/streaming-dev/ima-agent/internal/coordinator"
	"github.com/streaming-dev/ima-agent/internal/coreutil/errs"
	"github.com/streaming-dev/ima-agent/internal/coreutil/events"
	"github.com/streaming-dev/ima-agent/internal/coreutil/registry"
	"github.com/streaming-dev/ima-agent/internal/direction"
	"github.com/streaming-dev/ima-agent/internal/gaspolicy"
	"github.com/streaming-dev/ima-agent/internal/scanner"
	"github.com/streaming-dev/ima-agent/internal/sigcollector"
	"github.com/streaming-dev/ima-agent/internal/types"
	"github.com/streaming-dev/ima-agent/internal/verifier"
)

var (
	srcProxy = common.HexToAddress("0x1111111111111111111111111111111111111111")
	dstProxy = common.HexToAddress("0x2222222222222222222222222222222222222222")
	sender   = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	destCtr  = common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	srcName  = "Mainnet"
	dstName  = "schain1"
)

// Happy M→S batch of 2: source out=5 in=3, both
// messages present, submission succeeds, the error category clears.
var _ = Describe("Transfer Loop, M2S direction", func() {
	It("submits a contiguous batch and clears the loop's error category", func() {
		chain := &fakeChain{
			srcProxy:   srcProxy,
			dstProxy:   dstProxy,
			outCounter: 5,
			inCounter:  3,
			latest:     1000,
			logs: []gethtypes.Log{
				outgoingMessageLog(srcProxy, dstName, 3, 10, sender, destCtr),
				outgoingMessageLog(srcProxy, dstName, 4, 11, sender, destCtr),
			},
			nonce:    0,
			gasPrice: big.NewInt(2_000_000_000),
			estimate: 100_000,
			balance:  big.NewInt(1_000_000_000_000_000_000),
			receipt:  &gethtypes.Receipt{Status: gethtypes.ReceiptStatusSuccessful, GasUsed: 100_000, BlockNumber: big.NewInt(12)},
		}

		scn := scanner.New(chain, zap.NewNop())
		former := batch.New(
			batch.Endpoint{RPC: chain, ProxyAddress: srcProxy, ChainName: srcName},
			batch.Endpoint{RPC: chain, ProxyAddress: dstProxy, ChainName: dstName},
			scn, zap.NewNop(),
		)
		pipeline := callpipeline.New(chain, fakeSigner{addr: sender}, nil, zap.NewNop())
		reg := registry.New(20)
		bus := events.NewBus()
		successes, unsubscribe := bus.Subscribe()
		defer unsubscribe()

		loop := direction.New(types.DirectionM2S, 0, "loop-M2S", direction.Config{
			TransferSteps:        1,
			BatchOptions:         batch.DefaultOptions(),
			GasPolicy:            gaspolicy.DefaultPolicy(true),
			DestinationIsMainnet: false,
			SourceChainName:      srcName,
			DestChainName:        dstName,
		}, direction.Deps{
			Coordinator: coordinator.NewLocal(),
			Former:      former,
			Collector:   sigcollector.Stub{Logger: zap.NewNop()},
			Pipeline:    pipeline,
			DestRPC:     chain,
			DestProxy:   dstProxy,
			Registry:    reg,
			Bus:         bus,
			Logger:      zap.NewNop(),
		})

		Expect(loop.RunPass(context.Background())).To(Succeed())
		Expect(chain.sentTx).NotTo(BeNil())
		Expect(reg.Latest("loop-M2S")).To(BeEmpty())

		Eventually(successes).Should(Receive(WithTransform(func(ev events.Event) events.Kind { return ev.Kind }, Equal(events.KindSuccess))))
	})
})

// S→S verification with a node roster of 4 (quorum 3).
// One dissenting node is tolerated; two dissenters reject the whole batch.
var _ = Describe("S→S Verifier quorum", func() {
	var nodes func(dissent int) []verifier.Node

	BeforeEach(func() {
		nodes = func(dissent int) []verifier.Node {
			out := make([]verifier.Node, 4)
			for i := range out {
				confirmedDest := destCtr
				if i < dissent {
					confirmedDest = common.HexToAddress("0xdeaddeaddeaddeaddeaddeaddeaddeaddeaddead")
				}
				out[i] = verifier.Node{
					Name: "node" + string(rune('A'+i)),
					RPC: &fakeChain{
						srcProxy: srcProxy,
						logs: []gethtypes.Log{
							outgoingMessageLog(srcProxy, dstName, 1, 50, sender, confirmedDest),
						},
					},
				}
			}
			return out
		}
	})

	It("accepts the batch with one dissenting node out of four", func() {
		v := verifier.New(zap.NewNop())
		msg := types.Message{Sender: sender, DestinationContract: destCtr, MsgCounter: 1, SavedBlockNumber: 50}
		err := v.VerifyBatch(context.Background(), nodes(1), srcProxy, contracts.DstChainHash(dstName), []types.Message{msg})
		Expect(err).NotTo(HaveOccurred())
	})

	It("rejects the whole batch with two dissenting nodes out of four", func() {
		v := verifier.New(zap.NewNop())
		msg := types.Message{Sender: sender, DestinationContract: destCtr, MsgCounter: 1, SavedBlockNumber: 50}
		err := v.VerifyBatch(context.Background(), nodes(2), srcProxy, contracts.DstChainHash(dstName), []types.Message{msg})
		Expect(err).To(MatchError(errs.ErrS2SQuorum))
	})
})
