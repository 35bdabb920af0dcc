// Package sigcollector obtains a threshold-BLS aggregate over a batch of
// messages from the origin chain's validator quorum. The aggregator
// service itself is an external collaborator; this package is its wire
// contract, a grpc call carrying a protobuf Struct payload.
package sigcollector

import (
	"context"
	"fmt"
	"math/big"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/streaming-dev/ima-agent/internal/contracts"
	"github.com/streaming-dev/ima-agent/internal/coreutil/errs"
	"github.com/streaming-dev/ima-agent/internal/types"
)

// signMethod is the fully-qualified grpc method path invoked on the
// external aggregator service.
const signMethod = "/ima.signatureaggregator.v1.SignatureAggregator/Sign"

// ExtraOpts carries per-call context the aggregator may need beyond the
// batch itself, e.g. the S→S sibling roster and src/dst chain ids.
type ExtraOpts map[string]string

// Collector is the capability consumed by the transfer loop.
// Implementations: Client (real grpc aggregator) and Stub (test mode:
// all-zero signature plus a logged warning).
type Collector interface {
	Sign(ctx context.Context, messages []types.Message, startCounter uint64, sourceChain string, extra ExtraOpts) (types.Signature, error)
}

// Client calls an external threshold-BLS aggregator over grpc.
type Client struct {
	conn   *grpc.ClientConn
	logger *zap.Logger
}

// Dial connects to the aggregator's grpc endpoint. Callers own conn's
// lifecycle via Close.
func Dial(ctx context.Context, target string, logger *zap.Logger, opts ...grpc.DialOption) (*Client, error) {
	conn, err := grpc.DialContext(ctx, target, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing signature aggregator %s: %v", errs.ErrSignerBackend, target, err)
	}
	return &Client{conn: conn, logger: logger}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

// Sign requests a threshold-BLS aggregate over hash(batch-encoding) from
// the aggregator.
func (c *Client) Sign(ctx context.Context, messages []types.Message, startCounter uint64, sourceChain string, extra ExtraOpts) (types.Signature, error) {
	hash := contracts.HashMessages(messages)

	extraFields := make(map[string]interface{}, len(extra))
	for k, v := range extra {
		extraFields[k] = v
	}
	extraStruct, err := structpb.NewStruct(extraFields)
	if err != nil {
		return types.Signature{}, fmt.Errorf("%w: encoding aggregator extra opts: %v", errs.ErrSignerBackend, err)
	}

	req, err := structpb.NewStruct(map[string]interface{}{
		"batch_hash":    hash.Hex(),
		"start_counter": fmt.Sprintf("%d", startCounter),
		"source_chain":  sourceChain,
		"message_count": float64(len(messages)),
		"extra":         extraStruct.AsMap(),
	})
	if err != nil {
		return types.Signature{}, fmt.Errorf("%w: encoding aggregator request: %v", errs.ErrSignerBackend, err)
	}

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, signMethod, req, resp); err != nil {
		return types.Signature{}, fmt.Errorf("%w: signature aggregator call failed: %v", errs.ErrSignerBackend, err)
	}

	return decodeSignature(resp)
}

func decodeSignature(resp *structpb.Struct) (types.Signature, error) {
	fields := resp.GetFields()
	getBig := func(key string) (*big.Int, error) {
		s := fields[key].GetStringValue()
		v, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, fmt.Errorf("%w: aggregator response field %q is not a decimal integer: %q", errs.ErrInvalidLog, key, s)
		}
		return v, nil
	}
	blsA, err := getBig("bls_signature_0")
	if err != nil {
		return types.Signature{}, err
	}
	blsB, err := getBig("bls_signature_1")
	if err != nil {
		return types.Signature{}, err
	}
	hashA, err := getBig("hash_a")
	if err != nil {
		return types.Signature{}, err
	}
	hashB, err := getBig("hash_b")
	if err != nil {
		return types.Signature{}, err
	}
	return types.Signature{
		BLSSignature: [2]*big.Int{blsA, blsB},
		HashA:        hashA,
		HashB:        hashB,
		Counter:      fields["counter"].GetStringValue(),
	}, nil
}

// Stub returns the all-zero signature for test mode, logging a warning
// on every call.
type Stub struct {
	Logger *zap.Logger
}

func (s Stub) Sign(_ context.Context, _ []types.Message, _ uint64, _ string, _ ExtraOpts) (types.Signature, error) {
	if s.Logger != nil {
		s.Logger.Warn("signature collector stub in use: returning all-zero signature (test mode)")
	}
	return types.ZeroSignature(), nil
}
