package fanout

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/streaming-dev/ima-agent/internal/coordinator"
	"github.com/streaming-dev/ima-agent/internal/coreutil/errs"
	"github.com/streaming-dev/ima-agent/internal/coreutil/events"
	"github.com/streaming-dev/ima-agent/internal/coreutil/registry"
	"github.com/streaming-dev/ima-agent/internal/direction"
	"github.com/streaming-dev/ima-agent/internal/sigcollector"
	"github.com/streaming-dev/ima-agent/internal/types"
)

// deniedLoop builds a Loop whose coordinator always denies start, so
// RunPass returns nil without doing any real chain work, enough to
// exercise the fan-out's scheduling and aggregation without a live RPC.
func deniedLoop(name string) *direction.Loop {
	coord := coordinator.NewLocal()
	coord.NotifyStart(types.DirectionS2S, 0)
	deps := direction.Deps{
		Coordinator: coord,
		Collector:   sigcollector.Stub{Logger: zap.NewNop()},
		Registry:    registry.New(20),
		Bus:         events.NewBus(),
		Logger:      zap.NewNop(),
	}
	return direction.New(types.DirectionS2S, 0, "loop-S2S-"+name, direction.Config{}, deps)
}

func TestRunSiblingsAggregatesPerSiblingFailures(t *testing.T) {
	siblings := []Sibling{
		{Name: "schainA", Nodes: []types.NodeEndpoint{{Name: "n1", RPCURL: "http://a"}}},
		{Name: "schainB", Nodes: []types.NodeEndpoint{{Name: "n1", RPCURL: "http://b"}}},
	}

	f := New(zap.NewNop())
	result := f.RunSiblings(context.Background(), siblings, func(_ context.Context, sibling Sibling, _ types.NodeEndpoint) (*direction.Loop, error) {
		if sibling.Name == "schainB" {
			return nil, errors.New("dial failed")
		}
		return deniedLoop(sibling.Name), nil
	})

	require.Equal(t, 1, result.FailedSiblings)
	require.Contains(t, result.Errors, "schainB")
	require.NotContains(t, result.Errors, "schainA")
}

func TestRunSiblingsSkipsEmptyRoster(t *testing.T) {
	siblings := []Sibling{
		{Name: "schainA", Nodes: []types.NodeEndpoint{{Name: "n1", RPCURL: "http://a"}}},
		{Name: "schainEmpty"},
	}

	f := New(zap.NewNop())
	result := f.RunSiblings(context.Background(), siblings, func(_ context.Context, sibling Sibling, _ types.NodeEndpoint) (*direction.Loop, error) {
		return deniedLoop(sibling.Name), nil
	})

	require.Equal(t, 1, result.FailedSiblings)
	require.ErrorIs(t, result.Errors["schainEmpty"], errs.ErrMissingEndpoint)
}
