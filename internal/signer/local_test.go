package signer

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

func TestLocalKeySignsAndRecoversOwnAddress(t *testing.T) {
	// A well-known test private key (Hardhat/Ganache account #0).
	l, err := NewLocalKey("0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80", big.NewInt(1))
	require.NoError(t, err)
	require.False(t, l.IsAutoSend())
	require.NotEqual(t, "0x0000000000000000000000000000000000000000", l.Address().Hex())

	tx := types.NewTransaction(0, l.Address(), big.NewInt(0), 21000, big.NewInt(1_000_000_000), nil)
	res, err := l.Sign(context.Background(), tx)
	require.NoError(t, err)
	require.NotNil(t, res.SignedTx)
	require.Nil(t, res.Receipt)

	sender, err := types.Sender(types.NewEIP155Signer(big.NewInt(1)), res.SignedTx)
	require.NoError(t, err)
	require.Equal(t, l.Address(), sender)
}
