package signer

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/streaming-dev/ima-agent/internal/coreutil/errs"
)

// LocalKey signs a transaction envelope with a private key held in process
// memory.
type LocalKey struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
}

// NewLocalKey parses a hex-encoded private key (with or without a 0x
// prefix) and binds it to chainID for EIP-155 signing.
func NewLocalKey(hexKey string, chainID *big.Int) (*LocalKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid local private key: %v", errs.ErrUnreadableKey, err)
	}
	return &LocalKey{
		privateKey: key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
		chainID:    chainID,
	}, nil
}

func (l *LocalKey) Address() common.Address { return l.address }

func (l *LocalKey) IsAutoSend() bool { return false }

func (l *LocalKey) Sign(_ context.Context, tx *types.Transaction) (Result, error) {
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(l.chainID), l.privateKey)
	if err != nil {
		return Result{}, fmt.Errorf("%w: local key sign: %v", errs.ErrSignerBackend, err)
	}
	return Result{SignedTx: signedTx}, nil
}
