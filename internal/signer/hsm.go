package signer

import (
	"context"
	"crypto/ecdsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"math/big"
	"net/http"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/streaming-dev/ima-agent/internal/coreutil/errs"
)

// RemoteHSM signs over a managed key via an `ecdsaSignMessageHash(keyName,
// hash, base)`-shaped RPC, backed here by AWS KMS's
// asymmetric ECC_SECG_P256K1 Sign API, reached over an optionally
// mTLS-authenticated HTTP transport.
type RemoteHSM struct {
	client  *kms.Client
	keyName string
	address common.Address
	chainID *big.Int
	logger  *zap.Logger
}

// HSMOptions configures the remote-signer connection.
type HSMOptions struct {
	URL     string
	KeyName string
	TLSKey  string
	TLSCert string
}

// NewRemoteHSM builds a KMS client for the configured key, optionally
// presenting a client certificate for mTLS to the signing endpoint, and
// resolves the Ethereum address the key corresponds to.
func NewRemoteHSM(ctx context.Context, opts HSMOptions, chainID *big.Int, logger *zap.Logger) (*RemoteHSM, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if opts.TLSCert != "" && opts.TLSKey != "" {
		cert, err := tls.LoadX509KeyPair(opts.TLSCert, opts.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("%w: loading hsm mTLS client certificate: %v", errs.ErrInvalidSignerCfg, err)
		}
		httpClient := &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					Certificates: []tls.Certificate{cert},
					MinVersion:   tls.VersionTLS12,
				},
			},
		}
		loadOpts = append(loadOpts, awsconfig.WithHTTPClient(httpClient))
	}
	if opts.URL != "" {
		loadOpts = append(loadOpts, awsconfig.WithBaseEndpoint(opts.URL))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: loading aws config for hsm signer: %v", errs.ErrInvalidSignerCfg, err)
	}
	client := kms.NewFromConfig(cfg)

	address, err := publicKeyAddress(ctx, client, opts.KeyName)
	if err != nil {
		return nil, err
	}

	return &RemoteHSM{
		client:  client,
		keyName: opts.KeyName,
		address: address,
		chainID: chainID,
		logger:  logger,
	}, nil
}

func (h *RemoteHSM) Address() common.Address { return h.address }

func (h *RemoteHSM) IsAutoSend() bool { return false }

// Sign calls ecdsaSignMessageHash over the transaction's signing hash,
// then assembles (v, r, s) against the expected address, applying the
// EIP-155 transform.
func (h *RemoteHSM) Sign(ctx context.Context, tx *types.Transaction) (Result, error) {
	ethSigner := types.NewEIP155Signer(h.chainID)
	hash := ethSigner.Hash(tx)

	out, err := h.client.Sign(ctx, &kms.SignInput{
		KeyId:            &h.keyName,
		Message:          hash[:],
		MessageType:      kmstypes.MessageTypeDigest,
		SigningAlgorithm: kmstypes.SigningAlgorithmSpecEcdsaSha256,
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: ecdsaSignMessageHash(%s): %v", errs.ErrSignerBackend, h.keyName, err)
	}

	r, s, err := parseDERSignature(out.Signature)
	if err != nil {
		return Result{}, fmt.Errorf("%w: decoding hsm signature: %v", errs.ErrSignerBackend, err)
	}
	s = normalizeS(s)

	sig, err := recoverableSignature(hash[:], r, s, h.address)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", errs.ErrSignerBackend, err)
	}

	signedTx, err := tx.WithSignature(ethSigner, sig)
	if err != nil {
		return Result{}, fmt.Errorf("%w: applying hsm signature: %v", errs.ErrSignerBackend, err)
	}
	return Result{SignedTx: signedTx}, nil
}

// publicKeyAddress asks KMS for the key's public key and derives the
// Ethereum address from it.
func publicKeyAddress(ctx context.Context, client *kms.Client, keyName string) (common.Address, error) {
	out, err := client.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: &keyName})
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: fetching hsm public key %s: %v", errs.ErrSignerBackend, keyName, err)
	}
	pub, err := x509.ParsePKIXPublicKey(out.PublicKey)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: parsing hsm public key: %v", errs.ErrSignerBackend, err)
	}
	ecdsaPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return common.Address{}, fmt.Errorf("%w: hsm key %s is not ECDSA", errs.ErrInvalidSignerCfg, keyName)
	}
	return crypto.PubkeyToAddress(*ecdsaPub), nil
}

// parseDERSignature decodes a DER-encoded ECDSA signature into (r, s).
func parseDERSignature(der []byte) (*big.Int, *big.Int, error) {
	var sig struct{ R, S *big.Int }
	if _, err := asn1.Unmarshal(der, &sig); err != nil {
		return nil, nil, err
	}
	return sig.R, sig.S, nil
}

// normalizeS enforces the low-S canonical form go-ethereum's transaction
// signature validation requires.
func normalizeS(s *big.Int) *big.Int {
	order := secp256k1Order()
	halfOrder := new(big.Int).Rsh(order, 1)
	if s.Cmp(halfOrder) > 0 {
		return new(big.Int).Sub(order, s)
	}
	return s
}

// recoverableSignature brute-forces the recovery id (0 or 1) that makes
// r||s||v recover to the expected address, since KMS's Sign API returns a
// bare DER (r, s) without a recovery id.
func recoverableSignature(hash []byte, r, s *big.Int, expected common.Address) ([]byte, error) {
	rBytes := leftPad32(r.Bytes())
	sBytes := leftPad32(s.Bytes())
	for recID := byte(0); recID < 2; recID++ {
		sig := append(append(append([]byte{}, rBytes...), sBytes...), recID)
		pub, err := crypto.SigToPub(hash, sig)
		if err != nil {
			continue
		}
		if crypto.PubkeyToAddress(*pub) == expected {
			return sig, nil
		}
	}
	return nil, fmt.Errorf("could not recover expected address %s from hsm signature", expected)
}

func leftPad32(b []byte) []byte {
	if len(b) >= 32 {
		return b[len(b)-32:]
	}
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}

// secp256k1Order is the curve order used to normalize S to its canonical
// low-half representative.
func secp256k1Order() *big.Int {
	n, _ := new(big.Int).SetString("fffffffffffffffffffffffffffffffebaaedce6af48a03bbfd25e8cd0364141", 16)
	return n
}
