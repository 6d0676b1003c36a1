package provider

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// LocalProvider signs in-process with a secp256k1 keypair. It backs the
// platform-operator signer and dev/test environments where no external
// wallet is attached.
type LocalProvider struct {
	key     *ecdsa.PrivateKey
	address string
}

// NewLocalProvider creates a local signer from a hex private key
// (with or without 0x prefix).
func NewLocalProvider(hexKey string) (*LocalProvider, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid private key: %v", ErrProviderFault, err)
	}
	return &LocalProvider{
		key:     key,
		address: strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex()),
	}, nil
}

var _ Provider = (*LocalProvider)(nil)

func (p *LocalProvider) ID() string      { return "local" }
func (p *LocalProvider) Installed() bool { return p.key != nil }

func (p *LocalProvider) Connect(ctx context.Context) (string, error) {
	if p.key == nil {
		return "", ErrNotInstalled
	}
	return p.address, nil
}

func (p *LocalProvider) Disconnect(ctx context.Context) error { return nil }

func (p *LocalProvider) SignTransaction(ctx context.Context, tx []byte) ([]byte, error) {
	sig, err := crypto.Sign(crypto.Keccak256(tx), p.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderFault, err)
	}
	// Signed wire format: payload followed by the 65-byte signature.
	signed := make([]byte, 0, len(tx)+len(sig))
	signed = append(signed, tx...)
	signed = append(signed, sig...)
	return signed, nil
}

func (p *LocalProvider) SignAllTransactions(ctx context.Context, txs [][]byte) ([][]byte, error) {
	signed := make([][]byte, 0, len(txs))
	for _, tx := range txs {
		s, err := p.SignTransaction(ctx, tx)
		if err != nil {
			// All or none: discard partial results.
			return nil, err
		}
		signed = append(signed, s)
	}
	return signed, nil
}

func (p *LocalProvider) SignMessage(ctx context.Context, msg []byte) ([]byte, error) {
	sig, err := crypto.Sign(crypto.Keccak256(msg), p.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderFault, err)
	}
	return sig, nil
}
