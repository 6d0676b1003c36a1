// Package provider abstracts interchangeable signer backends behind one
// capability interface, and manages connected wallet sessions.
package provider

import (
	"context"
	"errors"
)

var (
	ErrNotInstalled  = errors.New("provider: not installed")
	ErrUserRejected  = errors.New("provider: user rejected request")
	ErrBusy          = errors.New("provider: signing request already in flight")
	ErrProviderFault = errors.New("provider: backend fault")
	ErrNotConnected  = errors.New("provider: session not connected")
	ErrNotFound      = errors.New("provider: unknown provider id")
)

// Provider is the uniform capability interface every signer backend must
// satisfy. Backends that cannot report all capabilities are not discoverable.
type Provider interface {
	// ID returns the stable identifier of this backend.
	ID() string

	// Installed reports whether the backend is usable in this environment.
	Installed() bool

	// Connect establishes a connection and returns the account address.
	Connect(ctx context.Context) (string, error)

	// Disconnect tears the connection down. Idempotent.
	Disconnect(ctx context.Context) error

	// SignTransaction signs one serialized transaction. On failure the
	// input is returned unmodified semantics: no partial signing.
	SignTransaction(ctx context.Context, tx []byte) ([]byte, error)

	// SignAllTransactions signs a batch atomically: all or none.
	SignAllTransactions(ctx context.Context, txs [][]byte) ([][]byte, error)

	// SignMessage signs an arbitrary message for ownership proofs.
	SignMessage(ctx context.Context, msg []byte) ([]byte, error)
}
