// Package ledger is the client side of the settlement ledger RPC boundary.
//
// The core only assumes three operations (submit, signature status, balance)
// plus a ranked commitment model. Wire specifics beyond that stay behind the
// Client interface so tests and alternative ledgers can substitute their own.
package ledger

import (
	"context"
	"errors"
	"math/big"
)

var (
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	ErrInvalidNonce      = errors.New("ledger: invalid nonce")
	ErrAlreadyProcessed  = errors.New("ledger: transaction already processed")
	ErrUnavailable       = errors.New("ledger: rpc unavailable")
	ErrSignatureUnknown  = errors.New("ledger: signature not found")
)

// Signature identifies a submitted transaction on the ledger.
type Signature string

// AlreadyProcessedError reports a duplicate submission. The ledger already
// holds an identical transaction; Signature identifies it when known.
type AlreadyProcessedError struct {
	Signature Signature
}

func (e *AlreadyProcessedError) Error() string { return ErrAlreadyProcessed.Error() }

// Is makes errors.Is(err, ErrAlreadyProcessed) match.
func (e *AlreadyProcessedError) Is(target error) bool { return target == ErrAlreadyProcessed }

// Commitment is a ranked confirmation level. Higher values are more durable.
type Commitment int

const (
	CommitmentProcessed Commitment = iota + 1
	CommitmentConfirmed
	CommitmentFinalized
)

// ParseCommitment maps a config string to a Commitment.
func ParseCommitment(s string) (Commitment, error) {
	switch s {
	case "processed":
		return CommitmentProcessed, nil
	case "confirmed":
		return CommitmentConfirmed, nil
	case "finalized":
		return CommitmentFinalized, nil
	}
	return 0, errors.New("ledger: unknown commitment level " + s)
}

func (c Commitment) String() string {
	switch c {
	case CommitmentProcessed:
		return "processed"
	case CommitmentConfirmed:
		return "confirmed"
	case CommitmentFinalized:
		return "finalized"
	}
	return "unknown"
}

// AtLeast reports whether c is at or above the target commitment.
func (c Commitment) AtLeast(target Commitment) bool {
	return c >= target
}

// SignatureStatus is the ledger's view of a submitted transaction.
type SignatureStatus struct {
	Commitment Commitment
	Slot       uint64
	Err        string // non-empty when the ledger executed and rejected the transaction
}

// Reverted reports whether the ledger executed the transaction and it failed.
func (s *SignatureStatus) Reverted() bool {
	return s.Err != ""
}

// Client is the consumed ledger RPC interface.
type Client interface {
	// SubmitTransaction sends signed transaction bytes to the ledger.
	// Synchronous rejections surface as ErrInsufficientFunds, ErrInvalidNonce,
	// or ErrAlreadyProcessed; transport failures as ErrUnavailable.
	SubmitTransaction(ctx context.Context, signed []byte) (Signature, error)

	// SignatureStatus returns the current status of a submitted signature.
	// Returns ErrSignatureUnknown while the ledger has not yet observed it.
	SignatureStatus(ctx context.Context, sig Signature) (*SignatureStatus, error)

	// Balance returns the raw-unit balance of an address.
	Balance(ctx context.Context, addr string) (*big.Int, error)
}

// Retryable reports whether err is worth retrying against the ledger.
func Retryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
