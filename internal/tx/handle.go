// Package tx builds transfer intents into trackable handles, submits them to
// the ledger, and awaits confirmation at a target commitment.
package tx

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/mbd888/settle/internal/ledger"
)

var (
	ErrInvalidIntent         = errors.New("tx: invalid intent")
	ErrNotSubmitted          = errors.New("tx: handle has no signature to track")
	ErrTransactionReverted   = errors.New("tx: transaction reverted on ledger")
	ErrConfirmationTimeout   = errors.New("tx: confirmation timed out")
	errBackwardTransition    = errors.New("tx: backward status transition")
	errTerminalTransition    = errors.New("tx: handle already terminal")
)

// Status of a transaction handle. Transitions are monotonic.
type Status string

const (
	StatusCreated   Status = "created"
	StatusSubmitted Status = "submitted"
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFinalized Status = "finalized"
	StatusFailed    Status = "failed"
)

var statusRank = map[Status]int{
	StatusCreated:   0,
	StatusSubmitted: 1,
	StatusPending:   2,
	StatusConfirmed: 3,
	StatusFinalized: 4,
}

// Intent describes one logical transfer. Nonce is a caller-supplied monotonic
// per-account counter: retried submissions of the same logical transfer share
// a nonce and therefore collapse to one ledger effect.
type Intent struct {
	From        string   `json:"from"`
	To          string   `json:"to"`
	Amount      *big.Int `json:"amount"`
	Memo        string   `json:"memo,omitempty"`
	ProgramArgs []string `json:"programArgs,omitempty"`
	Nonce       uint64   `json:"nonce"`
}

// Validate checks the intent is well-formed.
func (in Intent) Validate() error {
	if in.From == "" || in.To == "" {
		return fmt.Errorf("%w: from and to are required", ErrInvalidIntent)
	}
	if in.Amount == nil || in.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidIntent)
	}
	return nil
}

// IdempotencyKey derives the deterministic identity of this logical transfer.
func (in Intent) IdempotencyKey() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%d", in.From, in.To, in.Amount.String(), in.Memo, in.Nonce)
	return hex.EncodeToString(h.Sum(nil))
}

// Handle is the caller-owned record of one submission attempt. A failed
// attempt never mutates back into Submitted; a retry creates a new attempt
// sharing the same idempotency key.
type Handle struct {
	Key     string
	Intent  Intent
	Attempt int

	mu        sync.Mutex
	status    Status
	signature ledger.Signature
	lastErr   error
	updatedAt time.Time
}

func newHandle(intent Intent, attempt int) *Handle {
	return &Handle{
		Key:       intent.IdempotencyKey(),
		Intent:    intent,
		Attempt:   attempt,
		status:    StatusCreated,
		updatedAt: time.Now(),
	}
}

// Resume reconstructs a handle for a transfer whose signature is already
// known, so confirmation tracking can pick up where an earlier process left
// off.
func Resume(intent Intent, sig ledger.Signature) *Handle {
	h := newHandle(intent, 1)
	h.status = StatusPending
	h.signature = sig
	return h
}

// NextAttempt clones the handle for a fresh submission attempt with the same
// idempotency key.
func (h *Handle) NextAttempt() *Handle {
	return newHandle(h.Intent, h.Attempt+1)
}

// Status returns the current status.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Signature returns the ledger-assigned signature, if any.
func (h *Handle) Signature() ledger.Signature {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.signature
}

// LastErr returns the most recent error recorded on the handle.
func (h *Handle) LastErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

// advance moves the handle forward along the status order. Moving backward
// or past a terminal status is rejected.
func (h *Handle) advance(to Status) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.status == StatusFailed || h.status == StatusFinalized {
		if h.status == to {
			return nil
		}
		return fmt.Errorf("%w: %s", errTerminalTransition, h.status)
	}
	if statusRank[to] < statusRank[h.status] {
		return fmt.Errorf("%w: %s -> %s", errBackwardTransition, h.status, to)
	}
	h.status = to
	h.updatedAt = time.Now()
	return nil
}

func (h *Handle) setSignature(sig ledger.Signature) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.signature = sig
	h.updatedAt = time.Now()
}

// fail marks the handle terminally failed with the given cause.
func (h *Handle) fail(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = StatusFailed
	h.lastErr = err
	h.updatedAt = time.Now()
}

func (h *Handle) recordErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastErr = err
	h.updatedAt = time.Now()
}

// statusFor maps an observed commitment to a handle status.
func statusFor(c ledger.Commitment) Status {
	switch {
	case c >= ledger.CommitmentFinalized:
		return StatusFinalized
	case c >= ledger.CommitmentConfirmed:
		return StatusConfirmed
	default:
		return StatusPending
	}
}
