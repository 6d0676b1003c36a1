package tx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/settle/internal/ledger"
	"github.com/mbd888/settle/internal/metrics"
	"github.com/mbd888/settle/internal/retry"
)

// Tracker polls the ledger until a submitted transaction reaches a target
// commitment.
type Tracker struct {
	client   ledger.Client
	logger   *slog.Logger
	pollBase time.Duration
	pollMax  time.Duration
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithPollInterval sets the base and maximum poll intervals.
func WithPollInterval(base, max time.Duration) TrackerOption {
	return func(t *Tracker) {
		t.pollBase = base
		t.pollMax = max
	}
}

// NewTracker creates a confirmation tracker.
func NewTracker(client ledger.Client, logger *slog.Logger, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		client:   client,
		logger:   logger,
		pollBase: 500 * time.Millisecond,
		pollMax:  10 * time.Second,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// WaitForConfirmation blocks until the handle's signature reaches target
// commitment, the transaction reverts, or timeout elapses.
//
// A timeout is not terminal: the handle stays Pending and a later call can
// resume waiting on the same signature. A revert is terminal and marks the
// handle Failed.
func (t *Tracker) WaitForConfirmation(ctx context.Context, h *Handle, target ledger.Commitment, timeout time.Duration) (*ledger.SignatureStatus, error) {
	sig := h.Signature()
	if sig == "" {
		return nil, ErrNotSubmitted
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	attempt := 0
	for {
		status, err := t.client.SignatureStatus(ctx, sig)
		switch {
		case err == nil:
			if status.Reverted() {
				cause := fmt.Errorf("%w: %s", ErrTransactionReverted, status.Err)
				h.fail(cause)
				metrics.ConfirmationPollsTotal.WithLabelValues("reverted").Inc()
				t.logger.Warn("transaction reverted",
					"signature", string(sig), "ledgerErr", status.Err)
				return status, cause
			}

			observed := statusFor(status.Commitment)
			if err := h.advance(observed); err != nil {
				return status, err
			}
			if status.Commitment.AtLeast(target) {
				metrics.ConfirmationPollsTotal.WithLabelValues(status.Commitment.String()).Inc()
				t.logger.Info("transaction confirmed",
					"signature", string(sig), "commitment", status.Commitment.String(), "slot", status.Slot)
				return status, nil
			}
			metrics.ConfirmationPollsTotal.WithLabelValues("below_target").Inc()
			// A healthy poll below target keeps the base cadence; only
			// errors escalate the backoff.
			attempt = 0

		case errors.Is(err, ledger.ErrSignatureUnknown):
			// Propagation lag right after submission. Keep polling.
			metrics.ConfirmationPollsTotal.WithLabelValues("unknown").Inc()

		case ledger.Retryable(err):
			metrics.ConfirmationPollsTotal.WithLabelValues("unavailable").Inc()
			t.logger.Warn("confirmation poll failed", "signature", string(sig), "error", err)

		default:
			return nil, err
		}

		select {
		case <-ctx.Done():
			h.recordErr(ErrConfirmationTimeout)
			return nil, fmt.Errorf("%w: signature %s did not reach %s within %s",
				ErrConfirmationTimeout, sig, target, timeout)
		case <-time.After(retry.Backoff(t.pollBase, t.pollMax, attempt)):
			attempt++
		}
	}
}
