package tx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/settle/internal/ledger"
	"github.com/mbd888/settle/internal/metrics"
	"github.com/mbd888/settle/internal/provider"
	"github.com/mbd888/settle/internal/retry"
)

// Signer is the slice of a wallet session the submitter needs.
type Signer interface {
	Address() string
	Connected() bool
	SignTransaction(ctx context.Context, tx []byte) ([]byte, error)
}

// Submitter signs transfer intents and sends them to the ledger.
type Submitter struct {
	client        ledger.Client
	logger        *slog.Logger
	submitTimeout time.Duration
	maxAttempts   int
	baseDelay     time.Duration
}

// SubmitterOption configures a Submitter.
type SubmitterOption func(*Submitter)

// WithMaxAttempts sets how many submission attempts SubmitWithRetry makes.
func WithMaxAttempts(n int) SubmitterOption {
	return func(s *Submitter) { s.maxAttempts = n }
}

// WithBaseDelay sets the initial backoff between submission attempts.
func WithBaseDelay(d time.Duration) SubmitterOption {
	return func(s *Submitter) { s.baseDelay = d }
}

// NewSubmitter creates a submitter. submitTimeout bounds each individual
// submission call, not the whole retry loop.
func NewSubmitter(client ledger.Client, logger *slog.Logger, submitTimeout time.Duration, opts ...SubmitterOption) *Submitter {
	s := &Submitter{
		client:        client,
		logger:        logger,
		submitTimeout: submitTimeout,
		maxAttempts:   3,
		baseDelay:     500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Build validates an intent and wraps it in a fresh handle.
func (s *Submitter) Build(intent Intent) (*Handle, error) {
	if err := intent.Validate(); err != nil {
		return nil, err
	}
	return newHandle(intent, 1), nil
}

// serialize produces the byte payload handed to the signer. The encoding is
// deterministic for a given intent so duplicate submissions hash identically
// on the ledger side.
func serialize(in Intent) ([]byte, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("tx: serialize intent: %w", err)
	}
	return payload, nil
}

// Submit signs and submits one attempt. The signer must be a connected
// session owning the intent's source account.
//
// Outcomes:
//   - success: handle is Pending with a signature, returns nil
//   - duplicate submission: treated as success, the handle resumes the
//     signature of the transaction that already landed
//   - terminal rejection (insufficient funds, bad nonce, user declined,
//     signer fault): handle is Failed, returns the cause
//   - transient failure (ledger unreachable): handle keeps its status, the
//     error satisfies ledger.Retryable
func (s *Submitter) Submit(ctx context.Context, h *Handle, signer Signer) error {
	if !signer.Connected() {
		return provider.ErrNotConnected
	}
	if signer.Address() != h.Intent.From {
		return fmt.Errorf("%w: session address %s does not own source account %s",
			ErrInvalidIntent, signer.Address(), h.Intent.From)
	}

	payload, err := serialize(h.Intent)
	if err != nil {
		h.fail(err)
		return err
	}

	signed, err := signer.SignTransaction(ctx, payload)
	if err != nil {
		if errors.Is(err, provider.ErrBusy) {
			// Another signing request is in flight. Not terminal.
			h.recordErr(err)
			return err
		}
		h.fail(err)
		metrics.SubmissionsTotal.WithLabelValues("sign_failed").Inc()
		return err
	}

	if err := h.advance(StatusSubmitted); err != nil {
		return err
	}

	subCtx, cancel := context.WithTimeout(ctx, s.submitTimeout)
	defer cancel()

	sig, err := s.client.SubmitTransaction(subCtx, signed)
	if err != nil {
		var dup *ledger.AlreadyProcessedError
		switch {
		case errors.As(err, &dup):
			// An identical transaction already landed. That is success for
			// the caller; resume tracking the original signature.
			h.setSignature(dup.Signature)
			metrics.SubmissionsTotal.WithLabelValues("duplicate").Inc()
			s.logger.Info("submission deduplicated by ledger",
				"key", h.Key, "attempt", h.Attempt, "signature", string(dup.Signature))
			return h.advance(StatusPending)
		case ledger.Retryable(err) || errors.Is(err, context.DeadlineExceeded):
			h.recordErr(err)
			metrics.SubmissionsTotal.WithLabelValues("unavailable").Inc()
			return err
		default:
			h.fail(err)
			metrics.SubmissionsTotal.WithLabelValues("rejected").Inc()
			return err
		}
	}

	h.setSignature(sig)
	metrics.SubmissionsTotal.WithLabelValues("ok").Inc()
	s.logger.Info("transaction submitted",
		"key", h.Key, "attempt", h.Attempt, "signature", string(sig))
	return h.advance(StatusPending)
}

// SubmitWithRetry submits an intent, creating a fresh attempt per retry.
// All attempts share one idempotency key, so a retry whose predecessor
// actually landed resolves to the original signature instead of a double
// spend. The returned handle is the last attempt made.
func (s *Submitter) SubmitWithRetry(ctx context.Context, intent Intent, signer Signer) (*Handle, error) {
	h, err := s.Build(intent)
	if err != nil {
		return nil, err
	}

	current := h
	err = retry.Do(ctx, s.maxAttempts, s.baseDelay, func() error {
		if current.Status() == StatusFailed {
			current = current.NextAttempt()
		}
		err := s.Submit(ctx, current, signer)
		if err == nil {
			return nil
		}
		if ledger.Retryable(err) || errors.Is(err, provider.ErrBusy) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return retry.Permanent(err)
	})
	return current, err
}
