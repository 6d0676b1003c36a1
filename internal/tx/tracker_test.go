package tx

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/settle/internal/ledger"
)

func submittedHandle(t *testing.T, sig ledger.Signature) *Handle {
	t.Helper()
	h := newHandle(testIntent(), 1)
	require.NoError(t, h.advance(StatusSubmitted))
	h.setSignature(sig)
	require.NoError(t, h.advance(StatusPending))
	return h
}

func TestWaitForConfirmationReachesTarget(t *testing.T) {
	var polls atomic.Int32
	client := &mockLedger{
		statusFn: func(ctx context.Context, sig ledger.Signature) (*ledger.SignatureStatus, error) {
			switch polls.Add(1) {
			case 1:
				return nil, ledger.ErrSignatureUnknown
			case 2:
				return &ledger.SignatureStatus{Commitment: ledger.CommitmentProcessed, Slot: 10}, nil
			default:
				return &ledger.SignatureStatus{Commitment: ledger.CommitmentConfirmed, Slot: 12}, nil
			}
		},
	}
	tr := NewTracker(client, testLogger(), WithPollInterval(time.Millisecond, 2*time.Millisecond))

	h := submittedHandle(t, "sig-abc")
	status, err := tr.WaitForConfirmation(context.Background(), h, ledger.CommitmentConfirmed, time.Second)
	require.NoError(t, err)
	assert.Equal(t, ledger.CommitmentConfirmed, status.Commitment)
	assert.Equal(t, StatusConfirmed, h.Status())
	assert.GreaterOrEqual(t, polls.Load(), int32(3))
}

func TestWaitForConfirmationFinalized(t *testing.T) {
	client := &mockLedger{
		statusFn: func(ctx context.Context, sig ledger.Signature) (*ledger.SignatureStatus, error) {
			return &ledger.SignatureStatus{Commitment: ledger.CommitmentFinalized, Slot: 99}, nil
		},
	}
	tr := NewTracker(client, testLogger())

	h := submittedHandle(t, "sig-abc")
	_, err := tr.WaitForConfirmation(context.Background(), h, ledger.CommitmentFinalized, time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusFinalized, h.Status())
}

func TestWaitForConfirmationRevertIsTerminal(t *testing.T) {
	client := &mockLedger{
		statusFn: func(ctx context.Context, sig ledger.Signature) (*ledger.SignatureStatus, error) {
			return &ledger.SignatureStatus{
				Commitment: ledger.CommitmentProcessed,
				Err:        "program rejected transfer",
			}, nil
		},
	}
	tr := NewTracker(client, testLogger())

	h := submittedHandle(t, "sig-abc")
	status, err := tr.WaitForConfirmation(context.Background(), h, ledger.CommitmentConfirmed, time.Second)
	assert.ErrorIs(t, err, ErrTransactionReverted)
	require.NotNil(t, status)
	assert.True(t, status.Reverted())
	assert.Equal(t, StatusFailed, h.Status())
}

func TestWaitForConfirmationTimeoutLeavesPending(t *testing.T) {
	client := &mockLedger{
		statusFn: func(ctx context.Context, sig ledger.Signature) (*ledger.SignatureStatus, error) {
			return &ledger.SignatureStatus{Commitment: ledger.CommitmentProcessed}, nil
		},
	}
	// Poll interval far beyond the timeout so only one poll happens.
	tr := NewTracker(client, testLogger(), WithPollInterval(time.Hour, time.Hour))

	h := submittedHandle(t, "sig-abc")
	_, err := tr.WaitForConfirmation(context.Background(), h, ledger.CommitmentConfirmed, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrConfirmationTimeout)

	// Not terminal: a later call may resume waiting on the same signature.
	assert.Equal(t, StatusPending, h.Status())
}

func TestWaitForConfirmationHealthyPollsKeepBaseCadence(t *testing.T) {
	// Always below target: the tracker should keep polling at the base
	// interval instead of backing off, so many polls fit in the timeout.
	var polls atomic.Int32
	client := &mockLedger{
		statusFn: func(ctx context.Context, sig ledger.Signature) (*ledger.SignatureStatus, error) {
			polls.Add(1)
			return &ledger.SignatureStatus{Commitment: ledger.CommitmentProcessed, Slot: 5}, nil
		},
	}
	tr := NewTracker(client, testLogger(), WithPollInterval(10*time.Millisecond, 10*time.Second))

	h := submittedHandle(t, "sig-abc")
	_, err := tr.WaitForConfirmation(context.Background(), h, ledger.CommitmentConfirmed, 250*time.Millisecond)
	assert.ErrorIs(t, err, ErrConfirmationTimeout)

	// Doubling backoff would fit only ~5 polls in 250ms; base cadence fits ~20.
	assert.GreaterOrEqual(t, polls.Load(), int32(10))
}

func TestWaitForConfirmationRequiresSignature(t *testing.T) {
	tr := NewTracker(&mockLedger{}, testLogger())

	h := newHandle(testIntent(), 1)
	_, err := tr.WaitForConfirmation(context.Background(), h, ledger.CommitmentConfirmed, time.Second)
	assert.ErrorIs(t, err, ErrNotSubmitted)
}
