package tx

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/settle/internal/ledger"
	"github.com/mbd888/settle/internal/provider"
)

type mockLedger struct {
	submitFn func(ctx context.Context, signed []byte) (ledger.Signature, error)
	statusFn func(ctx context.Context, sig ledger.Signature) (*ledger.SignatureStatus, error)
}

func (m *mockLedger) SubmitTransaction(ctx context.Context, signed []byte) (ledger.Signature, error) {
	return m.submitFn(ctx, signed)
}

func (m *mockLedger) SignatureStatus(ctx context.Context, sig ledger.Signature) (*ledger.SignatureStatus, error) {
	return m.statusFn(ctx, sig)
}

func (m *mockLedger) Balance(ctx context.Context, addr string) (*big.Int, error) {
	return big.NewInt(0), nil
}

type mockSigner struct {
	address   string
	connected bool
	signErr   error
}

func (m *mockSigner) Address() string { return m.address }
func (m *mockSigner) Connected() bool { return m.connected }

func (m *mockSigner) SignTransaction(ctx context.Context, tx []byte) ([]byte, error) {
	if m.signErr != nil {
		return nil, m.signErr
	}
	return append(tx, []byte("+sig")...), nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSigner() *mockSigner {
	return &mockSigner{address: "buyer-1", connected: true}
}

func TestSubmitSuccess(t *testing.T) {
	client := &mockLedger{
		submitFn: func(ctx context.Context, signed []byte) (ledger.Signature, error) {
			return "sig-abc", nil
		},
	}
	s := NewSubmitter(client, testLogger(), time.Second)

	h, err := s.Build(testIntent())
	require.NoError(t, err)

	require.NoError(t, s.Submit(context.Background(), h, testSigner()))
	assert.Equal(t, StatusPending, h.Status())
	assert.Equal(t, ledger.Signature("sig-abc"), h.Signature())
}

func TestSubmitRequiresConnectedSession(t *testing.T) {
	s := NewSubmitter(&mockLedger{}, testLogger(), time.Second)
	h, err := s.Build(testIntent())
	require.NoError(t, err)

	err = s.Submit(context.Background(), h, &mockSigner{address: "buyer-1", connected: false})
	assert.ErrorIs(t, err, provider.ErrNotConnected)
	assert.Equal(t, StatusCreated, h.Status())
}

func TestSubmitRejectsForeignAccount(t *testing.T) {
	s := NewSubmitter(&mockLedger{}, testLogger(), time.Second)
	h, err := s.Build(testIntent())
	require.NoError(t, err)

	err = s.Submit(context.Background(), h, &mockSigner{address: "someone-else", connected: true})
	assert.ErrorIs(t, err, ErrInvalidIntent)
}

func TestSubmitDuplicateResumesOriginalSignature(t *testing.T) {
	client := &mockLedger{
		submitFn: func(ctx context.Context, signed []byte) (ledger.Signature, error) {
			return "", &ledger.AlreadyProcessedError{Signature: "sig-original"}
		},
	}
	s := NewSubmitter(client, testLogger(), time.Second)

	h, err := s.Build(testIntent())
	require.NoError(t, err)

	// A duplicate means the transfer already landed. That is success.
	require.NoError(t, s.Submit(context.Background(), h, testSigner()))
	assert.Equal(t, StatusPending, h.Status())
	assert.Equal(t, ledger.Signature("sig-original"), h.Signature())
}

func TestSubmitInsufficientFundsIsTerminal(t *testing.T) {
	client := &mockLedger{
		submitFn: func(ctx context.Context, signed []byte) (ledger.Signature, error) {
			return "", ledger.ErrInsufficientFunds
		},
	}
	s := NewSubmitter(client, testLogger(), time.Second)

	h, err := s.Build(testIntent())
	require.NoError(t, err)

	err = s.Submit(context.Background(), h, testSigner())
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	assert.Equal(t, StatusFailed, h.Status())
}

func TestSubmitUserRejectionIsTerminal(t *testing.T) {
	s := NewSubmitter(&mockLedger{}, testLogger(), time.Second)
	h, err := s.Build(testIntent())
	require.NoError(t, err)

	signer := testSigner()
	signer.signErr = provider.ErrUserRejected

	err = s.Submit(context.Background(), h, signer)
	assert.ErrorIs(t, err, provider.ErrUserRejected)
	assert.Equal(t, StatusFailed, h.Status())
}

func TestSubmitUnavailableLeavesHandleRetryable(t *testing.T) {
	client := &mockLedger{
		submitFn: func(ctx context.Context, signed []byte) (ledger.Signature, error) {
			return "", ledger.ErrUnavailable
		},
	}
	s := NewSubmitter(client, testLogger(), time.Second)

	h, err := s.Build(testIntent())
	require.NoError(t, err)

	err = s.Submit(context.Background(), h, testSigner())
	assert.ErrorIs(t, err, ledger.ErrUnavailable)
	assert.Equal(t, StatusSubmitted, h.Status())
}

func TestSubmitWithRetryRecoversFromOutage(t *testing.T) {
	var calls atomic.Int32
	client := &mockLedger{
		submitFn: func(ctx context.Context, signed []byte) (ledger.Signature, error) {
			if calls.Add(1) == 1 {
				return "", ledger.ErrUnavailable
			}
			return "sig-after-retry", nil
		},
	}
	s := NewSubmitter(client, testLogger(), time.Second,
		WithMaxAttempts(3), WithBaseDelay(time.Millisecond))

	h, err := s.SubmitWithRetry(context.Background(), testIntent(), testSigner())
	require.NoError(t, err)
	assert.Equal(t, StatusPending, h.Status())
	assert.Equal(t, ledger.Signature("sig-after-retry"), h.Signature())
	assert.EqualValues(t, 2, calls.Load())
}

func TestSubmitWithRetryStopsOnPermanentRejection(t *testing.T) {
	var calls atomic.Int32
	client := &mockLedger{
		submitFn: func(ctx context.Context, signed []byte) (ledger.Signature, error) {
			calls.Add(1)
			return "", ledger.ErrInvalidNonce
		},
	}
	s := NewSubmitter(client, testLogger(), time.Second,
		WithMaxAttempts(5), WithBaseDelay(time.Millisecond))

	h, err := s.SubmitWithRetry(context.Background(), testIntent(), testSigner())
	assert.ErrorIs(t, err, ledger.ErrInvalidNonce)
	assert.Equal(t, StatusFailed, h.Status())
	assert.EqualValues(t, 1, calls.Load())
}
