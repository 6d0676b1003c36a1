package provider

import (
	"context"
	"sync/atomic"
)

// Session holds one connected account bound to exactly one backend.
//
// Human-approved signing cannot be pipelined: at most one SignTransaction
// may be outstanding, a second concurrent request fails fast with ErrBusy.
type Session struct {
	provider  Provider
	address   string
	network   string
	events    EventSink
	connected atomic.Bool
	signing   atomic.Bool
}

// Address returns the connected account address.
func (s *Session) Address() string { return s.address }

// ProviderID returns the id of the backend this session is bound to.
func (s *Session) ProviderID() string { return s.provider.ID() }

// Network returns the network label the session was opened for.
func (s *Session) Network() string { return s.network }

// Connected reports whether the session is usable.
func (s *Session) Connected() bool { return s.connected.Load() }

// Disconnect closes the session. Idempotent: a second call is a no-op.
func (s *Session) Disconnect(ctx context.Context) error {
	if !s.connected.CompareAndSwap(true, false) {
		return nil
	}
	err := s.provider.Disconnect(ctx)
	if s.events != nil {
		s.events.Publish("wallet.disconnected", map[string]any{
			"provider": s.provider.ID(),
			"address":  s.address,
		})
	}
	return err
}

// SignTransaction signs one serialized transaction via the bound backend.
func (s *Session) SignTransaction(ctx context.Context, tx []byte) ([]byte, error) {
	if !s.connected.Load() {
		return nil, ErrNotConnected
	}
	if !s.signing.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer s.signing.Store(false)

	return s.provider.SignTransaction(ctx, tx)
}

// SignAllTransactions signs a batch atomically via the bound backend.
func (s *Session) SignAllTransactions(ctx context.Context, txs [][]byte) ([][]byte, error) {
	if !s.connected.Load() {
		return nil, ErrNotConnected
	}
	if !s.signing.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer s.signing.Store(false)

	return s.provider.SignAllTransactions(ctx, txs)
}

// SignMessage signs an arbitrary message via the bound backend.
func (s *Session) SignMessage(ctx context.Context, msg []byte) ([]byte, error) {
	if !s.connected.Load() {
		return nil, ErrNotConnected
	}
	return s.provider.SignMessage(ctx, msg)
}
