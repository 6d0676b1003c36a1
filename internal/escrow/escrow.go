// Package escrow owns the conditional payment lifecycle: a buyer funds an
// escrow account, and the funds later move to the seller (release) or back to
// the buyer (refund), possibly via dispute arbitration or timeout policy.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/mbd888/settle/internal/idgen"
	"github.com/mbd888/settle/internal/ledger"
	"github.com/mbd888/settle/internal/metrics"
	"github.com/mbd888/settle/internal/traces"
	"github.com/mbd888/settle/internal/tx"
)

var (
	ErrNotFound           = errors.New("escrow: not found")
	ErrInvalidTransition  = errors.New("escrow: invalid state transition")
	ErrAmountMismatch     = errors.New("escrow: funded amount does not match escrow amount")
	ErrNotExpiredYet      = errors.New("escrow: not expired and no buyer consent for refund")
	ErrDisputeAlreadyOpen = errors.New("escrow: dispute already open")
	ErrVersionConflict    = errors.New("escrow: concurrent update conflict")
	ErrInvalidRequest     = errors.New("escrow: invalid request")
)

// Status of an escrow. Released, Refunded, and Expired are terminal.
type Status string

const (
	StatusPending  Status = "pending"
	StatusFunded   Status = "funded"
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"
	StatusDisputed Status = "disputed"
	StatusExpired  Status = "expired"
)

// transitions is the full lifecycle DAG. Anything not listed is rejected.
var transitions = map[Status][]Status{
	StatusPending:  {StatusFunded, StatusExpired},
	StatusFunded:   {StatusReleased, StatusRefunded, StatusDisputed, StatusExpired},
	StatusDisputed: {StatusReleased, StatusRefunded},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s permits no further transitions.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Escrow is a conditional holding account. Amount is immutable after
// creation; Version guards concurrent updates across service instances.
type Escrow struct {
	ID              string
	Address         string
	BuyerAddr       string
	SellerAddr      string
	Amount          *big.Int
	Mint            string
	Status          Status
	Version         int
	CreatedAt       time.Time
	ExpiresAt       time.Time
	FundingTxRef    string
	SettlementTxRef string
	FeeAmount       *big.Int
	RefundConsent   bool
}

// Expired reports whether the funding deadline has passed.
func (e *Escrow) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Snapshot renders the escrow for events and API responses.
func (e *Escrow) Snapshot() map[string]any {
	snap := map[string]any{
		"id":        e.ID,
		"address":   e.Address,
		"buyer":     e.BuyerAddr,
		"seller":    e.SellerAddr,
		"amount":    e.Amount.String(),
		"mint":      e.Mint,
		"status":    string(e.Status),
		"createdAt": e.CreatedAt.UTC().Format(time.RFC3339),
		"expiresAt": e.ExpiresAt.UTC().Format(time.RFC3339),
	}
	if e.FundingTxRef != "" {
		snap["fundingTxRef"] = e.FundingTxRef
	}
	if e.SettlementTxRef != "" {
		snap["settlementTxRef"] = e.SettlementTxRef
	}
	if e.FeeAmount != nil && e.FeeAmount.Sign() > 0 {
		snap["feeAmount"] = e.FeeAmount.String()
	}
	if e.RefundConsent {
		snap["refundConsent"] = true
	}
	return snap
}

// HistoryEntry is one append-only record of a lifecycle transition.
type HistoryEntry struct {
	ID         string
	EscrowID   string
	FromStatus Status
	ToStatus   Status
	TxRef      string
	Note       string
	CreatedAt  time.Time
}

// Store persists escrows. Update must match both ID and Version, bump the
// version, and append the history entry atomically; a non-matching version
// returns ErrVersionConflict so racing settlers cannot both win.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	Update(ctx context.Context, e *Escrow, h *HistoryEntry) error
	ListByParty(ctx context.Context, addr string) ([]*Escrow, error)
	ListExpiring(ctx context.Context, now time.Time, limit int) ([]*Escrow, error)
	History(ctx context.Context, escrowID string) ([]*HistoryEntry, error)
}

// EventSink receives named lifecycle events with snapshot payloads.
type EventSink interface {
	Publish(name string, data map[string]any)
}

// Submitter submits transfer intents to the ledger.
type Submitter interface {
	SubmitWithRetry(ctx context.Context, intent tx.Intent, signer tx.Signer) (*tx.Handle, error)
}

// Tracker awaits ledger confirmation of a submitted handle.
type Tracker interface {
	WaitForConfirmation(ctx context.Context, h *tx.Handle, target ledger.Commitment, timeout time.Duration) (*ledger.SignatureStatus, error)
}

// Config is the escrow policy knobs.
type Config struct {
	FundingTimeout time.Duration
	ConfirmTimeout time.Duration
	Commitment     ledger.Commitment
	// AutoRelease decides where funds go when a funded escrow expires
	// undisputed: "release" pays the seller, "refund" returns the buyer.
	AutoRelease string
	FeeBps      int64
}

// Service coordinates escrow transitions against the store and the ledger.
type Service struct {
	store     Store
	events    EventSink
	submitter Submitter
	tracker   Tracker
	cfg       Config
	logger    *slog.Logger

	// Per-escrow locks serialize local transitions; the store's version
	// check covers races across instances.
	locks sync.Map
}

// NewService creates the escrow coordinator.
func NewService(store Store, events EventSink, submitter Submitter, tracker Tracker, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		events:    events,
		submitter: submitter,
		tracker:   tracker,
		cfg:       cfg,
		logger:    logger,
	}
}

func (s *Service) lock(id string) func() {
	mu, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

// Create opens a new escrow in Pending with expiresAt = now + funding timeout.
func (s *Service) Create(ctx context.Context, buyer, seller string, amount *big.Int, mint string) (*Escrow, error) {
	if buyer == "" || seller == "" {
		return nil, fmt.Errorf("%w: buyer and seller are required", ErrInvalidRequest)
	}
	if buyer == seller {
		return nil, fmt.Errorf("%w: buyer and seller must differ", ErrInvalidRequest)
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}

	now := time.Now().UTC()
	e := &Escrow{
		ID:         idgen.WithPrefix("esc_"),
		Address:    "escrow:" + idgen.Hex(32),
		BuyerAddr:  buyer,
		SellerAddr: seller,
		Amount:     new(big.Int).Set(amount),
		Mint:       mint,
		Status:     StatusPending,
		Version:    1,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.cfg.FundingTimeout),
	}
	if err := s.store.Create(ctx, e); err != nil {
		return nil, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusPending)).Inc()
	s.publish(e)
	s.logger.Info("escrow created",
		"escrowId", e.ID, "buyer", buyer, "seller", seller,
		"amount", amount.String(), "expiresAt", e.ExpiresAt)
	return e, nil
}

// Get returns one escrow by id.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// ListByParty returns escrows where addr is buyer or seller.
func (s *Service) ListByParty(ctx context.Context, addr string) ([]*Escrow, error) {
	return s.store.ListByParty(ctx, addr)
}

// History returns the append-only transition log of an escrow.
func (s *Service) History(ctx context.Context, id string) ([]*HistoryEntry, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.History(ctx, id)
}

// Fund moves the buyer's funds into the escrow account and transitions
// Pending -> Funded once the transfer confirms at the configured commitment.
//
// amount must equal the escrow amount exactly; a mismatch halts with
// ErrAmountMismatch and is never reconciled. Replaying Fund on an
// already-funded escrow is an idempotent no-op returning the snapshot.
func (s *Service) Fund(ctx context.Context, id string, signer tx.Signer, amount *big.Int) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Fund", traces.EscrowID(id))
	defer span.End()

	unlock := s.lock(id)
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if e.Status == StatusFunded {
		return e, nil
	}
	if e.Status != StatusPending {
		return nil, s.reject(e, StatusFunded)
	}
	if e.Expired(time.Now().UTC()) {
		return nil, fmt.Errorf("%w: funding window closed at %s", ErrInvalidTransition, e.ExpiresAt.Format(time.RFC3339))
	}
	if amount == nil || amount.Cmp(e.Amount) != 0 {
		got := "nil"
		if amount != nil {
			got = amount.String()
		}
		return nil, fmt.Errorf("%w: escrow holds %s, got %s", ErrAmountMismatch, e.Amount.String(), got)
	}

	intent := tx.Intent{
		From:   e.BuyerAddr,
		To:     e.Address,
		Amount: new(big.Int).Set(e.Amount),
		Memo:   "escrow funding " + e.ID,
		Nonce:  nonceFor(e.ID, "fund"),
	}

	handle, err := s.submitter.SubmitWithRetry(ctx, intent, signer)
	if err != nil {
		return nil, fmt.Errorf("escrow: fund submission: %w", err)
	}
	if _, err := s.tracker.WaitForConfirmation(ctx, handle, s.cfg.Commitment, s.cfg.ConfirmTimeout); err != nil {
		return nil, fmt.Errorf("escrow: fund confirmation: %w", err)
	}
	// Amount equality is asserted against what actually went on the wire.
	if handle.Intent.Amount.Cmp(e.Amount) != 0 {
		return nil, fmt.Errorf("%w: confirmed transfer of %s against escrow of %s",
			ErrAmountMismatch, handle.Intent.Amount.String(), e.Amount.String())
	}

	e.FundingTxRef = string(handle.Signature())
	if err := s.transition(ctx, e, StatusFunded, e.FundingTxRef, "buyer funding confirmed"); err != nil {
		return nil, err
	}
	return e, nil
}

// Release settles a funded escrow to the seller.
func (s *Service) Release(ctx context.Context, id string, signer tx.Signer) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release", traces.EscrowID(id))
	defer span.End()

	unlock := s.lock(id)
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status == StatusReleased {
		return e, nil
	}
	if e.Status != StatusFunded {
		return nil, s.reject(e, StatusReleased)
	}
	return e, s.settle(ctx, e, signer, StatusReleased)
}

// Refund returns a funded escrow to the buyer. Before expiry it requires
// recorded buyer consent; otherwise it fails with ErrNotExpiredYet.
func (s *Service) Refund(ctx context.Context, id string, signer tx.Signer) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Refund", traces.EscrowID(id))
	defer span.End()

	unlock := s.lock(id)
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status == StatusRefunded {
		return e, nil
	}
	if e.Status != StatusFunded {
		return nil, s.reject(e, StatusRefunded)
	}
	if !e.Expired(time.Now().UTC()) && !e.RefundConsent {
		return nil, fmt.Errorf("%w: expires at %s", ErrNotExpiredYet, e.ExpiresAt.Format(time.RFC3339))
	}
	return e, s.settle(ctx, e, signer, StatusRefunded)
}

// ConsentRefund records the buyer's consent to an early refund.
func (s *Service) ConsentRefund(ctx context.Context, id string) (*Escrow, error) {
	unlock := s.lock(id)
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusFunded {
		return nil, fmt.Errorf("%w: consent applies to funded escrows, status is %s", ErrInvalidTransition, e.Status)
	}
	if e.RefundConsent {
		return e, nil
	}
	e.RefundConsent = true
	entry := &HistoryEntry{
		ID:         idgen.WithPrefix("hst_"),
		EscrowID:   e.ID,
		FromStatus: e.Status,
		ToStatus:   e.Status,
		Note:       "buyer consented to early refund",
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.Update(ctx, e, entry); err != nil {
		return nil, err
	}
	return e, nil
}

// MarkDisputed transitions Funded -> Disputed. Called by the dispute
// resolver when it opens a dispute; the dispute record itself lives there.
func (s *Service) MarkDisputed(ctx context.Context, id string) (*Escrow, error) {
	unlock := s.lock(id)
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status == StatusDisputed {
		return nil, ErrDisputeAlreadyOpen
	}
	if e.Status != StatusFunded {
		return nil, s.reject(e, StatusDisputed)
	}
	if err := s.transition(ctx, e, StatusDisputed, "", "dispute opened"); err != nil {
		return nil, err
	}
	return e, nil
}

// SettleDispute executes an arbitration outcome on a disputed escrow.
// resolution must be StatusReleased or StatusRefunded.
func (s *Service) SettleDispute(ctx context.Context, id string, signer tx.Signer, resolution Status) (*Escrow, error) {
	if resolution != StatusReleased && resolution != StatusRefunded {
		return nil, fmt.Errorf("%w: resolution %q", ErrInvalidRequest, resolution)
	}

	unlock := s.lock(id)
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status == resolution {
		return e, nil
	}
	if e.Status != StatusDisputed {
		return nil, s.reject(e, resolution)
	}
	return e, s.settle(ctx, e, signer, resolution)
}

// CheckExpiration is the pure expiry predicate the sweeper uses: true when
// the escrow is past its deadline in a state the sweeper may act on.
func (s *Service) CheckExpiration(e *Escrow, now time.Time) bool {
	if !e.Expired(now) {
		return false
	}
	return e.Status == StatusPending || e.Status == StatusFunded
}

// AutoExpire applies expiry policy to one escrow. Never-funded escrows
// expire in place. Funded ones settle per the auto-release policy when an
// operator signer is available, and park in Expired otherwise. Escrows in
// any other state are left alone, so concurrent sweepers are safe.
func (s *Service) AutoExpire(ctx context.Context, id string, signer tx.Signer) (*Escrow, error) {
	unlock := s.lock(id)
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if !s.CheckExpiration(e, now) {
		return e, nil
	}

	if e.Status == StatusPending {
		if err := s.transition(ctx, e, StatusExpired, "", "funding window elapsed"); err != nil {
			return nil, err
		}
		return e, nil
	}

	// Funded past expiry with no open dispute.
	if signer == nil {
		if err := s.transition(ctx, e, StatusExpired, "", "expired funded, no operator signer for auto settlement"); err != nil {
			return nil, err
		}
		return e, nil
	}

	target := StatusReleased
	if s.cfg.AutoRelease == "refund" {
		target = StatusRefunded
	}
	return e, s.settle(ctx, e, signer, target)
}

// accountSigner presents a session as the authority of another account.
// Settlement transfers originate from the escrow address, and the operator
// session signs on its behalf.
type accountSigner struct {
	tx.Signer
	addr string
}

func (a accountSigner) Address() string { return a.addr }

func asAccount(s tx.Signer, addr string) tx.Signer {
	return accountSigner{Signer: s, addr: addr}
}

// settle submits the escrow -> recipient transfer and records the terminal
// transition once it confirms. Callers hold the per-escrow lock.
func (s *Service) settle(ctx context.Context, e *Escrow, signer tx.Signer, target Status) error {
	recipient := e.SellerAddr
	if target == StatusRefunded {
		recipient = e.BuyerAddr
	}

	fee := feeFor(e.Amount, s.cfg.FeeBps)
	payout := new(big.Int).Sub(e.Amount, fee)

	intent := tx.Intent{
		From:   e.Address,
		To:     recipient,
		Amount: payout,
		Memo:   fmt.Sprintf("escrow %s %s", string(target), e.ID),
		Nonce:  nonceFor(e.ID, "settle"),
	}

	handle, err := s.submitter.SubmitWithRetry(ctx, intent, asAccount(signer, e.Address))
	if err != nil {
		return fmt.Errorf("escrow: settlement submission: %w", err)
	}
	if _, err := s.tracker.WaitForConfirmation(ctx, handle, s.cfg.Commitment, s.cfg.ConfirmTimeout); err != nil {
		return fmt.Errorf("escrow: settlement confirmation: %w", err)
	}

	e.SettlementTxRef = string(handle.Signature())
	e.FeeAmount = fee
	return s.transition(ctx, e, target, e.SettlementTxRef,
		fmt.Sprintf("settled %s to %s", payout.String(), recipient))
}

// transition applies a validated edge, persists it with a history row, and
// publishes the snapshot. Callers hold the per-escrow lock.
func (s *Service) transition(ctx context.Context, e *Escrow, to Status, txRef, note string) error {
	if !CanTransition(e.Status, to) {
		return s.reject(e, to)
	}
	from := e.Status
	e.Status = to

	entry := &HistoryEntry{
		ID:         idgen.WithPrefix("hst_"),
		EscrowID:   e.ID,
		FromStatus: from,
		ToStatus:   to,
		TxRef:      txRef,
		Note:       note,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.Update(ctx, e, entry); err != nil {
		e.Status = from
		if errors.Is(err, ErrVersionConflict) {
			// Another instance won the race. Surface as an illegal transition
			// from the caller's point of view.
			return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
		}
		return err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(to)).Inc()
	s.publish(e)
	s.logger.Info("escrow transitioned",
		"escrowId", e.ID, "from", string(from), "to", string(to), "txRef", txRef)
	return nil
}

func (s *Service) reject(e *Escrow, to Status) error {
	metrics.EscrowTransitionRejects.Inc()
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, to)
}

func (s *Service) publish(e *Escrow) {
	if s.events == nil {
		return
	}
	s.events.Publish("escrow."+string(e.Status), e.Snapshot())
}

// feeFor computes the platform fee in raw units, rounded down.
func feeFor(amount *big.Int, bps int64) *big.Int {
	if bps <= 0 {
		return big.NewInt(0)
	}
	fee := new(big.Int).Mul(amount, big.NewInt(bps))
	return fee.Div(fee, big.NewInt(10_000))
}

// nonceFor derives the deterministic per-phase nonce so that retried
// submissions for the same escrow phase collapse to one ledger effect.
func nonceFor(escrowID, phase string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(escrowID))
	_, _ = h.Write([]byte{':'})
	_, _ = h.Write([]byte(phase))
	return h.Sum64()
}
