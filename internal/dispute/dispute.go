// Package dispute turns moderator arbitration decisions into escrow
// settlement actions. The decision and its settlement are decoupled: a
// dispute can sit Resolved while the settlement transaction is retried.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/settle/internal/escrow"
	"github.com/mbd888/settle/internal/idgen"
	"github.com/mbd888/settle/internal/metrics"
	"github.com/mbd888/settle/internal/traces"
	"github.com/mbd888/settle/internal/tx"
)

var (
	ErrNotFound          = errors.New("dispute: not found")
	ErrNotOpen           = errors.New("dispute: not open")
	ErrNotResolved       = errors.New("dispute: not resolved")
	ErrUnauthorized      = errors.New("dispute: moderator not authorized")
	ErrInvalidResolution = errors.New("dispute: resolution must be release or refund")
	// ErrConflict is returned by Store.Update when the row is no longer in
	// the expected status, meaning a concurrent writer got there first.
	ErrConflict = errors.New("dispute: concurrent update")
)

// Status of a dispute.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
	StatusClosed   Status = "closed"
)

// Resolution is the arbitration outcome.
type Resolution string

const (
	ResolutionRelease Resolution = "release"
	ResolutionRefund  Resolution = "refund"
)

func (r Resolution) escrowTarget() escrow.Status {
	if r == ResolutionRefund {
		return escrow.StatusRefunded
	}
	return escrow.StatusReleased
}

// Dispute is one arbitration case against a funded escrow.
type Dispute struct {
	ID          string
	EscrowID    string
	OpenedBy    string
	Reason      string
	Description string
	Evidence    []string
	Status      Status
	Resolution  Resolution
	ResolvedBy  string
	CreatedAt   time.Time
	ResolvedAt  *time.Time
	ClosedAt    *time.Time
}

// Snapshot renders the dispute for events and API responses.
func (d *Dispute) Snapshot() map[string]any {
	snap := map[string]any{
		"id":        d.ID,
		"escrowId":  d.EscrowID,
		"openedBy":  d.OpenedBy,
		"reason":    d.Reason,
		"status":    string(d.Status),
		"createdAt": d.CreatedAt.UTC().Format(time.RFC3339),
		"evidence":  d.Evidence,
	}
	if d.Description != "" {
		snap["description"] = d.Description
	}
	if d.Resolution != "" {
		snap["resolution"] = string(d.Resolution)
	}
	if d.ResolvedBy != "" {
		snap["resolvedBy"] = d.ResolvedBy
	}
	if d.ResolvedAt != nil {
		snap["resolvedAt"] = d.ResolvedAt.UTC().Format(time.RFC3339)
	}
	if d.ClosedAt != nil {
		snap["closedAt"] = d.ClosedAt.UTC().Format(time.RFC3339)
	}
	return snap
}

// Store persists disputes.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	// Update writes d only if the stored row is still in the expected
	// status, so racing writers cannot both move the same dispute.
	// Returns ErrConflict when the precondition fails.
	Update(ctx context.Context, d *Dispute, expected Status) error
	OpenByEscrow(ctx context.Context, escrowID string) (*Dispute, error)
	ListByEscrow(ctx context.Context, escrowID string) ([]*Dispute, error)
}

// Coordinator is the slice of the escrow service the resolver drives.
type Coordinator interface {
	MarkDisputed(ctx context.Context, id string) (*escrow.Escrow, error)
	SettleDispute(ctx context.Context, id string, signer tx.Signer, resolution escrow.Status) (*escrow.Escrow, error)
}

// EventSink receives named lifecycle events with snapshot payloads.
type EventSink interface {
	Publish(name string, data map[string]any)
}

// Service is the dispute resolver.
type Service struct {
	store       Store
	coordinator Coordinator
	events      EventSink
	// moderators is the lowercased allowlist standing in for the external
	// arbitration capability check.
	moderators []string
	logger     *slog.Logger
}

// NewService creates the dispute resolver.
func NewService(store Store, coordinator Coordinator, events EventSink, moderators []string, logger *slog.Logger) *Service {
	lowered := make([]string, len(moderators))
	for i, m := range moderators {
		lowered[i] = strings.ToLower(m)
	}
	return &Service{
		store:       store,
		coordinator: coordinator,
		events:      events,
		moderators:  lowered,
		logger:      logger,
	}
}

// Authorized reports whether moderator is on the arbitration allowlist.
func (s *Service) Authorized(moderator string) bool {
	m := strings.ToLower(moderator)
	for _, allowed := range s.moderators {
		if allowed == m {
			return true
		}
	}
	return false
}

// Open creates a dispute against a funded escrow and marks the escrow
// Disputed. Only one dispute may be open per escrow at a time.
func (s *Service) Open(ctx context.Context, escrowID, openedBy, reason, description string, evidence []string) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Open", traces.EscrowID(escrowID))
	defer span.End()

	if reason == "" {
		return nil, fmt.Errorf("%w: reason is required", ErrNotOpen)
	}

	// The escrow transition enforces Funded-only and rejects a second open
	// dispute; the store's unique index backs this up across instances.
	if _, err := s.coordinator.MarkDisputed(ctx, escrowID); err != nil {
		return nil, err
	}

	if evidence == nil {
		evidence = []string{}
	}
	d := &Dispute{
		ID:          idgen.WithPrefix("dsp_"),
		EscrowID:    escrowID,
		OpenedBy:    openedBy,
		Reason:      reason,
		Description: description,
		Evidence:    evidence,
		Status:      StatusOpen,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.Create(ctx, d); err != nil {
		return nil, err
	}

	metrics.DisputesTotal.WithLabelValues("opened").Inc()
	s.publish("dispute.opened", d)
	s.logger.Info("dispute opened",
		"disputeId", d.ID, "escrowId", escrowID, "openedBy", openedBy, "reason", reason)
	return d, nil
}

// Get returns one dispute by id.
func (s *Service) Get(ctx context.Context, id string) (*Dispute, error) {
	return s.store.Get(ctx, id)
}

// ListByEscrow returns all disputes ever raised against an escrow.
func (s *Service) ListByEscrow(ctx context.Context, escrowID string) ([]*Dispute, error) {
	return s.store.ListByEscrow(ctx, escrowID)
}

// AddEvidence appends an evidence item to an open dispute.
func (s *Service) AddEvidence(ctx context.Context, id, item string) (*Dispute, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusOpen {
		return nil, fmt.Errorf("%w: status is %s", ErrNotOpen, d.Status)
	}
	d.Evidence = append(d.Evidence, item)
	if err := s.store.Update(ctx, d, StatusOpen); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("%w: dispute changed state concurrently", ErrNotOpen)
		}
		return nil, err
	}
	return d, nil
}

// Resolve records a moderator decision and drives the settlement. The
// decision is durable first: if settlement fails, the dispute stays
// Resolved while the escrow remains Disputed, and RetrySettlement can
// re-drive it later.
func (s *Service) Resolve(ctx context.Context, id string, resolution Resolution, moderator string, signer tx.Signer) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Resolve", traces.DisputeID(id))
	defer span.End()

	if resolution != ResolutionRelease && resolution != ResolutionRefund {
		return nil, ErrInvalidResolution
	}
	if !s.Authorized(moderator) {
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, moderator)
	}

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusOpen {
		return nil, fmt.Errorf("%w: status is %s", ErrNotOpen, d.Status)
	}

	now := time.Now().UTC()
	d.Status = StatusResolved
	d.Resolution = resolution
	d.ResolvedBy = moderator
	d.ResolvedAt = &now
	// The status precondition makes this a compare-and-swap: of two racing
	// moderators, exactly one records a ruling.
	if err := s.store.Update(ctx, d, StatusOpen); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("%w: already resolved", ErrNotOpen)
		}
		return nil, err
	}

	metrics.DisputesTotal.WithLabelValues("resolved").Inc()
	s.publish("dispute.resolved", d)
	s.logger.Info("dispute resolved",
		"disputeId", d.ID, "escrowId", d.EscrowID,
		"resolution", string(resolution), "moderator", moderator)

	if err := s.executeSettlement(ctx, d, signer); err != nil {
		return d, err
	}
	return d, nil
}

// RetrySettlement re-drives the settlement of a resolved dispute whose
// earlier settlement attempt failed.
func (s *Service) RetrySettlement(ctx context.Context, id string, signer tx.Signer) (*Dispute, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status == StatusClosed {
		return d, nil
	}
	if d.Status != StatusResolved {
		return nil, fmt.Errorf("%w: status is %s", ErrNotResolved, d.Status)
	}
	if err := s.executeSettlement(ctx, d, signer); err != nil {
		return d, err
	}
	return d, nil
}

// executeSettlement drives the escrow transition and closes the dispute
// once settlement confirms.
func (s *Service) executeSettlement(ctx context.Context, d *Dispute, signer tx.Signer) error {
	_, err := s.coordinator.SettleDispute(ctx, d.EscrowID, signer, d.Resolution.escrowTarget())
	if err != nil {
		metrics.DisputesTotal.WithLabelValues("settlement_failed").Inc()
		s.logger.Warn("dispute settlement failed, dispute stays resolved",
			"disputeId", d.ID, "escrowId", d.EscrowID, "error", err)
		return fmt.Errorf("dispute: settlement: %w", err)
	}

	now := time.Now().UTC()
	d.Status = StatusClosed
	d.ClosedAt = &now
	if err := s.store.Update(ctx, d, StatusResolved); err != nil {
		if errors.Is(err, ErrConflict) {
			// A concurrent retry already closed it; the settlement itself is
			// idempotent, so this attempt is a no-op.
			if cur, getErr := s.store.Get(ctx, d.ID); getErr == nil && cur.Status == StatusClosed {
				*d = *cur
				return nil
			}
		}
		return err
	}

	metrics.DisputesTotal.WithLabelValues("closed").Inc()
	s.publish("dispute.closed", d)
	s.logger.Info("dispute closed", "disputeId", d.ID, "escrowId", d.EscrowID)
	return nil
}

func (s *Service) publish(name string, d *Dispute) {
	if s.events == nil {
		return
	}
	s.events.Publish(name, d.Snapshot())
}
