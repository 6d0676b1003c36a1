package escrow

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-memory Store used for dev and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	escrows map[string]*Escrow
	history map[string][]*HistoryEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Escrow),
		history: make(map[string][]*HistoryEntry),
	}
}

var _ Store = (*MemoryStore)(nil)

func cloneEscrow(e *Escrow) *Escrow {
	c := *e
	c.Amount = new(big.Int).Set(e.Amount)
	if e.FeeAmount != nil {
		c.FeeAmount = new(big.Int).Set(e.FeeAmount)
	}
	return &c
}

func (s *MemoryStore) Create(ctx context.Context, e *Escrow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.escrows[e.ID] = cloneEscrow(e)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.escrows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEscrow(e), nil
}

func (s *MemoryStore) Update(ctx context.Context, e *Escrow, h *HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.escrows[e.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != e.Version {
		return ErrVersionConflict
	}
	e.Version++
	s.escrows[e.ID] = cloneEscrow(e)
	if h != nil {
		s.history[e.ID] = append(s.history[e.ID], h)
	}
	return nil
}

func (s *MemoryStore) ListByParty(ctx context.Context, addr string) ([]*Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Escrow
	for _, e := range s.escrows {
		if e.BuyerAddr == addr || e.SellerAddr == addr {
			out = append(out, cloneEscrow(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListExpiring(ctx context.Context, now time.Time, limit int) ([]*Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Escrow
	for _, e := range s.escrows {
		if (e.Status == StatusPending || e.Status == StatusFunded) && now.After(e.ExpiresAt) {
			out = append(out, cloneEscrow(e))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) History(ctx context.Context, escrowID string) ([]*HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.history[escrowID]
	out := make([]*HistoryEntry, len(entries))
	copy(out, entries)
	return out, nil
}
