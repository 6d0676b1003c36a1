package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/settle/internal/metrics"
	"github.com/mbd888/settle/internal/tx"
)

// Timer is the expiry sweeper: it periodically scans escrows past their
// deadline and applies expiry policy. Safe to run from multiple instances;
// the store's version check makes losing sweeps a no-op.
type Timer struct {
	service  *Service
	store    Store
	signer   tx.Signer // operator signer for auto settlement, may be nil
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new expiry sweeper.
func NewTimer(service *Service, store Store, signer tx.Signer, interval time.Duration, logger *slog.Logger) *Timer {
	return &Timer{
		service:  service,
		store:    store,
		signer:   signer,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in expiry sweeper", "panic", fmt.Sprint(r))
		}
	}()
	t.sweep(ctx)
}

func (t *Timer) sweep(ctx context.Context) {
	metrics.SweeperRunsTotal.Inc()

	expired, err := t.store.ListExpiring(ctx, time.Now().UTC(), 100)
	if err != nil {
		t.logger.Warn("failed to list expiring escrows", "error", err)
		return
	}

	for _, e := range expired {
		updated, err := t.service.AutoExpire(ctx, e.ID, t.signer)
		if err != nil {
			t.logger.Warn("failed to expire escrow",
				"escrowId", e.ID, "status", string(e.Status), "error", err)
			continue
		}
		if updated.Status == e.Status {
			// Another instance got here first, or the escrow moved on.
			continue
		}
		t.logger.Info("escrow expired",
			"escrowId", e.ID, "from", string(e.Status), "to", string(updated.Status),
			"amount", updated.Amount.String())
	}
}
