package escrow

import (
	"context"
	"testing"
	"time"
)

func TestTimer_SweepExpiresOverdueEscrows(t *testing.T) {
	f := newFixture(Config{AutoRelease: "release"})

	pending := mustCreate(t, f)
	funded := mustCreate(t, f)
	mustFund(t, f, funded)
	fresh := mustCreate(t, f)

	backdate(t, f, pending.ID, time.Now().UTC().Add(-time.Minute))
	backdate(t, f, funded.ID, time.Now().UTC().Add(-time.Minute))

	timer := NewTimer(f.svc, f.store, &stubSigner{address: "operator"}, time.Hour, testLogger())
	timer.sweep(context.Background())

	ctx := context.Background()
	if e, _ := f.store.Get(ctx, pending.ID); e.Status != StatusExpired {
		t.Errorf("Expected never-funded escrow expired, got %s", e.Status)
	}
	if e, _ := f.store.Get(ctx, funded.ID); e.Status != StatusReleased {
		t.Errorf("Expected funded escrow released per policy, got %s", e.Status)
	}
	if e, _ := f.store.Get(ctx, fresh.ID); e.Status != StatusPending {
		t.Errorf("Expected unexpired escrow untouched, got %s", e.Status)
	}
}

func TestTimer_SweepWithoutSignerParksFunded(t *testing.T) {
	f := newFixture(Config{AutoRelease: "release"})
	funded := mustCreate(t, f)
	mustFund(t, f, funded)
	backdate(t, f, funded.ID, time.Now().UTC().Add(-time.Minute))

	timer := NewTimer(f.svc, f.store, nil, time.Hour, testLogger())
	timer.sweep(context.Background())

	if e, _ := f.store.Get(context.Background(), funded.ID); e.Status != StatusExpired {
		t.Errorf("Expected funded escrow parked in expired, got %s", e.Status)
	}
}

func TestTimer_StartStop(t *testing.T) {
	f := newFixture(Config{})
	timer := NewTimer(f.svc, f.store, nil, 10*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		timer.Start(ctx)
		close(done)
	}()

	// Wait for the loop to come up, then stop it.
	deadline := time.After(time.Second)
	for !timer.Running() {
		select {
		case <-deadline:
			t.Fatal("Timer never reported running")
		case <-time.After(time.Millisecond):
		}
	}
	timer.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Timer did not stop")
	}
	if timer.Running() {
		t.Error("Expected Running() false after stop")
	}
}

func TestTimer_SweepIsIdempotent(t *testing.T) {
	f := newFixture(Config{})
	pending := mustCreate(t, f)
	backdate(t, f, pending.ID, time.Now().UTC().Add(-time.Minute))

	timer := NewTimer(f.svc, f.store, nil, time.Hour, testLogger())
	timer.sweep(context.Background())
	timer.sweep(context.Background())

	hist, _ := f.store.History(context.Background(), pending.ID)
	if len(hist) != 1 {
		t.Errorf("Expected exactly one expiry transition, got %d", len(hist))
	}
}
