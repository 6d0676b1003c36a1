package dispute

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/settle/internal/idgen"
	"github.com/mbd888/settle/internal/testutil"
)

// seedEscrow satisfies the foreign key from disputes to escrows.
func seedEscrow(t *testing.T, db *sql.DB) string {
	t.Helper()
	id := idgen.WithPrefix("esc_")
	now := time.Now().UTC()
	_, err := db.ExecContext(context.Background(), `
		INSERT INTO escrows (
			id, address, buyer_addr, seller_addr, amount, mint,
			status, version, created_at, expires_at, refund_consent
		) VALUES ($1, $2, 'buyer-1', 'seller-1', 1000000, 'usdc',
			'disputed', 1, $3, $4, FALSE)`,
		id, "escrow:"+idgen.Hex(32), now, now.Add(time.Hour))
	require.NoError(t, err)
	return id
}

func pgDispute(escrowID string) *Dispute {
	return &Dispute{
		ID:        idgen.WithPrefix("dsp_"),
		EscrowID:  escrowID,
		OpenedBy:  "buyer-1",
		Reason:    "not delivered",
		Evidence:  []string{"photo.jpg"},
		Status:    StatusOpen,
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
}

func TestPostgresStore_CreateAndGet(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	escrowID := seedEscrow(t, db)
	d := pgDispute(escrowID)
	require.NoError(t, store.Create(ctx, d))

	got, err := store.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)
	assert.Equal(t, escrowID, got.EscrowID)
	assert.Equal(t, StatusOpen, got.Status)
	assert.Equal(t, []string{"photo.jpg"}, got.Evidence)
	assert.Nil(t, got.ResolvedAt)
	assert.Nil(t, got.ClosedAt)

	_, err = store.Get(ctx, "dsp_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_UpdateLifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	escrowID := seedEscrow(t, db)
	d := pgDispute(escrowID)
	require.NoError(t, store.Create(ctx, d))

	now := time.Now().UTC().Truncate(time.Microsecond)
	d.Status = StatusResolved
	d.Resolution = ResolutionRefund
	d.ResolvedBy = "mod-alpha"
	d.ResolvedAt = &now
	d.Evidence = append(d.Evidence, "receipt.pdf")
	require.NoError(t, store.Update(ctx, d, StatusOpen))

	got, err := store.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, got.Status)
	assert.Equal(t, ResolutionRefund, got.Resolution)
	assert.Equal(t, "mod-alpha", got.ResolvedBy)
	require.NotNil(t, got.ResolvedAt)
	assert.True(t, got.ResolvedAt.Equal(now))
	assert.Equal(t, []string{"photo.jpg", "receipt.pdf"}, got.Evidence)

	ghost := pgDispute(escrowID)
	assert.ErrorIs(t, store.Update(ctx, ghost, StatusOpen), ErrNotFound)

	// A stale writer that still thinks the row is open gets a conflict.
	stale := pgDispute(escrowID)
	stale.ID = d.ID
	assert.ErrorIs(t, store.Update(ctx, stale, StatusOpen), ErrConflict)
}

func TestPostgresStore_OneOpenDisputePerEscrow(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	escrowID := seedEscrow(t, db)
	first := pgDispute(escrowID)
	require.NoError(t, store.Create(ctx, first))

	// The partial unique index refuses a second open dispute.
	second := pgDispute(escrowID)
	assert.Error(t, store.Create(ctx, second))

	// Once the first is closed, a new one may open.
	now := time.Now().UTC()
	first.Status = StatusClosed
	first.ClosedAt = &now
	require.NoError(t, store.Update(ctx, first, StatusOpen))
	require.NoError(t, store.Create(ctx, second))

	open, err := store.OpenByEscrow(ctx, escrowID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, open.ID)

	list, err := store.ListByEscrow(ctx, escrowID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
}

func TestPostgresStore_OpenByEscrowNotFound(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)

	_, err := store.OpenByEscrow(context.Background(), "esc_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
