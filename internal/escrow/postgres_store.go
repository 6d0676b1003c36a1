package escrow

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"time"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, address, buyer_addr, seller_addr, amount, mint,
			status, version, created_at, expires_at,
			funding_tx_ref, settlement_tx_ref, fee_amount, refund_consent
		) VALUES (
			$1, $2, $3, $4, $5::NUMERIC(38,0), $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14
		)`,
		e.ID, e.Address, e.BuyerAddr, e.SellerAddr, e.Amount.String(), e.Mint,
		string(e.Status), e.Version, e.CreatedAt, e.ExpiresAt,
		nullString(e.FundingTxRef), nullString(e.SettlementTxRef),
		nullString(bigString(e.FeeAmount)), e.RefundConsent,
	)
	return err
}

const escrowColumns = `id, address, buyer_addr, seller_addr, amount, mint,
		       status, version, created_at, expires_at,
		       funding_tx_ref, settlement_tx_ref, fee_amount, refund_consent`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)

	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

// Update matches id and version, bumps the version, and appends the history
// row in one transaction. A version miss means another instance transitioned
// the escrow first.
func (p *PostgresStore) Update(ctx context.Context, e *Escrow, h *HistoryEntry) error {
	txn, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = txn.Rollback() }()

	result, err := txn.ExecContext(ctx, `
		UPDATE escrows SET
			status = $1, version = version + 1,
			funding_tx_ref = $2, settlement_tx_ref = $3,
			fee_amount = $4, refund_consent = $5
		WHERE id = $6 AND version = $7`,
		string(e.Status),
		nullString(e.FundingTxRef), nullString(e.SettlementTxRef),
		nullString(bigString(e.FeeAmount)), e.RefundConsent,
		e.ID, e.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Distinguish a lost race from a missing row.
		var exists bool
		if err := txn.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM escrows WHERE id = $1)`, e.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}

	if h != nil {
		_, err = txn.ExecContext(ctx, `
			INSERT INTO escrow_history (id, escrow_id, from_status, to_status, tx_ref, note, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			h.ID, h.EscrowID, string(h.FromStatus), string(h.ToStatus),
			nullString(h.TxRef), nullString(h.Note), h.CreatedAt,
		)
		if err != nil {
			return err
		}
	}

	if err := txn.Commit(); err != nil {
		return err
	}
	e.Version++
	return nil
}

func (p *PostgresStore) ListByParty(ctx context.Context, addr string) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE buyer_addr = $1 OR seller_addr = $1
		ORDER BY created_at DESC`, addr)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListExpiring(ctx context.Context, now time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status IN ('pending', 'funded')
		  AND expires_at < $1
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) History(ctx context.Context, escrowID string) ([]*HistoryEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, escrow_id, from_status, to_status, tx_ref, note, created_at
		FROM escrow_history
		WHERE escrow_id = $1
		ORDER BY created_at ASC`, escrowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*HistoryEntry
	for rows.Next() {
		var (
			h          HistoryEntry
			fromStatus string
			toStatus   string
			txRef      sql.NullString
			note       sql.NullString
		)
		if err := rows.Scan(&h.ID, &h.EscrowID, &fromStatus, &toStatus, &txRef, &note, &h.CreatedAt); err != nil {
			return nil, err
		}
		h.FromStatus = Status(fromStatus)
		h.ToStatus = Status(toStatus)
		h.TxRef = txRef.String
		h.Note = note.String
		result = append(result, &h)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		amount          string
		status          string
		fundingTxRef    sql.NullString
		settlementTxRef sql.NullString
		feeAmount       sql.NullString
	)

	err := s.Scan(
		&e.ID, &e.Address, &e.BuyerAddr, &e.SellerAddr, &amount, &e.Mint,
		&status, &e.Version, &e.CreatedAt, &e.ExpiresAt,
		&fundingTxRef, &settlementTxRef, &feeAmount, &e.RefundConsent,
	)
	if err != nil {
		return nil, err
	}

	e.Status = Status(status)
	e.FundingTxRef = fundingTxRef.String
	e.SettlementTxRef = settlementTxRef.String

	e.Amount, err = parseBig(amount)
	if err != nil {
		return nil, fmt.Errorf("escrow %s: %w", e.ID, err)
	}
	if feeAmount.Valid {
		e.FeeAmount, err = parseBig(feeAmount.String)
		if err != nil {
			return nil, fmt.Errorf("escrow %s: %w", e.ID, err)
		}
	}
	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func parseBig(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("escrow: non-numeric amount %q", s)
	}
	return v, nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
