package dispute

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// PostgresStore persists dispute data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	evidenceJSON, _ := json.Marshal(d.Evidence)
	if d.Evidence == nil {
		evidenceJSON = []byte("[]")
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (
			id, escrow_id, opened_by, reason, description, evidence,
			status, resolution, resolved_by, created_at, resolved_at, closed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12
		)`,
		d.ID, d.EscrowID, d.OpenedBy, d.Reason, nullString(d.Description), evidenceJSON,
		string(d.Status), nullString(string(d.Resolution)), nullString(d.ResolvedBy),
		d.CreatedAt, nullTime(d.ResolvedAt), nullTime(d.ClosedAt),
	)
	return err
}

const disputeColumns = `id, escrow_id, opened_by, reason, description, evidence,
		       status, resolution, resolved_by, created_at, resolved_at, closed_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)

	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return d, err
}

func (p *PostgresStore) Update(ctx context.Context, d *Dispute, expected Status) error {
	evidenceJSON, _ := json.Marshal(d.Evidence)
	if d.Evidence == nil {
		evidenceJSON = []byte("[]")
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			evidence = $1, status = $2, resolution = $3,
			resolved_by = $4, resolved_at = $5, closed_at = $6
		WHERE id = $7 AND status = $8`,
		evidenceJSON, string(d.Status), nullString(string(d.Resolution)),
		nullString(d.ResolvedBy), nullTime(d.ResolvedAt), nullTime(d.ClosedAt),
		d.ID, string(expected),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Row missing vs row moved on by a concurrent writer.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM disputes WHERE id = $1)`, d.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

func (p *PostgresStore) OpenByEscrow(ctx context.Context, escrowID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE escrow_id = $1 AND status = 'open'`, escrowID)

	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return d, err
}

func (p *PostgresStore) ListByEscrow(ctx context.Context, escrowID string) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE escrow_id = $1
		ORDER BY created_at ASC`, escrowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		description  sql.NullString
		evidenceJSON []byte
		status       string
		resolution   sql.NullString
		resolvedBy   sql.NullString
		resolvedAt   sql.NullTime
		closedAt     sql.NullTime
	)

	err := s.Scan(
		&d.ID, &d.EscrowID, &d.OpenedBy, &d.Reason, &description, &evidenceJSON,
		&status, &resolution, &resolvedBy, &d.CreatedAt, &resolvedAt, &closedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Status = Status(status)
	d.Description = description.String
	d.Resolution = Resolution(resolution.String)
	d.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	if closedAt.Valid {
		d.ClosedAt = &closedAt.Time
	}
	if len(evidenceJSON) > 0 {
		_ = json.Unmarshal(evidenceJSON, &d.Evidence)
	}
	return d, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
